// Package restart re-launches the agent after its source has changed, by
// running an operator-supplied command such as "systemctl restart metos".
package restart

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/config"
	"github.com/xkilldash9x/metos/internal/logstore"
)

// Restarter runs the configured restart command.
type Restarter struct {
	cfg    config.RestartConfig
	log    logstore.Appender
	logger *zap.Logger
}

// New creates a Restarter.
func New(cfg config.RestartConfig, log logstore.Appender, logger *zap.Logger) *Restarter {
	return &Restarter{cfg: cfg, log: log, logger: logger.Named("restart")}
}

// Enabled reports whether a restart command is configured.
func (r *Restarter) Enabled() bool { return len(r.cfg.Command) > 0 }

// Restart waits the grace delay and then runs the command to completion. A
// missing command is a Disabled error.
func (r *Restarter) Restart(ctx context.Context) error {
	const op = "restart"
	if !r.Enabled() {
		return schemas.Errorf(schemas.KindDisabled, op, "no restart command configured")
	}

	cmdline := strings.Join(r.cfg.Command, " ")
	r.append(fmt.Sprintf("restart requested: %s in %s", cmdline, r.cfg.Delay))
	r.logger.Info("Restarting after grace delay.", zap.String("command", cmdline), zap.Duration("delay", r.cfg.Delay))

	timer := time.NewTimer(r.cfg.Delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		r.append("restart cancelled")
		return schemas.NewError(schemas.KindExecutionFailed, op, ctx.Err())
	case <-timer.C:
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command[0], r.cfg.Command[1:]...)
	if output, err := cmd.CombinedOutput(); err != nil {
		r.append(fmt.Sprintf("restart command failed: %v", err))
		return schemas.NewError(schemas.KindExecutionFailed, op,
			fmt.Errorf("failed to execute command '%s': %w\nOutput: %s", cmdline, err, strings.TrimSpace(string(output))))
	}
	r.append("restart command completed")
	return nil
}

// Trigger validates the configuration and runs Restart in the background,
// detached from ctx's cancellation. done, if non-nil, receives the outcome.
func (r *Restarter) Trigger(ctx context.Context, done func(error)) error {
	if !r.Enabled() {
		return schemas.Errorf(schemas.KindDisabled, "restart", "no restart command configured")
	}
	go func() {
		err := r.Restart(context.WithoutCancel(ctx))
		if err != nil {
			r.logger.Error("Restart failed.", zap.Error(err))
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (r *Restarter) append(msg string) {
	if err := r.log.Append(msg); err != nil {
		r.logger.Warn("Failed to append log entry.", zap.Error(err))
	}
}
