// File: internal/scriptrunner/runner.go
package scriptrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/config"
	"github.com/xkilldash9x/metos/internal/logstore"
	"go.uber.org/zap"
)

// Result is the captured outcome of a script that ran to completion.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// ExecError is the cause attached to an ExecutionFailed error. It carries what
// the script wrote before failing.
type ExecError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("exit code %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("exit code %d: %v: %s", e.ExitCode, e.Err, stderr)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Runner executes script files with a fixed interpreter. It performs no
// sandboxing; scripts run with the agent's own privileges.
type Runner struct {
	cfg    config.ScriptsConfig
	log    logstore.Appender
	logger *zap.Logger
}

// New creates a Runner.
func New(cfg config.ScriptsConfig, log logstore.Appender, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		log:    log,
		logger: logger.Named("scriptrunner"),
	}
}

// Run executes the script at path and waits for it, up to the configured
// timeout. Every call appends exactly one log entry, whatever the outcome.
func (r *Runner) Run(ctx context.Context, path string) (Result, error) {
	res, err := r.run(ctx, path)
	r.record(path, res, err)
	return res, err
}

func (r *Runner) run(ctx context.Context, path string) (Result, error) {
	const op = "run_script"

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, schemas.Errorf(schemas.KindNotFound, op, "script %s does not exist", path)
		}
		return Result{}, schemas.NewError(schemas.KindIOError, op, err)
	}
	if info.IsDir() {
		return Result{}, schemas.Errorf(schemas.KindNotFound, op, "%s is a directory", path)
	}
	if !strings.EqualFold(filepath.Ext(path), r.cfg.Extension) {
		return Result{}, schemas.Errorf(schemas.KindUnsupportedType, op, "only %s scripts are supported, got %q", r.cfg.Extension, filepath.Base(path))
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.cfg.Interpreter, path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()
	cmd.WaitDelay = time.Second

	r.logger.Debug("Executing script.", zap.String("path", path), zap.String("interpreter", r.cfg.Interpreter))
	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr == nil {
		return res, nil
	}
	if ctxErr := runCtx.Err(); ctxErr != nil {
		runErr = fmt.Errorf("%w (after %s)", ctxErr, res.Duration.Round(time.Millisecond))
	}
	return res, schemas.NewError(schemas.KindExecutionFailed, op, &ExecError{
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		Err:      runErr,
	})
}

func (r *Runner) record(path string, res Result, err error) {
	var msg string
	if err != nil {
		msg = fmt.Sprintf("run_script %s failed (%s): %v", path, schemas.KindOf(err), err)
		r.logger.Warn("Script failed.", zap.String("path", path), zap.String("kind", string(schemas.KindOf(err))), zap.Error(err))
	} else {
		msg = fmt.Sprintf("run_script %s exited %d in %s", path, res.ExitCode, res.Duration.Round(time.Millisecond))
		r.logger.Info("Script finished.", zap.String("path", path), zap.Int("exit_code", res.ExitCode))
	}
	if lerr := r.log.Append(msg); lerr != nil {
		r.logger.Warn("Failed to append log entry.", zap.Error(lerr))
	}
}
