// File: internal/orchestrator/orchestrator.go
// Description: Drives the repeating self-modification cycle. The analyzer,
// publish gate and replication manager are injected as interfaces.

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/logstore"
)

// State is the orchestrator's position in its cycle.
type State string

const (
	StateIdle        State = "idle"
	StateAnalyzing   State = "analyzing"
	StatePublishing  State = "publishing"
	StateReplicating State = "replicating"
	StateSleeping    State = "sleeping"
)

// Step names used in reports and logs.
const (
	StepAnalyze   = "analyze"
	StepPublish   = "publish"
	StepReplicate = "replicate"
)

type Analyzer interface {
	Analyze(ctx context.Context) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, message string) schemas.PublishRecord
}

type Replicator interface {
	Replicate(ctx context.Context) (schemas.ReplicaDescriptor, error)
}

// Options tune the cycle.
type Options struct {
	CommitMessage string
	// PublishRetries is the number of extra publish attempts after a failure.
	PublishRetries int
	RetryBackoff   time.Duration
}

// StepResult is the outcome of one step of a cycle.
type StepResult struct {
	Step  string            `json:"step"`
	OK    bool              `json:"ok"`
	Kind  schemas.ErrorKind `json:"kind,omitempty"`
	Error string            `json:"error,omitempty"`
}

// CycleReport summarizes one Analyzing, Publishing, Replicating pass.
type CycleReport struct {
	Iteration       int64                      `json:"iteration"`
	StartedAt       time.Time                  `json:"started_at"`
	FinishedAt      time.Time                  `json:"finished_at"`
	Suggestion      string                     `json:"suggestion,omitempty"`
	Publish         schemas.PublishRecord      `json:"publish"`
	PublishAttempts int                        `json:"publish_attempts"`
	Replica         *schemas.ReplicaDescriptor `json:"replica,omitempty"`
	Steps           []StepResult               `json:"steps"`
}

// Failed returns the steps that did not succeed.
func (r CycleReport) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if !s.OK {
			out = append(out, s)
		}
	}
	return out
}

// Orchestrator runs the analyze, publish, replicate, sleep loop. A failing step
// is logged and the cycle moves on; nothing short of shutdown stops the loop.
type Orchestrator struct {
	analyzer   Analyzer
	publisher  Publisher
	replicator Replicator
	interval   time.Duration
	opts       Options
	log        logstore.Appender
	logger     *zap.Logger

	state     atomic.Value
	iteration atomic.Int64

	mu   sync.RWMutex
	last *CycleReport
}

// New creates an Orchestrator. The sleep between cycles comes from the mission.
func New(
	analyzer Analyzer,
	publisher Publisher,
	replicator Replicator,
	mission schemas.MissionConfig,
	opts Options,
	log logstore.Appender,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if analyzer == nil || publisher == nil || replicator == nil || log == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if mission.ReplicationIntervalSeconds < 1 {
		return nil, fmt.Errorf("replication interval must be at least one second")
	}
	o := &Orchestrator{
		analyzer:   analyzer,
		publisher:  publisher,
		replicator: replicator,
		interval:   mission.ReplicationInterval(),
		opts:       opts,
		log:        log,
		logger:     logger.Named("orchestrator"),
	}
	o.state.Store(StateIdle)
	return o, nil
}

// State reports the current phase.
func (o *Orchestrator) State() State { return o.state.Load().(State) }

// LastReport returns the most recently completed cycle, if any.
func (o *Orchestrator) LastReport() (CycleReport, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return CycleReport{}, false
	}
	return *o.last, true
}

// Run repeats the cycle until ctx is cancelled. It returns nil on shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Orchestrator started.", zap.Duration("interval", o.interval))
	for {
		if ctx.Err() != nil {
			break
		}
		o.RunCycle(ctx)

		o.setState(StateSleeping)
		if !o.sleep(ctx) {
			break
		}
		o.setState(StateIdle)
	}
	o.setState(StateIdle)
	o.logger.Info("Orchestrator stopped.")
	return nil
}

// RunCycle performs one pass of the cycle. Publish and replicate attempts run
// to completion once started, even if ctx is cancelled mid-step; cancellation
// only prevents the next step from starting.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{
		Iteration: o.iteration.Add(1),
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.With(zap.Int64("iteration", report.Iteration))
	uncancellable := context.WithoutCancel(ctx)

	o.setState(StateAnalyzing)
	suggestion, err := o.analyzer.Analyze(ctx)
	report.Steps = append(report.Steps, o.result(logger, report.Iteration, StepAnalyze, err))
	if err == nil {
		report.Suggestion = suggestion
		logger.Info("Improvement suggestions received.", zap.String("suggestion", suggestion))
		o.append(logger, fmt.Sprintf("cycle %d suggestions: %s", report.Iteration, suggestion))
	}

	if ctx.Err() == nil {
		o.setState(StatePublishing)
		report.Publish, report.PublishAttempts = o.publish(ctx, uncancellable, logger)
		report.Steps = append(report.Steps, o.result(logger, report.Iteration, StepPublish, report.Publish.Err()))
	}

	if ctx.Err() == nil {
		o.setState(StateReplicating)
		desc, err := o.replicator.Replicate(uncancellable)
		report.Steps = append(report.Steps, o.result(logger, report.Iteration, StepReplicate, err))
		if err == nil {
			report.Replica = &desc
		}
	}

	report.FinishedAt = time.Now().UTC()
	o.setState(StateIdle)

	o.mu.Lock()
	o.last = &report
	o.mu.Unlock()

	logger.Info("Cycle complete.", zap.Int("failed_steps", len(report.Failed())), zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report
}

// publish runs the gate, retrying failures with exponential backoff. Only the
// waits between attempts observe ctx.
func (o *Orchestrator) publish(ctx, attemptCtx context.Context, logger *zap.Logger) (schemas.PublishRecord, int) {
	b := backoff.NewExponentialBackOff()
	if o.opts.RetryBackoff > 0 {
		b.InitialInterval = o.opts.RetryBackoff
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(o.opts.PublishRetries, 0))), ctx)

	var (
		rec      schemas.PublishRecord
		attempts int
	)
	operation := func() error {
		attempts++
		rec = o.publisher.Publish(attemptCtx, o.opts.CommitMessage)
		return rec.Err()
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Publish attempt failed, retrying.", zap.Int("attempt", attempts), zap.Duration("wait", wait), zap.Error(err))
	}
	_ = backoff.RetryNotify(operation, policy, notify)
	return rec, attempts
}

func (o *Orchestrator) result(logger *zap.Logger, iteration int64, step string, err error) StepResult {
	if err == nil {
		return StepResult{Step: step, OK: true}
	}
	kind := schemas.KindOf(err)
	logger.Error("Cycle step failed.",
		zap.String("step", step),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	o.append(logger, fmt.Sprintf("cycle %d: %s failed (%s): %v", iteration, step, kind, err))
	return StepResult{Step: step, Kind: kind, Error: err.Error()}
}

func (o *Orchestrator) append(logger *zap.Logger, msg string) {
	if err := o.log.Append(msg); err != nil {
		logger.Warn("Failed to append log entry.", zap.Error(err))
	}
}

func (o *Orchestrator) setState(s State) { o.state.Store(s) }

// sleep waits out the interval. It reports false if ctx ended first.
func (o *Orchestrator) sleep(ctx context.Context) bool {
	timer := time.NewTimer(o.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
