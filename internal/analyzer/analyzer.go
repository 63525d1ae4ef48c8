// internal/analyzer/analyzer.go
package analyzer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/logstore"
)

// LogSource supplies the most recent operational log text.
type LogSource interface {
	RecentText(n int) (string, error)
}

// Options tune an Analyzer.
type Options struct {
	// RecentLines bounds how much of the log is sent upstream.
	RecentLines int
	// RequestsPerMinute bounds calls to the reasoning service. Zero or less
	// means unbounded.
	RequestsPerMinute float64
}

// Analyzer asks the reasoning service for improvement suggestions based on
// the agent's own logs and mission.
type Analyzer struct {
	llm     schemas.LLMClient
	source  LogSource
	mission schemas.MissionConfig
	opts    Options
	limiter *rate.Limiter
	log     logstore.Appender
	logger  *zap.Logger
}

// New initializes an Analyzer.
func New(llm schemas.LLMClient, source LogSource, mission schemas.MissionConfig, opts Options, log logstore.Appender, logger *zap.Logger) *Analyzer {
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(opts.RequestsPerMinute / 60)
	}
	return &Analyzer{
		llm:     llm,
		source:  source,
		mission: mission,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
		logger:  logger.Named("analyzer"),
	}
}

// Analyze reads the recent log tail and runs AnalyzeLogs with the mission
// objective.
func (a *Analyzer) Analyze(ctx context.Context) (string, error) {
	logs, err := a.source.RecentText(a.opts.RecentLines)
	if err != nil {
		a.record(0, err)
		return "", err
	}
	return a.AnalyzeLogs(ctx, logs, a.mission.Objective)
}

// AnalyzeLogs returns the reasoning service's suggestion text verbatim. It
// refuses to call upstream when there is no log content.
func (a *Analyzer) AnalyzeLogs(ctx context.Context, logs, objective string) (string, error) {
	suggestion, err := a.analyze(ctx, logs, objective)
	a.record(len(suggestion), err)
	return suggestion, err
}

func (a *Analyzer) analyze(ctx context.Context, logs, objective string) (string, error) {
	const op = "analyze"
	if strings.TrimSpace(logs) == "" {
		return "", schemas.Errorf(schemas.KindEmptyLogs, op, "no log content to analyze")
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", schemas.NewError(schemas.KindUpstreamUnavailable, op, fmt.Errorf("rate limiter: %w", err))
	}

	a.logger.Info("Requesting improvement suggestions.", zap.Int("log_bytes", len(logs)))
	req := schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildPrompt(objective, logs),
	}
	suggestion, err := a.llm.Generate(ctx, req)
	if err != nil {
		return "", schemas.NewError(schemas.KindUpstreamUnavailable, op, err)
	}
	return suggestion, nil
}

func (a *Analyzer) record(length int, err error) {
	var msg string
	if err != nil {
		a.logger.Warn("Analysis failed.", zap.String("kind", string(schemas.KindOf(err))), zap.Error(err))
		msg = fmt.Sprintf("analysis failed (%s): %v", schemas.KindOf(err), err)
	} else {
		a.logger.Info("Analysis complete.", zap.Int("suggestion_length", length))
		msg = fmt.Sprintf("analysis produced %d characters of suggestions", length)
	}
	if aerr := a.log.Append(msg); aerr != nil {
		a.logger.Warn("Failed to append log entry.", zap.Error(aerr))
	}
}

const systemPrompt = `You are an autonomous AI agent with a mission to self-improve.`

func buildPrompt(objective, logs string) string {
	return fmt.Sprintf(`Mission: %s

Logs:
%s

Suggest code updates to improve efficiency and accuracy.`, objective, logs)
}
