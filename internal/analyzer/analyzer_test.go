package analyzer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/metos/api/schemas"
)

// MockLLMClient is a mock implementation of schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error { return nil }

type staticSource struct {
	text string
	err  error
	n    int
}

func (s *staticSource) RecentText(n int) (string, error) {
	s.n = n
	return s.text, s.err
}

type memLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *memLog) Append(msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, msg)
	return nil
}

var mission = schemas.MissionConfig{Objective: "reduce publish latency", ReplicationIntervalSeconds: 60}

func newAnalyzer(t *testing.T, llm schemas.LLMClient, src LogSource, log *memLog) *Analyzer {
	return New(llm, src, mission, Options{RecentLines: 50}, log, zaptest.NewLogger(t))
}

func TestAnalyze_ReturnsSuggestionVerbatim(t *testing.T) {
	llm := new(MockLLMClient)
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return strings.Contains(req.UserPrompt, "Mission: reduce publish latency") &&
			strings.Contains(req.UserPrompt, "publish took 9s") &&
			strings.Contains(req.SystemPrompt, "self-improve")
	})).Return("  ```diff\n- slow\n+ fast\n```  ", nil).Once()

	src := &staticSource{text: "2026-01-01T00:00:00Z\tpublish took 9s\n"}
	log := &memLog{}
	a := newAnalyzer(t, llm, src, log)

	out, err := a.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "  ```diff\n- slow\n+ fast\n```  ", out)
	assert.Equal(t, 50, src.n)
	llm.AssertExpectations(t)
	require.Len(t, log.entries, 1)
	assert.Contains(t, log.entries[0], "analysis produced")
}

func TestAnalyze_EmptyLogsSkipsUpstream(t *testing.T) {
	llm := new(MockLLMClient)
	log := &memLog{}
	a := newAnalyzer(t, llm, &staticSource{text: "  \n"}, log)

	_, err := a.Analyze(context.Background())
	assert.Equal(t, schemas.KindEmptyLogs, schemas.KindOf(err))
	llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	require.Len(t, log.entries, 1)
	assert.Contains(t, log.entries[0], "EmptyLogs")
}

func TestAnalyze_UpstreamError(t *testing.T) {
	llm := new(MockLLMClient)
	llm.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("connection refused"))

	_, err := newAnalyzer(t, llm, &staticSource{text: "line\n"}, &memLog{}).Analyze(context.Background())
	require.Error(t, err)
	assert.Equal(t, schemas.KindUpstreamUnavailable, schemas.KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAnalyze_SourceError(t *testing.T) {
	srcErr := schemas.NewError(schemas.KindIOError, "logstore.recent", errors.New("permission denied"))
	log := &memLog{}
	_, err := newAnalyzer(t, new(MockLLMClient), &staticSource{err: srcErr}, log).Analyze(context.Background())
	assert.Equal(t, schemas.KindIOError, schemas.KindOf(err))
	assert.Len(t, log.entries, 1)
}

func TestAnalyzeLogs_RateLimitWaitCancelled(t *testing.T) {
	llm := new(MockLLMClient)
	llm.On("Generate", mock.Anything, mock.Anything).Return("ok", nil).Once()
	a := New(llm, &staticSource{}, mission, Options{RecentLines: 10, RequestsPerMinute: 0.001}, &memLog{}, zaptest.NewLogger(t))

	_, err := a.AnalyzeLogs(context.Background(), "logs", "objective")
	require.NoError(t, err, "the first call uses the initial burst token")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.AnalyzeLogs(ctx, "logs", "objective")
	assert.Equal(t, schemas.KindUpstreamUnavailable, schemas.KindOf(err))
	llm.AssertNumberOfCalls(t, "Generate", 1)
}
