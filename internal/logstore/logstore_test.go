package logstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/metos/api/schemas"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "logs", "self_analysis.log"), zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(fmt.Sprintf("event %d", i)))
	}

	entries, err := s.Recent(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "event 3", entries[0].Message)
	assert.Equal(t, "event 5", entries[2].Message)
	assert.Equal(t, base.Add(5*time.Second), entries[2].Timestamp)

	all, err := s.Recent(100)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestAppendEscapesMultilineMessages(t *testing.T) {
	s := newTestStore(t)
	msg := "script failed:\nTraceback\r\n  path C:\\tmp"

	require.NoError(t, s.Append(msg))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "\n"), "one entry must be one line")

	entries, err := s.Recent(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, msg, entries[0].Message)
}

func TestRecentMissingFile(t *testing.T) {
	s := newTestStore(t)
	entries, err := s.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	text, err := s.RecentText(10)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	s := newTestStore(t)
	const writers, perWriter = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, s.Append(fmt.Sprintf("writer-%d-entry-%d %s", w, i, strings.Repeat("x", 200))))
			}
		}(w)
	}
	wg.Wait()

	entries, err := s.Recent(writers * perWriter * 2)
	require.NoError(t, err)
	require.Len(t, entries, writers*perWriter)
	for _, e := range entries {
		assert.False(t, e.Timestamp.IsZero(), "every line must carry its own timestamp")
		assert.True(t, strings.HasPrefix(e.Message, "writer-"))
		assert.True(t, strings.HasSuffix(e.Message, strings.Repeat("x", 200)))
	}
}

func TestParseLine(t *testing.T) {
	t.Run("well formed", func(t *testing.T) {
		e := ParseLine("2026-01-02T03:04:05.5Z\thello\\nworld\n")
		assert.Equal(t, "hello\nworld", e.Message)
		assert.Equal(t, 2026, e.Timestamp.Year())
	})

	t.Run("foreign line keeps content", func(t *testing.T) {
		e := ParseLine("not a timestamped line")
		assert.True(t, e.Timestamp.IsZero())
		assert.Equal(t, "not a timestamped line", e.Message)
	})

	t.Run("unknown escape is preserved", func(t *testing.T) {
		assert.Equal(t, `a\tb`, unescape(`a\tb`))
	})
}

func TestFollowReplaysFromStart(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append("first"))
	require.NoError(t, s.Append("second"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan schemas.LogEntry, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Follow(ctx, true, func(e schemas.LogEntry) { got <- e })
	}()

	for _, want := range []string{"first", "second"} {
		select {
		case e := <-got:
			assert.Equal(t, want, e.Message)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	require.NoError(t, <-done)
}
