// Package logstore implements the agent's append-only operational record.
// Every entry is one line: an RFC 3339 timestamp, a tab, and the message with
// line breaks escaped so that an entry never spans lines.
package logstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"github.com/xkilldash9x/metos/api/schemas"
	"go.uber.org/zap"
)

// Appender is the write side of the store. Components that only record events
// depend on this rather than on *Store.
type Appender interface {
	Append(message string) error
}

// Store is a file-backed LogStore. Appends are serialized by a mutex and each
// entry is issued as a single O_APPEND write.
type Store struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// New creates the store, making the parent directory if necessary. The file
// itself is created lazily on first append.
func New(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, schemas.NewError(schemas.KindIOError, "logstore", fmt.Errorf("failed to create log directory: %w", err))
	}
	return &Store{
		path:   path,
		logger: logger.Named("logstore"),
		now:    time.Now,
	}, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Append records one entry.
func (s *Store) Append(message string) error {
	line := formatLine(schemas.LogEntry{Timestamp: s.now().UTC(), Message: message})

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return schemas.NewError(schemas.KindIOError, "logstore.append", err)
	}
	_, werr := f.Write([]byte(line))
	cerr := f.Close()
	if werr != nil {
		return schemas.NewError(schemas.KindIOError, "logstore.append", werr)
	}
	if cerr != nil {
		return schemas.NewError(schemas.KindIOError, "logstore.append", cerr)
	}
	return nil
}

// Record appends and only logs a failure. It is for callers whose own result
// must not depend on the log write succeeding.
func (s *Store) Record(message string) {
	if err := s.Append(message); err != nil {
		s.logger.Warn("Failed to append log entry.", zap.Error(err))
	}
}

// Recent returns up to n of the newest entries in append order. A missing file
// yields an empty slice. Lines that fail to parse are kept with a zero
// timestamp so no content is lost to the analyzer.
func (s *Store) Recent(n int) ([]schemas.LogEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []schemas.LogEntry{}, nil
	}
	if err != nil {
		return nil, schemas.NewError(schemas.KindIOError, "logstore.recent", err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	start := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if len(ring) < n {
			ring = append(ring, line)
			continue
		}
		ring[start] = line
		start = (start + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return nil, schemas.NewError(schemas.KindIOError, "logstore.recent", err)
	}

	entries := make([]schemas.LogEntry, 0, len(ring))
	for i := range ring {
		entries = append(entries, ParseLine(ring[(start+i)%len(ring)]))
	}
	return entries, nil
}

// RecentText renders the newest n entries back into their on-disk form.
func (s *Store) RecentText(n int) (string, error) {
	entries, err := s.Recent(n)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(formatLine(e))
	}
	return b.String(), nil
}

// Follow streams entries appended after the call until ctx is done. When
// fromStart is true the existing content is replayed first.
func (s *Store) Follow(ctx context.Context, fromStart bool, fn func(schemas.LogEntry)) error {
	whence := io.SeekEnd
	if fromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(s.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return schemas.NewError(schemas.KindIOError, "logstore.follow", err)
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				s.logger.Debug("Tail reported an error.", zap.Error(line.Err))
				continue
			}
			if line.Text == "" {
				continue
			}
			fn(ParseLine(line.Text))
		}
	}
}

// ParseLine decodes one stored line.
func ParseLine(line string) schemas.LogEntry {
	line = strings.TrimRight(line, "\r\n")
	ts, msg, found := strings.Cut(line, "\t")
	if !found {
		return schemas.LogEntry{Message: unescape(line)}
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return schemas.LogEntry{Message: unescape(line)}
	}
	return schemas.LogEntry{Timestamp: parsed, Message: unescape(msg)}
}

func formatLine(e schemas.LogEntry) string {
	return e.Timestamp.UTC().Format(time.RFC3339Nano) + "\t" + escape(e.Message) + "\n"
}

var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

func escape(s string) string { return escaper.Replace(s) }

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
