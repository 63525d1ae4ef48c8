// Package lineage persists the descriptors of replicas that were created
// successfully. Nothing is recorded for a replication that failed partway.
package lineage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/metos/api/schemas"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore keeps one JSON document per line in an append-only file.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

var _ schemas.LineageStore = (*FileStore)(nil)

// NewFileStore creates the parent directory of path if needed.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lineage directory: %w", err)
	}
	return &FileStore{path: path, logger: logger.Named("lineage")}, nil
}

// Record appends d as a single write.
func (s *FileStore) Record(ctx context.Context, d schemas.ReplicaDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode replica descriptor: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return schemas.NewError(schemas.KindIOError, "lineage.record", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return schemas.NewError(schemas.KindIOError, "lineage.record", err)
	}
	return f.Sync()
}

// List returns every recorded descriptor ordered by creation time.
func (s *FileStore) List(ctx context.Context) ([]schemas.ReplicaDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []schemas.ReplicaDescriptor{}, nil
	}
	if err != nil {
		return nil, schemas.NewError(schemas.KindIOError, "lineage.list", err)
	}
	defer f.Close()

	out := []schemas.ReplicaDescriptor{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var d schemas.ReplicaDescriptor
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			s.logger.Warn("Skipping malformed lineage line.", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, schemas.NewError(schemas.KindIOError, "lineage.list", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
