// File: internal/patcher/patcher.go
package patcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/logstore"
	"github.com/xkilldash9x/metos/internal/worktree"
	"go.uber.org/zap"
)

// Applied describes a completed patch. Occurrences is zero when the pattern
// was absent and the file was rewritten unchanged.
type Applied struct {
	Path        string `json:"path"`
	Occurrences int    `json:"occurrences"`
}

// Applier performs literal search-and-replace edits inside the working tree.
// It does not parse the file and does not require the match to be unique.
type Applier struct {
	guard  *worktree.Guard
	log    logstore.Appender
	logger *zap.Logger
}

// New creates an Applier bound to the tree protected by guard.
func New(guard *worktree.Guard, log logstore.Appender, logger *zap.Logger) *Applier {
	return &Applier{
		guard:  guard,
		log:    log,
		logger: logger.Named("patcher"),
	}
}

// Apply replaces every occurrence of pattern in filePath with replacement.
// The tree lock is held across the whole read-modify-write.
func (a *Applier) Apply(ctx context.Context, filePath, pattern, replacement string) (Applied, error) {
	res, err := a.apply(ctx, filePath, pattern, replacement)
	if err != nil {
		a.logger.Warn("Patch failed.", zap.String("path", filePath), zap.String("kind", string(schemas.KindOf(err))), zap.Error(err))
		a.append(fmt.Sprintf("patch %s failed (%s): %v", filePath, schemas.KindOf(err), err))
		return res, err
	}
	a.logger.Info("Patch applied.", zap.String("path", res.Path), zap.Int("occurrences", res.Occurrences))
	a.append(fmt.Sprintf("patch %s applied: %d occurrence(s) replaced", filePath, res.Occurrences))
	return res, nil
}

func (a *Applier) apply(ctx context.Context, filePath, pattern, replacement string) (Applied, error) {
	const op = "patch"

	if pattern == "" {
		return Applied{}, schemas.Errorf(schemas.KindInvalidArgument, op, "match pattern must not be empty")
	}
	full, err := a.guard.Resolve(filePath)
	if err != nil {
		return Applied{}, err
	}

	release, err := a.guard.Lock(ctx)
	if err != nil {
		return Applied{}, schemas.NewError(schemas.KindBusy, op, fmt.Errorf("waiting for working tree: %w", err))
	}
	defer release()

	info, err := os.Stat(full)
	if err != nil {
		return Applied{}, schemas.NewError(schemas.KindIOError, op, err)
	}
	original, err := os.ReadFile(full)
	if err != nil {
		return Applied{}, schemas.NewError(schemas.KindIOError, op, err)
	}

	content := string(original)
	n := strings.Count(content, pattern)
	updated := strings.ReplaceAll(content, pattern, replacement)

	if err := WriteFileAtomic(full, []byte(updated), info.Mode().Perm()); err != nil {
		return Applied{}, schemas.NewError(schemas.KindIOError, op, err)
	}
	return Applied{Path: full, Occurrences: n}, nil
}

func (a *Applier) append(msg string) {
	if err := a.log.Append(msg); err != nil {
		a.logger.Warn("Failed to append log entry.", zap.Error(err))
	}
}

// WriteFileAtomic writes data to a temp file beside path, syncs it and renames
// it over path. On any failure the original file is left untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
