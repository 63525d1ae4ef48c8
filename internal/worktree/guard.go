// Package worktree guards the agent's own deployable working tree. Every
// mutation of the tree (patching a file, staging, committing, pushing) must
// happen while holding the tree's Guard.
package worktree

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/metos/api/schemas"
)

// Guard is the single mutation lock for one working tree. Acquisition blocks;
// there is no priority between waiters.
type Guard struct {
	root string
	sem  chan struct{}
}

// NewGuard returns the guard for the tree rooted at root.
func NewGuard(root string) *Guard {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	return &Guard{root: abs, sem: make(chan struct{}, 1)}
}

// Root is the absolute path of the guarded tree.
func (g *Guard) Root() string { return g.root }

// Lock blocks until the tree is free or ctx is done. The returned func
// releases the lock and is safe to call more than once.
func (g *Guard) Lock(ctx context.Context) (release func(), err error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	released := false
	return func() {
		if !released {
			released = true
			<-g.sem
		}
	}, nil
}

// TryLock acquires the lock only if it is free.
func (g *Guard) TryLock() (release func(), ok bool) {
	select {
	case g.sem <- struct{}{}:
		released := false
		return func() {
			if !released {
				released = true
				<-g.sem
			}
		}, true
	default:
		return nil, false
	}
}

// With runs fn while holding the lock.
func (g *Guard) With(ctx context.Context, fn func() error) error {
	release, err := g.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Resolve maps p to an absolute path inside the tree. Relative paths are
// taken relative to the root; anything that ends up outside it is rejected.
func (g *Guard) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", schemas.Errorf(schemas.KindInvalidArgument, "resolve", "empty path")
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(g.root, full)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(g.root, full)
	if err != nil || outside(rel) {
		return "", schemas.Errorf(schemas.KindInvalidArgument, "resolve", "path %q is outside the working tree", p)
	}
	return full, nil
}
