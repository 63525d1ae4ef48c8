// Package vcs abstracts version control behind two capabilities: local tooling
// that operates on a checkout (stage, commit, push, clone) and a hosting API
// that can create server-side forks. Callers depend on the interfaces, never
// on a particular invocation mechanism.
package vcs

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LocalClient operates on a repository checkout on disk.
type LocalClient interface {
	// Stage adds every change under dir (including deletions) to the index and
	// returns the number of paths that differ from HEAD afterwards.
	Stage(ctx context.Context, dir string) (int, error)
	// Commit records the index with message and returns the new commit hash.
	Commit(ctx context.Context, dir, message string) (string, error)
	// Push sends the local branch to the same branch on the named remote and
	// moves the remote-tracking ref to match.
	Push(ctx context.Context, dir, remote, branch string) error
	// Unpushed returns the local head of branch and whether it holds commits
	// the remote-tracking ref does not. A branch with no commits is not ahead;
	// a branch with no tracking ref is.
	Unpushed(ctx context.Context, dir, remote, branch string) (head string, ahead bool, err error)
	// Clone checks out url into dest, which must not exist or be empty.
	Clone(ctx context.Context, url, dest string) error
}

// HostingClient talks to the repository hosting service.
type HostingClient interface {
	CreateFork(ctx context.Context, repo RepoRef, name string) (ForkRef, error)
	DeleteFork(ctx context.Context, fork ForkRef) error
}

// RepoRef names a hosted repository.
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string { return r.Owner + "/" + r.Name }

// ForkRef describes a fork created on the hosting service.
type ForkRef struct {
	Owner    string
	Name     string
	CloneURL string
	HTMLURL  string
}

// Identity is the author used for commits.
type Identity struct {
	Name  string
	Email string
}

// Options configures a LocalClient.
type Options struct {
	Author Identity
	// Token authenticates HTTPS pushes and clones. Empty means anonymous.
	Token string
}

// Backend names a LocalClient implementation.
type Backend string

const (
	BackendGoGit Backend = "gogit"
	BackendExec  Backend = "exec"
)

// NewLocalClient returns the LocalClient for backend.
func NewLocalClient(backend Backend, opts Options, logger *zap.Logger) (LocalClient, error) {
	switch backend {
	case BackendGoGit, "":
		return NewGoGitClient(opts, logger), nil
	case BackendExec:
		return NewExecClient(opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown vcs backend %q", backend)
	}
}
