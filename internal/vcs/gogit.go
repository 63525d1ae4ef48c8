package vcs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
)

// GoGitClient implements LocalClient in-process with go-git.
type GoGitClient struct {
	author Identity
	auth   transport.AuthMethod
	logger *zap.Logger
	now    func() time.Time
}

// NewGoGitClient creates a go-git backed client.
func NewGoGitClient(opts Options, logger *zap.Logger) *GoGitClient {
	c := &GoGitClient{
		author: opts.Author,
		logger: logger.Named("vcs.gogit"),
		now:    time.Now,
	}
	if opts.Token != "" {
		c.auth = &githttp.BasicAuth{Username: "x-access-token", Password: opts.Token}
	}
	return c
}

func (c *GoGitClient) worktree(dir string) (*git.Repository, *git.Worktree, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, nil, fmt.Errorf("open repository at %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, fmt.Errorf("open worktree: %w", err)
	}
	return repo, wt, nil
}

func (c *GoGitClient) Stage(ctx context.Context, dir string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	_, wt, err := c.worktree(dir)
	if err != nil {
		return 0, err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return 0, fmt.Errorf("git add: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return 0, fmt.Errorf("git status: %w", err)
	}

	staged := 0
	for _, s := range status {
		if s.Staging != git.Unmodified && s.Staging != git.Untracked {
			staged++
		}
	}
	c.logger.Debug("Staged working tree.", zap.String("dir", dir), zap.Int("staged", staged))
	return staged, nil
}

func (c *GoGitClient) Commit(ctx context.Context, dir, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, wt, err := c.worktree(dir)
	if err != nil {
		return "", err
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.author.Name,
			Email: c.author.Email,
			When:  c.now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}
	return hash.String(), nil
}

func (c *GoGitClient) Push(ctx context.Context, dir, remote, branch string) error {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("open repository at %s: %w", dir, err)
	}
	refspec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%[1]s:refs/heads/%[1]s", branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       c.auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		c.logger.Debug("Remote already up to date.", zap.String("remote", remote), zap.String("branch", branch))
	} else if err != nil {
		return fmt.Errorf("git push %s %s: %w", remote, branch, err)
	}
	return c.markPushed(repo, remote, branch)
}

// markPushed points refs/remotes/<remote>/<branch> at the local branch.
func (c *GoGitClient) markPushed(repo *git.Repository, remote, branch string) error {
	local, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	tracking := plumbing.NewHashReference(plumbing.NewRemoteReferenceName(remote, branch), local.Hash())
	if err := repo.Storer.SetReference(tracking); err != nil {
		return fmt.Errorf("update %s: %w", tracking.Name(), err)
	}
	return nil
}

func (c *GoGitClient) Unpushed(ctx context.Context, dir, remote, branch string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", false, fmt.Errorf("open repository at %s: %w", dir, err)
	}
	local, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	head := local.Hash().String()

	tracking, err := repo.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return head, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve %s/%s: %w", remote, branch, err)
	}
	if tracking.Hash() == local.Hash() {
		return head, false, nil
	}

	// A tracking ref that moved past the local branch after a fetch leaves
	// nothing to push.
	localCommit, err := repo.CommitObject(local.Hash())
	if err != nil {
		return "", false, fmt.Errorf("read commit %s: %w", head, err)
	}
	trackingCommit, err := repo.CommitObject(tracking.Hash())
	if err != nil {
		return head, true, nil
	}
	behind, err := localCommit.IsAncestor(trackingCommit)
	if err != nil {
		return "", false, fmt.Errorf("compare %s with %s/%s: %w", branch, remote, branch, err)
	}
	return head, !behind, nil
}

func (c *GoGitClient) Clone(ctx context.Context, url, dest string) error {
	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:  url,
		Auth: c.auth,
	})
	if err != nil {
		return fmt.Errorf("git clone %s: %w", url, err)
	}
	return nil
}

// SetRemoteURL points the named remote of the repository at dir to url,
// creating the remote if it does not exist. Both backends read the same
// repository config, so it serves either.
func SetRemoteURL(dir, name, url string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("read repository config: %w", err)
	}
	if remote, ok := cfg.Remotes[name]; ok {
		remote.URLs = []string{url}
	} else {
		cfg.Remotes[name] = &gitconfig.RemoteConfig{
			Name:  name,
			URLs:  []string{url},
			Fetch: []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", name))},
		}
	}
	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("write repository config: %w", err)
	}
	return nil
}
