package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"
)

// ErrForkExists reports that the hosting account already forks the source
// repository under another name.
var ErrForkExists = errors.New("account already has a fork of this repository")

// GitHubClient implements HostingClient against the GitHub REST API.
type GitHubClient struct {
	client       *github.Client
	readyTimeout time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

// GitHubOptions configures a GitHubClient.
type GitHubOptions struct {
	Token string
	// APIURL overrides the API base, e.g. for GitHub Enterprise.
	APIURL string
	// ReadyTimeout bounds how long CreateFork waits for an asynchronously
	// created fork to become reachable.
	ReadyTimeout time.Duration
	HTTPClient   *http.Client
}

// NewGitHubClient creates a hosting client.
func NewGitHubClient(opts GitHubOptions, logger *zap.Logger) (*GitHubClient, error) {
	client := github.NewClient(opts.HTTPClient)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.APIURL != "" {
		base, err := url.Parse(strings.TrimSuffix(opts.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github api url %q: %w", opts.APIURL, err)
		}
		client.BaseURL = base
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	return &GitHubClient{
		client:       client,
		readyTimeout: opts.ReadyTimeout,
		pollInterval: time.Second,
		logger:       logger.Named("vcs.github"),
	}, nil
}

// CreateFork forks repo under the authenticated account as name. GitHub
// creates forks asynchronously and answers 202; in that case CreateFork polls
// until the fork can be fetched or the ready timeout passes.
func (c *GitHubClient) CreateFork(ctx context.Context, repo RepoRef, name string) (ForkRef, error) {
	fork, _, err := c.client.Repositories.CreateFork(ctx, repo.Owner, repo.Name, &github.RepositoryCreateForkOptions{
		Name:              name,
		DefaultBranchOnly: true,
	})
	var accepted *github.AcceptedError
	pending := errors.As(err, &accepted)
	if err != nil && !pending {
		return ForkRef{}, fmt.Errorf("create fork of %s: %w", repo, err)
	}
	if fork == nil || fork.GetName() == "" || fork.GetOwner().GetLogin() == "" {
		return ForkRef{}, fmt.Errorf("create fork of %s: response did not describe the fork", repo)
	}
	// GitHub answers with the account's existing fork instead of creating a
	// second one. That fork belongs to someone else, so it is neither used
	// nor returned for cleanup.
	if fork.GetName() != name {
		return ForkRef{}, fmt.Errorf("create fork of %s: %w: got %s/%s, want %s",
			repo, ErrForkExists, fork.GetOwner().GetLogin(), fork.GetName(), name)
	}

	ref := ForkRef{
		Owner:    fork.GetOwner().GetLogin(),
		Name:     fork.GetName(),
		CloneURL: fork.GetCloneURL(),
		HTMLURL:  fork.GetHTMLURL(),
	}
	c.logger.Info("Fork requested.", zap.String("source", repo.String()), zap.String("fork", ref.Owner+"/"+ref.Name), zap.Bool("pending", pending))

	if pending {
		if err := c.waitReady(ctx, &ref); err != nil {
			return ref, err
		}
	}
	return ref, nil
}

// waitReady polls the fork with exponential backoff until it exists.
func (c *GitHubClient) waitReady(ctx context.Context, ref *ForkRef) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInterval
	b.MaxInterval = 10 * c.pollInterval
	b.MaxElapsedTime = c.readyTimeout

	operation := func() error {
		repo, resp, err := c.client.Repositories.Get(ctx, ref.Owner, ref.Name)
		if err != nil {
			// 404 means the fork is still being created; other client errors will not heal.
			if resp != nil && resp.StatusCode != http.StatusNotFound && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		if ref.CloneURL == "" {
			ref.CloneURL = repo.GetCloneURL()
		}
		if ref.HTMLURL == "" {
			ref.HTMLURL = repo.GetHTMLURL()
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("fork %s/%s did not become ready: %w", ref.Owner, ref.Name, err)
	}
	return nil
}

// DeleteFork removes a fork created by CreateFork.
func (c *GitHubClient) DeleteFork(ctx context.Context, fork ForkRef) error {
	if _, err := c.client.Repositories.Delete(ctx, fork.Owner, fork.Name); err != nil {
		return fmt.Errorf("delete fork %s/%s: %w", fork.Owner, fork.Name, err)
	}
	return nil
}
