package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ExecClient implements LocalClient by running the git binary.
type ExecClient struct {
	author Identity
	token  string
	binary string
	logger *zap.Logger
}

// NewExecClient creates a client that shells out to git.
func NewExecClient(opts Options, logger *zap.Logger) *ExecClient {
	return &ExecClient{
		author: opts.Author,
		token:  opts.Token,
		binary: "git",
		logger: logger.Named("vcs.exec"),
	}
}

// git runs one git command in dir and returns trimmed stdout.
func (c *ExecClient) git(ctx context.Context, dir string, args ...string) (string, error) {
	full := make([]string, 0, len(args)+6)
	full = append(full,
		"-c", "user.name="+c.author.Name,
		"-c", "user.email="+c.author.Email,
	)
	if c.token != "" {
		creds := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + c.token))
		full = append(full, "-c", "http.extraHeader=Authorization: Basic "+creds)
	}
	full = append(full, args...)

	c.logger.Debug("Executing git command", zap.String("command", "git "+strings.Join(args, " ")), zap.String("dir", dir))
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary, full...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (c *ExecClient) Stage(ctx context.Context, dir string) (int, error) {
	if _, err := c.git(ctx, dir, "add", "-A"); err != nil {
		return 0, err
	}
	out, err := c.git(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return 0, err
	}
	if out == "" {
		return 0, nil
	}
	return len(strings.Split(out, "\n")), nil
}

func (c *ExecClient) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := c.git(ctx, dir, "commit", "-m", message); err != nil {
		return "", err
	}
	return c.git(ctx, dir, "rev-parse", "HEAD")
}

func (c *ExecClient) Push(ctx context.Context, dir, remote, branch string) error {
	ref := fmt.Sprintf("refs/heads/%[1]s:refs/heads/%[1]s", branch)
	if _, err := c.git(ctx, dir, "push", remote, ref); err != nil {
		return err
	}
	_, err := c.git(ctx, dir, "update-ref", trackingRef(remote, branch), "refs/heads/"+branch)
	return err
}

func (c *ExecClient) Unpushed(ctx context.Context, dir, remote, branch string) (string, bool, error) {
	head, err := c.git(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		// No commits on the branch yet.
		return "", false, nil
	}
	tracking := trackingRef(remote, branch)
	if _, err := c.git(ctx, dir, "rev-parse", "--verify", "--quiet", tracking); err != nil {
		return head, true, nil
	}
	out, err := c.git(ctx, dir, "rev-list", "--count", tracking+"..refs/heads/"+branch)
	if err != nil {
		return "", false, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return "", false, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return head, n > 0, nil
}

func trackingRef(remote, branch string) string {
	return "refs/remotes/" + remote + "/" + branch
}

func (c *ExecClient) Clone(ctx context.Context, url, dest string) error {
	_, err := c.git(ctx, "", "clone", url, dest)
	return err
}
