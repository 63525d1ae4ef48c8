// File: internal/publish/gate.go
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/logstore"
	"github.com/xkilldash9x/metos/internal/vcs"
	"github.com/xkilldash9x/metos/internal/worktree"
	"go.uber.org/zap"
)

// Target identifies where a gate pushes.
type Target struct {
	Remote string
	Branch string
}

// Gate stages, commits and pushes one working tree. The whole sequence runs
// under the tree's guard, so publishes never interleave with each other or
// with patches to the same tree. A Gate never retries.
type Gate struct {
	guard  *worktree.Guard
	vcs    vcs.LocalClient
	target Target
	log    logstore.Appender
	logger *zap.Logger
	now    func() time.Time
}

// NewGate creates a gate for the tree protected by guard.
func NewGate(guard *worktree.Guard, client vcs.LocalClient, target Target, log logstore.Appender, logger *zap.Logger) *Gate {
	return &Gate{
		guard:  guard,
		vcs:    client,
		target: target,
		log:    log,
		logger: logger.Named("publish"),
		now:    time.Now,
	}
}

// Root is the directory this gate publishes.
func (g *Gate) Root() string { return g.guard.Root() }

// Publish runs stage, commit and push and reports the outcome. A tree with
// nothing to stage and nothing left unpushed yields a no-op success. A tree
// with nothing to stage but an unpushed branch skips the commit and pushes. On
// failure the record names the failed step and the tree is left as the
// tooling left it.
func (g *Gate) Publish(ctx context.Context, message string) schemas.PublishRecord {
	rec := schemas.PublishRecord{
		ID:            uuid.NewString(),
		CommitMessage: message,
		Timestamp:     g.now().UTC(),
	}

	release, err := g.guard.Lock(ctx)
	if err != nil {
		return g.finish(g.fail(rec, schemas.StepStage, fmt.Errorf("waiting for working tree: %w", err)))
	}
	defer release()

	root := g.guard.Root()

	staged, err := g.vcs.Stage(ctx, root)
	if err != nil {
		return g.finish(g.fail(rec, schemas.StepStage, err))
	}
	rec.Staged = staged

	if staged > 0 {
		hash, err := g.vcs.Commit(ctx, root, message)
		if err != nil {
			return g.finish(g.fail(rec, schemas.StepCommit, err))
		}
		rec.CommitHash = hash
	} else {
		// A commit left behind by an earlier failed push still has to go out.
		head, ahead, err := g.vcs.Unpushed(ctx, root, g.target.Remote, g.target.Branch)
		if err != nil {
			return g.finish(g.fail(rec, schemas.StepPush, fmt.Errorf("checking for unpushed commits: %w", err)))
		}
		if !ahead {
			rec.Result = schemas.PublishNoOpSuccess
			return g.finish(rec)
		}
		rec.CommitHash = head
		g.logger.Info("Pushing unpushed commits.", zap.String("head", head))
	}

	if err := g.vcs.Push(ctx, root, g.target.Remote, g.target.Branch); err != nil {
		return g.finish(g.fail(rec, schemas.StepPush, err))
	}

	rec.Result = schemas.PublishSuccess
	return g.finish(rec)
}

func (g *Gate) fail(rec schemas.PublishRecord, step schemas.PublishStep, err error) schemas.PublishRecord {
	kind := map[schemas.PublishStep]schemas.ErrorKind{
		schemas.StepStage:  schemas.KindStageFailed,
		schemas.StepCommit: schemas.KindCommitFailed,
		schemas.StepPush:   schemas.KindPushFailed,
	}[step]

	rec.Result = schemas.PublishFailure
	rec.Step = step
	rec.Error = err.Error()
	rec.Cause = &schemas.Error{Kind: kind, Op: "publish", Step: string(step), Err: err}
	return rec
}

// finish logs the record and appends one entry to the log store.
func (g *Gate) finish(rec schemas.PublishRecord) schemas.PublishRecord {
	fields := []zap.Field{
		zap.String("id", rec.ID),
		zap.String("root", g.guard.Root()),
		zap.String("result", string(rec.Result)),
		zap.Int("staged", rec.Staged),
	}

	var msg string
	switch rec.Result {
	case schemas.PublishFailure:
		g.logger.Warn("Publish failed.", append(fields, zap.String("step", string(rec.Step)), zap.String("error", rec.Error))...)
		msg = fmt.Sprintf("publish %s failed at %s: %s", rec.ID, rec.Step, rec.Error)
	case schemas.PublishNoOpSuccess:
		g.logger.Info("Nothing to publish.", fields...)
		msg = fmt.Sprintf("publish %s: no changes", rec.ID)
	default:
		g.logger.Info("Published.", append(fields, zap.String("commit", rec.CommitHash))...)
		if rec.Staged == 0 {
			msg = fmt.Sprintf("publish %s: pushed unpushed commit %s to %s/%s", rec.ID, shortHash(rec.CommitHash), g.target.Remote, g.target.Branch)
			break
		}
		msg = fmt.Sprintf("publish %s: committed %s (%d path(s)) and pushed to %s/%s", rec.ID, shortHash(rec.CommitHash), rec.Staged, g.target.Remote, g.target.Branch)
	}
	if err := g.log.Append(msg); err != nil {
		g.logger.Warn("Failed to append log entry.", zap.Error(err))
	}
	return rec
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
