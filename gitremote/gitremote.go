// Package gitremote performs the commit-and-push side effect that follows
// an approved review. It is the only component that writes to the
// version-control remote.
package gitremote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildkite/roko"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/icarus-hq/icarus/config"
	"github.com/icarus-hq/icarus/logger"
)

const pushAttempts = 3

// Committer stages everything in the job's project checkout, commits, and
// pushes to the configured remote.
type Committer struct {
	logger logger.Logger
	cfg    config.Git
}

func New(l logger.Logger, cfg config.Git) *Committer {
	return &Committer{logger: l, cfg: cfg}
}

// Commit adds all changes under dir, commits them with message, and pushes.
// A checkout with nothing to commit is a success: the artifact is already
// on the remote.
func (c *Committer) Commit(ctx context.Context, dir, message string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("opening repository at %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("reading worktree status: %w", err)
	}
	if status.IsClean() {
		c.logger.Notice("Nothing to commit in %s", dir)
		return nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.cfg.AuthorName,
			Email: c.cfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	c.logger.Info("Committed %.8s in %s", hash.String(), dir)

	// Pushes hit the network; give transient failures a few chances.
	r := roko.NewRetrier(
		roko.WithMaxAttempts(pushAttempts),
		roko.WithStrategy(roko.Exponential(2*time.Second, 0)),
	)
	err = r.DoWithContext(ctx, func(rt *roko.Retrier) error {
		err := repo.PushContext(ctx, &git.PushOptions{RemoteName: c.cfg.Remote})
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		if err != nil {
			c.logger.Warn("Push to %s failed: %v (%s)", c.cfg.Remote, err, rt)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("pushing to %s: %w", c.cfg.Remote, err)
	}

	c.logger.Info("Pushed %.8s to %s", hash.String(), c.cfg.Remote)
	return nil
}

// Disabled is the Committer used when git.enabled is false; approval then
// finishes without touching any remote.
type Disabled struct {
	Logger logger.Logger
}

func (d Disabled) Commit(ctx context.Context, dir, message string) error {
	d.Logger.Notice("Git disabled; leaving %s uncommitted", dir)
	return nil
}
