package core

import (
	"context"
	"sort"

	"github.com/icarus-hq/icarus/sentinel"
)

// Run recovers orphaned jobs, then drives the scheduler loop until ctx is
// cancelled, at which point it shuts the engine down: no further
// admissions, live sandboxes killed, broadcasters closed. Submit blocks
// until recovery completes.
//
// The loop is the single place admission decisions happen, so the bounded
// parallelism invariant never depends on callers cooperating. It wakes on
// three events: a new submission, a job leaving the active set, and a
// sentinel level change. Each wake greedily admits as many eligible pending
// jobs as slots and the sentinel permit, oldest first.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}
	close(e.ready)

	e.logger.Info("Scheduler running (max %d concurrent jobs)", e.cfg.MaxConcurrentJobs)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-e.wake:
		case lv := <-e.sentinel.Updates():
			e.logger.Debug("Scheduler woken by sentinel level %s", lv)
		}
		schedulerWakes.Inc()
		e.admitEligible(ctx)
	}
}

// poke wakes the scheduler without ever blocking. Wakes coalesce.
func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// admitEligible admits pending jobs, oldest first with id as tie-break,
// while a slot is free and the sentinel is not RED.
func (e *Engine) admitEligible(ctx context.Context) {
	for {
		if e.sentinel.Level() == sentinel.LevelRed {
			return
		}

		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		active := 0
		var pending []*jobState
		for _, js := range e.jobs {
			switch {
			case js.job.Status.Active():
				active++
			case js.job.Status == StatusPending:
				pending = append(pending, js)
			}
		}
		jobsActive.Set(float64(active))
		if active >= e.cfg.MaxConcurrentJobs || len(pending) == 0 {
			e.mu.Unlock()
			return
		}
		sort.Slice(pending, func(i, j int) bool {
			a, b := pending[i].job, pending[j].job
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
		next := pending[0]
		e.mu.Unlock()

		if err := e.transition(ctx, next, StatusPending, StatusBuilding, ""); err != nil {
			e.logger.Warn("Admitting job %s failed: %v", next.job.ID, err)
			// The persisted row moved underneath us. Adopt its status so
			// this job stops sorting first as pending, then try the rest.
			if !e.reconcile(ctx, next) {
				return
			}
			continue
		}
		jobsAdmitted.Inc()
		e.armOuterDeadline(next)
		e.startPhase(next, PhaseBuild)
	}
}

// recover applies the restart policy: every persisted job in a non-terminal
// status is failed as orphaned, and any sandbox it still holds is
// destroyed. Adoption of in-flight work is deliberately not attempted.
func (e *Engine) recover(ctx context.Context) error {
	orphans, err := e.store.JobsByStatus(ctx,
		StatusPending, StatusBuilding, StatusChecking, StatusAwaitingApproval, StatusApproved)
	if err != nil {
		return err
	}

	for _, job := range orphans {
		e.logger.Warn("Job %s was %s at restart; failing it as orphaned", job.ID, job.Status)

		if handle := job.SandboxID(); handle != "" {
			if err := e.driver.Kill(ctx, handle); err != nil {
				e.logger.Warn("Killing orphaned sandbox %.12s: %v", handle, err)
			}
			if err := e.driver.Remove(ctx, handle); err != nil {
				e.logger.Warn("Removing orphaned sandbox %.12s: %v", handle, err)
			}
		}
		e.destroyWorkspace(ctx, job.ID)

		// Recovery is the one writer allowed to sidestep the edge table:
		// awaiting_approval and pending have no failed edge, but after a
		// restart there is no engine state left to honour them.
		if err := e.store.TransitionJob(ctx, job.ID, job.Status, StatusFailed, "orphaned on restart"); err != nil {
			e.logger.Error("Failing orphaned job %s: %v", job.ID, err)
		}
		jobsFinished.WithLabelValues(string(StatusFailed)).Inc()
	}

	if len(orphans) > 0 {
		e.logger.Notice("Recovery failed %d orphaned job(s)", len(orphans))
	}
	return nil
}

// shutdown runs when the scheduler's context is cancelled: it refuses new
// work, fails whatever is mid-phase, and closes every push channel.
func (e *Engine) shutdown() {
	e.mu.Lock()
	e.stopped = true
	states := make([]*jobState, 0, len(e.jobs))
	for _, js := range e.jobs {
		states = append(states, js)
	}
	e.mu.Unlock()

	ctx := context.Background()
	for _, js := range states {
		e.mu.Lock()
		status := js.job.Status
		e.mu.Unlock()

		switch status {
		case StatusBuilding, StatusChecking:
			e.fail(ctx, js, status, "control plane shutdown")
		case StatusApproved:
			// finalize is still committing; leave it to land the job.
		default:
			js.bc.Close()
		}
	}

	e.runners.Wait()
	e.logger.Info("Scheduler stopped")
}
