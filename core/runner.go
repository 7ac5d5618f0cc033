package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/buildkite/roko"

	"github.com/icarus-hq/icarus/sandbox"
)

const createAttempts = 2

// startPhase spawns the sandbox for a phase in its own goroutine. The
// runner only sets the phase up; completion arrives asynchronously through
// worker callbacks, and failure through callbacks or deadline timers.
func (e *Engine) startPhase(js *jobState, phase Phase) {
	e.runners.Add(1)
	go func() {
		defer e.runners.Done()
		e.runPhase(js, phase)
	}()
}

func (e *Engine) runPhase(js *jobState, phase Phase) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e.mu.Lock()
	id := js.job.ID
	task := js.job.Task
	e.mu.Unlock()

	agent := e.cfg.agent(phase)

	if phase == PhaseBuild {
		if err := e.createWorkspace(ctx, id); err != nil {
			e.fail(ctx, js, phase.RunningStatus(), "workspace setup failed: "+err.Error())
			return
		}
	}

	env := map[string]string{
		"JOB_ID":                id,
		"TASK":                  task,
		"ORCHESTRATOR_CALLBACK": fmt.Sprintf("%s/jobs/%s/callback", e.cfg.CallbackBaseURL, id),
	}
	for k, v := range agent.PassEnv {
		env[k] = v
	}

	opts := sandbox.CreateOpts{
		Image:            agent.Image,
		Name:             sandbox.WorkerName(phase.AgentType(), id),
		Env:              env,
		CPULimit:         agent.CPULimit,
		MemoryLimitBytes: agent.MemoryLimitBytes,
		NetworkMode:      agent.NetworkMode,
		Labels:           map[string]string{"agent_type": phase.AgentType()},
		Mounts: []sandbox.Mount{{
			Type:   e.cfg.Workspace.MountType,
			Source: e.workspaceSource(id),
			Target: "/workspace",
			// The checker audits; it must not be able to alter the artifact.
			ReadOnly: phase == PhaseCheck,
		}},
	}

	// Creation hits the image store and the allocator; transient daemon
	// errors deserve one more try before the job is failed.
	r := roko.NewRetrier(
		roko.WithMaxAttempts(createAttempts),
		roko.WithStrategy(roko.Constant(1*time.Second)),
		roko.WithSleepFunc(e.opts.retrySleepFunc),
	)
	handle, err := roko.DoFunc(ctx, r, func(rt *roko.Retrier) (string, error) {
		h, err := e.driver.Create(ctx, opts)
		if err != nil {
			e.logger.Warn("Job %s: creating %s sandbox: %v (%s)", id, phase.AgentType(), err, rt)
		}
		return h, err
	})
	if err != nil {
		e.fail(ctx, js, phase.RunningStatus(), fmt.Sprintf("spawning %s sandbox: %v", phase.AgentType(), err))
		return
	}

	if err := e.driver.Start(ctx, handle); err != nil {
		e.driver.Remove(ctx, handle)
		e.fail(ctx, js, phase.RunningStatus(), fmt.Sprintf("starting %s sandbox: %v", phase.AgentType(), err))
		return
	}

	if err := e.store.SetSandbox(ctx, id, phase, handle); err != nil {
		e.logger.Error("Job %s: recording sandbox handle: %v", id, err)
	}

	e.mu.Lock()
	if phase == PhaseBuild {
		js.job.BuilderSandboxID = handle
		js.job.CheckerSandboxID = ""
	} else {
		js.job.BuilderSandboxID = ""
		js.job.CheckerSandboxID = handle
	}
	js.phase = phase
	js.phaseStart = e.opts.now()
	if js.phaseTimer != nil {
		js.phaseTimer.Stop()
	}
	// Wall-clock on purpose: a sandbox that sits paused under a RED
	// sentinel long enough runs out its phase deadline and fails.
	js.phaseTimer = time.AfterFunc(agent.Timeout, func() {
		e.phaseDeadline(js, phase)
	})
	e.mu.Unlock()

	e.logger.Info("Job %s: %s sandbox %.12s running (deadline %v)", id, phase.AgentType(), handle, agent.Timeout)

	e.runners.Add(1)
	go func() {
		defer e.runners.Done()
		e.tailLogs(js, handle)
	}()
}

// phaseDeadline fires when a phase's timer expires. If the job has already
// moved on the CAS loses and nothing happens.
func (e *Engine) phaseDeadline(js *jobState, phase Phase) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.mu.Lock()
	current := js.job.Status
	e.mu.Unlock()
	if current != phase.RunningStatus() {
		return
	}

	phaseTimeouts.WithLabelValues(string(phase)).Inc()
	e.logger.Warn("Job %s: %s phase deadline expired", js.job.ID, phase)
	e.fail(ctx, js, phase.RunningStatus(), "phase timeout")
}

// armOuterDeadline caps the job's total wall time independently of the
// per-phase deadlines; whichever fires first fails the job.
func (e *Engine) armOuterDeadline(js *jobState) {
	if e.cfg.JobTimeout <= 0 {
		return
	}

	e.mu.Lock()
	remaining := e.cfg.JobTimeout - e.opts.now().Sub(js.job.CreatedAt)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	js.outerTimer = time.AfterFunc(remaining, func() {
		e.outerDeadline(js)
	})
	e.mu.Unlock()
}

func (e *Engine) outerDeadline(js *jobState) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.mu.Lock()
	current := js.job.Status
	e.mu.Unlock()

	switch current {
	case StatusBuilding, StatusChecking:
		e.logger.Warn("Job %s: job timeout expired in %s", js.job.ID, current)
		e.fail(ctx, js, current, "job timeout")
	}
}

// tailLogs forwards a sandbox's output to the job's push channel until the
// sandbox exits. Best-effort: laggard subscribers drop lines.
func (e *Engine) tailLogs(js *jobState, handle string) {
	lines, err := e.driver.TailLogs(context.Background(), handle)
	if err != nil {
		e.logger.Debug("Job %s: no log tail for %.12s: %v", js.job.ID, handle, err)
		return
	}
	for line := range lines {
		js.bc.Publish(logEvent(line))
	}
}

// workspaceSource is the mount source for a job's workspace: a named
// docker volume, or a host directory for bind mounts.
func (e *Engine) workspaceSource(id string) string {
	if e.cfg.Workspace.MountType == "bind" {
		return filepath.Join(e.cfg.Workspace.BasePath, id)
	}
	return sandbox.WorkspaceVolume(id)
}

func (e *Engine) createWorkspace(ctx context.Context, id string) error {
	if e.cfg.Workspace.MountType == "bind" {
		return os.MkdirAll(e.workspaceSource(id), 0o755)
	}
	return e.driver.CreateVolume(ctx, e.workspaceSource(id))
}

// destroyWorkspace drops the workspace of a job that did not deliver. The
// completed path never calls this.
func (e *Engine) destroyWorkspace(ctx context.Context, id string) {
	var err error
	if e.cfg.Workspace.MountType == "bind" {
		err = os.RemoveAll(e.workspaceSource(id))
	} else {
		err = e.driver.RemoveVolume(ctx, e.workspaceSource(id))
	}
	if err != nil {
		e.logger.Warn("Job %s: destroying workspace: %v", id, err)
	}
}
