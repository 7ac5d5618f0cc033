package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/icarus-hq/icarus/logger"
	"github.com/icarus-hq/icarus/sandbox"
	"github.com/icarus-hq/icarus/sentinel"
)

// Committer performs the post-approval commit side effect. The go-git
// implementation lives in the gitremote package.
type Committer interface {
	Commit(ctx context.Context, dir, message string) error
}

// AgentSpec carries the sandbox creation parameters for one worker type.
type AgentSpec struct {
	Image            string
	CPULimit         float64
	MemoryLimitBytes int64
	Timeout          time.Duration
	NetworkMode      string

	// PassEnv is extra environment injected into the worker, typically
	// LLM and search credentials resolved by the operator's config.
	PassEnv map[string]string
}

// WorkspaceSpec controls per-job workspace placement. The workspace is the
// workers' write surface; it is distinct from a job's ProjectPath, the host
// checkout the post-approval commit targets.
type WorkspaceSpec struct {
	BasePath string

	// MountType is "volume" (a docker volume per job) or "bind" (a host
	// directory under BasePath).
	MountType string
}

// EngineConfig is everything the engine needs to know up front.
type EngineConfig struct {
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	MaxTaskBytes      int

	// CallbackBaseURL is the address workers reach the control plane on,
	// e.g. http://172.17.0.1:8000. It must resolve from inside sandboxes.
	CallbackBaseURL string

	// RefuseWhenSaturated turns a submission under RED with a full backlog
	// into ErrSaturated instead of queueing it.
	RefuseWhenSaturated bool

	Builder   AgentSpec
	Checker   AgentSpec
	Workspace WorkspaceSpec
}

func (c EngineConfig) agent(phase Phase) AgentSpec {
	if phase == PhaseCheck {
		return c.Checker
	}
	return c.Builder
}

// jobState is the engine's in-memory view of one job. The engine's mutex
// guards the job pointer; the broadcaster has its own locking.
type jobState struct {
	job *Job
	bc  *broadcaster

	phase      Phase
	phaseStart time.Time
	phaseTimer *time.Timer
	outerTimer *time.Timer
}

// Engine owns the job state machine: admission, phase sequencing, the
// approval gate, and cleanup. It is the only component that mutates jobs.
//
// Two writers can race on a job, a completion callback against a deadline
// timer for instance. The persisted compare-and-set transition is the
// tie-break: whoever commits the status write first wins, and the loser's
// attempt returns ErrConflict and becomes a no-op.
type Engine struct {
	logger    logger.Logger
	store     Store
	driver    sandbox.Driver
	sentinel  sentinel.Source
	committer Committer
	cfg       EngineConfig
	opts      engineOptions

	mu      sync.Mutex
	jobs    map[string]*jobState
	stopped bool

	// wake pokes the scheduler loop. Buffered 1: coalescing wakes is fine,
	// the loop always re-reads the whole picture.
	wake chan struct{}

	// ready closes once startup recovery has finished. Submissions wait on
	// it so a fresh job can never be mistaken for an orphan.
	ready chan struct{}

	runners sync.WaitGroup
}

func NewEngine(l logger.Logger, st Store, driver sandbox.Driver, sent sentinel.Source, committer Committer, cfg EngineConfig, opts ...EngineOption) *Engine {
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		logger:    l,
		store:     st,
		driver:    driver,
		sentinel:  sent,
		committer: committer,
		cfg:       cfg,
		opts:      o,
		jobs:      make(map[string]*jobState),
		wake:      make(chan struct{}, 1),
		ready:     make(chan struct{}),
	}
}

// Submit validates and enqueues a new job in pending. The scheduler decides
// when (and whether) it starts building.
func (e *Engine) Submit(ctx context.Context, task, projectPath string) (*Job, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, fmt.Errorf("task must not be empty: %w", ErrInvalid)
	}
	if len(task) > e.cfg.MaxTaskBytes {
		return nil, fmt.Errorf("task exceeds %d bytes: %w", e.cfg.MaxTaskBytes, ErrInvalid)
	}

	// Recovery scans the store for non-terminal rows; a job created during
	// that scan would be read back and failed as an orphan.
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	if e.cfg.RefuseWhenSaturated && e.sentinel.Level() == sentinel.LevelRed {
		pending := 0
		for _, js := range e.jobs {
			if js.job.Status == StatusPending {
				pending++
			}
		}
		if pending >= e.cfg.MaxConcurrentJobs {
			e.mu.Unlock()
			return nil, ErrSaturated
		}
	}
	e.mu.Unlock()

	now := e.opts.now()
	job := &Job{
		ID:          e.opts.newID(),
		Task:        task,
		ProjectPath: projectPath,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.jobs[job.ID] = &jobState{job: job, bc: newBroadcaster()}
	e.mu.Unlock()

	jobsSubmitted.Inc()
	e.logger.Info("Job %s submitted: %.80q", job.ID, job.Task)
	e.poke()
	return snapshot(job), nil
}

// Approve resolves the human review gate. Only legal while the job is in
// awaiting_approval; replays get ErrConflict. On approval the commit side
// effect runs asynchronously and the job reaches completed or failed once
// it resolves.
func (e *Engine) Approve(ctx context.Context, id string, approved bool, comment string) (*Job, error) {
	e.mu.Lock()
	js := e.jobs[id]
	stopped := e.stopped
	e.mu.Unlock()
	if js == nil {
		// Maybe a terminal job from a previous run; surface the right kind.
		if _, err := e.store.GetJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	if stopped {
		return nil, ErrStopped
	}

	if err := e.store.DecideJob(ctx, id, approved, comment); err != nil {
		return nil, err
	}

	to := StatusRejected
	if approved {
		to = StatusApproved
	}
	e.mu.Lock()
	js.job.Status = to
	js.job.ReviewComment = comment
	if to == StatusRejected {
		now := e.opts.now()
		js.job.CompletedAt = &now
	}
	job := snapshot(js.job)
	e.mu.Unlock()

	if !approved {
		e.logger.Notice("Job %s rejected: %q", id, comment)
		e.finishTerminal(js, StatusRejected)
		return job, nil
	}

	e.logger.Notice("Job %s approved: %q", id, comment)
	js.bc.Publish(statusEvent(StatusApproved))
	e.runners.Add(1)
	go func() {
		defer e.runners.Done()
		e.finalize(js)
	}()
	return job, nil
}

// finalize performs the commit for an approved job and lands it in a
// terminal status.
func (e *Engine) finalize(js *jobState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	e.mu.Lock()
	id := js.job.ID
	dir := js.job.ProjectPath
	task := js.job.Task
	e.mu.Unlock()

	// The commit targets project_path, the operator's host checkout. The
	// workers write the job workspace, so the builder image must sync its
	// result into project_path before reporting completion.
	message := "icarus: " + truncate(task, 72)
	if err := e.committer.Commit(ctx, dir, message); err != nil {
		e.logger.Error("Job %s commit failed: %v", id, err)
		e.transition(ctx, js, StatusApproved, StatusFailed, "commit failed: "+err.Error())
		return
	}
	e.transition(ctx, js, StatusApproved, StatusCompleted, "")
}

// PhaseCompleted handles a worker's completion callback. In building it
// advances the job to checking and spawns the checker; in checking it
// persists the audit payload and parks the job at the approval gate.
// Callbacks for jobs in any other status are silently discarded.
func (e *Engine) PhaseCompleted(ctx context.Context, id string, auditPayload json.RawMessage) error {
	e.mu.Lock()
	js := e.jobs[id]
	var status Status
	if js != nil {
		status = js.job.Status
	}
	e.mu.Unlock()
	if js == nil {
		return e.discardStaleCallback(ctx, id, "completion")
	}

	switch status {
	case StatusBuilding:
		callbacksReceived.WithLabelValues("completed").Inc()
		e.logger.Info("Job %s build complete", id)
		if err := e.transition(ctx, js, StatusBuilding, StatusChecking, ""); err != nil {
			return nil // lost the race against a deadline; nothing to do
		}
		e.releaseSandbox(ctx, js)
		e.startPhase(js, PhaseCheck)
		return nil

	case StatusChecking:
		callbacksReceived.WithLabelValues("completed").Inc()
		e.logger.Info("Job %s check complete (audit: %d bytes)", id, len(auditPayload))
		err := e.transitionWith(ctx, js, StatusChecking, StatusAwaitingApproval, "", func() error {
			return e.store.AdvanceToApproval(ctx, id, auditPayload)
		})
		if err == nil {
			e.releaseSandbox(ctx, js)
		}
		return nil

	default:
		callbacksDiscarded.Inc()
		e.logger.Debug("Discarding completion callback for job %s in %s", id, status)
		return nil
	}
}

// PhaseErrored handles a worker's error callback.
func (e *Engine) PhaseErrored(ctx context.Context, id, msg string) error {
	e.mu.Lock()
	js := e.jobs[id]
	var status Status
	if js != nil {
		status = js.job.Status
	}
	e.mu.Unlock()
	if js == nil {
		return e.discardStaleCallback(ctx, id, "error")
	}

	switch status {
	case StatusBuilding, StatusChecking:
		callbacksReceived.WithLabelValues("error").Inc()
		e.logger.Warn("Job %s worker reported error: %s", id, msg)
		e.fail(ctx, js, status, msg)
	default:
		callbacksDiscarded.Inc()
		e.logger.Debug("Discarding error callback for job %s in %s", id, status)
	}
	return nil
}

// Progress records a telemetry heartbeat and forwards the worker's current
// tool to the push channel.
func (e *Engine) Progress(ctx context.Context, id string, cpuPercent, ramMB float64, currentTool string) error {
	e.mu.Lock()
	js := e.jobs[id]
	var status Status
	if js != nil {
		status = js.job.Status
	}
	e.mu.Unlock()
	if js == nil {
		return e.discardStaleCallback(ctx, id, "progress")
	}

	if status != StatusBuilding && status != StatusChecking {
		callbacksDiscarded.Inc()
		e.logger.Debug("Discarding progress callback for job %s in %s", id, status)
		return nil
	}

	callbacksReceived.WithLabelValues("progress").Inc()
	err := e.store.AppendTelemetry(ctx, &TelemetrySample{
		JobID:       id,
		CPUPercent:  cpuPercent,
		RAMMB:       ramMB,
		CurrentTool: currentTool,
		RecordedAt:  e.opts.now(),
	})
	if err != nil {
		return err
	}
	if currentTool != "" {
		js.bc.Publish(logEvent("tool: " + currentTool))
	}
	return nil
}

// discardStaleCallback distinguishes a truly unknown job from one whose
// state already left memory: callbacks for the latter are late arrivals to
// be dropped, not errors.
func (e *Engine) discardStaleCallback(ctx context.Context, id, kind string) error {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	callbacksDiscarded.Inc()
	e.logger.Debug("Discarding %s callback for job %s in %s", kind, id, job.Status)
	return nil
}

// GetJob returns the engine's view of a job, falling back to the store for
// jobs from previous runs.
func (e *Engine) GetJob(ctx context.Context, id string) (*Job, error) {
	e.mu.Lock()
	if js := e.jobs[id]; js != nil {
		job := snapshot(js.job)
		e.mu.Unlock()
		return job, nil
	}
	e.mu.Unlock()
	return e.store.GetJob(ctx, id)
}

// ListJobs returns up to limit jobs, newest first, optionally filtered.
func (e *Engine) ListJobs(ctx context.Context, limit int, statuses ...Status) ([]*Job, error) {
	return e.store.ListJobs(ctx, limit, statuses...)
}

// Telemetry returns the latest heartbeat for a job, or a zero sample if
// the worker has not reported yet.
func (e *Engine) Telemetry(ctx context.Context, id string) (*Job, *TelemetrySample, error) {
	job, err := e.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sample, err := e.store.LatestTelemetry(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return job, &TelemetrySample{JobID: id}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return job, sample, nil
}

// Audit returns the checker's stored verdict for a job.
func (e *Engine) Audit(ctx context.Context, id string) (*AuditRecord, error) {
	return e.store.GetAuditRecord(ctx, id)
}

// Subscribe attaches a push-channel subscriber to a job. Subscribers to a
// job already in a terminal status receive that terminal status and the
// channel closes.
func (e *Engine) Subscribe(ctx context.Context, id string) (<-chan Event, func(), error) {
	e.mu.Lock()
	js := e.jobs[id]
	e.mu.Unlock()
	if js != nil {
		ch, cancel := js.bc.Subscribe()
		return ch, cancel, nil
	}

	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	// A job from a previous run: serve its resting status and close.
	ch := make(chan Event, 1)
	ch <- statusEvent(job.Status)
	close(ch)
	return ch, func() {}, nil
}

// transition moves a job along one legal edge: persist first, then update
// the in-memory view, then broadcast. Returns ErrConflict if another
// transition got there first.
func (e *Engine) transition(ctx context.Context, js *jobState, from, to Status, errMsg string) error {
	return e.transitionWith(ctx, js, from, to, errMsg, func() error {
		return e.store.TransitionJob(ctx, js.job.ID, from, to, errMsg)
	})
}

func (e *Engine) transitionWith(ctx context.Context, js *jobState, from, to Status, errMsg string, persist func() error) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("no edge %s -> %s: %w", from, to, ErrConflict)
	}
	if err := persist(); err != nil {
		return err
	}

	e.mu.Lock()
	js.job.Status = to
	if errMsg != "" {
		js.job.ErrorMessage = errMsg
	}
	if to.Terminal() {
		now := e.opts.now()
		js.job.CompletedAt = &now
	}
	e.mu.Unlock()

	e.logger.Info("Job %s: %s -> %s", js.job.ID, from, to)

	if to.Terminal() {
		e.finishTerminal(js, to)
	} else {
		js.bc.Publish(statusEvent(to))
	}

	// Leaving the active set frees a slot.
	if from.Active() && !to.Active() {
		e.poke()
	}
	return nil
}

// reconcile refreshes a job's in-memory view from its persisted row after
// a conflicting write, running terminal side effects when the row landed
// terminal. Reports whether the status actually changed.
func (e *Engine) reconcile(ctx context.Context, js *jobState) bool {
	persisted, err := e.store.GetJob(ctx, js.job.ID)
	if err != nil {
		e.logger.Error("Job %s: reconciling from store: %v", js.job.ID, err)
		return false
	}

	e.mu.Lock()
	changed := js.job.Status != persisted.Status
	js.job.Status = persisted.Status
	js.job.ErrorMessage = persisted.ErrorMessage
	if persisted.CompletedAt != nil {
		t := *persisted.CompletedAt
		js.job.CompletedAt = &t
	}
	e.mu.Unlock()
	if !changed {
		return false
	}

	e.logger.Warn("Job %s: adopted persisted status %s", js.job.ID, persisted.Status)
	if persisted.Status.Terminal() {
		e.finishTerminal(js, persisted.Status)
	}
	return true
}

// fail is a CAS attempt at moving the job to failed from an expected
// status; if something else already moved it, this is a no-op.
func (e *Engine) fail(ctx context.Context, js *jobState, from Status, msg string) {
	if err := e.transition(ctx, js, from, StatusFailed, msg); err != nil {
		e.logger.Debug("Job %s fail from %s lost the race: %v", js.job.ID, from, err)
	}
}

// finishTerminal performs every side effect of entering a terminal status:
// sandbox teardown, workspace policy, timers, metrics, and the final
// broadcast.
func (e *Engine) finishTerminal(js *jobState, to Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.mu.Lock()
	id := js.job.ID
	if js.phaseTimer != nil {
		js.phaseTimer.Stop()
		js.phaseTimer = nil
	}
	if js.outerTimer != nil {
		js.outerTimer.Stop()
		js.outerTimer = nil
	}
	e.mu.Unlock()

	e.releaseSandbox(ctx, js)

	// The workspace of a completed job is the delivered artifact; every
	// other terminal status destroys it.
	if to != StatusCompleted {
		e.destroyWorkspace(ctx, id)
	}

	jobsFinished.WithLabelValues(string(to)).Inc()
	js.bc.PublishTerminal(statusEvent(to))

	// Once subscribers have drained, reads fall through to the store and
	// the state can leave the map; it would otherwise grow for the life of
	// the process.
	time.AfterFunc(2*terminalGrace, func() {
		e.mu.Lock()
		if cur, ok := e.jobs[id]; ok && cur == js {
			delete(e.jobs, id)
		}
		e.mu.Unlock()
	})
}

// releaseSandbox kills and removes whatever sandbox handle the job holds,
// and clears it. Idempotent.
func (e *Engine) releaseSandbox(ctx context.Context, js *jobState) {
	e.mu.Lock()
	id := js.job.ID
	handle := js.job.SandboxID()
	js.job.BuilderSandboxID = ""
	js.job.CheckerSandboxID = ""
	phase := js.phase
	phaseStart := js.phaseStart
	e.mu.Unlock()
	if handle == "" {
		return
	}
	if !phaseStart.IsZero() {
		phaseDurations.WithLabelValues(string(phase)).Observe(time.Since(phaseStart).Seconds())
	}

	if err := e.driver.Kill(ctx, handle); err != nil {
		e.logger.Warn("Job %s: killing sandbox %.12s: %v", id, handle, err)
	}
	if err := e.driver.Remove(ctx, handle); err != nil {
		e.logger.Warn("Job %s: removing sandbox %.12s: %v", id, handle, err)
	}
	if err := e.store.ClearSandbox(ctx, id); err != nil {
		e.logger.Warn("Job %s: clearing sandbox handle: %v", id, err)
	}
}

func snapshot(job *Job) *Job {
	cp := *job
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
