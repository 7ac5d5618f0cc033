package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/icarus-hq/icarus/logger"
	"github.com/icarus-hq/icarus/sandbox"
	"github.com/icarus-hq/icarus/sandbox/sandboxtest"
	"github.com/icarus-hq/icarus/sentinel"
)

type engineHarness struct {
	engine    *Engine
	store     *memStore
	driver    *sandboxtest.Fake
	sentinel  *fakeSentinel
	committer *fakeCommitter
	clock     *fakeClock
}

type fakeClock struct {
	mu  chan struct{}
	now time.Time
}

func newFakeClock() *fakeClock {
	c := &fakeClock{mu: make(chan struct{}, 1), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c.mu <- struct{}{}
	return c
}

func (c *fakeClock) Now() time.Time {
	<-c.mu
	defer func() { c.mu <- struct{}{} }()
	// Strictly monotone so created_at ordering is deterministic.
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newHarness(t *testing.T, mutate func(*EngineConfig)) *engineHarness {
	t.Helper()

	cfg := EngineConfig{
		MaxConcurrentJobs: 2,
		JobTimeout:        time.Hour,
		MaxTaskBytes:      16384,
		CallbackBaseURL:   "http://172.17.0.1:8000",
		Builder:           AgentSpec{Image: "icarus-builder:latest", CPULimit: 2, Timeout: time.Hour, NetworkMode: "bridge"},
		Checker:           AgentSpec{Image: "icarus-checker:latest", CPULimit: 1, Timeout: time.Hour, NetworkMode: "bridge"},
		Workspace:         WorkspaceSpec{MountType: "volume"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &engineHarness{
		store:     newMemStore(),
		driver:    sandboxtest.New(),
		sentinel:  newFakeSentinel(sentinel.LevelGreen),
		committer: &fakeCommitter{},
		clock:     newFakeClock(),
	}
	seq := 0
	h.engine = NewEngine(logger.Discard, h.store, h.driver, h.sentinel, h.committer, cfg,
		WithNowFunc(h.clock.Now),
		WithIDFunc(func() string { seq++; return fmt.Sprintf("job-%03d", seq) }),
		WithRetrySleepFunc(func(time.Duration) {}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop within 5s")
		}
	})
	return h
}

// waitStatus polls until the job reaches the wanted status or the deadline
// passes.
func (h *engineHarness) waitStatus(t *testing.T, id string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := h.engine.GetJob(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			got := Status("?")
			if err == nil {
				got = job.Status
			}
			t.Fatalf("job %s never reached %s (last: %s, err: %v)", id, want, got, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// sandboxFor returns the live handle once the phase runner has recorded it.
func (h *engineHarness) sandboxFor(t *testing.T, id string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := h.engine.GetJob(context.Background(), id)
		if err == nil && job.SandboxID() != "" {
			return job.SandboxID()
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never recorded a sandbox handle", id)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func drainStatuses(ch <-chan Event) []Status {
	var out []Status
	for ev := range ch {
		if ev.Type == EventStatusUpdate {
			out = append(out, ev.Status)
		}
	}
	return out
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, "", "/src/proj"); !errors.Is(err, ErrInvalid) {
		t.Errorf("Submit(empty) error = %v, want ErrInvalid", err)
	}
	if _, err := h.engine.Submit(ctx, "   \n\t ", "/src/proj"); !errors.Is(err, ErrInvalid) {
		t.Errorf("Submit(whitespace) error = %v, want ErrInvalid", err)
	}

	big := make([]byte, 16385)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := h.engine.Submit(ctx, string(big), "/src/proj"); !errors.Is(err, ErrInvalid) {
		t.Errorf("Submit(oversized) error = %v, want ErrInvalid", err)
	}
	// Exactly at the cap is accepted.
	if _, err := h.engine.Submit(ctx, string(big[:16384]), "/src/proj"); err != nil {
		t.Errorf("Submit(at cap) error = %v, want nil", err)
	}
}

func TestPipelineHappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.engine.Submit(ctx, "add a healthcheck endpoint", "/src/proj")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	events, cancelSub, err := h.engine.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancelSub()

	h.waitStatus(t, job.ID, StatusBuilding)
	builder := h.sandboxFor(t, job.ID)
	sb, ok := h.driver.Get(builder)
	if !ok {
		t.Fatalf("builder sandbox %s unknown to driver", builder)
	}
	if sb.Opts.Image != "icarus-builder:latest" {
		t.Errorf("builder image = %q, want icarus-builder:latest", sb.Opts.Image)
	}
	if got := sb.Opts.Env["JOB_ID"]; got != job.ID {
		t.Errorf("builder JOB_ID = %q, want %q", got, job.ID)
	}
	wantCallback := "http://172.17.0.1:8000/jobs/" + job.ID + "/callback"
	if got := sb.Opts.Env["ORCHESTRATOR_CALLBACK"]; got != wantCallback {
		t.Errorf("ORCHESTRATOR_CALLBACK = %q, want %q", got, wantCallback)
	}
	if len(sb.Opts.Mounts) != 1 || sb.Opts.Mounts[0].ReadOnly {
		t.Errorf("builder mounts = %+v, want one read-write workspace", sb.Opts.Mounts)
	}

	if err := h.engine.PhaseCompleted(ctx, job.ID, nil); err != nil {
		t.Fatalf("PhaseCompleted(build) error = %v", err)
	}

	h.waitStatus(t, job.ID, StatusChecking)
	checker := h.sandboxFor(t, job.ID)
	sb, _ = h.driver.Get(checker)
	if sb.Opts.Image != "icarus-checker:latest" {
		t.Errorf("checker image = %q, want icarus-checker:latest", sb.Opts.Image)
	}
	if len(sb.Opts.Mounts) != 1 || !sb.Opts.Mounts[0].ReadOnly {
		t.Errorf("checker mounts = %+v, want one read-only workspace", sb.Opts.Mounts)
	}
	if b, _ := h.driver.Get(builder); !b.Killed || !b.Removed {
		t.Error("builder sandbox not torn down after build completion")
	}

	audit := json.RawMessage(`{"summary":"ok"}`)
	if err := h.engine.PhaseCompleted(ctx, job.ID, audit); err != nil {
		t.Fatalf("PhaseCompleted(check) error = %v", err)
	}
	h.waitStatus(t, job.ID, StatusAwaitingApproval)

	rec, err := h.engine.Audit(ctx, job.ID)
	if err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	if string(rec.Payload) != `{"summary":"ok"}` {
		t.Errorf("audit payload = %s, want {\"summary\":\"ok\"}", rec.Payload)
	}

	if _, err := h.engine.Approve(ctx, job.ID, true, "lgtm"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	final := h.waitStatus(t, job.ID, StatusCompleted)
	if final.CompletedAt == nil {
		t.Error("CompletedAt = nil on completed job")
	}
	if final.ReviewComment != "lgtm" {
		t.Errorf("ReviewComment = %q, want lgtm", final.ReviewComment)
	}
	if h.committer.count() != 1 {
		t.Errorf("commits = %d, want 1", h.committer.count())
	}

	// The delivered artifact's workspace survives.
	if !h.driver.HasVolume("icarus_workspace_" + job.ID) {
		t.Error("workspace volume destroyed on completed job")
	}

	want := []Status{StatusBuilding, StatusChecking, StatusAwaitingApproval, StatusApproved, StatusCompleted}
	if diff := cmp.Diff(want, drainStatuses(events)); diff != "" {
		t.Errorf("subscriber status order diff (-want +got):\n%s", diff)
	}
}

func TestBoundedParallelismAndFIFO(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *EngineConfig) { cfg.MaxConcurrentJobs = 1 })
	ctx := context.Background()

	t1, err := h.engine.Submit(ctx, "t1", "/src/a")
	if err != nil {
		t.Fatalf("Submit(t1) error = %v", err)
	}
	t2, err := h.engine.Submit(ctx, "t2", "/src/b")
	if err != nil {
		t.Fatalf("Submit(t2) error = %v", err)
	}
	t3, err := h.engine.Submit(ctx, "t3", "/src/c")
	if err != nil {
		t.Fatalf("Submit(t3) error = %v", err)
	}

	h.waitStatus(t, t1.ID, StatusBuilding)

	// The slot stays occupied while t1 is building and checking.
	for _, j := range []*Job{t2, t3} {
		if got, _ := h.engine.GetJob(ctx, j.ID); got.Status != StatusPending {
			t.Errorf("job %s status = %s while t1 builds, want pending", j.ID, got.Status)
		}
	}
	h.engine.PhaseCompleted(ctx, t1.ID, nil)
	h.waitStatus(t, t1.ID, StatusChecking)
	if got, _ := h.engine.GetJob(ctx, t2.ID); got.Status != StatusPending {
		t.Errorf("t2 status = %s while t1 checks, want pending", got.Status)
	}

	h.engine.PhaseCompleted(ctx, t1.ID, json.RawMessage(`{"summary":"ok"}`))
	h.waitStatus(t, t1.ID, StatusAwaitingApproval)

	// Parked at the review gate, t1 no longer holds the slot; the freed
	// slot goes to t2 (older), not t3.
	h.waitStatus(t, t2.ID, StatusBuilding)
	if got, _ := h.engine.GetJob(ctx, t3.ID); got.Status != StatusPending {
		t.Errorf("t3 status = %s, want pending until t2 frees the slot", got.Status)
	}

	if _, err := h.engine.Approve(ctx, t1.ID, true, "ok"); err != nil {
		t.Fatalf("Approve(t1) error = %v", err)
	}
	h.waitStatus(t, t1.ID, StatusCompleted)

	// t3 waits on t2 the same way.
	h.engine.PhaseCompleted(ctx, t2.ID, nil)
	h.waitStatus(t, t2.ID, StatusChecking)
	h.engine.PhaseCompleted(ctx, t2.ID, json.RawMessage(`{"summary":"ok"}`))
	h.waitStatus(t, t2.ID, StatusAwaitingApproval)
	h.waitStatus(t, t3.ID, StatusBuilding)
}

func TestAdmissionSkipsDivergedJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *EngineConfig) { cfg.MaxConcurrentJobs = 1 })
	ctx := context.Background()

	h.sentinel.Set(sentinel.LevelRed)
	t1, err := h.engine.Submit(ctx, "t1", "/src/a")
	if err != nil {
		t.Fatalf("Submit(t1) error = %v", err)
	}
	t2, err := h.engine.Submit(ctx, "t2", "/src/b")
	if err != nil {
		t.Fatalf("Submit(t2) error = %v", err)
	}

	// t1's row moves behind the engine's back, the way an operator
	// intervention in the database would leave it.
	if err := h.store.TransitionJob(ctx, t1.ID, StatusPending, StatusFailed, "cancelled by operator"); err != nil {
		t.Fatalf("TransitionJob() error = %v", err)
	}

	h.sentinel.Set(sentinel.LevelGreen)

	// The diverged job must not wedge the queue: t2 gets the slot.
	h.waitStatus(t, t2.ID, StatusBuilding)

	// And the engine's view of t1 converges on the persisted row.
	got, err := h.engine.GetJob(ctx, t1.ID)
	if err != nil {
		t.Fatalf("GetJob(t1) error = %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("t1 status = %s, want failed", got.Status)
	}
}

func TestWorkerErrorFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.engine.Submit(ctx, "task", "/src/proj")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.waitStatus(t, job.ID, StatusBuilding)
	handle := h.sandboxFor(t, job.ID)

	if err := h.engine.PhaseErrored(ctx, job.ID, "llm 429"); err != nil {
		t.Fatalf("PhaseErrored() error = %v", err)
	}

	failed := h.waitStatus(t, job.ID, StatusFailed)
	if failed.ErrorMessage != "llm 429" {
		t.Errorf("ErrorMessage = %q, want llm 429", failed.ErrorMessage)
	}
	if sb, _ := h.driver.Get(handle); !sb.Killed || !sb.Removed {
		t.Error("sandbox not torn down on worker error")
	}
	if h.driver.HasVolume("icarus_workspace_" + job.ID) {
		t.Error("workspace volume survived a failed job")
	}
}

func TestPhaseTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *EngineConfig) {
		cfg.Builder.Timeout = 20 * time.Millisecond
	})
	ctx := context.Background()

	job, err := h.engine.Submit(ctx, "task", "/src/proj")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.waitStatus(t, job.ID, StatusBuilding)
	handle := h.sandboxFor(t, job.ID)

	failed := h.waitStatus(t, job.ID, StatusFailed)
	if failed.ErrorMessage != "phase timeout" {
		t.Errorf("ErrorMessage = %q, want %q", failed.ErrorMessage, "phase timeout")
	}
	if sb, _ := h.driver.Get(handle); !sb.Killed {
		t.Error("sandbox still alive after phase timeout")
	}
}

func TestTimeoutLosesRaceToCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *EngineConfig) {
		cfg.Builder.Timeout = 25 * time.Millisecond
	})
	ctx := context.Background()

	job, err := h.engine.Submit(ctx, "task", "/src/proj")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.waitStatus(t, job.ID, StatusBuilding)
	h.sandboxFor(t, job.ID)

	// Complete just before (or exactly as) the deadline fires. Whichever
	// loses must be a no-op: at most one transition out of building.
	if err := h.engine.PhaseCompleted(ctx, job.ID, nil); err != nil {
		t.Fatalf("PhaseCompleted() error = %v", err)
	}

	h.waitStatus(t, job.ID, StatusChecking)
	time.Sleep(50 * time.Millisecond) // let the build deadline fire into the void
	got, _ := h.engine.GetJob(ctx, job.ID)
	if got.Status != StatusChecking {
		t.Errorf("status after stale deadline = %s, want checking", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty", got.ErrorMessage)
	}
}

func TestStaleCallbacksAreDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *EngineConfig) { cfg.MaxConcurrentJobs = 1 })
	ctx := context.Background()

	blocker, _ := h.engine.Submit(ctx, "hold the slot", "/src/x")
	h.waitStatus(t, blocker.ID, StatusBuilding)
	queued, _ := h.engine.Submit(ctx, "waiting", "/src/y")

	// Callbacks for a pending job: logged and dropped, no state change.
	if err := h.engine.PhaseCompleted(ctx, queued.ID, nil); err != nil {
		t.Errorf("PhaseCompleted(pending job) error = %v, want nil", err)
	}
	if err := h.engine.PhaseErrored(ctx, queued.ID, "boom"); err != nil {
		t.Errorf("PhaseErrored(pending job) error = %v, want nil", err)
	}
	if got, _ := h.engine.GetJob(ctx, queued.ID); got.Status != StatusPending {
		t.Errorf("queued job status = %s, want pending", got.Status)
	}

	// Unknown job: the gateway needs ErrNotFound for its 404.
	if err := h.engine.PhaseCompleted(ctx, "ghost", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("PhaseCompleted(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestApproveConflicts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	job, _ := h.engine.Submit(ctx, "task", "/src/proj")
	h.waitStatus(t, job.ID, StatusBuilding)

	// Approval while still mid-pipeline is a conflict.
	if _, err := h.engine.Approve(ctx, job.ID, true, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("Approve(building) error = %v, want ErrConflict", err)
	}

	h.engine.PhaseCompleted(ctx, job.ID, nil)
	h.waitStatus(t, job.ID, StatusChecking)
	h.engine.PhaseCompleted(ctx, job.ID, json.RawMessage(`{"summary":"ok"}`))
	h.waitStatus(t, job.ID, StatusAwaitingApproval)

	if _, err := h.engine.Approve(ctx, job.ID, true, "lgtm"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	// Replay: job has left awaiting_approval.
	if _, err := h.engine.Approve(ctx, job.ID, true, "again"); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate Approve() error = %v, want ErrConflict", err)
	}

	if _, err := h.engine.Approve(ctx, "ghost", true, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Approve(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRejectDestroysWorkspace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	job, _ := h.engine.Submit(ctx, "task", "/src/proj")
	h.waitStatus(t, job.ID, StatusBuilding)
	h.engine.PhaseCompleted(ctx, job.ID, nil)
	h.waitStatus(t, job.ID, StatusChecking)
	h.engine.PhaseCompleted(ctx, job.ID, json.RawMessage(`{"summary":"issues found"}`))
	h.waitStatus(t, job.ID, StatusAwaitingApproval)

	if _, err := h.engine.Approve(ctx, job.ID, false, "needs tests"); err != nil {
		t.Fatalf("Approve(false) error = %v", err)
	}
	rejected := h.waitStatus(t, job.ID, StatusRejected)
	if rejected.ReviewComment != "needs tests" {
		t.Errorf("ReviewComment = %q, want %q", rejected.ReviewComment, "needs tests")
	}
	if h.committer.count() != 0 {
		t.Errorf("commits = %d, want 0 for rejected job", h.committer.count())
	}
	if h.driver.HasVolume("icarus_workspace_" + job.ID) {
		t.Error("workspace volume survived a rejected job")
	}
}

func TestCommitFailureFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.committer.err = errCommitRefused
	ctx := context.Background()

	job, _ := h.engine.Submit(ctx, "task", "/src/proj")
	h.waitStatus(t, job.ID, StatusBuilding)
	h.engine.PhaseCompleted(ctx, job.ID, nil)
	h.waitStatus(t, job.ID, StatusChecking)
	h.engine.PhaseCompleted(ctx, job.ID, json.RawMessage(`{"summary":"ok"}`))
	h.waitStatus(t, job.ID, StatusAwaitingApproval)

	if _, err := h.engine.Approve(ctx, job.ID, true, "ship it"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	failed := h.waitStatus(t, job.ID, StatusFailed)
	if want := "commit failed: remote: permission denied"; failed.ErrorMessage != want {
		t.Errorf("ErrorMessage = %q, want %q", failed.ErrorMessage, want)
	}
}

func TestRedSentinelBlocksAdmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	h.sentinel.Set(sentinel.LevelRed)

	job, err := h.engine.Submit(ctx, "task", "/src/proj")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if got, _ := h.engine.GetJob(ctx, job.ID); got.Status != StatusPending {
		t.Fatalf("status under RED = %s, want pending", got.Status)
	}

	h.sentinel.Set(sentinel.LevelGreen)
	h.waitStatus(t, job.ID, StatusBuilding)
}

func TestSpawnFailureFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	h.driver.CreateErr = fmt.Errorf("image not found: icarus-builder:latest")

	job, _ := h.engine.Submit(ctx, "task", "/src/proj")
	failed := h.waitStatus(t, job.ID, StatusFailed)
	if failed.ErrorMessage == "" {
		t.Error("ErrorMessage empty, want driver condition")
	}
}

func TestLateSubscriberGetsTerminalStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	job, _ := h.engine.Submit(ctx, "task", "/src/proj")
	h.waitStatus(t, job.ID, StatusBuilding)
	h.engine.PhaseErrored(ctx, job.ID, "boom")
	h.waitStatus(t, job.ID, StatusFailed)

	events, cancelSub, err := h.engine.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancelSub()

	got := drainStatuses(events)
	if diff := cmp.Diff([]Status{StatusFailed}, got); diff != "" {
		t.Errorf("late subscriber statuses diff (-want +got):\n%s", diff)
	}
}

func TestTerminalJobLeavesMemory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	job, _ := h.engine.Submit(ctx, "task", "/src/proj")
	h.waitStatus(t, job.ID, StatusBuilding)
	h.engine.PhaseErrored(ctx, job.ID, "boom")
	h.waitStatus(t, job.ID, StatusFailed)

	deadline := time.Now().Add(3 * time.Second)
	for {
		h.engine.mu.Lock()
		_, held := h.engine.jobs[job.ID]
		h.engine.mu.Unlock()
		if !held {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal job still held in memory")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Reads keep working off the persisted row.
	got, err := h.engine.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() after eviction error = %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status after eviction = %s, want failed", got.Status)
	}

	// A straggler callback after eviction is dropped, not an error.
	if err := h.engine.PhaseCompleted(ctx, job.ID, nil); err != nil {
		t.Errorf("PhaseCompleted(evicted job) error = %v, want nil", err)
	}
}

func TestProgressRecordsTelemetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	job, _ := h.engine.Submit(ctx, "task", "/src/proj")

	// Before any sample, telemetry serves zeros rather than 404.
	_, sample, err := h.engine.Telemetry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Telemetry() error = %v", err)
	}
	if sample.CPUPercent != 0 || sample.RAMMB != 0 {
		t.Errorf("zero sample = %+v", sample)
	}

	h.waitStatus(t, job.ID, StatusBuilding)
	if err := h.engine.Progress(ctx, job.ID, 42.5, 512, "write_file"); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}

	_, sample, err = h.engine.Telemetry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Telemetry() error = %v", err)
	}
	if sample.CPUPercent != 42.5 || sample.CurrentTool != "write_file" {
		t.Errorf("latest sample = %+v, want cpu 42.5 tool write_file", sample)
	}
}

func TestRecoveryFailsOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newMemStore()
	driver := sandboxtest.New()

	// A sandbox left over from the previous run, still recorded on its job.
	handle, err := driver.Create(ctx, sandbox.CreateOpts{Name: "icarus_builder_mid-build"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	persisted := []*Job{
		{ID: "queued", Task: "a", Status: StatusPending, CreatedAt: base},
		{ID: "mid-build", Task: "b", Status: StatusBuilding, BuilderSandboxID: handle, CreatedAt: base},
		{ID: "at-gate", Task: "c", Status: StatusAwaitingApproval, CreatedAt: base},
		{ID: "delivered", Task: "d", Status: StatusCompleted, CreatedAt: base},
	}
	for _, job := range persisted {
		if err := st.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", job.ID, err)
		}
	}

	cfg := EngineConfig{
		MaxConcurrentJobs: 2,
		JobTimeout:        time.Hour,
		MaxTaskBytes:      16384,
		Builder:           AgentSpec{Image: "b", Timeout: time.Hour},
		Checker:           AgentSpec{Image: "c", Timeout: time.Hour},
		Workspace:         WorkspaceSpec{MountType: "volume"},
	}
	e := NewEngine(logger.Discard, st, driver, newFakeSentinel(sentinel.LevelGreen), &fakeCommitter{}, cfg)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := st.GetJob(ctx, "mid-build")
		if err == nil && job.Status == StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mid-build never failed during recovery (status %v, err %v)", job, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	for _, id := range []string{"queued", "mid-build", "at-gate"} {
		job, err := st.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob(%s) error = %v", id, err)
		}
		if job.Status != StatusFailed {
			t.Errorf("job %s status = %s, want failed", id, job.Status)
		}
		if job.ErrorMessage != "orphaned on restart" {
			t.Errorf("job %s error = %q, want orphaned on restart", id, job.ErrorMessage)
		}
	}

	// Terminal jobs are untouched.
	if job, _ := st.GetJob(ctx, "delivered"); job.Status != StatusCompleted {
		t.Errorf("delivered status = %s, want completed", job.Status)
	}

	// The orphaned sandbox was destroyed, not adopted.
	if sb, _ := driver.Get(handle); !sb.Killed || !sb.Removed {
		t.Error("orphaned sandbox not torn down during recovery")
	}
}

// recoveryGateStore holds the recovery scan open until released, exposing
// the window between engine start and recovery completion.
type recoveryGateStore struct {
	*memStore
	gate chan struct{}
}

func (s *recoveryGateStore) JobsByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	<-s.gate
	return s.memStore.JobsByStatus(ctx, statuses...)
}

func TestSubmitWaitsForRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := &recoveryGateStore{memStore: newMemStore(), gate: make(chan struct{})}
	cfg := EngineConfig{
		MaxConcurrentJobs: 2,
		JobTimeout:        time.Hour,
		MaxTaskBytes:      16384,
		Builder:           AgentSpec{Image: "b", Timeout: time.Hour},
		Checker:           AgentSpec{Image: "c", Timeout: time.Hour},
		Workspace:         WorkspaceSpec{MountType: "volume"},
	}
	e := NewEngine(logger.Discard, st, sandboxtest.New(), newFakeSentinel(sentinel.LevelGreen), &fakeCommitter{}, cfg)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	errs := make(chan error, 1)
	jobs := make(chan *Job, 1)
	go func() {
		job, err := e.Submit(ctx, "task", "/src/proj")
		jobs <- job
		errs <- err
	}()

	// While the recovery scan is open, the submission must be held.
	select {
	case err := <-errs:
		t.Fatalf("Submit() returned during recovery (err = %v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(st.gate)
	job := <-jobs
	if err := <-errs; err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Fresh submission, not an orphan: it builds instead of failing.
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := e.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if got.Status == StatusBuilding {
			break
		}
		if got.Status == StatusFailed {
			t.Fatalf("job failed at startup: %q", got.ErrorMessage)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached building (last: %s)", got.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
