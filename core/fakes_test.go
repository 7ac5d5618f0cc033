package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/icarus-hq/icarus/sentinel"
)

// memStore implements Store in memory with the same compare-and-set
// semantics as the sqlite store.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	telemetry map[string][]*TelemetrySample
	audits    map[string]*AuditRecord
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[string]*Job),
		telemetry: make(map[string][]*TelemetrySample),
		audits:    make(map[string]*AuditRecord),
	}
}

func (m *memStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) inStatus(statuses []Status, s Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (m *memStore) ListJobs(ctx context.Context, limit int, statuses ...Status) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, job := range m.jobs {
		if len(statuses) > 0 && !m.inStatus(statuses, job.Status) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) JobsByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, job := range m.jobs {
		if m.inStatus(statuses, job.Status) {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) CountByStatus(ctx context.Context, statuses ...Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if m.inStatus(statuses, job.Status) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) TransitionJob(ctx context.Context, id string, from, to Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, from, to, errMsg, nil)
}

func (m *memStore) transitionLocked(id string, from, to Status, errMsg string, comment *string) error {
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != from {
		return fmt.Errorf("job %s is %s, not %s: %w", id, job.Status, from, ErrConflict)
	}
	job.Status = to
	if errMsg != "" {
		job.ErrorMessage = errMsg
	}
	if comment != nil {
		job.ReviewComment = *comment
	}
	if to.Terminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return nil
}

func (m *memStore) AdvanceToApproval(ctx context.Context, id string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transitionLocked(id, StatusChecking, StatusAwaitingApproval, "", nil); err != nil {
		return err
	}
	if payload != nil {
		if _, ok := m.audits[id]; !ok {
			m.audits[id] = &AuditRecord{JobID: id, Payload: payload, CreatedAt: time.Now().UTC()}
		}
	}
	return nil
}

func (m *memStore) DecideJob(ctx context.Context, id string, approved bool, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	to := StatusRejected
	if approved {
		to = StatusApproved
	}
	return m.transitionLocked(id, StatusAwaitingApproval, to, "", &comment)
}

func (m *memStore) SetSandbox(ctx context.Context, id string, phase Phase, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.BuilderSandboxID = ""
	job.CheckerSandboxID = ""
	if phase == PhaseCheck {
		job.CheckerSandboxID = handle
	} else {
		job.BuilderSandboxID = handle
	}
	return nil
}

func (m *memStore) ClearSandbox(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.BuilderSandboxID = ""
	job.CheckerSandboxID = ""
	return nil
}

func (m *memStore) AppendTelemetry(ctx context.Context, sample *TelemetrySample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sample
	m.telemetry[sample.JobID] = append(m.telemetry[sample.JobID], &cp)
	return nil
}

func (m *memStore) LatestTelemetry(ctx context.Context, jobID string) (*TelemetrySample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	samples := m.telemetry[jobID]
	if len(samples) == 0 {
		return nil, ErrNotFound
	}
	cp := *samples[len(samples)-1]
	return &cp, nil
}

func (m *memStore) GetAuditRecord(ctx context.Context, jobID string) (*AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.audits[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// fakeSentinel is a sentinel.Source with a settable level.
type fakeSentinel struct {
	mu      sync.Mutex
	level   sentinel.Level
	updates chan sentinel.Level
}

func newFakeSentinel(level sentinel.Level) *fakeSentinel {
	return &fakeSentinel{level: level, updates: make(chan sentinel.Level, 4)}
}

func (f *fakeSentinel) Level() sentinel.Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

func (f *fakeSentinel) Stats() sentinel.Stats { return sentinel.Stats{} }

func (f *fakeSentinel) Updates() <-chan sentinel.Level { return f.updates }

func (f *fakeSentinel) Set(level sentinel.Level) {
	f.mu.Lock()
	f.level = level
	f.mu.Unlock()
	f.updates <- level
}

// fakeCommitter records commits and can be scripted to fail.
type fakeCommitter struct {
	mu      sync.Mutex
	commits []string
	err     error
}

func (f *fakeCommitter) Commit(ctx context.Context, dir, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commits = append(f.commits, dir)
	return nil
}

func (f *fakeCommitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

var errCommitRefused = errors.New("remote: permission denied")
