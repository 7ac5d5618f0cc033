package core

import (
	"context"
	"encoding/json"
)

// Store is the persistence surface the engine requires. The sqlite
// implementation lives in the store package; tests use lighter fakes.
//
// Implementations must be safe for concurrent use, return ErrNotFound for
// missing rows, and implement the transition methods as compare-and-set on
// the from-status, returning ErrConflict when the job has already moved.
// That compare-and-set is the tie-break between a completion callback and a
// deadline firing at the same instant: the first writer wins and the loser
// becomes a no-op.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns up to limit jobs, newest first. With statuses given,
	// only jobs in one of them are returned.
	ListJobs(ctx context.Context, limit int, statuses ...Status) ([]*Job, error)

	// JobsByStatus returns every job in one of the statuses, oldest first,
	// ties broken by id. This is the scheduler's admission order.
	JobsByStatus(ctx context.Context, statuses ...Status) ([]*Job, error)
	CountByStatus(ctx context.Context, statuses ...Status) (int, error)

	// TransitionJob moves a job from -> to, recording errMsg (used when to
	// is failed) and stamping completed_at when to is terminal.
	TransitionJob(ctx context.Context, id string, from, to Status, errMsg string) error

	// AdvanceToApproval persists the audit payload (when non-nil) and the
	// checking -> awaiting_approval transition in one transaction.
	AdvanceToApproval(ctx context.Context, id string, payload json.RawMessage) error

	// DecideJob applies the review decision to a job in awaiting_approval,
	// persisting the comment with the transition.
	DecideJob(ctx context.Context, id string, approved bool, comment string) error

	SetSandbox(ctx context.Context, id string, phase Phase, handle string) error
	ClearSandbox(ctx context.Context, id string) error

	AppendTelemetry(ctx context.Context, sample *TelemetrySample) error
	LatestTelemetry(ctx context.Context, jobID string) (*TelemetrySample, error)

	GetAuditRecord(ctx context.Context, jobID string) (*AuditRecord, error)
}
