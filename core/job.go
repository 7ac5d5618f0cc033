// Package core implements the icarus job engine: the state machine and
// scheduler that move submitted tasks through build, check and review, with
// bounded parallelism and sentinel-gated admission.
package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a job's position in the pipeline.
type Status string

const (
	StatusPending          Status = "pending"
	StatusBuilding         Status = "building"
	StatusChecking         Status = "checking"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Statuses lists every status, in pipeline order.
var Statuses = []Status{
	StatusPending,
	StatusBuilding,
	StatusChecking,
	StatusAwaitingApproval,
	StatusApproved,
	StatusRejected,
	StatusCompleted,
	StatusFailed,
}

// ParseStatus converts a wire string into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether the status never changes again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Active reports whether the job occupies an admission slot.
func (s Status) Active() bool {
	switch s {
	case StatusBuilding, StatusChecking, StatusApproved:
		return true
	}
	return false
}

// transitions is the full set of legal status edges. Anything not listed is
// refused with ErrConflict.
var transitions = map[Status][]Status{
	StatusPending:          {StatusBuilding, StatusFailed},
	StatusBuilding:         {StatusChecking, StatusFailed},
	StatusChecking:         {StatusAwaitingApproval, StatusFailed},
	StatusAwaitingApproval: {StatusApproved, StatusRejected},
	StatusApproved:         {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Phase names one of the two sandboxed pipeline stages.
type Phase string

const (
	PhaseBuild Phase = "build"
	PhaseCheck Phase = "check"
)

// AgentType returns the agents config key for the phase.
func (p Phase) AgentType() string {
	if p == PhaseCheck {
		return "checker"
	}
	return "builder"
}

// RunningStatus returns the job status during which this phase's sandbox is
// live.
func (p Phase) RunningStatus() Status {
	if p == PhaseCheck {
		return StatusChecking
	}
	return StatusBuilding
}

// Job is one submitted task. The store owns the persisted bytes; the engine
// owns all mutations while the job is non-terminal.
type Job struct {
	ID               string     `db:"id" json:"job_id"`
	Task             string     `db:"task" json:"task"`
	ProjectPath      string     `db:"project_path" json:"project_path,omitempty"`
	Status           Status     `db:"status" json:"status"`
	BuilderSandboxID string     `db:"builder_sandbox_id" json:"-"`
	CheckerSandboxID string     `db:"checker_sandbox_id" json:"-"`
	ErrorMessage     string     `db:"error_message" json:"error_message,omitempty"`
	ReviewComment    string     `db:"review_comment" json:"review_comment,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"-"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// SandboxID returns whichever sandbox handle is currently recorded, if any.
func (j *Job) SandboxID() string {
	if j.BuilderSandboxID != "" {
		return j.BuilderSandboxID
	}
	return j.CheckerSandboxID
}

// TelemetrySample is one worker heartbeat. Append-only; the latest sample
// per job is the served value.
type TelemetrySample struct {
	JobID       string    `db:"job_id" json:"job_id"`
	CPUPercent  float64   `db:"cpu_percent" json:"cpu_percent"`
	RAMMB       float64   `db:"ram_mb" json:"ram_mb"`
	CurrentTool string    `db:"current_tool" json:"current_tool,omitempty"`
	RecordedAt  time.Time `db:"recorded_at" json:"timestamp"`
}

// AuditRecord is the checker's verdict for a job, stored verbatim. At most
// one exists per job and it never changes.
type AuditRecord struct {
	JobID     string          `db:"job_id" json:"job_id"`
	Payload   json.RawMessage `db:"payload" json:"audit_report"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
