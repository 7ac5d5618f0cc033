// Package store persists jobs, telemetry and audit reports in sqlite. It is
// the source of truth after a control-plane restart; while the process
// lives, the engine's in-memory view leads and every status transition is
// written here before anyone else can observe it.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/icarus-hq/icarus/core"
	"github.com/icarus-hq/icarus/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite implements core.Store on a single sqlite file.
type SQLite struct {
	db     *sqlx.DB
	logger logger.Logger
}

// Open connects to (creating if needed) the sqlite database at path and
// runs any pending migrations.
func Open(l logger.Logger, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}

	l.Debug("Store open at %s", path)
	return &SQLite{db: db, logger: l}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateJob(ctx context.Context, job *core.Job) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, task, project_path, status, builder_sandbox_id,
			checker_sandbox_id, error_message, review_comment, created_at,
			updated_at, completed_at)
		VALUES (:id, :task, :project_path, :status, :builder_sandbox_id,
			:checker_sandbox_id, :error_message, :review_comment, :created_at,
			:updated_at, :completed_at)`, job)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var job core.Job
	err := s.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return &job, nil
}

func (s *SQLite) ListJobs(ctx context.Context, limit int, statuses ...core.Status) ([]*core.Job, error) {
	query := `SELECT * FROM jobs`
	args := []any{}
	if len(statuses) > 0 {
		var err error
		query, args, err = sqlx.In(`SELECT * FROM jobs WHERE status IN (?)`, statuses)
		if err != nil {
			return nil, err
		}
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	jobs := []*core.Job{}
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLite) JobsByStatus(ctx context.Context, statuses ...core.Status) ([]*core.Job, error) {
	query, args, err := sqlx.In(`SELECT * FROM jobs WHERE status IN (?)`, statuses)
	if err != nil {
		return nil, err
	}
	query += ` ORDER BY created_at ASC, id ASC`

	jobs := []*core.Job{}
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing jobs by status: %w", err)
	}
	return jobs, nil
}

func (s *SQLite) CountByStatus(ctx context.Context, statuses ...core.Status) (int, error) {
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM jobs WHERE status IN (?)`, statuses)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return n, nil
}

// TransitionJob is the compare-and-set at the heart of the state machine:
// the row only moves if it is still in the from status, which is what makes
// a deadline racing a completion callback safe.
func (s *SQLite) TransitionJob(ctx context.Context, id string, from, to core.Status, errMsg string) error {
	return s.transitionTx(ctx, s.db, id, from, to, errMsg, nil)
}

func (s *SQLite) AdvanceToApproval(ctx context.Context, id string, payload json.RawMessage) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if payload != nil {
		// INSERT OR IGNORE keeps a replayed checker callback from
		// tripping the primary key; the first payload wins.
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO audit_reports (job_id, payload, created_at)
			VALUES (?, ?, ?)`, id, string(payload), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("inserting audit report for %s: %w", id, err)
		}
	}

	if err := s.transitionTx(ctx, tx, id, core.StatusChecking, core.StatusAwaitingApproval, "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) DecideJob(ctx context.Context, id string, approved bool, comment string) error {
	to := core.StatusRejected
	if approved {
		to = core.StatusApproved
	}
	return s.transitionTx(ctx, s.db, id, core.StatusAwaitingApproval, to, "", &comment)
}

// execer covers both *sqlx.DB and *sqlx.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
}

func (s *SQLite) transitionTx(ctx context.Context, db execer, id string, from, to core.Status, errMsg string, comment *string) error {
	now := time.Now().UTC()

	set := `status = ?, updated_at = ?`
	args := []any{to, now}
	if errMsg != "" {
		set += `, error_message = ?`
		args = append(args, errMsg)
	}
	if comment != nil {
		set += `, review_comment = ?`
		args = append(args, *comment)
	}
	if to.Terminal() {
		set += `, completed_at = ?`
		args = append(args, now)
	}
	args = append(args, id, from)

	res, err := db.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("transitioning job %s %s -> %s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the job is gone or another transition got there first.
		var status string
		err := db.QueryRowxContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is %s, not %s: %w", id, status, from, core.ErrConflict)
	}
	return nil
}

// SetSandbox records the live handle for a phase. The two handles never
// live simultaneously, so recording one clears the other.
func (s *SQLite) SetSandbox(ctx context.Context, id string, phase core.Phase, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET builder_sandbox_id = ?, checker_sandbox_id = ?, updated_at = ? WHERE id = ?`,
		builderHandle(phase, handle), checkerHandle(phase, handle), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("recording sandbox for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func builderHandle(phase core.Phase, handle string) string {
	if phase == core.PhaseBuild {
		return handle
	}
	return ""
}

func checkerHandle(phase core.Phase, handle string) string {
	if phase == core.PhaseCheck {
		return handle
	}
	return ""
}

func (s *SQLite) ClearSandbox(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET builder_sandbox_id = '', checker_sandbox_id = '', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("clearing sandbox for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *SQLite) AppendTelemetry(ctx context.Context, sample *core.TelemetrySample) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO telemetry (job_id, cpu_percent, ram_mb, current_tool, recorded_at)
		VALUES (:job_id, :cpu_percent, :ram_mb, :current_tool, :recorded_at)`, sample)
	if err != nil {
		return fmt.Errorf("appending telemetry for %s: %w", sample.JobID, err)
	}
	return nil
}

func (s *SQLite) LatestTelemetry(ctx context.Context, jobID string) (*core.TelemetrySample, error) {
	var sample core.TelemetrySample
	err := s.db.GetContext(ctx, &sample, `
		SELECT * FROM telemetry WHERE job_id = ?
		ORDER BY recorded_at DESC, rowid DESC LIMIT 1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading telemetry for %s: %w", jobID, err)
	}
	return &sample, nil
}

func (s *SQLite) GetAuditRecord(ctx context.Context, jobID string) (*core.AuditRecord, error) {
	var row struct {
		JobID     string    `db:"job_id"`
		Payload   string    `db:"payload"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM audit_reports WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading audit report for %s: %w", jobID, err)
	}
	return &core.AuditRecord{
		JobID:     row.JobID,
		Payload:   json.RawMessage(row.Payload),
		CreatedAt: row.CreatedAt,
	}, nil
}
