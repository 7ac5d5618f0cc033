package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/icarus-hq/icarus/core"
	"github.com/icarus-hq/icarus/version"
)

func jsonEncode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// decodeBody strictly decodes a JSON request body into v. Unknown fields
// are rejected: workers and dashboards should not be sending shapes we
// don't recognise.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parsing request body: %w: %v", core.ErrInvalid, err)
	}
	return nil
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Service: "icarus-orchestrator",
		Status:  "running",
		Version: version.Version(),
	})
}

func (s *Server) getSentinel(w http.ResponseWriter, r *http.Request) {
	stats := s.sentinel.Stats()
	s.writeJSON(w, http.StatusOK, SentinelResponse{
		Level:       s.sentinel.Level().String(),
		CPUPercent:  stats.CPUPercent,
		RAMPercent:  stats.RAMPercent,
		RAMUsedMB:   stats.RAMUsedMB,
		RAMTotalMB:  stats.RAMTotalMB,
		DiskPercent: stats.DiskPercent,
		SampledAt:   stats.SampledAt,
	})
}

func (s *Server) postSpawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.engine.Submit(r.Context(), req.Task, req.ProjectPath)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, SpawnResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "job queued; it starts building as soon as a slot is free",
	})
}

func (s *Server) getJobs(w http.ResponseWriter, r *http.Request) {
	limit := s.defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, fmt.Errorf("limit must be an integer: %w", core.ErrInvalid))
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > s.maxListLimit {
		limit = s.maxListLimit
	}

	var statuses []core.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := core.ParseStatus(raw)
		if err != nil {
			s.writeError(w, fmt.Errorf("%v: %w", err, core.ErrInvalid))
			return
		}
		statuses = append(statuses, st)
	}

	jobs, err := s.engine.ListJobs(r.Context(), limit, statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Task:         job.Task,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
	})
}

func (s *Server) getJobTelemetry(w http.ResponseWriter, r *http.Request) {
	job, sample, err := s.engine.Telemetry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, TelemetryResponse{
		JobID:       job.ID,
		Status:      job.Status,
		CPUUsage:    sample.CPUPercent,
		RAMUsageMB:  sample.RAMMB,
		CurrentTool: sample.CurrentTool,
	})
}

func (s *Server) getJobAudit(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AuditResponse{
		JobID:       rec.JobID,
		AuditReport: rec.Payload,
		CreatedAt:   rec.CreatedAt,
	})
}

func (s *Server) postApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Approved == nil {
		s.writeError(w, fmt.Errorf("approved is required: %w", core.ErrInvalid))
		return
	}

	job, err := s.engine.Approve(r.Context(), chi.URLParam(r, "id"), *req.Approved, req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}

	message := "job rejected; workspace discarded"
	if *req.Approved {
		message = "job approved; committing the workspace"
	}
	s.writeJSON(w, http.StatusOK, ApproveResponse{Message: message, Status: job.Status})
}

// postCallback ingests the three worker callback shapes. Callbacks for
// jobs not awaiting a sandbox are deliberately answered 200: workers
// cannot do anything useful with an error, and a late callback losing a
// race is normal operation, not a fault.
func (s *Server) postCallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CallbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	kind, err := req.Kind()
	if err != nil {
		s.writeError(w, fmt.Errorf("%v: %w", err, core.ErrInvalid))
		return
	}

	switch kind {
	case CallbackProgress:
		var cpu, ram float64
		var tool string
		if req.CPUUsage != nil {
			cpu = *req.CPUUsage
		}
		if req.RAMUsageMB != nil {
			ram = *req.RAMUsageMB
		}
		if req.CurrentTool != nil {
			tool = *req.CurrentTool
		}
		err = s.engine.Progress(r.Context(), id, cpu, ram, tool)

	case CallbackCompleted:
		err = s.engine.PhaseCompleted(r.Context(), id, req.AuditReport)

	case CallbackError:
		err = s.engine.PhaseErrored(r.Context(), id, req.Error)
	}

	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
