package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/icarus-hq/icarus/core"
)

// ErrorResponse is the response body for any errors that occur.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SpawnRequest is the request body for POST /jobs/spawn.
type SpawnRequest struct {
	Task        string `json:"task"`
	ProjectPath string `json:"project_path"`
}

// SpawnResponse is the response body for POST /jobs/spawn.
type SpawnResponse struct {
	JobID   string      `json:"job_id"`
	Status  core.Status `json:"status"`
	Message string      `json:"message"`
}

// StatusResponse is the response body for GET /jobs/{id}/status.
type StatusResponse struct {
	JobID        string      `json:"job_id"`
	Status       core.Status `json:"status"`
	Task         string      `json:"task"`
	CreatedAt    time.Time   `json:"created_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// TelemetryResponse is the response body for GET /jobs/{id}/telemetry.
// Zero values mean the worker has not reported yet.
type TelemetryResponse struct {
	JobID       string      `json:"job_id"`
	Status      core.Status `json:"status"`
	CPUUsage    float64     `json:"cpu_usage"`
	RAMUsageMB  float64     `json:"ram_usage_mb"`
	CurrentTool string      `json:"current_tool,omitempty"`
}

// AuditResponse is the response body for GET /jobs/{id}/audit. The report
// is the checker's verbatim payload.
type AuditResponse struct {
	JobID       string          `json:"job_id"`
	AuditReport json.RawMessage `json:"audit_report"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ApproveRequest is the request body for POST /jobs/{id}/approve.
type ApproveRequest struct {
	Approved *bool  `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// ApproveResponse is the response body for POST /jobs/{id}/approve.
type ApproveResponse struct {
	Message string      `json:"message"`
	Status  core.Status `json:"status"`
}

// SentinelResponse is the response body for GET /sentinel.
type SentinelResponse struct {
	Level       string    `json:"level"`
	CPUPercent  float64   `json:"cpu_percent"`
	RAMPercent  float64   `json:"ram_percent"`
	RAMUsedMB   float64   `json:"ram_used_mb"`
	RAMTotalMB  float64   `json:"ram_total_mb"`
	DiskPercent float64   `json:"disk_percent"`
	SampledAt   time.Time `json:"sampled_at"`
}

// HealthResponse is the response body for GET /.
type HealthResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

// CallbackKind discriminates the three worker callback shapes.
type CallbackKind int

const (
	CallbackProgress CallbackKind = iota
	CallbackCompleted
	CallbackError
)

// CallbackRequest is the request body for POST /jobs/{id}/callback. The
// three shapes share one endpoint, discriminated by the presence and value
// of status; anything else is rejected rather than tolerated.
type CallbackRequest struct {
	Status      *string         `json:"status,omitempty"`
	Error       string          `json:"error,omitempty"`
	AuditReport json.RawMessage `json:"audit_report,omitempty"`

	CurrentTool *string  `json:"current_tool,omitempty"`
	CPUUsage    *float64 `json:"cpu_usage,omitempty"`
	RAMUsageMB  *float64 `json:"ram_usage_mb,omitempty"`
}

var errUnknownCallbackShape = errors.New("unrecognised callback payload shape")

// Kind classifies the callback, or fails for shapes no worker produces.
func (c *CallbackRequest) Kind() (CallbackKind, error) {
	if c.Status == nil {
		if c.CurrentTool == nil && c.CPUUsage == nil && c.RAMUsageMB == nil {
			return 0, errUnknownCallbackShape
		}
		return CallbackProgress, nil
	}

	switch *c.Status {
	case "completed":
		return CallbackCompleted, nil
	case "error":
		if c.Error == "" {
			return 0, errUnknownCallbackShape
		}
		return CallbackError, nil
	default:
		return 0, errUnknownCallbackShape
	}
}
