package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// CallbackPayload is one worker callback. The three shapes share one
// endpoint; use the constructors below rather than filling fields by hand.
type CallbackPayload struct {
	Status      *string         `json:"status,omitempty"`
	Error       string          `json:"error,omitempty"`
	AuditReport json.RawMessage `json:"audit_report,omitempty"`

	CurrentTool *string  `json:"current_tool,omitempty"`
	CPUUsage    *float64 `json:"cpu_usage,omitempty"`
	RAMUsageMB  *float64 `json:"ram_usage_mb,omitempty"`
}

// ProgressCallback reports resource usage and the tool the worker is on.
func ProgressCallback(cpuUsage, ramUsageMB float64, currentTool string) CallbackPayload {
	return CallbackPayload{
		CPUUsage:    &cpuUsage,
		RAMUsageMB:  &ramUsageMB,
		CurrentTool: &currentTool,
	}
}

// CompletedCallback reports a finished phase. The audit report is only
// meaningful from checkers; builders pass nil.
func CompletedCallback(auditReport json.RawMessage) CallbackPayload {
	status := "completed"
	return CallbackPayload{Status: &status, AuditReport: auditReport}
}

// ErrorCallback reports an unrecoverable worker failure.
func ErrorCallback(message string) CallbackPayload {
	status := "error"
	return CallbackPayload{Status: &status, Error: message}
}

// Callback delivers a worker callback for a job. Workers inside sandboxes
// call this against the ORCHESTRATOR_CALLBACK address they were given.
func (c *Client) Callback(ctx context.Context, jobID string, payload CallbackPayload) (*Response, error) {
	req, err := c.newRequest(ctx, "POST", fmt.Sprintf("jobs/%s/callback", url.PathEscape(jobID)), payload)
	if err != nil {
		return nil, err
	}
	return c.doRequest(req, nil)
}
