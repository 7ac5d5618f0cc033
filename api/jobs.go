package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/icarus-hq/icarus/core"
)

// SpawnRequest submits a new job.
type SpawnRequest struct {
	Task        string `json:"task"`
	ProjectPath string `json:"project_path,omitempty"`
}

// SpawnResult is the orchestrator's answer to a submission.
type SpawnResult struct {
	JobID   string      `json:"job_id"`
	Status  core.Status `json:"status"`
	Message string      `json:"message"`
}

// JobStatus is one job's resting state.
type JobStatus struct {
	JobID        string      `json:"job_id"`
	Status       core.Status `json:"status"`
	Task         string      `json:"task"`
	CreatedAt    time.Time   `json:"created_at"`
	CompletedAt  *time.Time  `json:"completed_at"`
	ErrorMessage string      `json:"error_message"`
}

// Telemetry is a job's most recent worker-reported resource usage.
type Telemetry struct {
	JobID       string      `json:"job_id"`
	Status      core.Status `json:"status"`
	CPUUsage    float64     `json:"cpu_usage"`
	RAMUsageMB  float64     `json:"ram_usage_mb"`
	CurrentTool string      `json:"current_tool"`
}

// AuditReport is the checker's verbatim report for a job.
type AuditReport struct {
	JobID       string          `json:"job_id"`
	AuditReport json.RawMessage `json:"audit_report"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ApproveRequest carries a human decision on a job awaiting approval.
type ApproveRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// ApproveResult is the orchestrator's answer to a decision.
type ApproveResult struct {
	Message string      `json:"message"`
	Status  core.Status `json:"status"`
}

// SentinelStats is the host admission level and the sample behind it.
type SentinelStats struct {
	Level       string    `json:"level"`
	CPUPercent  float64   `json:"cpu_percent"`
	RAMPercent  float64   `json:"ram_percent"`
	RAMUsedMB   float64   `json:"ram_used_mb"`
	RAMTotalMB  float64   `json:"ram_total_mb"`
	DiskPercent float64   `json:"disk_percent"`
	SampledAt   time.Time `json:"sampled_at"`
}

// Health is the orchestrator's liveness report.
type Health struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Spawn submits a job for execution.
func (c *Client) Spawn(ctx context.Context, spawn SpawnRequest) (*SpawnResult, *Response, error) {
	req, err := c.newRequest(ctx, "POST", "jobs/spawn", spawn)
	if err != nil {
		return nil, nil, err
	}

	result := new(SpawnResult)
	resp, err := c.doRequest(req, result)
	return result, resp, err
}

// ListJobs fetches recent jobs, newest first. A zero limit takes the server
// default; an empty status means all statuses.
func (c *Client) ListJobs(ctx context.Context, limit int, status string) ([]core.Job, *Response, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	u := "jobs/"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, "GET", u, nil)
	if err != nil {
		return nil, nil, err
	}

	var jobs []core.Job
	resp, err := c.doRequest(req, &jobs)
	return jobs, resp, err
}

// GetJobStatus fetches one job's status.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, *Response, error) {
	req, err := c.newRequest(ctx, "GET", fmt.Sprintf("jobs/%s/status", url.PathEscape(jobID)), nil)
	if err != nil {
		return nil, nil, err
	}

	status := new(JobStatus)
	resp, err := c.doRequest(req, status)
	return status, resp, err
}

// GetTelemetry fetches a job's latest telemetry sample. Zero values mean
// the worker has not reported yet.
func (c *Client) GetTelemetry(ctx context.Context, jobID string) (*Telemetry, *Response, error) {
	req, err := c.newRequest(ctx, "GET", fmt.Sprintf("jobs/%s/telemetry", url.PathEscape(jobID)), nil)
	if err != nil {
		return nil, nil, err
	}

	tel := new(Telemetry)
	resp, err := c.doRequest(req, tel)
	return tel, resp, err
}

// GetAuditReport fetches the checker's report for a job.
func (c *Client) GetAuditReport(ctx context.Context, jobID string) (*AuditReport, *Response, error) {
	req, err := c.newRequest(ctx, "GET", fmt.Sprintf("jobs/%s/audit", url.PathEscape(jobID)), nil)
	if err != nil {
		return nil, nil, err
	}

	report := new(AuditReport)
	resp, err := c.doRequest(req, report)
	return report, resp, err
}

// Approve records a human decision on a job awaiting approval.
func (c *Client) Approve(ctx context.Context, jobID string, approve ApproveRequest) (*ApproveResult, *Response, error) {
	req, err := c.newRequest(ctx, "POST", fmt.Sprintf("jobs/%s/approve", url.PathEscape(jobID)), approve)
	if err != nil {
		return nil, nil, err
	}

	result := new(ApproveResult)
	resp, err := c.doRequest(req, result)
	return result, resp, err
}

// GetSentinelStats fetches the current host admission level.
func (c *Client) GetSentinelStats(ctx context.Context) (*SentinelStats, *Response, error) {
	req, err := c.newRequest(ctx, "GET", "sentinel", nil)
	if err != nil {
		return nil, nil, err
	}

	stats := new(SentinelStats)
	resp, err := c.doRequest(req, stats)
	return stats, resp, err
}

// GetHealth pings the orchestrator.
func (c *Client) GetHealth(ctx context.Context) (*Health, *Response, error) {
	req, err := c.newRequest(ctx, "GET", "", nil)
	if err != nil {
		return nil, nil, err
	}

	health := new(Health)
	resp, err := c.doRequest(req, health)
	return health, resp, err
}
