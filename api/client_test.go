package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/icarus-hq/icarus/core"
	"github.com/icarus-hq/icarus/logger"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(logger.Discard, Config{Endpoint: ts.URL})
}

func TestSpawn(t *testing.T) {
	t.Parallel()
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/jobs/spawn" {
			t.Errorf("request = %s %s, want POST /jobs/spawn", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var req SpawnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if req.Task != "fix the flaky test" {
			t.Errorf("task = %q", req.Task)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"job_id":"job-1","status":"pending","message":"queued"}`)
	})

	result, resp, err := client.Spawn(context.Background(), SpawnRequest{Task: "fix the flaky test"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if result.JobID != "job-1" || result.Status != core.StatusPending {
		t.Errorf("result = %+v", result)
	}
}

func TestListJobsQuery(t *testing.T) {
	t.Parallel()
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/" {
			t.Errorf("path = %s, want /jobs/", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q, want 5", got)
		}
		if got := r.URL.Query().Get("status"); got != "pending" {
			t.Errorf("status = %q, want pending", got)
		}
		fmt.Fprint(w, `[{"job_id":"job-1","status":"pending"}]`)
	})

	jobs, _, err := client.ListJobs(context.Background(), 5, "pending")
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"job is not awaiting approval"}`)
	})

	_, _, err := client.Approve(context.Background(), "job-1", ApproveRequest{Approved: true})
	if err == nil {
		t.Fatal("Approve() error = nil, want conflict")
	}
	if !IsErrHavingStatus(err, http.StatusConflict) {
		t.Errorf("IsErrHavingStatus(err, 409) = false for %v", err)
	}

	apiErr, ok := err.(*ErrorResponse)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if apiErr.Message != "job is not awaiting approval" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestUserAgentDefault(t *testing.T) {
	t.Parallel()
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua == "" {
			t.Error("User-Agent header missing")
		}
		fmt.Fprint(w, `{"service":"icarus-orchestrator","status":"running","version":"1.0"}`)
	})

	health, _, err := client.GetHealth(context.Background())
	if err != nil {
		t.Fatalf("GetHealth() error = %v", err)
	}
	if health.Service != "icarus-orchestrator" {
		t.Errorf("service = %q", health.Service)
	}
}
