package status

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/icarus-hq/icarus/version"
)

func TestSmokeErrorTemplate(t *testing.T) {
	errData := &errorData{
		Operation: "Couldn't render the sentinel item",
		Error:     errors.New("host sample unavailable"),
		Item: map[string]any{
			"level":       "GREEN",
			"cpu_percent": 12.5,
		},
	}

	if err := errorTmpl.Execute(io.Discard, errData); err != nil {
		t.Errorf("errorTmpl.Execute(io.Discard, errData) = %v", err)
	}
}

func TestSmokeStatusTemplate(t *testing.T) {
	data := &statusData{
		Items: map[string]item{
			"Control Plane": &simpleItem{
				stat: "Serving on 127.0.0.1:8000 with 3 job slots",
			},
			"Sentinel": &simpleItem{
				stat: "GREEN: cpu 12.5%, ram 41.0%, disk 63.2%",
			},
		},
		Version:      version.Version(),
		Build:        version.BuildVersion(),
		Hostname:     hostname,
		Username:     username,
		ExePath:      exepath,
		PID:          os.Getpid(),
		Compiler:     runtime.Compiler,
		RuntimeVer:   runtime.Version(),
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		StartTime:    startTime.Format(time.RFC1123),
		StartTimeAgo: time.Since(startTime),
		CurrentTime:  time.Now().Format(time.RFC1123),
		Ctx:          context.Background(),
	}

	if err := statusTmpl.Execute(io.Discard, data); err != nil {
		t.Errorf("statusData.Execute(io.Discard, data) = %v", err)
	}
}

func TestSmokeHandle(t *testing.T) {
	ctx := context.Background()
	cctx, setStat, done := AddSimpleItem(ctx, "Control Plane")
	defer done()
	setStat("Serving on 127.0.0.1:8000 with 3 job slots")

	_, setStat2, done2 := AddSimpleItem(cctx, "Scheduler")
	defer done2()
	setStat2("2 jobs active, 1 pending")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/debug/status", nil)
	if err != nil {
		t.Fatalf("http.NewRequestWithContext(GET /debug/status) error = %v", err)
	}
	rec := httptest.NewRecorder()
	Handle(rec, req)
	if got, want := rec.Result().StatusCode, http.StatusOK; got != want {
		t.Errorf("Handle(rec, req): rec.Result().StatusCode = %v, want %v", got, want)
	}

	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	for _, want := range []string{"Control Plane", "2 jobs active, 1 pending"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("status page missing %q", want)
		}
	}
}
