package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/icarus-hq/icarus/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "icarus.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got, want := cfg.Orchestrator.Port, 8000; got != want {
		t.Errorf("Port = %d, want %d", got, want)
	}
	if got, want := cfg.Orchestrator.MaxConcurrentJobs, 2; got != want {
		t.Errorf("MaxConcurrentJobs = %d, want %d", got, want)
	}
	if got, want := cfg.Sentinel.YellowThreshold, 80.0; got != want {
		t.Errorf("YellowThreshold = %v, want %v", got, want)
	}
	if got, want := cfg.Agents["builder"].TimeoutSeconds, 600; got != want {
		t.Errorf("builder timeout = %d, want %d", got, want)
	}
	if got, want := cfg.Agents["checker"].TimeoutSeconds, 300; got != want {
		t.Errorf("checker timeout = %d, want %d", got, want)
	}
}

func TestLoadFileOverlay(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  port: 9900
  max_concurrent_jobs: 4
sentinel:
  red_threshold: 95
agents:
  builder:
    image_name: custom-builder:v2
    cpu_limit: 1.5
    memory_limit: 4g
    timeout_seconds: 1200
    network_mode: bridge
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got, want := cfg.Orchestrator.Port, 9900; got != want {
		t.Errorf("Port = %d, want %d", got, want)
	}
	if got, want := cfg.Orchestrator.MaxConcurrentJobs, 4; got != want {
		t.Errorf("MaxConcurrentJobs = %d, want %d", got, want)
	}
	if got, want := cfg.Sentinel.RedThreshold, 95.0; got != want {
		t.Errorf("RedThreshold = %v, want %v", got, want)
	}
	if got, want := cfg.Agents["builder"].ImageName, "custom-builder:v2"; got != want {
		t.Errorf("builder image = %q, want %q", got, want)
	}
	// File didn't mention the checker, so the default must survive.
	if got, want := cfg.Agents["checker"].ImageName, "icarus-checker:latest"; got != want {
		t.Errorf("checker image = %q, want %q", got, want)
	}
	// Untouched options keep defaults.
	if got, want := cfg.Sentinel.YellowThreshold, 80.0; got != want {
		t.Errorf("YellowThreshold = %v, want %v", got, want)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_MAX_CONCURRENT_JOBS", "7")
	t.Setenv("SENTINEL_ENABLED", "false")
	t.Setenv("AGENTS_BUILDER_IMAGE_NAME", "env-builder:latest")
	t.Setenv("ORCHESTRATOR_CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got, want := cfg.Orchestrator.MaxConcurrentJobs, 7; got != want {
		t.Errorf("MaxConcurrentJobs = %d, want %d", got, want)
	}
	if cfg.Sentinel.Enabled {
		t.Errorf("Sentinel.Enabled = true, want false")
	}
	if got, want := cfg.Agents["builder"].ImageName, "env-builder:latest"; got != want {
		t.Errorf("builder image = %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{"http://a.test", "http://b.test"}, cfg.Orchestrator.CORSOrigins); diff != "" {
		t.Errorf("CORSOrigins diff (-want +got):\n%s", diff)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	path := writeConfig(t, "orchestrator:\n  port: 9000\n")
	t.Setenv("ORCHESTRATOR_PORT", "9001")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, want := cfg.Orchestrator.Port, 9001; got != want {
		t.Errorf("Port = %d, want %d", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *config.Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *config.Config) { c.Orchestrator.Port = 0 },
			wantErr: "port",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *config.Config) { c.Orchestrator.MaxConcurrentJobs = 0 },
			wantErr: "max_concurrent_jobs",
		},
		{
			name: "thresholds inverted",
			mutate: func(c *config.Config) {
				c.Sentinel.YellowThreshold = 95
				c.Sentinel.RedThreshold = 90
			},
			wantErr: "yellow_threshold",
		},
		{
			name:    "missing builder",
			mutate:  func(c *config.Config) { delete(c.Agents, "builder") },
			wantErr: "agents.builder",
		},
		{
			name: "empty checker image",
			mutate: func(c *config.Config) {
				a := c.Agents["checker"]
				a.ImageName = ""
				c.Agents["checker"] = a
			},
			wantErr: "agents.checker.image_name",
		},
		{
			name:    "bad mount type",
			mutate:  func(c *config.Config) { c.Workspace.MountType = "tmpfs" },
			wantErr: "mount_type",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() error = %q, want containing %q", err, tc.wantErr)
			}
		})
	}
}
