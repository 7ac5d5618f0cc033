// Package config loads the icarus configuration file and applies
// environment variable overrides on top of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPaths are searched in order when no --config flag is given.
func DefaultPaths() []string {
	paths := []string{"icarus.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".icarus", "icarus.yaml"))
	}
	return append(paths, "/etc/icarus/icarus.yaml")
}

type Config struct {
	Orchestrator Orchestrator     `yaml:"orchestrator"`
	Sentinel     Sentinel         `yaml:"sentinel"`
	Agents       map[string]Agent `yaml:"agents"`
	Workspace    Workspace        `yaml:"workspace"`
	Store        Store            `yaml:"store"`
	Metrics      Metrics          `yaml:"metrics"`
	Git          Git              `yaml:"git"`
}

type Orchestrator struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
	JobTimeoutSeconds int    `yaml:"job_timeout_seconds"`
	MaxTaskBytes      int    `yaml:"max_task_bytes"`

	// CallbackBaseURL is what workers are told to POST callbacks to. It has
	// to be reachable from inside the sandboxes, so the default points at
	// the docker bridge gateway rather than localhost.
	CallbackBaseURL string `yaml:"callback_base_url"`

	CORSOrigins []string `yaml:"cors_origins"`

	// RefuseWhenSaturated makes spawn return 503 instead of queueing when
	// the sentinel is RED and the backlog already covers every slot.
	RefuseWhenSaturated bool `yaml:"refuse_when_saturated"`
}

type Sentinel struct {
	Enabled             bool    `yaml:"enabled"`
	YellowThreshold     float64 `yaml:"yellow_threshold"`
	RedThreshold        float64 `yaml:"red_threshold"`
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
}

func (s Sentinel) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

type Agent struct {
	ImageName      string   `yaml:"image_name"`
	CPULimit       float64  `yaml:"cpu_limit"`
	MemoryLimit    string   `yaml:"memory_limit"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	NetworkMode    string   `yaml:"network_mode"`
	PassEnv        []string `yaml:"pass_env"`
}

func (a Agent) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type Workspace struct {
	BasePath  string `yaml:"base_path"`
	MountType string `yaml:"mount_type"`
}

type Store struct {
	Path string `yaml:"path"`
}

type Metrics struct {
	Datadog     bool   `yaml:"datadog"`
	DatadogHost string `yaml:"datadog_host"`
}

type Git struct {
	Enabled     bool   `yaml:"enabled"`
	Remote      string `yaml:"remote"`
	Branch      string `yaml:"branch"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Default returns the configuration used when no file or overrides are
// present. Every knob has a workable default so a bare `icarus start` can
// come up on a laptop with docker running.
func Default() Config {
	return Config{
		Orchestrator: Orchestrator{
			Host:              "0.0.0.0",
			Port:              8000,
			MaxConcurrentJobs: 2,
			JobTimeoutSeconds: 1800,
			MaxTaskBytes:      16384,
			CallbackBaseURL:   "http://172.17.0.1:8000",
			CORSOrigins: []string{
				"http://localhost:5173",
				"http://localhost:3000",
			},
		},
		Sentinel: Sentinel{
			Enabled:             true,
			YellowThreshold:     80,
			RedThreshold:        90,
			PollIntervalSeconds: 5,
		},
		Agents: map[string]Agent{
			"builder": {
				ImageName:      "icarus-builder:latest",
				CPULimit:       2,
				MemoryLimit:    "2g",
				TimeoutSeconds: 600,
				NetworkMode:    "bridge",
			},
			"checker": {
				ImageName:      "icarus-checker:latest",
				CPULimit:       1,
				MemoryLimit:    "1g",
				TimeoutSeconds: 300,
				NetworkMode:    "bridge",
			},
		},
		Workspace: Workspace{
			BasePath:  "/var/lib/icarus/workspaces",
			MountType: "volume",
		},
		Store: Store{
			Path: "icarus.db",
		},
		Metrics: Metrics{
			DatadogHost: "127.0.0.1:8125",
		},
		Git: Git{
			Enabled:     true,
			Remote:      "origin",
			Branch:      "main",
			AuthorName:  "icarus",
			AuthorEmail: "icarus@localhost",
		},
	}
}

// Load reads the YAML file at path (optional), layers environment variable
// overrides over it, and validates the result. An empty path means defaults
// plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FindDefault returns the first default config path that exists, or "".
func FindDefault() string {
	for _, p := range DefaultPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c Config) Validate() error {
	if c.Orchestrator.Port < 1 || c.Orchestrator.Port > 65535 {
		return fmt.Errorf("orchestrator.port %d out of range", c.Orchestrator.Port)
	}
	if c.Orchestrator.MaxConcurrentJobs < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_jobs must be at least 1, got %d", c.Orchestrator.MaxConcurrentJobs)
	}
	if c.Orchestrator.JobTimeoutSeconds < 1 {
		return fmt.Errorf("orchestrator.job_timeout_seconds must be positive, got %d", c.Orchestrator.JobTimeoutSeconds)
	}
	if c.Orchestrator.MaxTaskBytes < 1 {
		return fmt.Errorf("orchestrator.max_task_bytes must be positive, got %d", c.Orchestrator.MaxTaskBytes)
	}

	if c.Sentinel.YellowThreshold <= 0 || c.Sentinel.YellowThreshold > 100 {
		return fmt.Errorf("sentinel.yellow_threshold %.1f out of range (0, 100]", c.Sentinel.YellowThreshold)
	}
	if c.Sentinel.RedThreshold <= 0 || c.Sentinel.RedThreshold > 100 {
		return fmt.Errorf("sentinel.red_threshold %.1f out of range (0, 100]", c.Sentinel.RedThreshold)
	}
	if c.Sentinel.YellowThreshold >= c.Sentinel.RedThreshold {
		return fmt.Errorf("sentinel.yellow_threshold %.1f must be below red_threshold %.1f",
			c.Sentinel.YellowThreshold, c.Sentinel.RedThreshold)
	}
	if c.Sentinel.PollIntervalSeconds < 1 {
		return fmt.Errorf("sentinel.poll_interval_seconds must be at least 1, got %d", c.Sentinel.PollIntervalSeconds)
	}

	for _, name := range []string{"builder", "checker"} {
		agent, ok := c.Agents[name]
		if !ok {
			return fmt.Errorf("agents.%s is required", name)
		}
		if agent.ImageName == "" {
			return fmt.Errorf("agents.%s.image_name is required", name)
		}
		if agent.TimeoutSeconds < 1 {
			return fmt.Errorf("agents.%s.timeout_seconds must be positive, got %d", name, agent.TimeoutSeconds)
		}
		if agent.CPULimit <= 0 {
			return fmt.Errorf("agents.%s.cpu_limit must be positive, got %.2f", name, agent.CPULimit)
		}
	}

	switch c.Workspace.MountType {
	case "volume", "bind":
	default:
		return fmt.Errorf("workspace.mount_type must be %q or %q, got %q", "volume", "bind", c.Workspace.MountType)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
