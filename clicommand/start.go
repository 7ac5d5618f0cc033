package clicommand

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/icarus-hq/icarus/config"
	"github.com/icarus-hq/icarus/core"
	"github.com/icarus-hq/icarus/gateway"
	"github.com/icarus-hq/icarus/gitremote"
	"github.com/icarus-hq/icarus/logger"
	"github.com/icarus-hq/icarus/metrics"
	"github.com/icarus-hq/icarus/sandbox"
	"github.com/icarus-hq/icarus/sentinel"
	"github.com/icarus-hq/icarus/status"
	"github.com/icarus-hq/icarus/store"
	"github.com/icarus-hq/icarus/version"
)

const startDescription = `Usage:

    icarus start [options...]

Description:

Start the control plane: the orchestrator API, the job scheduler and the
sentinel resource monitor. Jobs run in docker sandboxes on this host, so
a reachable docker daemon is required.

Configuration is read from --config if given, otherwise from the first of
icarus.yaml, ~/.icarus/icarus.yaml or /etc/icarus/icarus.yaml that exists.
Every setting can be overridden by environment variables of the form
ORCHESTRATOR_MAX_CONCURRENT_JOBS, SENTINEL_RED_THRESHOLD and so on.

Example:

    $ icarus start
    $ icarus start --config ./icarus.yaml`

var StartCommand = cli.Command{
	Name:        "start",
	Usage:       "Start the icarus control plane",
	Description: startDescription,
	Flags: []cli.Flag{
		ConfigFlag,

		// Global flags
		DebugFlag,
		NoColorFlag,
	},
	Action: func(c *cli.Context) error {
		l := setupLogger(c)

		path := c.String("config")
		if path == "" {
			path = config.FindDefault()
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if path != "" {
			l.Info("Loaded configuration from %s", path)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return start(ctx, l, cfg)
	},
}

func start(ctx context.Context, l logger.Logger, cfg config.Config) error {
	l.Notice("icarus %s starting", version.FullVersion())

	collector := metrics.NewCollector(l, metrics.CollectorConfig{
		Datadog:     cfg.Metrics.Datadog,
		DatadogHost: cfg.Metrics.DatadogHost,
	})
	if err := collector.Start(); err != nil {
		return fmt.Errorf("starting metrics collector: %w", err)
	}
	defer collector.Stop()

	st, err := store.Open(l, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer st.Close()

	driver, err := sandbox.NewDockerDriver(l)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	if err := driver.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}

	var (
		source  sentinel.Source
		monitor *sentinel.Monitor
	)
	if cfg.Sentinel.Enabled {
		monitor = sentinel.NewMonitor(l, sentinel.Config{
			Driver:          driver,
			YellowThreshold: cfg.Sentinel.YellowThreshold,
			RedThreshold:    cfg.Sentinel.RedThreshold,
			PollInterval:    cfg.Sentinel.PollInterval(),
		})
		source = monitor
	} else {
		l.Warn("Sentinel is disabled, jobs are admitted regardless of host load")
		source = sentinel.Disabled{}
	}

	var committer core.Committer = gitremote.Disabled{Logger: l}
	if cfg.Git.Enabled {
		committer = gitremote.New(l, cfg.Git)
	}

	engineCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	engine := core.NewEngine(l, st, driver, source, committer, engineCfg)

	addr := fmt.Sprintf("%s:%d", cfg.Orchestrator.Host, cfg.Orchestrator.Port)
	server := gateway.NewServer(l, engine, source, addr,
		gateway.WithCORSOrigins(cfg.Orchestrator.CORSOrigins),
	)

	_, setStat, done := status.AddSimpleItem(ctx, "Control Plane")
	defer done()
	setStat(fmt.Sprintf("Serving on %s with %d job slots", addr, cfg.Orchestrator.MaxConcurrentJobs))

	_, setSentinelStat, sentinelDone := status.AddSimpleItem(ctx, "Sentinel")
	defer sentinelDone()
	setSentinelStat("No sample yet")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	if monitor != nil {
		g.Go(func() error { return monitor.Run(ctx) })
	}
	g.Go(func() error {
		return reportHostStats(ctx, source, collector, setSentinelStat)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		l.Notice("icarus stopped")
		return nil
	}
	return err
}

// reportHostStats periodically mirrors the sentinel's view onto the status
// page and, when datadog is enabled, the statsd sink.
func reportHostStats(ctx context.Context, source sentinel.Source, collector *metrics.Collector, setStat func(string)) error {
	scope := collector.Scope(metrics.Tags{"component": "sentinel"})

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		stats := source.Stats()
		setStat(fmt.Sprintf("%s: cpu %.1f%%, ram %.1f%%, disk %.1f%%",
			source.Level(), stats.CPUPercent, stats.RAMPercent, stats.DiskPercent))

		scope.Gauge("host.cpu_percent", stats.CPUPercent)
		scope.Gauge("host.ram_percent", stats.RAMPercent)
		scope.Gauge("host.disk_percent", stats.DiskPercent)
	}
}

// engineConfig converts the operator-facing configuration into what the
// engine consumes, resolving memory limit strings and pass-through env.
func engineConfig(cfg config.Config) (core.EngineConfig, error) {
	builder, err := agentSpec(cfg.Agents["builder"])
	if err != nil {
		return core.EngineConfig{}, fmt.Errorf("agents.builder: %w", err)
	}
	checker, err := agentSpec(cfg.Agents["checker"])
	if err != nil {
		return core.EngineConfig{}, fmt.Errorf("agents.checker: %w", err)
	}

	return core.EngineConfig{
		MaxConcurrentJobs:   cfg.Orchestrator.MaxConcurrentJobs,
		JobTimeout:          time.Duration(cfg.Orchestrator.JobTimeoutSeconds) * time.Second,
		MaxTaskBytes:        cfg.Orchestrator.MaxTaskBytes,
		CallbackBaseURL:     cfg.Orchestrator.CallbackBaseURL,
		RefuseWhenSaturated: cfg.Orchestrator.RefuseWhenSaturated,
		Builder:             builder,
		Checker:             checker,
		Workspace: core.WorkspaceSpec{
			BasePath:  cfg.Workspace.BasePath,
			MountType: cfg.Workspace.MountType,
		},
	}, nil
}

func agentSpec(a config.Agent) (core.AgentSpec, error) {
	var memory int64
	if a.MemoryLimit != "" {
		var err error
		memory, err = units.RAMInBytes(a.MemoryLimit)
		if err != nil {
			return core.AgentSpec{}, fmt.Errorf("parsing memory_limit %q: %w", a.MemoryLimit, err)
		}
	}

	passEnv := make(map[string]string)
	for _, name := range a.PassEnv {
		if value, ok := os.LookupEnv(name); ok {
			passEnv[name] = value
		}
	}

	return core.AgentSpec{
		Image:            a.ImageName,
		CPULimit:         a.CPULimit,
		MemoryLimitBytes: memory,
		Timeout:          a.Timeout(),
		NetworkMode:      a.NetworkMode,
		PassEnv:          passEnv,
	}, nil
}
