package sentinel

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/icarus-hq/icarus/logger"
	"github.com/icarus-hq/icarus/sandbox"
)

// sideEffectTimeout caps how long one round of pause/unpause calls may
// take, so a wedged docker daemon can't stall the poll loop forever.
const sideEffectTimeout = 30 * time.Second

// Monitor samples the host on an interval and publishes a Level. It owns
// pausedSet exclusively; nothing else pauses or resumes sandboxes.
type Monitor struct {
	logger   logger.Logger
	driver   sandbox.Driver
	yellow   float64
	red      float64
	interval time.Duration
	sample   func(ctx context.Context) (Stats, error)

	mu        sync.Mutex
	level     Level
	stats     Stats
	pausedSet []string

	updates chan Level
}

// Config for a Monitor. Sample is overridable for tests; nil means the
// gopsutil host sampler.
type Config struct {
	Driver          sandbox.Driver
	YellowThreshold float64
	RedThreshold    float64
	PollInterval    time.Duration
	Sample          func(ctx context.Context) (Stats, error)
}

func NewMonitor(l logger.Logger, cfg Config) *Monitor {
	sample := cfg.Sample
	if sample == nil {
		sample = hostSample
	}
	return &Monitor{
		logger:   l,
		driver:   cfg.Driver,
		yellow:   cfg.YellowThreshold,
		red:      cfg.RedThreshold,
		interval: cfg.PollInterval,
		sample:   sample,
		updates:  make(chan Level, 4),
	}
}

func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Monitor) Updates() <-chan Level {
	return m.updates
}

// Run polls until ctx is cancelled. The first sample happens immediately so
// the level is meaningful before the first interval elapses.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Sentinel watching host (yellow=%.0f%% red=%.0f%% every %v)",
		m.yellow, m.red, m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.poll(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// poll takes one sample, applies edge side effects, and publishes any level
// change.
func (m *Monitor) poll(ctx context.Context) {
	stats, err := m.sample(ctx)
	if err != nil {
		m.logger.Warn("Sentinel sample failed: %v", err)
		return
	}

	newLevel := LevelFor(stats, m.yellow, m.red)

	m.mu.Lock()
	oldLevel := m.level
	m.level = newLevel
	m.stats = stats
	m.mu.Unlock()

	if newLevel == oldLevel {
		return
	}

	m.logger.Notice("Sentinel level %s -> %s (cpu=%.1f%% ram=%.1f%% disk=%.1f%%)",
		oldLevel, newLevel, stats.CPUPercent, stats.RAMPercent, stats.DiskPercent)

	sctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()

	switch {
	case newLevel == LevelRed:
		m.pauseAll(sctx)
	case oldLevel == LevelRed:
		m.resumeAll(sctx)
	}

	select {
	case m.updates <- newLevel:
	default:
	}
}

// pauseAll pauses every live icarus sandbox and remembers the set so only
// sandboxes we paused get resumed later.
func (m *Monitor) pauseAll(ctx context.Context) {
	handles, err := m.driver.List(ctx, sandbox.NamePrefix)
	if err != nil {
		m.logger.Error("Sentinel could not list sandboxes: %v", err)
		return
	}

	var paused []string
	for _, h := range handles {
		if err := m.driver.Pause(ctx, h); err != nil {
			// Raced with an exit or a kill; nothing to pause.
			m.logger.Debug("Sentinel pause of %.12s skipped: %v", h, err)
			continue
		}
		paused = append(paused, h)
	}

	m.mu.Lock()
	m.pausedSet = paused
	m.mu.Unlock()

	m.logger.Warn("Sentinel paused %d sandbox(es) under RED", len(paused))
}

func (m *Monitor) resumeAll(ctx context.Context) {
	m.mu.Lock()
	paused := m.pausedSet
	m.pausedSet = nil
	m.mu.Unlock()

	resumed := 0
	for _, h := range paused {
		if err := m.driver.Unpause(ctx, h); err != nil {
			// The engine may have killed it on a phase timeout while
			// it sat paused.
			m.logger.Debug("Sentinel resume of %.12s skipped: %v", h, err)
			continue
		}
		resumed++
	}

	m.logger.Notice("Sentinel resumed %d of %d paused sandbox(es)", resumed, len(paused))
}

// pausedHandles is exposed for tests.
func (m *Monitor) pausedHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pausedSet...)
}

// hostSample reads the real host via gopsutil.
func hostSample(ctx context.Context) (Stats, error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Stats{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Stats{}, err
	}
	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		RAMPercent:  vm.UsedPercent,
		RAMUsedMB:   float64(vm.Used) / 1024 / 1024,
		RAMTotalMB:  float64(vm.Total) / 1024 / 1024,
		DiskPercent: du.UsedPercent,
		SampledAt:   time.Now(),
	}
	if len(cpuPcts) > 0 {
		stats.CPUPercent = cpuPcts[0]
	}
	return stats, nil
}
