// Package sentinel watches host CPU, RAM and disk and publishes an
// admission level. When the host crosses into RED it pauses every icarus
// sandbox; when pressure drops it resumes them. It never terminates or
// destroys sandboxes.
package sentinel

import (
	"context"
	"time"
)

// Level is the sentinel's admission verdict.
type Level int

const (
	LevelGreen Level = iota
	LevelYellow
	LevelRed
)

func (l Level) String() string {
	switch l {
	case LevelYellow:
		return "YELLOW"
	case LevelRed:
		return "RED"
	default:
		return "GREEN"
	}
}

// Stats is one host sample. Disk is reported but does not influence the
// level; disk exhaustion surfaces as sandbox write failures instead.
type Stats struct {
	CPUPercent  float64   `json:"cpu_percent"`
	RAMPercent  float64   `json:"ram_percent"`
	RAMUsedMB   float64   `json:"ram_used_mb"`
	RAMTotalMB  float64   `json:"ram_total_mb"`
	DiskPercent float64   `json:"disk_percent"`
	SampledAt   time.Time `json:"sampled_at"`
}

// Source is what the engine and gateway consume: the current level, the
// latest sample, and a wake-up channel that receives on every level change.
type Source interface {
	Level() Level
	Stats() Stats
	Updates() <-chan Level
}

// LevelFor computes the admission level for a sample. Thresholds are
// inclusive: a host sitting exactly on red_threshold is RED.
func LevelFor(s Stats, yellow, red float64) Level {
	load := s.CPUPercent
	if s.RAMPercent > load {
		load = s.RAMPercent
	}
	switch {
	case load >= red:
		return LevelRed
	case load >= yellow:
		return LevelYellow
	default:
		return LevelGreen
	}
}

// Disabled is the Source used when sentinel.enabled is false: permanently
// GREEN, no sampling, no pause side effects.
type Disabled struct{}

func (Disabled) Level() Level { return LevelGreen }
func (Disabled) Stats() Stats { return Stats{} }

func (Disabled) Updates() <-chan Level {
	// Never fires; the scheduler's other wake sources still work.
	return make(chan Level)
}

// Run is implemented by sources with a poll loop.
type Runner interface {
	Run(ctx context.Context) error
}
