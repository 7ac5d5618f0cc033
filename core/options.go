package core

import (
	"time"

	"github.com/google/uuid"
)

type engineOptions struct {
	now            func() time.Time
	newID          func() string
	retrySleepFunc func(time.Duration)
}

func defaultEngineOptions() engineOptions {
	return engineOptions{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// EngineOption is a functional option for setting optional behaviour.
type EngineOption func(*engineOptions)

// WithNowFunc overrides the engine's clock. This is mainly useful for unit
// tests that need deterministic created_at ordering.
func WithNowFunc(f func() time.Time) EngineOption {
	return func(o *engineOptions) {
		o.now = f
	}
}

// WithIDFunc overrides job id generation. Defaults to random UUIDs.
func WithIDFunc(f func() string) EngineOption {
	return func(o *engineOptions) {
		o.newID = f
	}
}

// WithRetrySleepFunc is used to override the inter-retry sleep in roko.
// This is mainly useful for unit tests. Defaults to nil (default sleep).
func WithRetrySleepFunc(f func(time.Duration)) EngineOption {
	return func(o *engineOptions) {
		o.retrySleepFunc = f
	}
}
