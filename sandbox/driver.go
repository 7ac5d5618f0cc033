// Package sandbox abstracts the container runtime that hosts builder and
// checker workers. The engine only ever talks to the Driver interface; the
// docker implementation and an in-memory fake live alongside it.
package sandbox

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the handle (or volume) does not exist in the
	// runtime.
	ErrNotFound = errors.New("sandbox not found")

	// ErrImageNotFound means the requested image is not present and could
	// not be pulled.
	ErrImageNotFound = errors.New("image not found")

	// ErrOutOfResources means the runtime refused creation because host
	// resources are exhausted.
	ErrOutOfResources = errors.New("out of resources")

	// ErrStateInvalid means the operation is illegal for the sandbox's
	// current state, such as pausing an exited sandbox.
	ErrStateInvalid = errors.New("invalid sandbox state")
)

// State is the runtime's view of a sandbox.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateExited  State = "exited"
)

// Info is the result of inspecting a sandbox.
type Info struct {
	State State

	// ExitCode is only meaningful when State is StateExited.
	ExitCode int
}

// Mount attaches a volume or host path inside the sandbox.
type Mount struct {
	// Type is "volume" or "bind".
	Type     string
	Source   string
	Target   string
	ReadOnly bool
}

// CreateOpts carries everything needed to create a sandbox. Resource limits
// are best-effort caps enforced by the runtime; the engine does not
// re-check them.
type CreateOpts struct {
	Image string
	Name  string
	Env   map[string]string

	// CPULimit is fractional cores, e.g. 1.5.
	CPULimit float64

	// MemoryLimitBytes caps RAM; zero means unlimited.
	MemoryLimitBytes int64

	NetworkMode string
	Mounts      []Mount
	Labels      map[string]string
}

// Driver is the capability layer over the container runtime. Kill and
// Remove are idempotent: applying them to a sandbox that is already dead or
// gone succeeds.
type Driver interface {
	// Create builds a stopped sandbox and returns its opaque handle.
	Create(ctx context.Context, opts CreateOpts) (string, error)

	Start(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (Info, error)
	Pause(ctx context.Context, handle string) error
	Unpause(ctx context.Context, handle string) error
	Kill(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error

	// List returns the handles of live (running or paused) sandboxes whose
	// name starts with namePrefix.
	List(ctx context.Context, namePrefix string) ([]string, error)

	// TailLogs streams the sandbox's combined output line by line. The
	// channel closes when the sandbox exits or ctx is cancelled.
	TailLogs(ctx context.Context, handle string) (<-chan string, error)

	// CreateVolume and RemoveVolume manage per-job workspace volumes.
	// RemoveVolume is idempotent.
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
}
