// Package sandboxtest provides an in-memory sandbox.Driver for engine and
// gateway tests. It records every call and lets tests script sandbox state.
package sandboxtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/icarus-hq/icarus/sandbox"
)

// Sandbox is the fake's record of one created sandbox.
type Sandbox struct {
	Handle  string
	Opts    sandbox.CreateOpts
	State   sandbox.State
	Started bool
	Killed  bool
	Removed  bool
	Paused   bool
	ExitCode int
}

// Fake implements sandbox.Driver in memory. The zero value is not usable;
// call New.
type Fake struct {
	mu        sync.Mutex
	seq       int
	sandboxes map[string]*Sandbox
	volumes   map[string]bool
	logs      map[string]chan string

	// CreateErr, when non-nil, is returned by every Create call while set.
	CreateErr error
}

func New() *Fake {
	return &Fake{
		sandboxes: make(map[string]*Sandbox),
		volumes:   make(map[string]bool),
		logs:      make(map[string]chan string),
	}
}

func (f *Fake) Create(ctx context.Context, opts sandbox.CreateOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return "", f.CreateErr
	}

	f.seq++
	handle := fmt.Sprintf("sbx-%d", f.seq)
	f.sandboxes[handle] = &Sandbox{Handle: handle, Opts: opts, State: sandbox.StateRunning}
	f.logs[handle] = make(chan string, 64)
	return handle, nil
}

func (f *Fake) Start(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[handle]
	if !ok || sb.Removed {
		return sandbox.ErrNotFound
	}
	sb.Started = true
	return nil
}

func (f *Fake) Inspect(ctx context.Context, handle string) (sandbox.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[handle]
	if !ok || sb.Removed {
		return sandbox.Info{}, sandbox.ErrNotFound
	}
	return sandbox.Info{State: sb.State, ExitCode: sb.ExitCode}, nil
}

func (f *Fake) Pause(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[handle]
	if !ok || sb.Removed {
		return sandbox.ErrNotFound
	}
	if sb.State != sandbox.StateRunning {
		return sandbox.ErrStateInvalid
	}
	sb.State = sandbox.StatePaused
	sb.Paused = true
	return nil
}

func (f *Fake) Unpause(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[handle]
	if !ok || sb.Removed {
		return sandbox.ErrNotFound
	}
	if sb.State != sandbox.StatePaused {
		return sandbox.ErrStateInvalid
	}
	sb.State = sandbox.StateRunning
	return nil
}

func (f *Fake) Kill(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb, ok := f.sandboxes[handle]; ok && !sb.Removed {
		sb.State = sandbox.StateExited
		sb.Killed = true
		if ch, ok := f.logs[handle]; ok {
			close(ch)
			delete(f.logs, handle)
		}
	}
	return nil
}

func (f *Fake) Remove(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb, ok := f.sandboxes[handle]; ok {
		sb.Removed = true
	}
	return nil
}

func (f *Fake) List(ctx context.Context, namePrefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var handles []string
	for _, sb := range f.sandboxes {
		if sb.Removed || sb.State == sandbox.StateExited {
			continue
		}
		if strings.HasPrefix(sb.Opts.Name, namePrefix) {
			handles = append(handles, sb.Handle)
		}
	}
	return handles, nil
}

func (f *Fake) TailLogs(ctx context.Context, handle string) (<-chan string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[handle]
	if !ok || sb.Removed {
		return nil, sandbox.ErrNotFound
	}
	ch, ok := f.logs[handle]
	if !ok {
		// Already exited: an immediately closed channel, like a dead
		// container's empty log tail.
		ch = make(chan string)
		close(ch)
	}
	return ch, nil
}

func (f *Fake) CreateVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return nil
}

func (f *Fake) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

// EmitLog pushes a log line into a live sandbox's tail.
func (f *Fake) EmitLog(handle, line string) {
	f.mu.Lock()
	ch := f.logs[handle]
	f.mu.Unlock()
	if ch != nil {
		select {
		case ch <- line:
		default:
		}
	}
}

// Exit marks a sandbox exited and ends its log tail.
func (f *Fake) Exit(handle string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb, ok := f.sandboxes[handle]; ok {
		sb.State = sandbox.StateExited
		sb.ExitCode = code
	}
	if ch, ok := f.logs[handle]; ok {
		close(ch)
		delete(f.logs, handle)
	}
}

// Get returns a copy of the fake's record for a handle, and whether it
// exists.
func (f *Fake) Get(handle string) (Sandbox, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[handle]
	if !ok {
		return Sandbox{}, false
	}
	return *sb, true
}

// HasVolume reports whether a volume currently exists.
func (f *Fake) HasVolume(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name]
}

// Handles returns every handle ever created, in creation order.
func (f *Fake) Handles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	handles := make([]string, 0, f.seq)
	for i := 1; i <= f.seq; i++ {
		handles = append(handles, fmt.Sprintf("sbx-%d", i))
	}
	return handles
}
