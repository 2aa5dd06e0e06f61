// Package worker launches, observes and terminates the subprocesses that
// perform executions. Two interchangeable backends exist: container
// (docker) and local (plain subprocess). The backend is selected once at
// startup from config.
//
// A worker's stdout belongs to the agent runtime's own subprocess protocol;
// the orchestrator never reads it. All structured communication comes back
// over the stderr side channel (see internal/ipc).
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/ipc"
	"github.com/valetbot/valet/internal/task"
)

// killGracePeriod is the time between the stop signal and a forced kill.
const killGracePeriod = 5 * time.Second

// ExitStatus describes how a worker's process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("signal %s", s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Hooks receive a worker's lifecycle events. OnMessage fires once per
// structured side-channel message, in emission order. OnExit fires exactly
// once, strictly after the last OnMessage: the side channel is drained to
// EOF before the process wait result is observed.
type Hooks struct {
	OnMessage func(*ipc.Message)
	OnExit    func(ExitStatus)
}

// Handle identifies a launched worker.
type Handle struct {
	ID string
}

// Backend is the uniform launch/kill capability over both worker strategies.
type Backend interface {
	// Launch starts a worker for t. It returns as soon as the process is
	// spawned; it never waits for completion. Spawn failures are returned
	// immediately and no hooks fire.
	Launch(ctx context.Context, t *task.Task, hooks Hooks) (*Handle, error)

	// Kill requests graceful termination: stop signal, grace period,
	// forced kill. Killing an unknown or already-exited id is a no-op.
	Kill(ctx context.Context, id string) error

	// ImageExists is a best-effort prerequisite check for the container
	// strategy. Backends without a prebuilt artifact always return true.
	ImageExists(ctx context.Context, name string) bool
}

// New selects the backend for the configured worker mode.
func New(cfg config.WorkerConfig) (Backend, error) {
	switch cfg.Mode {
	case "container":
		return NewContainerBackend(cfg), nil
	case "local":
		return NewLocalBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown worker mode: %q", cfg.Mode)
	}
}
