package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/log"
	"github.com/valetbot/valet/internal/task"
)

// LocalBackend runs workers as plain subprocesses with no isolation
// boundary. Intended for development and for deployments that already run
// inside a container.
type LocalBackend struct {
	cfg    config.WorkerConfig
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	cmd *exec.Cmd
	// done is closed after Wait has returned, which itself happens only
	// after the side channel was drained to EOF.
	done chan struct{}
}

func NewLocalBackend(cfg config.WorkerConfig) *LocalBackend {
	return &LocalBackend{
		cfg:    cfg,
		logger: log.WithComponent("worker.local"),
		procs:  make(map[string]*localProc),
	}
}

func (b *LocalBackend) Launch(ctx context.Context, t *task.Task, hooks Hooks) (*Handle, error) {
	handoff, err := task.Prepare(t)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(b.cfg.Command[0], b.cfg.Command[1:]...)
	cmd.Dir = t.WorkDir

	env := os.Environ()
	if handoff.Inline != "" {
		env = append(env, task.EnvPayload+"="+handoff.Inline)
	} else {
		env = append(env, task.EnvPayloadFile+"="+handoff.FilePath)
	}
	cmd.Env = env

	// stdout belongs to the agent runtime; nothing to read there.
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		handoff.Cleanup()
		return nil, fmt.Errorf("create side-channel pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		handoff.Cleanup()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	id := fmt.Sprintf("local-%d", cmd.Process.Pid)
	proc := &localProc{cmd: cmd, done: make(chan struct{})}
	b.mu.Lock()
	b.procs[id] = proc
	b.mu.Unlock()

	logger := b.logger.With("worker_id", id)
	logger.Debug("worker started", "execution_id", t.ExecutionID)

	tail := newTailBuffer(defaultTailBytes)
	go func() {
		// Drain the side channel fully before observing the exit, so the
		// exit notification can never overtake buffered messages.
		readSideChannel(stderr, hooks.OnMessage, tail, logger)
		waitErr := cmd.Wait()
		close(proc.done)
		handoff.Cleanup()

		b.mu.Lock()
		delete(b.procs, id)
		b.mu.Unlock()

		status := exitStatusFrom(waitErr)
		if status.Code != 0 || status.Signal != "" {
			if last := tail.String(); last != "" {
				logger.Warn("worker ended abnormally", "status", status.String(), "tail", last)
			}
		}
		if hooks.OnExit != nil {
			hooks.OnExit(status)
		}
	}()

	return &Handle{ID: id}, nil
}

// Kill sends SIGTERM, waits the grace period, then SIGKILLs. Unknown or
// already-exited ids are a no-op.
func (b *LocalBackend) Kill(ctx context.Context, id string) error {
	b.mu.Lock()
	proc, ok := b.procs[id]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone between lookup and signal.
		return nil
	}

	grace := time.NewTimer(killGracePeriod)
	defer grace.Stop()

	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
		b.logger.Warn("worker ignored SIGTERM, sending SIGKILL", "worker_id", id)
		if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill worker %s: %w", id, err)
		}
		<-proc.done
		return nil
	}
}

// ImageExists always reports true: there is no prebuilt artifact for the
// local strategy.
func (b *LocalBackend) ImageExists(ctx context.Context, name string) bool {
	return true
}

func exitStatusFrom(waitErr error) ExitStatus {
	if waitErr == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signal: ws.Signal().String()}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	return ExitStatus{Code: -1}
}
