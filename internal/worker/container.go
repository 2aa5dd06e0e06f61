package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/log"
	"github.com/valetbot/valet/internal/task"
)

// WorkerLabel marks containers launched by this process so the reaper can
// find strays.
const WorkerLabel = "valet.worker"

// ContainerBackend runs workers inside docker containers. The docker client
// process stays attached: its stderr carries the worker's side channel and
// its exit mirrors the container's exit.
type ContainerBackend struct {
	cfg    config.WorkerConfig
	logger *slog.Logger

	// dockerBin is the docker CLI; overridable in tests.
	dockerBin string

	mu    sync.Mutex
	procs map[string]*containerProc
}

type containerProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func NewContainerBackend(cfg config.WorkerConfig) *ContainerBackend {
	return &ContainerBackend{
		cfg:       cfg,
		logger:    log.WithComponent("worker.container"),
		dockerBin: "docker",
		procs:     make(map[string]*containerProc),
	}
}

func (b *ContainerBackend) Launch(ctx context.Context, t *task.Task, hooks Hooks) (*Handle, error) {
	handoff, err := task.Prepare(t)
	if err != nil {
		return nil, err
	}

	name := "valet-" + t.ExecutionID
	args := buildRunArgs(b.cfg, name, t, handoff)

	cmd := exec.Command(b.dockerBin, args...)
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		handoff.Cleanup()
		return nil, fmt.Errorf("create side-channel pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		handoff.Cleanup()
		return nil, fmt.Errorf("start container worker: %w", err)
	}

	proc := &containerProc{cmd: cmd, done: make(chan struct{})}
	b.mu.Lock()
	b.procs[name] = proc
	b.mu.Unlock()

	logger := b.logger.With("worker_id", name)
	logger.Debug("container worker started", "execution_id", t.ExecutionID)

	go func() {
		readSideChannel(stderr, hooks.OnMessage, nil, logger)
		waitErr := cmd.Wait()
		close(proc.done)
		// The temp payload file outlives the container because it is
		// bind-mounted; remove it only after full exit.
		handoff.Cleanup()

		b.mu.Lock()
		delete(b.procs, name)
		b.mu.Unlock()

		if hooks.OnExit != nil {
			hooks.OnExit(exitStatusFrom(waitErr))
		}
	}()

	return &Handle{ID: name}, nil
}

// Kill delegates graceful termination to `docker stop`, which sends SIGTERM,
// waits the grace period and SIGKILLs. Errors for unknown containers are
// swallowed: killing an exited worker is a no-op.
func (b *ContainerBackend) Kill(ctx context.Context, id string) error {
	grace := strconv.Itoa(int(killGracePeriod / time.Second))
	cmd := exec.CommandContext(ctx, b.dockerBin, "stop", "--time", grace, id)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "No such container") {
			return nil
		}
		// Treat every other failure as best-effort too, but surface it.
		b.logger.Warn("docker stop failed", "worker_id", id, "error", err, "stderr", stderr.String())
	}
	return nil
}

// ImageExists checks whether the worker image is available locally.
func (b *ContainerBackend) ImageExists(ctx context.Context, name string) bool {
	cmd := exec.CommandContext(ctx, b.dockerBin, "image", "inspect", name)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run() == nil
}

// ListStray returns worker container ids older than maxAge. Used by the
// reaper; the local backend has no equivalent because its workers die with
// this process.
func (b *ContainerBackend) ListStray(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cmd := exec.CommandContext(ctx, b.dockerBin, "ps",
		"--filter", "label="+WorkerLabel,
		"--format", "{{.Names}}\t{{.CreatedAt}}")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list worker containers: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var stray []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		name, createdAt, ok := strings.Cut(scanner.Text(), "\t")
		if !ok {
			continue
		}
		created, err := time.Parse("2006-01-02 15:04:05 -0700 MST", strings.TrimSpace(createdAt))
		if err != nil {
			b.logger.Warn("unparseable container created time", "worker_id", name, "created_at", createdAt)
			continue
		}
		if created.Before(cutoff) {
			stray = append(stray, name)
		}
	}
	return stray, scanner.Err()
}

// buildRunArgs assembles the `docker run` invocation for one worker.
//
// The container runs with the host's uid/gid so files it writes into
// bind-mounted directories stay writable by this process, and every allowed
// directory appears at the identical path on both sides of the boundary.
func buildRunArgs(cfg config.WorkerConfig, name string, t *task.Task, h *task.Handoff) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--label", WorkerLabel + "=1",
		"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	}

	if cfg.Memory != "" {
		args = append(args, "--memory", cfg.Memory)
	}
	if cfg.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cfg.CPUs, 'f', -1, 64))
	}

	seen := map[string]bool{}
	for _, dir := range append([]string{t.WorkDir}, t.AllowedDirs...) {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		args = append(args, "-v", dir+":"+dir)
	}
	args = append(args, "-w", t.WorkDir)

	if h.Inline != "" {
		args = append(args, "-e", task.EnvPayload+"="+h.Inline)
	} else {
		args = append(args,
			"-v", h.FilePath+":"+h.FilePath+":ro",
			"-e", task.EnvPayloadFile+"="+h.FilePath)
	}

	return append(args, cfg.Image)
}
