package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/ipc"
	"github.com/valetbot/valet/internal/task"
)

// writeStubWorker writes a shell script that plays the worker role.
func writeStubWorker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-worker.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub worker: %v", err)
	}
	return path
}

// eventRecorder collects hook invocations with their relative order.
type eventRecorder struct {
	mu       sync.Mutex
	messages []*ipc.Message
	exits    []ExitStatus
	exitCh   chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{exitCh: make(chan struct{})}
}

func (r *eventRecorder) hooks() Hooks {
	return Hooks{
		OnMessage: func(m *ipc.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnExit: func(s ExitStatus) {
			r.mu.Lock()
			r.exits = append(r.exits, s)
			r.mu.Unlock()
			close(r.exitCh)
		},
	}
}

func (r *eventRecorder) waitExit(t *testing.T) ExitStatus {
	t.Helper()
	select {
	case <-r.exitCh:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit in time")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.exits) != 1 {
		t.Fatalf("expected exactly one exit notification, got %d", len(r.exits))
	}
	return r.exits[0]
}

func testWorkerConfig(command ...string) config.WorkerConfig {
	return config.WorkerConfig{Mode: "local", Command: command, Model: "test"}
}

func TestLocalLaunchDeliversMessagesThenExit(t *testing.T) {
	t.Parallel()

	script := writeStubWorker(t, fmt.Sprintf(`
echo '%[1]s{"type":"progress","text":"step one"}' >&2
echo 'plain diagnostic noise' >&2
echo '%[1]s{"type":"progress","text":"step two"}' >&2
echo '%[1]s{"type":"result","text":"done","costUsd":0.01,"durationMs":5,"tokensUsed":{"input":1,"output":2,"cacheRead":0,"cacheWrite":0},"numTurns":1}' >&2
`, ipc.Prefix))

	b := NewLocalBackend(testWorkerConfig(script))
	rec := newEventRecorder()

	h, err := b.Launch(context.Background(), &task.Task{ExecutionID: "e1", WorkDir: t.TempDir()}, rec.hooks())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if h.ID == "" {
		t.Fatal("handle must carry an id")
	}

	status := rec.waitExit(t)
	if status.Code != 0 || status.Signal != "" {
		t.Fatalf("unexpected exit status: %+v", status)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 3 {
		t.Fatalf("expected 3 structured messages, got %d", len(rec.messages))
	}
	if rec.messages[0].Text != "step one" || rec.messages[1].Text != "step two" {
		t.Errorf("messages out of order: %q, %q", rec.messages[0].Text, rec.messages[1].Text)
	}
	if rec.messages[2].Type != ipc.KindResult {
		t.Errorf("last message should be the result, got %q", rec.messages[2].Type)
	}
}

func TestLocalExitFiresAfterAllMessages(t *testing.T) {
	t.Parallel()

	// A burst right before exit stresses the buffered-IO race: the exit
	// notification must still come last.
	script := writeStubWorker(t, fmt.Sprintf(`
i=0
while [ $i -lt 50 ]; do
  echo '%s{"type":"progress","text":"burst"}' >&2
  i=$((i+1))
done
`, ipc.Prefix))

	b := NewLocalBackend(testWorkerConfig(script))

	var mu sync.Mutex
	count := 0
	countAtExit := -1
	exited := make(chan struct{})

	_, err := b.Launch(context.Background(), &task.Task{ExecutionID: "e2", WorkDir: t.TempDir()}, Hooks{
		OnMessage: func(*ipc.Message) {
			mu.Lock()
			count++
			mu.Unlock()
		},
		OnExit: func(ExitStatus) {
			mu.Lock()
			countAtExit = count
			mu.Unlock()
			close(exited)
		},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
	}

	mu.Lock()
	defer mu.Unlock()
	if countAtExit != 50 {
		t.Fatalf("exit fired after %d of 50 messages", countAtExit)
	}
}

func TestLocalCrashReportsExitCode(t *testing.T) {
	t.Parallel()

	script := writeStubWorker(t, `
echo 'something went wrong before any structured output' >&2
exit 3
`)

	b := NewLocalBackend(testWorkerConfig(script))
	rec := newEventRecorder()

	if _, err := b.Launch(context.Background(), &task.Task{ExecutionID: "e3", WorkDir: t.TempDir()}, rec.hooks()); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	status := rec.waitExit(t)
	if status.Code != 3 {
		t.Fatalf("expected exit code 3, got %+v", status)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 0 {
		t.Fatalf("diagnostic noise must not become structured messages: %#v", rec.messages)
	}
}

func TestLocalLaunchFailureIsImmediate(t *testing.T) {
	t.Parallel()

	b := NewLocalBackend(testWorkerConfig("/nonexistent/worker-binary"))
	_, err := b.Launch(context.Background(), &task.Task{ExecutionID: "e4", WorkDir: t.TempDir()}, Hooks{})
	if err == nil {
		t.Fatal("expected launch error for missing executable")
	}
}

func TestLocalKill(t *testing.T) {
	t.Parallel()

	script := writeStubWorker(t, `sleep 60`)
	b := NewLocalBackend(testWorkerConfig(script))
	rec := newEventRecorder()

	h, err := b.Launch(context.Background(), &task.Task{ExecutionID: "e5", WorkDir: t.TempDir()}, rec.hooks())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if err := b.Kill(context.Background(), h.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	status := rec.waitExit(t)
	if status.Signal == "" {
		t.Fatalf("expected a signal termination, got %+v", status)
	}

	// Idempotent even on exited and unknown ids.
	if err := b.Kill(context.Background(), h.ID); err != nil {
		t.Fatalf("Kill after exit: %v", err)
	}
	if err := b.Kill(context.Background(), "local-999999"); err != nil {
		t.Fatalf("Kill unknown id: %v", err)
	}
}

func TestLocalImageExists(t *testing.T) {
	t.Parallel()
	b := NewLocalBackend(testWorkerConfig("/bin/true"))
	if !b.ImageExists(context.Background(), "anything") {
		t.Fatal("local backend has nothing to pre-build, must report true")
	}
}
