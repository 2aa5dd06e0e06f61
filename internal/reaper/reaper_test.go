package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/events"
	"github.com/valetbot/valet/internal/task"
	"github.com/valetbot/valet/internal/worker"
)

// strayBackend implements Backend plus ListStray.
type strayBackend struct {
	mu      sync.Mutex
	strays  []string
	listErr error
	killErr map[string]error
	killed  []string
}

func (b *strayBackend) Launch(context.Context, *task.Task, worker.Hooks) (*worker.Handle, error) {
	return nil, errors.New("not used")
}

func (b *strayBackend) ImageExists(context.Context, string) bool { return true }

func (b *strayBackend) Kill(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.killErr[id]; err != nil {
		return err
	}
	b.killed = append(b.killed, id)
	return nil
}

func (b *strayBackend) ListStray(context.Context, time.Duration) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strays, b.listErr
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Enabled:  true,
		Schedule: "*/10 * * * *",
		MaxAge:   time.Hour,
	}
}

func TestSweepKillsAllStrays(t *testing.T) {
	backend := &strayBackend{strays: []string{"valet-a", "valet-b"}}
	hub := events.NewHub(16)
	r := New(testReaperConfig(), backend, hub)
	if r == nil {
		t.Fatal("reaper disabled for a stray-listing backend")
	}

	if got := r.Sweep(context.Background()); got != 2 {
		t.Errorf("reaped = %d, want 2", got)
	}
	if len(backend.killed) != 2 {
		t.Errorf("killed = %v, want both strays", backend.killed)
	}

	evs := hub.SnapshotSince(0)
	if len(evs) != 1 || evs[0].Type != events.TypeReaperSwept {
		t.Errorf("events = %+v, want one reaper.swept", evs)
	}
}

func TestSweepContinuesPastKillFailure(t *testing.T) {
	backend := &strayBackend{
		strays:  []string{"valet-a", "valet-b"},
		killErr: map[string]error{"valet-a": errors.New("docker stop: timeout")},
	}
	r := New(testReaperConfig(), backend, nil)

	if got := r.Sweep(context.Background()); got != 1 {
		t.Errorf("reaped = %d, want 1", got)
	}
	if len(backend.killed) != 1 || backend.killed[0] != "valet-b" {
		t.Errorf("killed = %v, want just valet-b", backend.killed)
	}
}

func TestSweepListFailureReapsNothing(t *testing.T) {
	backend := &strayBackend{listErr: errors.New("docker ps failed")}
	r := New(testReaperConfig(), backend, nil)

	if got := r.Sweep(context.Background()); got != 0 {
		t.Errorf("reaped = %d, want 0", got)
	}
}

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	cfg := testReaperConfig()
	cfg.Enabled = false
	if r := New(cfg, &strayBackend{}, nil); r != nil {
		t.Error("expected nil reaper when disabled")
	}
}

func TestNewReturnsNilForLocalBackend(t *testing.T) {
	local := worker.NewLocalBackend(config.WorkerConfig{Command: []string{"true"}})
	if r := New(testReaperConfig(), local, nil); r != nil {
		t.Error("expected nil reaper for a backend without stray listing")
	}
}

func TestNilReaperIsSafe(t *testing.T) {
	var r *Reaper
	if got := r.Sweep(context.Background()); got != 0 {
		t.Errorf("nil sweep = %d, want 0", got)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx) // must return immediately
}
