// Package reaper sweeps up worker containers that outlived their
// orchestrator. If the service crashes or is SIGKILLed, attached workers keep
// running and spending money; nothing in-process can clean those up, so the
// next service start finds them by label and age and kills them.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/events"
	"github.com/valetbot/valet/internal/log"
	"github.com/valetbot/valet/internal/worker"
)

// StrayLister finds workers older than maxAge that carry our label. Only the
// container backend can do this; local workers die with the parent process.
type StrayLister interface {
	ListStray(ctx context.Context, maxAge time.Duration) ([]string, error)
}

// Killer terminates one worker by id.
type Killer interface {
	Kill(ctx context.Context, id string) error
}

// Reaper periodically kills stray workers on a cron schedule.
type Reaper struct {
	cfg    config.ReaperConfig
	lister StrayLister
	killer Killer
	hub    *events.Hub
	logger *slog.Logger
	cron   *gronx.Gronx
}

// New returns a Reaper, or nil when the backend cannot list strays or the
// sweep is disabled. A nil Reaper is safe to Run.
func New(cfg config.ReaperConfig, backend worker.Backend, hub *events.Hub) *Reaper {
	if !cfg.Enabled {
		return nil
	}
	lister, ok := backend.(StrayLister)
	if !ok {
		return nil
	}
	return &Reaper{
		cfg:    cfg,
		lister: lister,
		killer: backend,
		hub:    hub,
		logger: log.WithComponent("reaper"),
		cron:   gronx.New(),
	}
}

// Run sweeps once immediately, then whenever the cron schedule is due,
// checked once a minute. It blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil {
		return
	}
	r.logger.Info("reaper started", "schedule", r.cfg.Schedule, "max_age", r.cfg.MaxAge)

	// Startup sweep catches workers orphaned by the previous run.
	r.Sweep(ctx)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			due, err := r.cron.IsDue(r.cfg.Schedule, time.Now())
			if err != nil {
				r.logger.Error("bad reaper schedule", "schedule", r.cfg.Schedule, "error", err)
				return
			}
			if due {
				r.Sweep(ctx)
			}
		}
	}
}

// Sweep kills every stray worker older than the configured age and returns
// how many were reaped.
func (r *Reaper) Sweep(ctx context.Context) int {
	if r == nil {
		return 0
	}
	strays, err := r.lister.ListStray(ctx, r.cfg.MaxAge)
	if err != nil {
		r.logger.Error("failed to list stray workers", "error", err)
		return 0
	}
	if len(strays) == 0 {
		return 0
	}

	reaped := 0
	for _, id := range strays {
		if err := r.killer.Kill(ctx, id); err != nil {
			r.logger.Error("failed to kill stray worker", "worker_id", id, "error", err)
			continue
		}
		r.logger.Warn("reaped stray worker", "worker_id", id)
		reaped++
	}
	if r.hub != nil {
		r.hub.Publish(events.TypeReaperSwept, map[string]any{"reaped": reaped})
	}
	return reaped
}
