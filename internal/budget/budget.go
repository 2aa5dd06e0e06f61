// Package budget answers "is another execution affordable right now".
//
// Recorded cost alone is not enough: a finished execution posts its real
// cost, but an in-flight one has spent an unknown amount. The tracker holds
// a pessimistic in-memory reservation of the per-task cap for every launch
// that has not settled yet, which closes the check-then-launch race where
// two concurrent executions each pass "used < limit" and together overshoot.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CostSource supplies recorded execution cost inside an absolute window.
type CostSource interface {
	CostBetween(ctx context.Context, from, to time.Time) (float64, error)
}

// Tracker enforces the daily spend ceiling.
type Tracker struct {
	source CostSource
	loc    *time.Location

	mu       sync.Mutex
	reserved int
}

// New creates a Tracker computing daily windows in the given IANA timezone.
func New(source CostSource, timezone string) (*Tracker, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load budget timezone %q: %w", timezone, err)
	}
	return &Tracker{source: source, loc: loc}, nil
}

// DailyCost sums recorded cost for the civil day containing day, computed in
// the tracker's timezone. AddDate over civil midnights keeps the window
// correct across DST transitions (a 23h or 25h day stays one day).
func (t *Tracker) DailyCost(ctx context.Context, day time.Time) (float64, error) {
	local := day.In(t.loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc)
	to := from.AddDate(0, 0, 1)
	return t.source.CostBetween(ctx, from, to)
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed      bool
	UsedToday    float64
	ReservedUSD  float64
	RemainingUSD float64
}

// Check computes remaining = max(0, dailyLimit - usedToday - reserved*cap)
// and allows a new execution only if remaining covers one full per-task cap.
func (t *Tracker) Check(ctx context.Context, dailyLimit, perTaskCap float64) (Decision, error) {
	used, err := t.DailyCost(ctx, time.Now())
	if err != nil {
		return Decision{}, fmt.Errorf("compute daily cost: %w", err)
	}

	t.mu.Lock()
	reservedUSD := float64(t.reserved) * perTaskCap
	t.mu.Unlock()

	remaining := dailyLimit - used - reservedUSD
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:      remaining >= perTaskCap,
		UsedToday:    used,
		ReservedUSD:  reservedUSD,
		RemainingUSD: remaining,
	}, nil
}

// Reserve registers one in-flight execution and returns its release func.
// The release is idempotent: only the first call decrements the counter.
func (t *Tracker) Reserve() func() {
	t.mu.Lock()
	t.reserved++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.reserved--
			t.mu.Unlock()
		})
	}
}

// Reserved reports the current in-flight reservation count.
func (t *Tracker) Reserved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserved
}
