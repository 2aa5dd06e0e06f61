package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "valet.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestGetOrCreateConversationIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	key := ThreadKey{ChannelID: "C1", ThreadID: "T1"}

	c1, err := s.GetOrCreateConversation(ctx, key, "U1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation 1: %v", err)
	}
	if c1.Status != ConversationActive {
		t.Fatalf("new conversation should be active, got %q", c1.Status)
	}

	c2, err := s.GetOrCreateConversation(ctx, key, "U2")
	if err != nil {
		t.Fatalf("GetOrCreateConversation 2: %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("same thread key must map to same conversation: %s vs %s", c1.ID, c2.ID)
	}
	if c2.UserID != "U1" {
		t.Fatalf("owner must not change on re-lookup, got %q", c2.UserID)
	}
}

func TestHistoryOrdering(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, ThreadKey{ChannelID: "C1", ThreadID: "T1"}, "U1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	contents := []string{"first", "second", "third"}
	for _, c := range contents {
		if _, err := s.AppendMessage(ctx, AppendMessageRequest{
			ConversationID: conv.ID,
			Role:           RoleUser,
			Content:        c,
		}); err != nil {
			t.Fatalf("AppendMessage %q: %v", c, err)
		}
	}

	history, err := s.History(ctx, conv.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != len(contents) {
		t.Fatalf("expected %d messages, got %d", len(contents), len(history))
	}
	for i, m := range history {
		if m.Content != contents[i] {
			t.Errorf("history[%d] = %q, want %q", i, m.Content, contents[i])
		}
	}
}

func TestExecutionLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, ThreadKey{ChannelID: "C1", ThreadID: "T1"}, "U1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	id, err := s.CreateExecution(ctx, conv.ID, "test-model", "hello")
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	e, err := s.Execution(ctx, id)
	if err != nil {
		t.Fatalf("Execution: %v", err)
	}
	if e.Status != ExecPending {
		t.Fatalf("new execution should be pending, got %q", e.Status)
	}

	if err := s.MarkExecutionRunning(ctx, id); err != nil {
		t.Fatalf("MarkExecutionRunning: %v", err)
	}
	if err := s.SetExecutionWorker(ctx, id, "worker-abc"); err != nil {
		t.Fatalf("SetExecutionWorker: %v", err)
	}

	out := "the answer"
	if err := s.SettleExecution(ctx, id, Settlement{
		Status:       ExecCompleted,
		Output:       &out,
		CostUSD:      0.05,
		TokensInput:  100,
		TokensOutput: 40,
		DurationMs:   1200,
		NumTurns:     2,
	}); err != nil {
		t.Fatalf("SettleExecution: %v", err)
	}

	e, err = s.Execution(ctx, id)
	if err != nil {
		t.Fatalf("Execution after settle: %v", err)
	}
	if e.Status != ExecCompleted || e.Output == nil || *e.Output != out {
		t.Fatalf("unexpected settled execution: %#v", e)
	}
	if e.WorkerID == nil || *e.WorkerID != "worker-abc" {
		t.Fatalf("worker id lost: %#v", e.WorkerID)
	}
	if e.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}
}

func TestSettleExecutionOnlyOnce(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	conv, _ := s.GetOrCreateConversation(ctx, ThreadKey{ChannelID: "C1", ThreadID: "T1"}, "U1")
	id, err := s.CreateExecution(ctx, conv.ID, "m", "p")
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	errMsg := "boom"
	if err := s.SettleExecution(ctx, id, Settlement{Status: ExecFailed, Error: &errMsg}); err != nil {
		t.Fatalf("first settle: %v", err)
	}

	late := "late result"
	err = s.SettleExecution(ctx, id, Settlement{Status: ExecCompleted, Output: &late})
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second settle should return ErrAlreadySettled, got %v", err)
	}

	e, _ := s.Execution(ctx, id)
	if e.Status != ExecFailed {
		t.Fatalf("first settlement must win, got %q", e.Status)
	}

	err = s.SettleExecution(ctx, "no-such-id", Settlement{Status: ExecError})
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("unknown id should return ErrExecutionNotFound, got %v", err)
	}
}

func TestCostBetween(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	conv, _ := s.GetOrCreateConversation(ctx, ThreadKey{ChannelID: "C1", ThreadID: "T1"}, "U1")
	for _, cost := range []float64{0.25, 0.50} {
		id, err := s.CreateExecution(ctx, conv.ID, "m", "p")
		if err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		if err := s.SettleExecution(ctx, id, Settlement{Status: ExecCompleted, CostUSD: cost}); err != nil {
			t.Fatalf("SettleExecution: %v", err)
		}
	}

	now := time.Now().UTC()
	total, err := s.CostBetween(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("CostBetween: %v", err)
	}
	if total != 0.75 {
		t.Fatalf("expected 0.75, got %v", total)
	}

	total, err = s.CostBetween(ctx, now.Add(time.Hour), now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("CostBetween empty window: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected 0 outside window, got %v", total)
	}
}

func TestCostBetweenCountsFirstSecondOfDay(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	conv, _ := s.GetOrCreateConversation(ctx, ThreadKey{ChannelID: "C1", ThreadID: "T1"}, "U1")

	// The day bound has no sub-second fraction while real start times almost
	// always do. The stored text must sort so that 00:00:00.5 falls after the
	// midnight bound, not before it.
	midnight := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	started := midnight.Add(500 * time.Millisecond)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions(id, conversation_id, model, status, prompt, cost_usd, started_at)
VALUES('e-boundary', ?, 'm', 'completed', 'p', 1.0, ?);
`, conv.ID, started.Format(TimeLayout))
	if err != nil {
		t.Fatalf("insert execution: %v", err)
	}

	total, err := s.CostBetween(ctx, midnight, midnight.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("CostBetween: %v", err)
	}
	if total != 1.0 {
		t.Fatalf("expected 1.0 inside the day, got %v", total)
	}

	total, err = s.CostBetween(ctx, midnight.AddDate(0, 0, -1), midnight)
	if err != nil {
		t.Fatalf("CostBetween previous day: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected 0 on the previous day, got %v", total)
	}
}
