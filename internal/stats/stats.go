// Package stats provides read-only aggregation over execution records: the
// data behind the operator CLI and the tool-server every worker gets so the
// agent can answer questions about its own history.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/valetbot/valet/internal/store"
)

// Stats runs aggregation queries against the executions table. It never
// writes.
type Stats struct {
	db  *sql.DB
	loc *time.Location
}

func New(db *sql.DB, timezone string) (*Stats, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load stats timezone %q: %w", timezone, err)
	}
	return &Stats{db: db, loc: loc}, nil
}

// DayTotals aggregates one civil day.
type DayTotals struct {
	Date         string  `json:"date"` // YYYY-MM-DD in the configured zone
	Executions   int     `json:"executions"`
	Completed    int     `json:"completed"`
	CostUSD      float64 `json:"cost_usd"`
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
}

// ModelTotals aggregates per model identifier.
type ModelTotals struct {
	Model        string  `json:"model"`
	Executions   int     `json:"executions"`
	CostUSD      float64 `json:"cost_usd"`
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
}

// ExecutionSummary is one row of the filtered execution list.
type ExecutionSummary struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Model      string    `json:"model"`
	CostUSD    float64   `json:"cost_usd"`
	DurationMs int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// Daily aggregates the civil day containing day.
func (s *Stats) Daily(ctx context.Context, day time.Time) (*DayTotals, error) {
	local := day.In(s.loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	to := from.AddDate(0, 0, 1)

	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(cost_usd), 0),
       COALESCE(SUM(tokens_input), 0),
       COALESCE(SUM(tokens_output), 0)
FROM executions
WHERE started_at >= ? AND started_at < ?;
`, from.UTC().Format(store.TimeLayout), to.UTC().Format(store.TimeLayout))

	out := &DayTotals{Date: from.Format("2006-01-02")}
	if err := row.Scan(&out.Executions, &out.Completed, &out.CostUSD, &out.TokensInput, &out.TokensOutput); err != nil {
		return nil, fmt.Errorf("daily totals: %w", err)
	}
	return out, nil
}

// Trend returns per-day totals for the last days civil days, oldest first.
// Days with no executions still appear, zeroed.
func (s *Stats) Trend(ctx context.Context, days int) ([]DayTotals, error) {
	if days <= 0 {
		days = 7
	}
	out := make([]DayTotals, 0, days)
	now := time.Now().In(s.loc)
	for i := days - 1; i >= 0; i-- {
		d, err := s.Daily(ctx, now.AddDate(0, 0, -i))
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// ByModel breaks spend down per model identifier, highest spend first.
func (s *Stats) ByModel(ctx context.Context) ([]ModelTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT model, COUNT(*),
       COALESCE(SUM(cost_usd), 0),
       COALESCE(SUM(tokens_input), 0),
       COALESCE(SUM(tokens_output), 0)
FROM executions
GROUP BY model
ORDER BY SUM(cost_usd) DESC;
`)
	if err != nil {
		return nil, fmt.Errorf("model breakdown: %w", err)
	}
	defer rows.Close()

	var out []ModelTotals
	for rows.Next() {
		var m ModelTotals
		if err := rows.Scan(&m.Model, &m.Executions, &m.CostUSD, &m.TokensInput, &m.TokensOutput); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Filter narrows the execution list.
type Filter struct {
	Status         string
	ConversationID string
	Limit          int
}

// Executions lists recent executions, newest first.
func (s *Stats) Executions(ctx context.Context, f Filter) ([]ExecutionSummary, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
SELECT id, status, model, cost_usd, duration_ms, started_at
FROM executions
WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, f.ConversationID)
	}
	query += " ORDER BY started_at DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionSummary
	for rows.Next() {
		var (
			e        ExecutionSummary
			startedS string
		)
		if err := rows.Scan(&e.ID, &e.Status, &e.Model, &e.CostUSD, &e.DurationMs, &startedS); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
			e.StartedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
