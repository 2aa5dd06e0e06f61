package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimeLayout is the text form for every stored timestamp. It is RFC 3339
// with a fixed-width nanosecond fraction: unlike RFC3339Nano it never drops
// trailing zeros, so lexicographic order equals time order and range scans
// over started_at are exact. Reads still parse with RFC3339Nano, which
// accepts both forms.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store provides CRUD over conversations, messages and executions. It is the
// only writer for the executions table; all timestamps are stored as UTC
// TimeLayout text.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only collaborators (stats).
func (s *Store) DB() *sql.DB { return s.db }

// GetOrCreateConversation returns the conversation for key, creating it on
// first contact. The (channel_id, thread_id) pair is unique; a concurrent
// insert race is resolved by re-reading after a constraint failure.
func (s *Store) GetOrCreateConversation(ctx context.Context, key ThreadKey, userID string) (*Conversation, error) {
	if key.ChannelID == "" || key.ThreadID == "" {
		return nil, fmt.Errorf("thread key is incomplete: %+v", key)
	}

	if conv, err := s.conversationByKey(ctx, key); err == nil {
		return conv, nil
	} else if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(TimeLayout)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, channel_id, thread_id, user_id, status, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(channel_id, thread_id) DO NOTHING;
`, id, key.ChannelID, key.ThreadID, userID, ConversationActive, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return s.conversationByKey(ctx, key)
}

func (s *Store) conversationByKey(ctx context.Context, key ThreadKey) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, channel_id, thread_id, user_id, status, title, created_at
FROM conversations
WHERE channel_id = ? AND thread_id = ?;
`, key.ChannelID, key.ThreadID)
	return scanConversation(row)
}

// Conversation loads a conversation by id.
func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, channel_id, thread_id, user_id, status, title, created_at
FROM conversations
WHERE id = ?;
`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c       Conversation
		statusS string
		title   sql.NullString
		created string
	)
	err := row.Scan(&c.ID, &c.ChannelID, &c.ThreadID, &c.UserID, &statusS, &title, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Status = ConversationStatus(statusS)
	if title.Valid {
		c.Title = &title.String
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		c.CreatedAt = t
	}
	return &c, nil
}

// SetConversationTitle updates the thread title.
func (s *Store) SetConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?;`, title, id)
	if err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	return oneRowOr(res, ErrConversationNotFound)
}

// SetConversationStatus updates the lifecycle status.
func (s *Store) SetConversationStatus(ctx context.Context, id string, status ConversationStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = ? WHERE id = ?;`, status, id)
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	return oneRowOr(res, ErrConversationNotFound)
}

// AppendMessage appends one turn to a conversation's history.
func (s *Store) AppendMessage(ctx context.Context, req AppendMessageRequest) (string, error) {
	if req.ConversationID == "" {
		return "", fmt.Errorf("conversation_id is empty")
	}
	if req.Role == "" {
		return "", fmt.Errorf("role is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(TimeLayout)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, role, content, execution_id, external_ts, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, req.ConversationID, req.Role, req.Content, req.ExecutionID, req.ExternalTS, now)
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return id, nil
}

// History returns a conversation's messages ordered strictly by creation
// time (rowid breaks ties for same-instant inserts).
func (s *Store) History(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, execution_id, external_ts, created_at
FROM messages
WHERE conversation_id = ?
ORDER BY created_at ASC, rowid ASC;
`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m          Message
			roleS      string
			execID     sql.NullString
			externalTS sql.NullString
			created    string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &roleS, &m.Content, &execID, &externalTS, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(roleS)
		if execID.Valid {
			m.ExecutionID = &execID.String
		}
		if externalTS.Valid {
			m.ExternalTS = &externalTS.String
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateExecution records a new pending execution and returns its id.
func (s *Store) CreateExecution(ctx context.Context, conversationID, model, prompt string) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("conversation_id is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(TimeLayout)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions(id, conversation_id, model, status, prompt, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, conversationID, model, ExecPending, prompt, now)
	if err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	return id, nil
}

// MarkExecutionRunning flips pending -> running.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET status = ? WHERE id = ? AND status = ?;
`, ExecRunning, id, ExecPending)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	return oneRowOr(res, ErrExecutionNotFound)
}

// SetExecutionWorker records the worker/container identifier once launch
// succeeded.
func (s *Store) SetExecutionWorker(ctx context.Context, id, workerID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET worker_id = ? WHERE id = ?;`, workerID, id)
	if err != nil {
		return fmt.Errorf("set execution worker: %w", err)
	}
	return oneRowOr(res, ErrExecutionNotFound)
}

// SettleExecution writes the terminal outcome. The WHERE clause only matches
// non-terminal rows, so whichever of {result, error, timeout, crash} lands
// first wins and every later attempt gets ErrAlreadySettled.
func (s *Store) SettleExecution(ctx context.Context, id string, st Settlement) error {
	if !st.Status.Terminal() {
		return fmt.Errorf("not a terminal status: %q", st.Status)
	}

	now := time.Now().UTC().Format(TimeLayout)
	res, err := s.db.ExecContext(ctx, `
UPDATE executions
SET status = ?, output = ?, error = ?, cost_usd = ?,
    tokens_input = ?, tokens_output = ?, tokens_cache_read = ?, tokens_cache_write = ?,
    duration_ms = ?, num_turns = ?, finished_at = ?
WHERE id = ? AND status IN (?, ?);
`, st.Status, st.Output, st.Error, st.CostUSD,
		st.TokensInput, st.TokensOutput, st.TokensCacheRead, st.TokensCacheWrite,
		st.DurationMs, st.NumTurns, now,
		id, ExecPending, ExecRunning)
	if err != nil {
		return fmt.Errorf("settle execution: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle execution rows: %w", err)
	}
	if n == 0 {
		// Either unknown id or a prior settlement. Distinguish for callers.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?;`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrExecutionNotFound
			}
			return fmt.Errorf("settle execution lookup: %w", err)
		}
		return ErrAlreadySettled
	}
	return nil
}

// Execution loads an execution by id.
func (s *Store) Execution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, conversation_id, worker_id, model, status, prompt, output, error,
       cost_usd, tokens_input, tokens_output, tokens_cache_read, tokens_cache_write,
       duration_ms, num_turns, started_at, finished_at
FROM executions
WHERE id = ?;
`, id)

	var (
		e         Execution
		workerID  sql.NullString
		statusS   string
		output    sql.NullString
		errMsg    sql.NullString
		startedS  string
		finishedS sql.NullString
	)
	err := row.Scan(&e.ID, &e.ConversationID, &workerID, &e.Model, &statusS, &e.Prompt, &output, &errMsg,
		&e.CostUSD, &e.TokensInput, &e.TokensOutput, &e.TokensCacheRead, &e.TokensCacheWrite,
		&e.DurationMs, &e.NumTurns, &startedS, &finishedS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	e.Status = ExecStatus(statusS)
	if workerID.Valid {
		e.WorkerID = &workerID.String
	}
	if output.Valid {
		e.Output = &output.String
	}
	if errMsg.Valid {
		e.Error = &errMsg.String
	}
	if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
		e.StartedAt = t
	}
	if finishedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedS.String); err == nil {
			e.FinishedAt = &t
		}
	}
	return &e, nil
}

// CostBetween sums recorded execution cost with started_at in [from, to).
// Bounds are UTC instants; the budget tracker derives them from the
// operator's civil day.
func (s *Store) CostBetween(ctx context.Context, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
SELECT SUM(cost_usd)
FROM executions
WHERE started_at >= ? AND started_at < ?;
`, from.UTC().Format(TimeLayout), to.UTC().Format(TimeLayout)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum daily cost: %w", err)
	}
	return total.Float64, nil
}

func oneRowOr(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
