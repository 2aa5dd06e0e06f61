// Package runner coordinates executions: it turns one inbound prompt into a
// budgeted, supervised worker launch with reliable settlement.
//
// Every execution settles exactly once. The first of {worker result, worker
// error, timeout, unexpected exit, launch failure} wins; everything that
// arrives later is a no-op. Settlement persists the terminal status, releases
// the budget reservation and unblocks the caller.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valetbot/valet/internal/budget"
	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/events"
	"github.com/valetbot/valet/internal/ipc"
	"github.com/valetbot/valet/internal/log"
	"github.com/valetbot/valet/internal/metrics"
	"github.com/valetbot/valet/internal/stats"
	"github.com/valetbot/valet/internal/store"
	"github.com/valetbot/valet/internal/task"
	"github.com/valetbot/valet/internal/worker"
)

// progressDebounce is the minimum wall-clock gap between progress callbacks
// per execution. Events inside the window are dropped, not queued, so a
// chatty worker cannot flood the platform's status API.
const progressDebounce = 3 * time.Second

var (
	// ErrThreadBusy means another execution is in flight for the same
	// thread. Returned before any budget check or record creation.
	ErrThreadBusy = errors.New("an execution is already running for this thread")
	// ErrBudgetExhausted means today's spend plus in-flight reservations
	// leave no room for another full per-task cap.
	ErrBudgetExhausted = errors.New("daily budget exhausted")
	// ErrDrainTimeout means some executions outlived the shutdown window
	// and were force-killed.
	ErrDrainTimeout = errors.New("drain timed out, outstanding workers were force-killed")
)

// Request is one prompt to answer.
type Request struct {
	Conversation *store.Conversation
	Prompt       string
	Attachments  []task.Attachment
	// OnProgress, when set, receives debounced worker progress texts.
	OnProgress func(text string)
}

// Result is a completed execution's outcome.
type Result struct {
	ExecutionID string
	Output      string
	CostUSD     float64
	DurationMs  int64
	NumTurns    int
}

// Runner is the execution orchestrator. One instance serves the whole
// process; concurrent Execute calls are limited by the budget tracker and
// the per-thread guard.
type Runner struct {
	store   *store.Store
	budget  *budget.Tracker
	backend worker.Backend
	cfg     *config.Config
	hub     *events.Hub
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*execution
	threads  map[store.ThreadKey]bool
}

// execution is the in-flight bookkeeping for one Execute call.
type execution struct {
	id string

	mu       sync.Mutex
	workerID string

	settleOnce sync.Once
	done       chan struct{}
	result     *Result
	err        error
}

func (e *execution) setWorkerID(id string) {
	e.mu.Lock()
	e.workerID = id
	e.mu.Unlock()
}

func (e *execution) getWorkerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workerID
}

func (e *execution) settled() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func New(st *store.Store, tracker *budget.Tracker, backend worker.Backend, cfg *config.Config, hub *events.Hub) *Runner {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Runner{
		store:    st,
		budget:   tracker,
		backend:  backend,
		cfg:      cfg,
		hub:      hub,
		logger:   log.WithComponent("runner"),
		inflight: make(map[string]*execution),
		threads:  make(map[store.ThreadKey]bool),
	}
}

// Execute answers one prompt. It blocks until the execution settles and
// returns the result or the settlement error. Rejections (busy thread,
// exhausted budget) happen before any execution record exists.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	conv := req.Conversation
	key := store.ThreadKey{ChannelID: conv.ChannelID, ThreadID: conv.ThreadID}

	if !r.tryLockThread(key) {
		return nil, ErrThreadBusy
	}
	defer r.unlockThread(key)

	decision, err := r.budget.Check(ctx, r.cfg.Budget.DailyLimitUSD, r.cfg.Budget.PerTaskCapUSD)
	if err != nil {
		return nil, fmt.Errorf("budget check: %w", err)
	}
	if !decision.Allowed {
		metrics.BudgetRejections.Inc()
		return nil, fmt.Errorf("%w: used $%.2f of $%.2f today, $%.2f reserved",
			ErrBudgetExhausted, decision.UsedToday, r.cfg.Budget.DailyLimitUSD, decision.ReservedUSD)
	}

	// Held for the execution's whole lifetime; Execute only returns after
	// settlement, so this defer is the exactly-once release.
	release := r.budget.Reserve()
	defer release()

	history, err := r.store.History(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	entries := truncateHistory(history, r.cfg.Worker.MaxHistoryMessages)

	execID, err := r.store.CreateExecution(ctx, conv.ID, r.cfg.Worker.Model, req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	if err := r.store.MarkExecutionRunning(ctx, execID); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}

	logger := log.WithConversation(log.WithExecution(r.logger, execID), conv.ID)

	// An individual execution may never spend more than what is actually
	// left of today's budget, even if the configured cap is higher.
	perTaskCap := r.cfg.Budget.PerTaskCapUSD
	if decision.RemainingUSD < perTaskCap {
		perTaskCap = decision.RemainingUSD
	}

	t := r.buildTask(execID, entries, req, perTaskCap)

	ex := &execution{id: execID, done: make(chan struct{})}
	r.addInflight(ex)
	defer r.removeInflight(execID)

	metrics.InflightExecutions.Inc()
	defer metrics.InflightExecutions.Dec()
	r.hub.Publish(events.TypeExecutionStarted, map[string]any{
		"execution_id":    execID,
		"conversation_id": conv.ID,
	})

	startedAt := time.Now()

	settle := func(st store.Settlement, res *Result, outcome error) {
		ex.settleOnce.Do(func() {
			// Settlement must not die with a cancelled request context.
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if dbErr := r.store.SettleExecution(sctx, execID, st); dbErr != nil && !errors.Is(dbErr, store.ErrAlreadySettled) {
				logger.Error("failed to persist settlement", "status", st.Status, "error", dbErr)
			}

			metrics.ExecutionsTotal.WithLabelValues(string(st.Status)).Inc()
			metrics.SpendUSDTotal.Add(st.CostUSD)
			metrics.ExecutionDuration.Observe(time.Since(startedAt).Seconds())
			r.hub.Publish(events.TypeExecutionSettled, map[string]any{
				"execution_id": execID,
				"status":       st.Status,
				"cost_usd":     st.CostUSD,
			})
			logger.Info("execution settled", "status", st.Status, "cost_usd", st.CostUSD)

			ex.result = res
			ex.err = outcome
			close(ex.done)
		})
	}

	var lastProgress time.Time
	var progressMu sync.Mutex

	hooks := worker.Hooks{
		OnMessage: func(m *ipc.Message) {
			if ex.settled() {
				// Late message after timeout or crash settlement.
				logger.Warn("ignoring message after settlement", "type", m.Type)
				return
			}
			switch m.Type {
			case ipc.KindProgress:
				progressMu.Lock()
				fire := time.Since(lastProgress) >= progressDebounce
				if fire {
					lastProgress = time.Now()
				}
				progressMu.Unlock()
				if fire {
					r.hub.Publish(events.TypeExecutionProgress, map[string]any{
						"execution_id": execID,
						"text":         m.Text,
					})
					if req.OnProgress != nil {
						req.OnProgress(m.Text)
					}
				}

			case ipc.KindResult:
				st := settlementFrom(m, store.ExecCompleted)
				st.Output = &m.Text
				settle(st, &Result{
					ExecutionID: execID,
					Output:      m.Text,
					CostUSD:     st.CostUSD,
					DurationMs:  st.DurationMs,
					NumTurns:    st.NumTurns,
				}, nil)

			case ipc.KindError:
				st := settlementFrom(m, store.ExecFailed)
				st.Error = &m.ErrorMsg
				settle(st, nil, fmt.Errorf("worker reported error: %s", m.ErrorMsg))
			}
		},
		OnExit: func(status worker.ExitStatus) {
			// Fires for every worker; if a result or error already
			// settled this execution, settleOnce drops it.
			msg := fmt.Sprintf("worker %s exited without an outcome (%s)", ex.getWorkerID(), status)
			st := store.Settlement{Status: store.ExecError, Error: &msg}
			settle(st, nil, errors.New(msg))
		},
	}

	handle, launchErr := r.backend.Launch(ctx, t, hooks)
	if launchErr != nil {
		msg := fmt.Sprintf("worker launch failed: %v", launchErr)
		settle(store.Settlement{Status: store.ExecError, Error: &msg}, nil, errors.New(msg))
		<-ex.done
		return ex.result, ex.err
	}

	ex.setWorkerID(handle.ID)
	if err := r.store.SetExecutionWorker(ctx, execID, handle.ID); err != nil {
		logger.Warn("failed to record worker id", "worker_id", handle.ID, "error", err)
	}

	// Kill on timeout is fire-and-forget: settlement does not wait for the
	// worker to actually die.
	timeout := r.cfg.Worker.TaskTimeout
	timer := time.AfterFunc(timeout, func() {
		logger.Warn("execution timed out, killing worker", "timeout", timeout, "worker_id", handle.ID)
		go func() {
			kctx, cancel := context.WithTimeout(context.Background(), 2*killWait)
			defer cancel()
			if err := r.backend.Kill(kctx, handle.ID); err != nil {
				logger.Error("kill after timeout failed", "worker_id", handle.ID, "error", err)
			}
		}()
		msg := fmt.Sprintf("execution timed out after %s", timeout)
		settle(store.Settlement{Status: store.ExecTimeout, Error: &msg}, nil, errors.New(msg))
	})
	defer timer.Stop()

	<-ex.done
	return ex.result, ex.err
}

// killWait bounds how long a fire-and-forget kill may take.
const killWait = 10 * time.Second

// Drain waits for all in-flight executions to settle, up to timeout. Any
// execution still outstanding afterwards gets its worker force-killed and is
// reported, not silently dropped.
func (r *Runner) Drain(timeout time.Duration) error {
	r.mu.Lock()
	pending := make([]*execution, 0, len(r.inflight))
	for _, ex := range r.inflight {
		pending = append(pending, ex)
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	r.logger.Info("draining in-flight executions", "count", len(pending), "timeout", timeout)

	allDone := make(chan struct{})
	go func() {
		for _, ex := range pending {
			<-ex.done
		}
		close(allDone)
	}()

	select {
	case <-allDone:
		r.logger.Info("drain complete")
		return nil
	case <-time.After(timeout):
	}

	ctx, cancel := context.WithTimeout(context.Background(), killWait)
	defer cancel()
	for _, ex := range pending {
		if ex.settled() {
			continue
		}
		workerID := ex.getWorkerID()
		r.logger.Warn("force-killing execution that outlived drain",
			"execution_id", ex.id, "worker_id", workerID)
		if workerID != "" {
			if err := r.backend.Kill(ctx, workerID); err != nil {
				r.logger.Error("forced kill failed", "worker_id", workerID, "error", err)
			}
		}
	}
	return ErrDrainTimeout
}

// InflightCount reports executions currently tracked.
func (r *Runner) InflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Runner) buildTask(execID string, history []task.HistoryEntry, req Request, perTaskCap float64) *task.Task {
	wcfg := r.cfg.Worker

	servers := make(map[string]task.ToolServer, len(wcfg.MCPServers)+1)
	for name, s := range wcfg.MCPServers {
		servers[name] = task.ToolServer{Command: s.Command, Args: s.Args, Env: s.Env}
	}
	// The stats tool rides along on every task so the agent can answer
	// questions about its own operational history.
	servers[stats.ToolName] = stats.ToolServer(r.cfg)

	return &task.Task{
		ExecutionID: execID,
		Model:       wcfg.Model,
		History:     history,
		Prompt:      req.Prompt,
		Attachments: req.Attachments,
		WorkDir:     wcfg.WorkDir,
		AllowedDirs: wcfg.AllowedDirs,
		ToolServers: servers,
		Limits: task.Limits{
			MaxCostUSD: perTaskCap,
			MaxTurns:   wcfg.MaxTurns,
			TimeoutMs:  wcfg.TaskTimeout.Milliseconds(),
		},
		Capabilities:            wcfg.Capabilities,
		LoadProjectInstructions: wcfg.LoadProjectInstructions,
	}
}

func settlementFrom(m *ipc.Message, status store.ExecStatus) store.Settlement {
	st := store.Settlement{Status: status, NumTurns: m.NumTurns}
	if m.CostUSD != nil {
		st.CostUSD = *m.CostUSD
	}
	if m.DurationMs != nil {
		st.DurationMs = *m.DurationMs
	}
	if m.TokensUsed != nil {
		st.TokensInput = m.TokensUsed.Input
		st.TokensOutput = m.TokensUsed.Output
		st.TokensCacheRead = m.TokensUsed.CacheRead
		st.TokensCacheWrite = m.TokensUsed.CacheWrite
	}
	return st
}

// truncateHistory keeps the most recent turns and prepends a synthetic
// system note stating how many earlier ones were cut, so the agent knows
// its context is incomplete.
func truncateHistory(history []store.Message, max int) []task.HistoryEntry {
	if len(history) <= max {
		out := make([]task.HistoryEntry, 0, len(history))
		for _, m := range history {
			out = append(out, task.HistoryEntry{Role: string(m.Role), Content: m.Content})
		}
		return out
	}

	omitted := len(history) - max
	kept := history[len(history)-(max-1):]

	out := make([]task.HistoryEntry, 0, max)
	out = append(out, task.HistoryEntry{
		Role:    string(store.RoleSystem),
		Content: fmt.Sprintf("%d earlier messages omitted from this conversation's history.", omitted),
	})
	for _, m := range kept {
		out = append(out, task.HistoryEntry{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (r *Runner) tryLockThread(key store.ThreadKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.threads[key] {
		return false
	}
	r.threads[key] = true
	return true
}

func (r *Runner) unlockThread(key store.ThreadKey) {
	r.mu.Lock()
	delete(r.threads, key)
	r.mu.Unlock()
}

func (r *Runner) addInflight(ex *execution) {
	r.mu.Lock()
	r.inflight[ex.id] = ex
	r.mu.Unlock()
}

func (r *Runner) removeInflight(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}
