// Package bot connects a chat platform to the execution pipeline. It owns
// the conversation bookkeeping around each inbound message: persist the user
// turn, run it, keep the thread's status indicator honest and post whatever
// came back, including failure notices.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/valetbot/valet/internal/log"
	"github.com/valetbot/valet/internal/runner"
	"github.com/valetbot/valet/internal/store"
	"github.com/valetbot/valet/internal/task"
)

//go:generate mockgen -source=bot.go -destination=mocks/mock_platform.go -package=mocks

// Platform is the chat surface the bot lives on.
type Platform interface {
	// PostReply posts text into the thread.
	PostReply(ctx context.Context, key store.ThreadKey, text string) error
	// UpdateStatus sets the thread's transient status indicator.
	UpdateStatus(ctx context.Context, key store.ThreadKey, status string) error
	// ClearStatus removes the status indicator.
	ClearStatus(ctx context.Context, key store.ThreadKey) error
	// SetThreadTitle names the thread, once, on first contact.
	SetThreadTitle(ctx context.Context, key store.ThreadKey, title string) error
}

// Executor runs one prompt to settlement. Satisfied by *runner.Runner.
type Executor interface {
	Execute(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// Incoming is one user message from the platform.
type Incoming struct {
	ChannelID   string
	ThreadID    string
	UserID      string
	Text        string
	ExternalTS  string
	Attachments []task.Attachment
}

const (
	statusWorking = "working on it"
	busyNotice    = "I'm still working on the previous request in this thread. Please wait for it to finish."
	maxTitleLen   = 60
)

// Bot handles inbound messages for one platform.
type Bot struct {
	store    *store.Store
	executor Executor
	platform Platform
	logger   *slog.Logger
}

func New(st *store.Store, executor Executor, platform Platform) *Bot {
	return &Bot{
		store:    st,
		executor: executor,
		platform: platform,
		logger:   log.WithComponent("bot"),
	}
}

// HandleMessage processes one inbound message end to end. Every outcome is
// visible in the thread: a reply, a busy notice or a failure notice. The
// error return is for the platform adapter's own logging; the user-facing
// side has already been handled.
func (b *Bot) HandleMessage(ctx context.Context, in Incoming) error {
	key := store.ThreadKey{ChannelID: in.ChannelID, ThreadID: in.ThreadID}
	logger := b.logger.With("channel_id", in.ChannelID, "thread_id", in.ThreadID)

	conv, err := b.store.GetOrCreateConversation(ctx, key, in.UserID)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	logger = log.WithConversation(logger, conv.ID)

	// A new message in an archived thread brings it back.
	if conv.Status == store.ConversationArchived {
		if err := b.store.SetConversationStatus(ctx, conv.ID, store.ConversationActive); err != nil {
			logger.Warn("failed to reactivate conversation", "error", err)
		} else {
			conv.Status = store.ConversationActive
		}
	}

	if conv.Title == nil {
		title := deriveTitle(in.Text)
		if err := b.platform.SetThreadTitle(ctx, key, title); err != nil {
			logger.Warn("failed to set thread title", "error", err)
		}
		if err := b.store.SetConversationTitle(ctx, conv.ID, title); err != nil {
			logger.Warn("failed to persist thread title", "error", err)
		}
	}

	externalTS := &in.ExternalTS
	if in.ExternalTS == "" {
		externalTS = nil
	}
	if _, err := b.store.AppendMessage(ctx, store.AppendMessageRequest{
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        in.Text,
		ExternalTS:     externalTS,
	}); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	if err := b.platform.UpdateStatus(ctx, key, statusWorking); err != nil {
		logger.Warn("failed to set status", "error", err)
	}
	var execErr error
	defer func() {
		// On a busy rejection the first execution still owns the thread's
		// status indicator; clearing it here would wipe it mid-run.
		if errors.Is(execErr, runner.ErrThreadBusy) {
			return
		}
		if err := b.platform.ClearStatus(ctx, key); err != nil {
			logger.Warn("failed to clear status", "error", err)
		}
	}()

	res, execErr := b.executor.Execute(ctx, runner.Request{
		Conversation: conv,
		Prompt:       in.Text,
		Attachments:  in.Attachments,
		OnProgress: func(text string) {
			if err := b.platform.UpdateStatus(ctx, key, text); err != nil {
				logger.Warn("failed to update progress status", "error", err)
			}
		},
	})

	switch {
	case execErr == nil:
		if _, dbErr := b.store.AppendMessage(ctx, store.AppendMessageRequest{
			ConversationID: conv.ID,
			Role:           store.RoleAssistant,
			Content:        res.Output,
			ExecutionID:    &res.ExecutionID,
		}); dbErr != nil {
			logger.Error("failed to persist assistant reply", "execution_id", res.ExecutionID, "error", dbErr)
		}
		return b.platform.PostReply(ctx, key, res.Output)

	case errors.Is(execErr, runner.ErrThreadBusy):
		// Not persisted: the running execution already owns this thread's
		// next assistant turn.
		return b.platform.PostReply(ctx, key, busyNotice)

	default:
		notice := failureNotice(execErr)
		if _, dbErr := b.store.AppendMessage(ctx, store.AppendMessageRequest{
			ConversationID: conv.ID,
			Role:           store.RoleAssistant,
			Content:        notice,
		}); dbErr != nil {
			logger.Error("failed to persist failure notice", "error", dbErr)
		}
		logger.Error("execution failed", "error", execErr)
		return b.platform.PostReply(ctx, key, notice)
	}
}

// failureNotice turns a settlement error into what the user sees.
func failureNotice(err error) string {
	if errors.Is(err, runner.ErrBudgetExhausted) {
		return "I can't take that on right now: today's spending budget is used up. Try again tomorrow."
	}
	return fmt.Sprintf("Something went wrong with that request: %v", err)
}

// deriveTitle builds a thread title from the first message.
func deriveTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if title == "" {
		return "New conversation"
	}
	runes := []rune(title)
	if len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen-1]) + "…"
	}
	return title
}
