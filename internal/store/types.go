package store

import (
	"errors"
	"time"
)

// ConversationStatus is the lifecycle state of a chat thread.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ExecStatus is the lifecycle state of an execution.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecError     ExecStatus = "error"
	ExecTimeout   ExecStatus = "timeout"
)

// Terminal reports whether s is a settled state.
func (s ExecStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecError, ExecTimeout:
		return true
	}
	return false
}

// ThreadKey uniquely identifies a chat thread on the platform.
type ThreadKey struct {
	ChannelID string
	ThreadID  string
}

// Conversation represents one long-lived chat thread. Created on first
// message in a thread; never deleted.
type Conversation struct {
	ID        string
	ChannelID string
	ThreadID  string
	UserID    string
	Status    ConversationStatus
	Title     *string
	CreatedAt time.Time
}

// Message is one turn in a conversation's history. Append-only.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	ExecutionID    *string
	ExternalTS     *string
	CreatedAt      time.Time
}

// AppendMessageRequest carries a new message turn.
type AppendMessageRequest struct {
	ConversationID string
	Role           Role
	Content        string
	ExecutionID    *string
	ExternalTS     *string
}

// Execution is one attempt to answer a prompt.
type Execution struct {
	ID               string
	ConversationID   string
	WorkerID         *string
	Model            string
	Status           ExecStatus
	Prompt           string
	Output           *string
	Error            *string
	CostUSD          float64
	TokensInput      int
	TokensOutput     int
	TokensCacheRead  int
	TokensCacheWrite int
	DurationMs       int64
	NumTurns         int
	StartedAt        time.Time
	FinishedAt       *time.Time
}

// Settlement carries the terminal outcome of an execution.
type Settlement struct {
	Status           ExecStatus
	Output           *string
	Error            *string
	CostUSD          float64
	TokensInput      int
	TokensOutput     int
	TokensCacheRead  int
	TokensCacheWrite int
	DurationMs       int64
	NumTurns         int
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrExecutionNotFound    = errors.New("execution not found")
	// ErrAlreadySettled is returned when a terminal write races a prior one.
	// The first settlement wins; the loser must treat this as a no-op.
	ErrAlreadySettled = errors.New("execution already settled")
)
