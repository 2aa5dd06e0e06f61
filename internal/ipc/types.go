package ipc

import "time"

// Prefix is the side-channel marker. A worker writes structured messages to
// its stderr as Prefix + single-line JSON + "\n"; every other stderr line is
// plain diagnostic output and is never interpreted.
const Prefix = "VALET_MSG:"

// Kind identifies a structured side-channel message.
type Kind string

const (
	KindProgress Kind = "progress"
	KindResult   Kind = "result"
	KindError    Kind = "error"
)

// TokensUsed is the per-execution token consumption breakdown reported by a
// worker alongside a terminal result or error.
type TokensUsed struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cacheRead"`
	CacheWrite int `json:"cacheWrite"`
}

// Message is the envelope for all worker-to-orchestrator messages.
//
// Field presence depends on Type: progress carries Text (and optionally
// Timestamp); result carries Text plus the cost/usage block; error carries
// ErrorMessage plus the cost/usage block. Cost and duration are pointers so
// validation can tell "absent" from zero.
type Message struct {
	Type       Kind        `json:"type"`
	Text       string      `json:"text,omitempty"`
	ErrorMsg   string      `json:"message,omitempty"`
	Timestamp  *time.Time  `json:"timestamp,omitempty"`
	CostUSD    *float64    `json:"costUsd,omitempty"`
	TokensUsed *TokensUsed `json:"tokensUsed,omitempty"`
	DurationMs *int64      `json:"durationMs,omitempty"`
	NumTurns   int         `json:"numTurns,omitempty"`
}
