// Package task defines the payload handed to a worker at launch and the
// env-or-file handoff both backend variants use to deliver it.
package task

// HistoryEntry is one prior conversation turn, oldest first.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Attachment is an inline image handed to the worker.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	// Data is the base64-encoded file content.
	Data string `json:"data"`
}

// ToolServer describes one auxiliary tool-server the worker may start.
type ToolServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Limits bounds a single execution.
type Limits struct {
	MaxCostUSD float64 `json:"maxCostUsd"`
	MaxTurns   int     `json:"maxTurns"`
	TimeoutMs  int64   `json:"timeoutMs"`
}

// Task is the full payload for one worker launch.
type Task struct {
	ExecutionID             string                `json:"executionId"`
	Model                   string                `json:"model"`
	History                 []HistoryEntry        `json:"history"`
	Prompt                  string                `json:"prompt"`
	Attachments             []Attachment          `json:"attachments,omitempty"`
	WorkDir                 string                `json:"workDir"`
	AllowedDirs             []string              `json:"allowedDirs,omitempty"`
	ToolServers             map[string]ToolServer `json:"toolServers,omitempty"`
	Limits                  Limits                `json:"limits"`
	Capabilities            []string              `json:"capabilities,omitempty"`
	LoadProjectInstructions bool                  `json:"loadProjectInstructions"`
}
