package task

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	// EnvPayload carries the serialized task directly.
	EnvPayload = "VALET_TASK"
	// EnvPayloadFile carries a path to the serialized task instead, used
	// when the payload is too large for an environment value.
	EnvPayloadFile = "VALET_TASK_FILE"

	// MaxEnvPayloadBytes is the inline threshold. Multimodal payloads with
	// embedded image data can blow past OS argument/environment limits, so
	// anything bigger goes through a temp file.
	MaxEnvPayloadBytes = 128 * 1024
)

// Handoff is the prepared delivery of a task to a worker process. Exactly
// one of Inline or FilePath is set.
type Handoff struct {
	Inline   string
	FilePath string
}

// Cleanup removes the temp file, if one was created. Safe to call always.
func (h *Handoff) Cleanup() {
	if h.FilePath != "" {
		_ = os.Remove(h.FilePath)
	}
}

// Prepare serializes t and decides the delivery mechanism by size.
func Prepare(t *Task) (*Handoff, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	if len(data) <= MaxEnvPayloadBytes {
		return &Handoff{Inline: string(data)}, nil
	}

	f, err := os.CreateTemp("", "valet-task-*.json")
	if err != nil {
		return nil, fmt.Errorf("create payload file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("write payload file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("close payload file: %w", err)
	}
	return &Handoff{FilePath: f.Name()}, nil
}

// Parse decodes a serialized task. Workers use it against whichever of
// EnvPayload / EnvPayloadFile they were given.
func Parse(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	if t.ExecutionID == "" {
		return nil, fmt.Errorf("task missing executionId")
	}
	return &t, nil
}
