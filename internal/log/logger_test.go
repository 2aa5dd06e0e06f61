package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func TestSetupDefaultsToInfo(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	Setup("not-a-level")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("runner").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "runner" {
		t.Errorf("Expected component 'runner', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithExecution(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithExecution(WithComponent("runner"), "exec-123").Warn("late message")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["execution_id"] != "exec-123" {
		t.Errorf("Expected execution_id 'exec-123', got %v", out["execution_id"])
	}
	if out["component"] != "runner" {
		t.Errorf("Expected component 'runner', got %v", out["component"])
	}
}

func TestWithConversation(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithConversation(WithComponent("bot"), "conv-9").Info("turn persisted")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["conversation_id"] != "conv-9" {
		t.Errorf("Expected conversation_id 'conv-9', got %v", out["conversation_id"])
	}
}
