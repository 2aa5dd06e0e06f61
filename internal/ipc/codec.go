package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Encode serializes msg and writes it to w as a single prefixed line.
// Returns an error if the message is invalid or the encoded form would span
// multiple lines (the side channel is strictly line-delimited).
func Encode(w io.Writer, msg *Message) error {
	if err := validate(msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if bytes.ContainsRune(data, '\n') {
		return fmt.Errorf("encoded message contains a raw newline")
	}

	if _, err := fmt.Fprintf(w, "%s%s\n", Prefix, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ParseLine inspects one side-channel line. The bool reports whether the line
// carried the structured-message prefix at all: (nil, false, nil) means plain
// diagnostic output; (nil, true, err) means a prefixed line that failed
// validation and must be discarded with a warning; (msg, true, nil) is a
// valid structured message.
func ParseLine(line string) (*Message, bool, error) {
	if !strings.HasPrefix(line, Prefix) {
		return nil, false, nil
	}

	payload := strings.TrimPrefix(line, Prefix)

	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, true, fmt.Errorf("message payload is not valid JSON: %w", err)
	}

	if err := validate(&msg); err != nil {
		return nil, true, err
	}
	return &msg, true, nil
}

// validate applies the structural rules for each message kind.
func validate(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	switch msg.Type {
	case KindProgress:
		if msg.Text == "" {
			return fmt.Errorf("progress message missing text")
		}
		return nil

	case KindResult:
		if msg.Text == "" {
			return fmt.Errorf("result message missing text")
		}
		return validateUsage(msg)

	case KindError:
		if msg.ErrorMsg == "" {
			return fmt.Errorf("error message missing message field")
		}
		return validateUsage(msg)

	case "":
		return fmt.Errorf("message missing type")
	default:
		return fmt.Errorf("unknown message type: %q", msg.Type)
	}
}

func validateUsage(msg *Message) error {
	if msg.CostUSD == nil {
		return fmt.Errorf("%s message missing costUsd", msg.Type)
	}
	if msg.DurationMs == nil {
		return fmt.Errorf("%s message missing durationMs", msg.Type)
	}
	if msg.TokensUsed == nil {
		return fmt.Errorf("%s message missing tokensUsed", msg.Type)
	}
	return nil
}
