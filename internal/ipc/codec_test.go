package ipc

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestEncodeValidMessages(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "progress",
			msg:  &Message{Type: KindProgress, Text: "reading files"},
			checkFn: func(t *testing.T, output string) {
				if !strings.HasPrefix(output, Prefix) {
					t.Errorf("missing prefix: %q", output)
				}
				if !strings.HasSuffix(output, "\n") {
					t.Errorf("missing trailing newline: %q", output)
				}
				if strings.Count(output, "\n") != 1 {
					t.Errorf("encoded form spans multiple lines: %q", output)
				}
			},
		},
		{
			name: "result with multiline text stays one line",
			msg: &Message{
				Type:       KindResult,
				Text:       "line one\nline two",
				CostUSD:    f64(0.42),
				DurationMs: i64(1500),
				TokensUsed: &TokensUsed{Input: 10, Output: 20},
				NumTurns:   3,
			},
			checkFn: func(t *testing.T, output string) {
				if strings.Count(output, "\n") != 1 {
					t.Errorf("embedded newline leaked into encoded form: %q", output)
				}
			},
		},
		{
			name:    "progress without text",
			msg:     &Message{Type: KindProgress},
			wantErr: true,
		},
		{
			name:    "result without cost",
			msg:     &Message{Type: KindResult, Text: "done", DurationMs: i64(1), TokensUsed: &TokensUsed{}},
			wantErr: true,
		},
		{
			name:    "error without message",
			msg:     &Message{Type: KindError, CostUSD: f64(0), DurationMs: i64(1), TokensUsed: &TokensUsed{}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			msg:     &Message{Type: "status", Text: "hi"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Encode(&buf, tt.msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestParseLineRoundTrip(t *testing.T) {
	msgs := []*Message{
		{Type: KindProgress, Text: "thinking"},
		{
			Type:       KindResult,
			Text:       "the answer is 42",
			CostUSD:    f64(0.0137),
			DurationMs: i64(8200),
			TokensUsed: &TokensUsed{Input: 1200, Output: 340, CacheRead: 9000, CacheWrite: 100},
			NumTurns:   4,
		},
		{
			Type:       KindError,
			ErrorMsg:   "model overloaded",
			CostUSD:    f64(0.002),
			DurationMs: i64(900),
			TokensUsed: &TokensUsed{Input: 50},
		},
	}

	for _, orig := range msgs {
		var buf bytes.Buffer
		if err := Encode(&buf, orig); err != nil {
			t.Fatalf("Encode(%s): %v", orig.Type, err)
		}

		line := strings.TrimSuffix(buf.String(), "\n")
		got, matched, err := ParseLine(line)
		if err != nil {
			t.Fatalf("ParseLine(%s): %v", orig.Type, err)
		}
		if !matched {
			t.Fatalf("ParseLine(%s): prefix not recognized", orig.Type)
		}
		if !reflect.DeepEqual(got, orig) {
			t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, orig)
		}
	}
}

func TestParseLineDiagnosticOutput(t *testing.T) {
	lines := []string{
		"",
		"npm WARN deprecated package",
		`{"type":"result","text":"not prefixed"}`,
		"  " + Prefix + `{"type":"progress","text":"indented prefix does not count"}`,
	}
	for _, line := range lines {
		msg, matched, err := ParseLine(line)
		if matched || msg != nil || err != nil {
			t.Errorf("ParseLine(%q) = (%v, %v, %v), want plain diagnostic", line, msg, matched, err)
		}
	}
}

func TestParseLineMalformedPrefixedLines(t *testing.T) {
	lines := []string{
		Prefix + "not json at all",
		Prefix + `{"type":"progress"}`,
		Prefix + `{"type":"result","text":"x"}`,
		Prefix + `{"type":"error","costUsd":1,"durationMs":1,"tokensUsed":{}}`,
		Prefix + `{"text":"no kind"}`,
	}
	for _, line := range lines {
		msg, matched, err := ParseLine(line)
		if !matched {
			t.Errorf("ParseLine(%q): prefix should match", line)
		}
		if err == nil || msg != nil {
			t.Errorf("ParseLine(%q) = (%v, %v), want validation error", line, msg, err)
		}
	}
}
