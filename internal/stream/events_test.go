package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("bad fixture %q: %v", s, err)
	}
	return m
}

func TestEventLines_Claude(t *testing.T) {
	tests := []struct {
		name  string
		event string
		want  []string
	}{
		{
			name:  "text block",
			event: `{"type":"assistant","message":{"content":[{"type":"text","text":"line one\nline two"}]}}`,
			want:  []string{"line one", "line two"},
		},
		{
			name:  "tool use with detail",
			event: `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test ./...\necho done"}}]}}`,
			want:  []string{"▶ Bash: go test ./..."},
		},
		{
			name:  "verdict json suppressed",
			event: `{"type":"assistant","message":{"content":[{"type":"text","text":"{\"verdict\":\"approved\",\"items\":[]}"}]}}`,
			want:  nil,
		},
		{
			name:  "fenced verdict suppressed",
			event: "{\"type\":\"assistant\",\"message\":{\"content\":[{\"type\":\"text\",\"text\":\"```json\\n{\\\"verdict\\\":\\\"approved\\\"}\\n```\"}]}}",
			want:  nil,
		},
		{
			name:  "result event is silent",
			event: `{"type":"result","result":"done","session_id":"s1"}`,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EventLines(decode(t, tt.event))
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("EventLines() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventLines_Codex(t *testing.T) {
	tests := []struct {
		name  string
		event string
		want  []string
	}{
		{
			name:  "agent message",
			event: `{"type":"item.completed","item":{"type":"agent_message","text":"done"}}`,
			want:  []string{"done"},
		},
		{
			name:  "reasoning",
			event: `{"type":"item.completed","item":{"type":"reasoning","text":"think\nmore"}}`,
			want:  []string{"💭 think", "more"},
		},
		{
			name:  "tool call",
			event: `{"type":"item.completed","item":{"type":"tool_call","name":"Read","input":{"file_path":"main.go"}}}`,
			want:  []string{"▶ Read: main.go"},
		},
		{
			name:  "turn completed",
			event: `{"type":"turn.completed","usage":{"output_tokens":42}}`,
			want:  []string{"✓ turn complete (42 tokens)"},
		},
		{
			name:  "thread started is silent",
			event: `{"type":"thread.started","thread_id":"t1"}`,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EventLines(decode(t, tt.event))
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("EventLines() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrinter_Prefix(t *testing.T) {
	fixed := time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC)
	p := &Printer{Now: func() time.Time { return fixed }}

	if got := p.Prefix("#63 [codex]"); got != "  [2026/02/14 10:30] #63 [codex] │ " {
		t.Errorf("Prefix() = %q", got)
	}
	if got := p.Prefix(""); got != "  [2026/02/14 10:30] " {
		t.Errorf("Prefix(\"\") = %q", got)
	}
}

func TestPrinter_RawLine(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{W: &buf, Now: func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }}

	p.PrintLine("x", []byte("  not json  "))
	if buf.String() != "  [2026/01/01 00:00] x │ not json\n" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestToolDetail_TruncatesLongCommands(t *testing.T) {
	cmd := strings.Repeat("a", 120)
	got := ToolDetail("Bash", map[string]any{"command": cmd})
	if len(got) != len(": ")+80 {
		t.Errorf("len(ToolDetail) = %d, want %d", len(got), 82)
	}
	if ToolDetail("Unknown", map[string]any{"x": "y"}) != "" {
		t.Error("unknown tool should have no detail")
	}
}
