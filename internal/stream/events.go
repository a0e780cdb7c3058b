package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const timestampLayout = "2006/01/02 15:04"

// Printer renders agent JSONL events (Claude stream-json and Codex exec --json)
// as human readable progress lines.
type Printer struct {
	W   io.Writer
	Now func() time.Time
}

// Prefix returns the display prefix for label, e.g. "  [2026/02/14 10:30] #63 │ ".
func (p *Printer) Prefix(label string) string {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	ts := now().Format(timestampLayout)
	if label == "" {
		return fmt.Sprintf("  [%s] ", ts)
	}
	return fmt.Sprintf("  [%s] %s │ ", ts, label)
}

// PrintLine renders one stdout line. Non-JSON lines are echoed with the prefix.
func (p *Printer) PrintLine(label string, line []byte) {
	if p.W == nil {
		return
	}
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	var ev map[string]any
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		p.flush(label, []string{string(trimmed)})
		return
	}
	p.flush(label, EventLines(ev))
}

// flush writes all lines of one event with a single Write so concurrent
// runners sharing W do not interleave mid-event.
func (p *Printer) flush(label string, lines []string) {
	if len(lines) == 0 {
		return
	}
	prefix := p.Prefix(label)
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(prefix)
		b.WriteString(l)
		b.WriteByte('\n')
	}
	_, _ = io.WriteString(p.W, b.String())
}

// EventLines returns the display lines for a decoded event, without prefix.
func EventLines(ev map[string]any) []string {
	switch str(ev["type"]) {
	case "assistant":
		return claudeAssistantLines(ev)
	case "item.completed":
		return codexItemLines(ev)
	case "turn.completed":
		usage, ok := ev["usage"].(map[string]any)
		if !ok {
			return nil
		}
		tokens := "?"
		if v, ok := usage["output_tokens"]; ok {
			tokens = fmt.Sprint(v)
		}
		return []string{fmt.Sprintf("✓ turn complete (%s tokens)", tokens)}
	}
	return nil
}

func claudeAssistantLines(ev map[string]any) []string {
	msg, ok := ev["message"].(map[string]any)
	if !ok {
		return nil
	}
	blocks, _ := msg["content"].([]any)

	var out []string
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		switch str(block["type"]) {
		case "text":
			text := strings.TrimSpace(str(block["text"]))
			if text == "" || isVerdictJSON(text) {
				continue
			}
			for _, l := range strings.Split(text, "\n") {
				if strings.TrimSpace(l) == "" || isVerdictJSON(l) {
					continue
				}
				out = append(out, l)
			}
		case "tool_use":
			name := str(block["name"])
			out = append(out, "▶ "+name+ToolDetail(name, block["input"]))
		}
	}
	return out
}

func codexItemLines(ev map[string]any) []string {
	item, ok := ev["item"].(map[string]any)
	if !ok {
		return nil
	}
	text := str(item["text"])
	switch str(item["type"]) {
	case "agent_message":
		if text == "" {
			return nil
		}
		return strings.Split(text, "\n")
	case "tool_call":
		name := str(item["name"])
		return []string{"▶ " + name + ToolDetail(name, item["input"])}
	case "reasoning":
		if text == "" {
			return nil
		}
		lines := strings.Split(text, "\n")
		lines[0] = "💭 " + lines[0]
		return lines
	}
	return nil
}

// ToolDetail summarises a tool invocation's input, e.g. ": go test ./...".
func ToolDetail(name string, input any) string {
	in, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	var v string
	switch name {
	case "Bash":
		v = strings.SplitN(str(in["command"]), "\n", 2)[0]
		if len(v) > 80 {
			v = v[:80]
		}
	case "Read", "Write", "Edit":
		v = str(in["file_path"])
	case "Glob", "Grep":
		v = str(in["pattern"])
	case "Task":
		v = str(in["description"])
	}
	if v == "" {
		return ""
	}
	return ": " + v
}

// isVerdictJSON reports whether s is a reviewer verdict object, optionally fenced.
// Those are rendered by the reviewer, not echoed raw.
func isVerdictJSON(s string) bool {
	clean := strings.Trim(strings.TrimSpace(s), "`")
	clean = strings.TrimSpace(clean)
	clean = strings.TrimSpace(strings.TrimPrefix(clean, "json"))
	var m map[string]any
	if err := json.Unmarshal([]byte(clean), &m); err != nil {
		return false
	}
	_, ok := m["verdict"]
	return ok
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
