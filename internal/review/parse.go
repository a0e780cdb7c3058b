package review

import (
	"bufio"
	"encoding/json"
	"strings"
)

// maxDebugRunes bounds the raw output quoted in a parse failure.
const maxDebugRunes = 500

// Tier is one strategy for recovering a JSON object from text.
type Tier struct {
	Name    string
	Extract func(text string) (map[string]any, bool)
}

// Tiers are tried in order; the first that yields an object wins.
var Tiers = []Tier{
	{Name: "direct", Extract: parseObject},
	{Name: "normalized", Extract: func(text string) (map[string]any, bool) {
		return parseObject(NormalizeNewlines(text))
	}},
	{Name: "fenced", Extract: extractFenced},
	{Name: "brace-scan", Extract: scanBraces},
}

// ExtractJSON recovers a JSON object from text that may be wrapped in prose
// or code fences, or carry literal newlines inside string values.
func ExtractJSON(text string) (map[string]any, bool) {
	for _, tier := range Tiers {
		if obj, ok := tier.Extract(text); ok {
			return obj, true
		}
	}
	return nil, false
}

// Parse turns raw reviewer stdout into a Result. It never fails: output
// without a recoverable object becomes an error verdict quoting the output.
func Parse(raw string) Result {
	candidates := Candidates(raw)
	for _, c := range candidates {
		if obj, ok := ExtractJSON(c); ok {
			return fromObject(obj)
		}
	}
	return Result{
		Verdict:  VerdictError,
		Comments: "Could not parse reviewer output: " + truncateRunes(candidates[0], maxDebugRunes),
	}
}

// Candidates returns the text fragments of a reviewer stream that may hold
// the verdict, highest priority first: result event strings, then assistant
// and agent message texts in stream order. Output without recognised events
// yields the outer JSON "result" or "output" field, or the raw text.
func Candidates(raw string) []string {
	var results, messages []string

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), len(raw)+1)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "result":
			if ev.Result != "" {
				results = append([]string{ev.Result}, results...)
			}
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					messages = append(messages, block.Text)
				}
			}
		case "item.completed":
			if ev.Item.Type == "agent_message" && ev.Item.Text != "" {
				messages = append(messages, ev.Item.Text)
			}
		}
	}

	if out := append(results, messages...); len(out) > 0 {
		return out
	}

	var outer map[string]any
	if err := json.Unmarshal([]byte(raw), &outer); err == nil {
		for _, key := range []string{"result", "output"} {
			if s, ok := outer[key].(string); ok && s != "" {
				return []string{s}
			}
		}
	}
	return []string{raw}
}

// streamEvent covers the fields read from Claude stream-json and Codex
// JSONL events. Mismatched field types fail the line, which is then skipped.
type streamEvent struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// NormalizeNewlines escapes literal newlines and carriage returns that
// appear inside JSON string values.
func NormalizeNewlines(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString, escaped := false, false
	for _, r := range text {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\' && inString:
			b.WriteRune(r)
			escaped = true
		case r == '"':
			inString = !inString
			b.WriteRune(r)
		case r == '\n' && inString:
			b.WriteString(`\n`)
		case r == '\r' && inString:
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseObject(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// extractFenced parses the first ```json block, then the first ``` block,
// on the raw text and then on its normalized form.
func extractFenced(text string) (map[string]any, bool) {
	for _, candidate := range []string{text, NormalizeNewlines(text)} {
		for _, marker := range []string{"```json", "```"} {
			i := strings.Index(candidate, marker)
			if i < 0 {
				continue
			}
			body := candidate[i+len(marker):]
			end := strings.Index(body, "```")
			if end < 0 {
				continue
			}
			if obj, ok := parseObject(strings.TrimSpace(body[:end])); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

// scanBraces decodes the first JSON value at every '{' offset and accepts
// the first object carrying a "verdict" key. Nested finding objects and
// stray event objects are skipped that way.
func scanBraces(text string) (map[string]any, bool) {
	for _, candidate := range []string{text, NormalizeNewlines(text)} {
		for i := strings.IndexByte(candidate, '{'); i >= 0; {
			var obj map[string]any
			dec := json.NewDecoder(strings.NewReader(candidate[i:]))
			if err := dec.Decode(&obj); err == nil {
				if _, ok := obj["verdict"]; ok {
					return obj, true
				}
			}
			next := strings.IndexByte(candidate[i+1:], '{')
			if next < 0 {
				break
			}
			i += next + 1
		}
	}
	return nil, false
}

// fromObject converts a recovered object into a Result.
func fromObject(obj map[string]any) Result {
	verdict, _ := obj["verdict"].(string)

	var items []Item
	if raw, ok := obj["items"].([]any); ok {
		for _, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			file, _ := m["file"].(string)
			comment, _ := m["comment"].(string)
			sev, _ := m["severity"].(string)
			items = append(items, Item{File: file, Comment: comment, Severity: parseSeverity(sev)})
		}
	}

	comments, _ := obj["comments"].(string)
	return newResult(parseVerdict(verdict), items, comments)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
