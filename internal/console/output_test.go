package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestOutput_Event(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf, false)

	o.Event("#42", KindPR, "Created PR #7")
	o.Event("", KindInfo, "2 issues queued")
	o.Error("ENG-1", errors.New("boom"))

	want := "[#42] [PR] Created PR #7\n[INFO] 2 issues queued\n[ENG-1] [ERROR] boom\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestOutput_EventJSONL(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf, true)

	o.Eventf("#42", KindReview, "round %d: %s", 2, "approved")
	o.Interrupted()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}

	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if ev["type"] != "review" || ev["issue"] != "#42" || ev["message"] != "round 2: approved" {
		t.Errorf("event = %v", ev)
	}

	ev = nil
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := ev["issue"]; ok {
		t.Errorf("run-level event should have no issue: %v", ev)
	}
}

func TestOutput_Step(t *testing.T) {
	t.Run("asks the confirm func", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf, false)
		var asked string
		o.SetConfirm(func(_ context.Context, title, _ string) (bool, error) {
			asked = title
			return false, nil
		})

		ok, err := o.Step(context.Background(), "#42", "Implement", "issue prompt here")
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if ok {
			t.Error("Step() = true, want the declined answer")
		}
		if asked != "[#42] Implement" {
			t.Errorf("confirm title = %q", asked)
		}
		for _, want := range []string{"Implement", "issue prompt here", "╭"} {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("panel missing %q:\n%s", want, buf.String())
			}
		}
	})

	t.Run("auto-confirms without a terminal", func(t *testing.T) {
		var buf bytes.Buffer
		ok, err := New(&buf, false).Step(context.Background(), "", "Review", "")
		if err != nil || !ok {
			t.Errorf("Step() = %v, %v; want true, nil", ok, err)
		}
	})

	t.Run("truncates long bodies", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf, false)
		body := strings.Repeat("line\n", maxPanelLines+5)
		if _, err := o.Step(context.Background(), "", "Output", body); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), "(5 more lines)") {
			t.Errorf("expected truncation notice:\n%s", buf.String())
		}
	})

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf, true)
		if _, err := o.Step(context.Background(), "#1", "Review", "verdict"); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), `"type":"step"`) {
			t.Errorf("output = %q", buf.String())
		}
	})
}

func TestOutput_Summary(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf, false)

	o.Summary([]Row{
		{Issue: "#42", Status: "merged", Rounds: 2, PR: "#7"},
		{Issue: "ENG-9", Status: "failed", Rounds: 1, Error: strings.Repeat("x", 100)},
	})

	out := buf.String()
	for _, want := range []string{"Issue", "Status", "Rounds", "#42", "merged", "ENG-9", "failed", "#7"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, strings.Repeat("x", 60)) {
		t.Errorf("error column should be truncated below 60 chars:\n%s", out)
	}
	if !strings.Contains(out, strings.Repeat("x", 59)+"…") {
		t.Errorf("error column should end with an ellipsis:\n%s", out)
	}
}

func TestOutput_SummaryJSONL(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, true).Summary([]Row{{Issue: "#1", Status: "approved", Rounds: 1}})

	var ev struct {
		Type   string `json:"type"`
		Issues []Row  `json:"issues"`
	}
	if err := json.Unmarshal(buf.Bytes(), &ev); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if ev.Type != "summary" || len(ev.Issues) != 1 || ev.Issues[0].Status != "approved" {
		t.Errorf("summary = %+v", ev)
	}
}

func TestOutput_SpinWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf, false)
	wantErr := errors.New("poll failed")

	err := o.Spin(context.Background(), "#42", "Waiting for PR #7 to be merged", func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Spin() error = %v, want %v", err, wantErr)
	}
	if got := buf.String(); got != "[#42] [WAIT] Waiting for PR #7 to be merged\n" {
		t.Errorf("output = %q", got)
	}
}

func TestSpinModel(t *testing.T) {
	m := spinModel{message: "waiting"}
	next, cmd := m.Update(doneMsg{})
	if cmd == nil {
		t.Error("doneMsg should quit the program")
	}
	if v := next.View(); v != "" {
		t.Errorf("View() after done = %q, want empty", v)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 60); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("ééééé", 3); got != "éé…" {
		t.Errorf("truncate() = %q", got)
	}
}
