// Package console renders user-facing progress for patchloop runs, either as
// styled text lines or as JSON Lines.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Kind classifies a progress event. The text form is its upper-cased tag.
type Kind string

const (
	KindStart       Kind = "start"
	KindWorktree    Kind = "worktree"
	KindImplement   Kind = "implement"
	KindPR          Kind = "pr"
	KindReview      Kind = "review"
	KindFeedback    Kind = "feedback"
	KindMerge       Kind = "merge"
	KindWait        Kind = "wait"
	KindApproved    Kind = "approved"
	KindFailed      Kind = "failed"
	KindBlocked     Kind = "blocked"
	KindInfo        Kind = "info"
	KindWarn        Kind = "warn"
	KindError       Kind = "error"
	KindInterrupted Kind = "interrupted"
)

// Color palette
var (
	primaryColor   = lipgloss.Color("205")
	secondaryColor = lipgloss.Color("86")
	mutedColor     = lipgloss.Color("241")
	successColor   = lipgloss.Color("78")
	warningColor   = lipgloss.Color("214")
	errorColor     = lipgloss.Color("196")
)

// ConfirmFunc asks the user whether to continue past a debug step.
type ConfirmFunc func(ctx context.Context, title, description string) (bool, error)

// Output writes progress events. It is safe for concurrent use by several
// pipelines.
type Output struct {
	mu        sync.Mutex
	confirmMu sync.Mutex

	w     io.Writer
	jsonl bool
	tty   bool

	r       *lipgloss.Renderer
	confirm ConfirmFunc
}

// New creates an output writing to w. If jsonl is true every event is one
// JSON object per line; otherwise lines read "[label] [KIND] message".
func New(w io.Writer, jsonl bool) *Output {
	o := &Output{
		w:     w,
		jsonl: jsonl,
		r:     lipgloss.NewRenderer(w),
	}
	if f, ok := w.(*os.File); ok {
		o.tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return o
}

// SetConfirm replaces the prompt used by Step (mainly for testing).
func (o *Output) SetConfirm(fn ConfirmFunc) {
	o.confirm = fn
}

// Interactive reports whether the output is a terminal.
func (o *Output) Interactive() bool {
	return o.tty && !o.jsonl
}

// Event writes one progress line for label (an issue display id, or empty
// for run-level events).
func (o *Output) Event(label string, kind Kind, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.jsonl {
		data := map[string]any{"type": string(kind), "message": msg}
		if label != "" {
			data["issue"] = label
		}
		o.writeJSON(data)
		return
	}
	fmt.Fprintf(o.w, "%s%s %s\n", o.prefix(label), o.tag(kind), msg)
}

// Eventf is Event with a format string.
func (o *Output) Eventf(label string, kind Kind, format string, args ...any) {
	o.Event(label, kind, fmt.Sprintf(format, args...))
}

// Error writes an error event.
func (o *Output) Error(label string, err error) {
	o.Event(label, KindError, err.Error())
}

// Interrupted reports that the run was aborted by the user.
func (o *Output) Interrupted() {
	o.Event("", KindInterrupted, "Run interrupted by user")
}

// Step shows a debug panel and asks whether to continue. Without a
// terminal (and without a ConfirmFunc) the step is shown and auto-confirmed.
// Prompts from concurrent pipelines are asked one at a time.
func (o *Output) Step(ctx context.Context, label, title, body string) (bool, error) {
	o.confirmMu.Lock()
	defer o.confirmMu.Unlock()

	o.mu.Lock()
	if o.jsonl {
		data := map[string]any{"type": "step", "title": title, "body": body}
		if label != "" {
			data["issue"] = label
		}
		o.writeJSON(data)
	} else {
		fmt.Fprintln(o.w, o.panel(label, title, body))
	}
	o.mu.Unlock()

	confirm := o.confirm
	if confirm == nil {
		if !o.tty {
			return true, nil
		}
		confirm = huhConfirm
	}
	return confirm(ctx, fmt.Sprintf("%s%s", o.prefix(label), title), "Continue with this step?")
}

const maxPanelLines = 30

func (o *Output) panel(label, title, body string) string {
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) > maxPanelLines {
		lines = append(lines[:maxPanelLines], fmt.Sprintf("… (%d more lines)", len(lines)-maxPanelLines))
	}
	heading := o.r.NewStyle().Bold(true).Foreground(secondaryColor).Render(o.prefix(label) + title)
	box := o.r.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(mutedColor).
		Padding(0, 1)
	if body == "" {
		return box.Render(heading)
	}
	return box.Render(heading + "\n\n" + strings.Join(lines, "\n"))
}

func huhConfirm(ctx context.Context, title, description string) (bool, error) {
	ok := true
	confirm := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Continue").
		Negative("Abort").
		Value(&ok)

	theme := *huh.ThemeCharm()
	theme.Focused.FocusedButton = theme.Focused.FocusedButton.Background(primaryColor)

	form := huh.NewForm(huh.NewGroup(confirm)).
		WithTheme(&theme).
		WithShowHelp(false)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// prefix returns the "[label] " prefix, or empty string for run-level events.
func (o *Output) prefix(label string) string {
	if label != "" {
		return fmt.Sprintf("[%s] ", label)
	}
	return ""
}

func (o *Output) tag(kind Kind) string {
	text := "[" + strings.ToUpper(string(kind)) + "]"
	style := o.r.NewStyle().Bold(true)
	switch kind {
	case KindApproved, KindMerge:
		style = style.Foreground(successColor)
	case KindWarn, KindBlocked, KindWait:
		style = style.Foreground(warningColor)
	case KindFailed, KindError, KindInterrupted:
		style = style.Foreground(errorColor)
	case KindStart, KindPR:
		style = style.Foreground(primaryColor)
	default:
		style = style.Foreground(secondaryColor)
	}
	return style.Render(text)
}

// writeJSON writes a JSON object as a single line. Callers hold o.mu.
func (o *Output) writeJSON(data map[string]any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintln(o.w, string(b))
}
