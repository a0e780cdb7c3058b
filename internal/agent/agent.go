// Package agent drives coding agent CLIs (Claude Code, Codex) as
// subprocesses and normalizes their results.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/pengelbrecht/patchloop/internal/stream"
)

// Agent defines the interface for AI coding agent CLIs.
type Agent interface {
	// Name returns the backend name, e.g. "claude-code".
	Name() string

	// Available checks if the agent's CLI is installed and accessible.
	Available() bool

	// Run executes the agent with the given prompt and options. A failed or
	// timed out run is reported in the Result; the error is only set when
	// the process could not be started or the run was aborted.
	Run(ctx context.Context, prompt string, opts RunOpts) (*Result, error)
}

// Coder implements issues and applies review feedback.
type Coder interface {
	Implement(ctx context.Context, prompt string, opts RunOpts) (Outcome, error)
	ApplyFeedback(ctx context.Context, feedback string, opts RunOpts) (Outcome, error)
}

// Backend is an agent usable both as reviewer and as coder.
type Backend interface {
	Agent
	Coder
}

// RunOpts configures an agent run.
type RunOpts struct {
	// Dir is the working directory, normally the issue worktree.
	Dir string

	// SessionID resumes a previous agent session when set.
	SessionID string

	// Env replaces the process environment. Nil inherits it.
	Env []string

	// Timeout bounds the run. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// Label prefixes streamed output lines.
	Label string
}

// Result contains the output of one agent run.
type Result struct {
	// Output is the agent's final message, or the raw stdout when no
	// final message was found.
	Output string

	// Raw is the complete stdout.
	Raw string

	Stderr   string
	ExitCode int
	TimedOut bool

	// SessionID identifies the agent session for later resumption.
	SessionID string

	// Error describes why the run failed. Empty on success.
	Error string

	// Duration is how long the run took.
	Duration time.Duration
}

// Failed reports whether the run timed out or exited non-zero.
func (r *Result) Failed() bool {
	return r.TimedOut || r.ExitCode != 0
}

// Outcome is the result of a coder operation.
type Outcome struct {
	Success   bool
	Output    string
	Error     string
	SessionID string
}

// toOutcome converts a run into a coder outcome. Start failures become
// unsuccessful outcomes; aborts are returned as errors.
func toOutcome(res *Result, err error) (Outcome, error) {
	if err != nil {
		if errors.Is(err, stream.ErrAborted) {
			return Outcome{}, err
		}
		return Outcome{Error: err.Error()}, nil
	}
	return Outcome{
		Success:   !res.Failed(),
		Output:    res.Output,
		Error:     res.Error,
		SessionID: res.SessionID,
	}, nil
}

// runCommand runs args through runner and fills in the common Result fields.
func runCommand(ctx context.Context, runner *stream.Runner, args []string, opts RunOpts) (*Result, error) {
	start := time.Now()
	out, err := runner.Run(ctx, stream.Command{
		Args:    args,
		Dir:     opts.Dir,
		Env:     opts.Env,
		Timeout: opts.Timeout,
		Label:   opts.Label,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Raw:      out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		TimedOut: out.TimedOut,
		Duration: time.Since(start),
	}
	if res.TimedOut {
		res.Error = stream.TimedOutMessage
	}
	return res, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
