package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pengelbrecht/patchloop/internal/agent"
	"github.com/pengelbrecht/patchloop/internal/prompt"
	"github.com/pengelbrecht/patchloop/internal/stream"
	"github.com/pengelbrecht/patchloop/internal/tracker"
)

const noGHScript = "#!/bin/sh\necho 'gh: disabled by patchloop' >&2\nexit 127\n"

// Options configures a Reviewer.
type Options struct {
	// Timeout bounds each review run.
	Timeout time.Duration

	Prompts *prompt.Builder
	Logger  *slog.Logger
}

// Request describes one review round.
type Request struct {
	PR               *tracker.PullRequest
	Dir              string
	Round            int
	PreviousFeedback string

	// Label prefixes streamed output. Defaults to "#<pr> [reviewer/<backend>]".
	Label string
}

// Reviewer reviews pull requests with an agent and posts the verdict.
// A Reviewer belongs to one pipeline run; it keeps the agent session
// between rounds when the backend supports resuming.
type Reviewer struct {
	agent   agent.Agent
	prs     tracker.PullRequests
	prompts *prompt.Builder
	timeout time.Duration
	log     *slog.Logger

	sessionID string
}

// New creates a Reviewer. prs may be nil, in which case nothing is posted.
func New(a agent.Agent, prs tracker.PullRequests, opts Options) *Reviewer {
	r := &Reviewer{
		agent:   a,
		prs:     prs,
		prompts: opts.Prompts,
		timeout: opts.Timeout,
		log:     opts.Logger,
	}
	if r.prompts == nil {
		r.prompts = prompt.NewBuilder()
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r
}

// Review runs one review round. Agent failures are reported as an error
// verdict; the returned error is only set when the run was aborted.
func (r *Reviewer) Review(ctx context.Context, req Request) (Result, error) {
	text := r.prompts.Review(prompt.ReviewContext{
		PRNumber:         req.PR.Number,
		HeadBranch:       req.PR.Head,
		BaseBranch:       req.PR.Base,
		Round:            req.Round,
		PreviousFeedback: req.PreviousFeedback,
	})

	label := req.Label
	if label == "" {
		label = fmt.Sprintf("#%d [reviewer/%s]", req.PR.Number, r.agent.Name())
	}

	env, err := NoGHEnv()
	if err != nil {
		r.log.Warn("could not shadow gh for reviewer", "error", err)
		env = nil
	}

	opts := agent.RunOpts{
		Dir:     req.Dir,
		Env:     env,
		Timeout: r.timeout,
		Label:   label,
	}
	if r.resumes() {
		opts.SessionID = r.sessionID
	}

	res, err := r.agent.Run(ctx, text, opts)
	if err != nil {
		if errors.Is(err, stream.ErrAborted) {
			return Result{}, err
		}
		return Result{Verdict: VerdictError, Comments: "Reviewer failed: " + err.Error()}, nil
	}
	if res.TimedOut {
		return Result{Verdict: VerdictError, Comments: "Reviewer timed out"}, nil
	}
	if res.ExitCode != 0 {
		return Result{Verdict: VerdictError, Comments: "Reviewer failed: " + strings.TrimSpace(res.Stderr)}, nil
	}

	result := Parse(res.Raw)
	if r.resumes() && res.SessionID != "" {
		r.sessionID = res.SessionID
	}

	if result.Verdict != VerdictError {
		r.post(ctx, req.PR.Number, result)
	}
	return result, nil
}

// SessionID returns the reviewer session carried between rounds.
func (r *Reviewer) SessionID() string {
	return r.sessionID
}

// resumes reports whether the backend can continue a review session.
func (r *Reviewer) resumes() bool {
	return r.agent.Name() == agent.ClaudeCode
}

// post publishes the verdict on the pull request. Failures are logged.
func (r *Reviewer) post(ctx context.Context, number int, result Result) {
	if r.prs == nil {
		return
	}
	event := tracker.ReviewRequestChanges
	if result.Verdict == VerdictApproved {
		event = tracker.ReviewApprove
	}
	if err := r.prs.PostReview(ctx, number, event, result.postBody()); err != nil {
		r.log.Warn("failed to post review to GitHub", "pr", number, "error", err)
	}
}

// NoGHEnv returns an environment in which gh resolves to a stub that
// exits 127, so a reviewer agent cannot post to GitHub itself. When gh is
// not installed it returns nil, meaning the inherited environment.
func NoGHEnv() ([]string, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return nil, nil
	}

	dir := filepath.Join(os.TempDir(), "patchloop-no-gh")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create gh stub dir: %w", err)
	}
	if err := writeStub(filepath.Join(dir, "gh")); err != nil {
		return nil, err
	}

	path := dir + string(os.PathListSeparator) + os.Getenv("PATH")
	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "PATH=") {
			env = append(env, kv)
		}
	}
	return append(env, "PATH="+path), nil
}

// writeStub installs the gh stub unless an identical executable is already
// there. The file is replaced by rename so a stub being executed by a
// concurrent reviewer is never rewritten in place.
func writeStub(path string) error {
	if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o111 != 0 {
		if data, err := os.ReadFile(path); err == nil && string(data) == noGHScript {
			return nil
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".gh-*")
	if err != nil {
		return fmt.Errorf("write gh stub: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(noGHScript); err != nil {
		tmp.Close()
		return fmt.Errorf("write gh stub: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write gh stub: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return fmt.Errorf("chmod gh stub: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install gh stub: %w", err)
	}
	return nil
}
