// Package pipeline drives one issue through implement, review and fix
// rounds until the pull request is approved. Progress is checkpointed in the
// issue workspace so an interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pengelbrecht/patchloop/internal/agent"
	"github.com/pengelbrecht/patchloop/internal/checkpoint"
	"github.com/pengelbrecht/patchloop/internal/console"
	"github.com/pengelbrecht/patchloop/internal/prompt"
	"github.com/pengelbrecht/patchloop/internal/review"
	"github.com/pengelbrecht/patchloop/internal/stream"
	"github.com/pengelbrecht/patchloop/internal/tracker"
	"github.com/pengelbrecht/patchloop/internal/worktree"
)

// Status is the lifecycle state of one issue.
type Status string

const (
	StatusPending      Status = "pending"
	StatusImplementing Status = "implementing"
	StatusReviewing    Status = "reviewing"
	StatusApproved     Status = "approved"
	StatusFailed       Status = "failed"
	StatusMerged       Status = "merged"
)

// Done reports whether the issue reached a successful end state.
func (s Status) Done() bool {
	return s == StatusApproved || s == StatusMerged
}

// State is the outcome of one pipeline run. It is owned by the goroutine
// running the pipeline until Run returns.
type State struct {
	Slug      string
	DisplayID string
	Title     string
	Source    tracker.Source

	Status Status
	Round  int

	// History holds every review result in order.
	History []review.Result

	// Error is the human-readable reason of a failed run.
	Error string

	PR       *tracker.PullRequest
	Worktree *worktree.Worktree
}

// NewState returns a pending state for issue.
func NewState(issue *tracker.Issue) *State {
	return &State{
		Slug:      issue.Slug(),
		DisplayID: issue.DisplayID(),
		Title:     issue.Title,
		Source:    issue.Source,
		Status:    StatusPending,
	}
}

// Workspaces manages issue worktrees. *worktree.Manager implements it.
type Workspaces interface {
	Create(ctx context.Context, slug, base string) (*worktree.Worktree, error)
	Remove(ctx context.Context, wt *worktree.Worktree)
	Push(ctx context.Context, wt *worktree.Worktree) error
	RebaseOntoBase(ctx context.Context, wt *worktree.Worktree) error
	Sync(ctx context.Context, wt *worktree.Worktree)
}

// Reviewer runs one review round. *review.Reviewer implements it.
type Reviewer interface {
	Review(ctx context.Context, req review.Request) (review.Result, error)
}

// Console receives progress events. *console.Output implements it.
type Console interface {
	Event(label string, kind console.Kind, msg string)
	Step(ctx context.Context, label, title, body string) (bool, error)
}

// Config configures pipeline runs.
type Config struct {
	// BaseBranch is the branch issue branches start from and PRs target.
	BaseBranch string

	// MaxRounds is the maximum number of review rounds (0 = 4 default).
	MaxRounds int

	// SinglePass approves right after the PR is opened, without review.
	SinglePass bool

	// AgentTimeout bounds each coder run (0 = no limit beyond ctx).
	AgentTimeout time.Duration

	// Debug shows a panel before each phase and asks to continue.
	Debug bool

	// RunID correlates checkpoints and logs of one patchloop invocation.
	RunID string

	// CoderName and ReviewerName are the backend names, used in labels and
	// the PR attribution line.
	CoderName    string
	ReviewerName string
}

// Defaults for Config.
const (
	DefaultMaxRounds  = 4
	DefaultBaseBranch = "main"
)

// Deps are the collaborators of an Engine.
type Deps struct {
	Workspaces Workspaces
	Coder      agent.Coder

	// NewReviewer returns the reviewer for one run. Reviewers keep their
	// session between rounds, so each run gets its own.
	NewReviewer func() Reviewer

	PRs tracker.PullRequests

	// Notifier posts progress comments on Linear issues. Nil disables them.
	Notifier tracker.Notifier

	Console Console
	Prompts *prompt.Builder
	Logger  *slog.Logger
}

// Engine runs issue pipelines. It is safe to call Run concurrently for
// different issues.
type Engine struct {
	deps Deps
	cfg  Config
}

// New creates an engine.
func New(deps Deps, cfg Config) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = DefaultBaseBranch
	}
	if deps.Prompts == nil {
		deps.Prompts = prompt.NewBuilder()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{deps: deps, cfg: cfg}
}

// Run takes issue from a fresh or checkpointed workspace to an approved pull
// request. Failures are recorded in the returned State with a nil error; the
// error is stream.ErrAborted when the run was interrupted.
func (e *Engine) Run(ctx context.Context, issue *tracker.Issue) (*State, error) {
	r := &run{
		e:     e,
		issue: issue,
		state: NewState(issue),
		label: issue.DisplayID(),
		log:   e.deps.Logger.With("issue", issue.Slug()),
	}
	r.coderLabel = fmt.Sprintf("%s [coder/%s]", r.label, e.cfg.CoderName)

	err := r.execute(ctx)
	return r.finish(ctx, err)
}

// finish maps the run error onto the state and cleans up after success.
func (r *run) finish(ctx context.Context, err error) (*State, error) {
	st := r.state
	if err == nil {
		if r.wt != nil {
			if derr := checkpoint.Delete(r.wt.Path); derr != nil {
				r.log.Debug("checkpoint delete failed", "error", derr)
			}
			r.e.deps.Workspaces.Remove(ctx, r.wt)
			r.event(console.KindInfo, "Worktree cleaned up")
		}
		r.log.Info("pipeline finished", "status", st.Status, "rounds", st.Round)
		return st, nil
	}

	st.Status = StatusFailed
	if errors.Is(err, stream.ErrAborted) || ctx.Err() != nil {
		st.Error = "Aborted by user"
		r.log.Info("pipeline aborted")
		return st, stream.ErrAborted
	}

	st.Error = reason(err)
	r.log.Warn("pipeline failed", "error", err)
	r.event(console.KindFailed, st.Error)
	r.notify(ctx, "❌ Pipeline failed: "+st.Error)
	return st, nil
}
