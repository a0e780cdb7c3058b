// Package dispatch runs pipelines for several issues, one after another or
// concurrently, and sequences the dependency groups of an epic.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pengelbrecht/patchloop/internal/console"
	"github.com/pengelbrecht/patchloop/internal/pipeline"
	"github.com/pengelbrecht/patchloop/internal/stream"
	"github.com/pengelbrecht/patchloop/internal/tracker"
)

// MergeStrategy decides what happens to an approved pull request in
// sequential runs.
type MergeStrategy string

const (
	// MergeAuto merges the PR with the configured method.
	MergeAuto MergeStrategy = "auto"
	// MergeWait polls until someone merges the PR on GitHub.
	MergeWait MergeStrategy = "wait"
	// MergeSkip leaves the PR open.
	MergeSkip MergeStrategy = "skip"
)

// Runner runs one issue pipeline. *pipeline.Engine implements it.
type Runner interface {
	Run(ctx context.Context, issue *tracker.Issue) (*pipeline.State, error)
}

// Workspaces is the part of *worktree.Manager the dispatcher needs.
type Workspaces interface {
	UpdateBase(ctx context.Context, base string) error
	CleanupOne(ctx context.Context, slug string) (bool, error)
}

// Console receives progress events. *console.Output implements it.
type Console interface {
	Event(label string, kind console.Kind, msg string)
	Spin(ctx context.Context, label, msg string, fn func(context.Context) error) error
	Summary(rows []console.Row)
}

// Config configures a Dispatcher.
type Config struct {
	// BaseBranch is fast-forwarded after each merge.
	BaseBranch string

	// Parallel runs issues concurrently. Parallel runs never merge.
	Parallel bool

	// Workers bounds concurrent pipelines (0 = 2 default).
	Workers int

	MergeStrategy MergeStrategy
	MergeMethod   tracker.MergeMethod

	// PollInterval is the delay between merge checks for MergeWait
	// (0 = tracker.DefaultPollInterval).
	PollInterval time.Duration

	// Clean removes existing workspaces of the selected issues first.
	Clean bool

	// RunID tags log records of this invocation.
	RunID string
}

// DefaultWorkers is the default size of the admission gate.
const DefaultWorkers = 2

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Runner     Runner
	Issues     tracker.Issues
	PRs        tracker.PullRequests
	Workspaces Workspaces
	Console    Console
	Logger     *slog.Logger
}

// Dispatcher schedules pipeline runs.
type Dispatcher struct {
	deps Deps
	cfg  Config
	log  *slog.Logger
}

// NewRunID returns a fresh identifier for one patchloop invocation.
func NewRunID() string {
	return uuid.NewString()
}

// New creates a dispatcher.
func New(deps Deps, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = pipeline.DefaultBaseBranch
	}
	if cfg.MergeStrategy == "" {
		cfg.MergeStrategy = MergeAuto
	}
	if cfg.MergeMethod == "" {
		cfg.MergeMethod = tracker.MergeSquash
	}
	if cfg.RunID == "" {
		cfg.RunID = NewRunID()
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{deps: deps, cfg: cfg, log: log.With("run_id", cfg.RunID)}
}

// Run processes issues and prints the summary. The error is
// stream.ErrAborted when the run was interrupted; failed issues are only
// reported in their states.
func (d *Dispatcher) Run(ctx context.Context, issues []*tracker.Issue) ([]*pipeline.State, error) {
	slugs := make([]string, len(issues))
	for i, issue := range issues {
		slugs[i] = issue.Slug()
	}
	d.clean(ctx, slugs)

	var (
		states []*pipeline.State
		err    error
	)
	if d.cfg.Parallel {
		d.deps.Console.Event("", console.KindInfo,
			fmt.Sprintf("Processing %d issue(s) with %d parallel worker(s)", len(issues), d.cfg.Workers))
		states, err = d.parallel(ctx, issues)
	} else {
		d.deps.Console.Event("", console.KindInfo,
			fmt.Sprintf("Processing %d issue(s) sequentially (merge: %s, method: %s)", len(issues), d.cfg.MergeStrategy, d.cfg.MergeMethod))
		states, err = d.sequential(ctx, issues)
	}
	d.summary(states, false)
	return states, err
}

func (d *Dispatcher) sequential(ctx context.Context, issues []*tracker.Issue) ([]*pipeline.State, error) {
	var states []*pipeline.State
	for i, issue := range issues {
		label := issue.DisplayID()
		d.deps.Console.Event(label, console.KindStart, fmt.Sprintf("Issue %d/%d", i+1, len(issues)))

		st, err := d.runOne(ctx, issue)
		states = append(states, st)
		if err != nil {
			return states, err
		}

		if st.Status != pipeline.StatusApproved {
			d.deps.Console.Event(label, console.KindWarn, "Not approved, skipping merge and continuing")
			continue
		}
		if err := d.merge(ctx, st); err != nil {
			return states, err
		}
	}
	return states, nil
}

// parallel runs every issue behind an admission gate of cfg.Workers. An
// abort in one pipeline cancels the others.
func (d *Dispatcher) parallel(ctx context.Context, issues []*tracker.Issue) ([]*pipeline.State, error) {
	sem := semaphore.NewWeighted(int64(d.cfg.Workers))
	states := make([]*pipeline.State, len(issues))
	g, gctx := errgroup.WithContext(ctx)

	for i, issue := range issues {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				states[i] = abortedState(issue)
				return stream.ErrAborted
			}
			defer sem.Release(1)

			st, err := d.runOne(gctx, issue)
			states[i] = st
			return err
		})
	}

	err := g.Wait()
	for i, st := range states {
		if st == nil {
			states[i] = abortedState(issues[i])
		}
	}
	if err != nil {
		return states, stream.ErrAborted
	}
	return states, nil
}

// runOne runs a pipeline and folds unexpected errors into a failed state.
// Only aborts are returned.
func (d *Dispatcher) runOne(ctx context.Context, issue *tracker.Issue) (*pipeline.State, error) {
	st, err := d.deps.Runner.Run(ctx, issue)
	if errors.Is(err, stream.ErrAborted) || (err != nil && ctx.Err() != nil) {
		if st == nil {
			st = abortedState(issue)
		}
		return st, stream.ErrAborted
	}
	if st == nil {
		st = pipeline.NewState(issue)
		st.Status = pipeline.StatusFailed
	}
	if err != nil {
		st.Status = pipeline.StatusFailed
		st.Error = err.Error()
	}
	d.log.Info("issue finished", "issue", st.Slug, "status", st.Status, "rounds", st.Round)
	return st, nil
}

// merge handles an approved pull request according to the merge strategy.
// A failed merge marks the state failed; only aborts are returned.
func (d *Dispatcher) merge(ctx context.Context, st *pipeline.State) error {
	if st.PR == nil || d.cfg.MergeStrategy == MergeSkip {
		return nil
	}
	label := st.DisplayID
	number := st.PR.Number

	switch d.cfg.MergeStrategy {
	case MergeWait:
		d.deps.Console.Event(label, console.KindWait,
			fmt.Sprintf("PR #%d approved, please merge it on GitHub to continue: %s", number, st.PR.URL))
		err := d.deps.Console.Spin(ctx, label, fmt.Sprintf("Waiting for PR #%d to be merged...", number), func(ctx context.Context) error {
			return tracker.PollUntilMerged(ctx, d.deps.PRs, number, d.cfg.PollInterval, func(err error) {
				d.log.Warn("merge state check failed", "pr", number, "error", err)
			})
		})
		if err != nil {
			return stream.ErrAborted
		}
	default:
		d.deps.Console.Event(label, console.KindMerge,
			fmt.Sprintf("PR #%d approved, merging automatically (%s)...", number, d.cfg.MergeMethod))
		if err := d.deps.PRs.MergePR(ctx, number, d.cfg.MergeMethod); err != nil {
			if ctx.Err() != nil {
				return stream.ErrAborted
			}
			st.Status = pipeline.StatusFailed
			st.Error = fmt.Sprintf("Merge failed: %v", err)
			d.deps.Console.Event(label, console.KindFailed, st.Error)
			return nil
		}
	}

	st.Status = pipeline.StatusMerged
	d.deps.Console.Event(label, console.KindMerge, "PR merged, continuing")
	if err := d.deps.Workspaces.UpdateBase(ctx, d.cfg.BaseBranch); err != nil {
		d.deps.Console.Event("", console.KindWarn,
			fmt.Sprintf("could not fast-forward %s: %v", d.cfg.BaseBranch, err))
	}
	return nil
}

func (d *Dispatcher) clean(ctx context.Context, slugs []string) {
	if !d.cfg.Clean {
		return
	}
	for _, slug := range slugs {
		removed, err := d.deps.Workspaces.CleanupOne(ctx, slug)
		if err != nil {
			d.log.Warn("failed to clean workspace", "issue", slug, "error", err)
			continue
		}
		if removed {
			d.deps.Console.Event(displayID(slug), console.KindInfo, "Cleaned up stale worktree")
		}
	}
}

func (d *Dispatcher) summary(states []*pipeline.State, epicRun bool) {
	rows := make([]console.Row, 0, len(states))
	for _, st := range states {
		row := console.Row{
			Issue:  st.DisplayID,
			Status: string(st.Status),
			Rounds: st.Round,
			Error:  st.Error,
		}
		if row.Issue == "" {
			row.Issue = displayID(st.Slug)
		}
		if st.PR != nil {
			row.PR = st.PR.URL
		}
		if epicRun && st.Status == pipeline.StatusApproved {
			row.Status = "approved (unmerged)"
		}
		rows = append(rows, row)
	}
	d.deps.Console.Summary(rows)
}

// Failed reports whether any issue ended neither approved nor merged.
func Failed(states []*pipeline.State) bool {
	for _, st := range states {
		if !st.Status.Done() {
			return true
		}
	}
	return false
}

func abortedState(issue *tracker.Issue) *pipeline.State {
	st := pipeline.NewState(issue)
	st.Status = pipeline.StatusFailed
	st.Error = "Aborted by user"
	return st
}

// displayID renders a bare slug the way issues are shown elsewhere.
func displayID(slug string) string {
	if slug != "" && strings.Trim(slug, "0123456789") == "" {
		return "#" + slug
	}
	return slug
}
