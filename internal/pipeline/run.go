package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pengelbrecht/patchloop/internal/agent"
	"github.com/pengelbrecht/patchloop/internal/checkpoint"
	"github.com/pengelbrecht/patchloop/internal/console"
	"github.com/pengelbrecht/patchloop/internal/prompt"
	"github.com/pengelbrecht/patchloop/internal/review"
	"github.com/pengelbrecht/patchloop/internal/stream"
	"github.com/pengelbrecht/patchloop/internal/tracker"
	"github.com/pengelbrecht/patchloop/internal/verify"
	"github.com/pengelbrecht/patchloop/internal/worktree"
)

const (
	notifyTimeout    = 15 * time.Second
	maxNotifiedItems = 5
	previewLen       = 500
)

// run holds the mutable state of one pipeline invocation.
type run struct {
	e     *Engine
	issue *tracker.Issue
	state *State
	log   *slog.Logger

	label      string
	coderLabel string

	wt        *worktree.Worktree
	sessionID string
}

func (r *run) execute(ctx context.Context) error {
	cfg := r.e.cfg
	r.event(console.KindStart, r.issue.Title)

	if err := r.step(ctx, "Create worktree", fmt.Sprintf("Branch: %s\nBase: %s\n\n%s",
		worktree.BranchName(r.state.Slug), cfg.BaseBranch, r.issue.Prompt())); err != nil {
		return err
	}
	wt, err := r.e.deps.Workspaces.Create(ctx, r.state.Slug, cfg.BaseBranch)
	if err != nil {
		return fmt.Errorf("failed to create worktree: %w", err)
	}
	r.wt = wt
	r.state.Worktree = wt
	r.event(console.KindWorktree, "Worktree ready at "+wt.Path)

	cp, err := checkpoint.Load(wt.Path)
	if err != nil {
		r.log.Warn("ignoring unreadable checkpoint", "error", err)
		cp = nil
	}

	pr, err := r.e.deps.PRs.FindOpenPR(ctx, wt.Branch)
	if err != nil {
		return fmt.Errorf("failed to look up pull request: %w", err)
	}

	resumed := pr != nil && cp != nil
	if resumed {
		r.sessionID = cp.Common().SessionID
		r.state.PR = pr
		r.eventf(console.KindPR, "Resuming from checkpoint (%s), PR already exists: %s", cp.Step(), pr.URL)
	} else {
		if err := r.implement(ctx, cp); err != nil {
			return err
		}
	}

	if cfg.SinglePass {
		r.state.Status = StatusApproved
		r.event(console.KindApproved, "Single-pass mode, skipping review")
		return nil
	}

	start, pending, last := 1, "", ""
	if resumed {
		switch c := cp.(type) {
		case checkpoint.Reviewed:
			start, pending, last = max(c.Round, 1), c.Comments, c.Comments
		case checkpoint.FeedbackApplied:
			start, last = c.Round+1, c.Comments
		}
	}
	return r.reviewLoop(ctx, start, pending, last)
}

// implement runs the coder, makes sure a PR exists and rebases the branch.
func (r *run) implement(ctx context.Context, cp checkpoint.Checkpoint) error {
	cfg := r.e.cfg
	wt := r.wt

	saved := ""
	if cp != nil {
		saved = cp.Common().SessionID
	}
	partial := saved == "" && verify.Dirty(ctx, wt.Path)

	text := r.e.deps.Prompts.Coder(prompt.CoderContext{
		Branch:         wt.Branch,
		BaseBranch:     cfg.BaseBranch,
		IssuePrompt:    r.issue.Prompt(),
		CloseRef:       r.issue.CloseRef(),
		HasPartialWork: partial,
		IsResume:       saved != "",
	})

	details := fmt.Sprintf("Backend: %s\nWorkspace: %s", cfg.CoderName, wt.Path)
	if saved != "" {
		details += "\nResuming session: " + saved
	}
	if partial {
		details += "\nUncommitted changes from an earlier attempt"
	}
	if err := r.step(ctx, "Run coder agent", details+"\n\n"+preview(text)); err != nil {
		return err
	}

	r.state.Status = StatusImplementing
	if saved != "" {
		r.event(console.KindImplement, "Resuming coder session...")
	} else {
		r.event(console.KindImplement, "Running coder agent...")
	}

	out, err := r.e.deps.Coder.Implement(ctx, text, r.coderOpts(saved))
	if err != nil {
		return err
	}
	if !out.Success {
		return coderFailed(out.Error)
	}
	if sig, reason := prompt.ParseSignals(out.Output); sig != prompt.SignalNone {
		r.eventf(console.KindBlocked, "Coder signalled %s: %s", sig, reason)
		return fmt.Errorf("coder blocked: %s", reason)
	}
	if out.SessionID != "" {
		r.sessionID = out.SessionID
	}

	if err := r.step(ctx, "Open pull request", "Coder output:\n\n"+preview(out.Output)); err != nil {
		return err
	}
	pr, err := r.e.deps.PRs.FindOpenPR(ctx, wt.Branch)
	if err != nil {
		return fmt.Errorf("failed to look up pull request: %w", err)
	}
	if pr == nil {
		r.event(console.KindPR, "Agent didn't create a PR, creating one...")
		if err := r.e.deps.Workspaces.Push(ctx, wt); err != nil {
			return err
		}
		title := fmt.Sprintf("fix: resolve %s — %s", r.state.DisplayID, r.issue.Title)
		body := fmt.Sprintf("%s\n\nAutomated implementation by patchloop using `%s`.", r.issue.CloseRef(), cfg.CoderName)
		pr, err = r.e.deps.PRs.CreatePR(ctx, wt.Branch, cfg.BaseBranch, title, body)
		if err != nil {
			return fmt.Errorf("failed to create pull request: %w", err)
		}
	}
	r.state.PR = pr
	r.eventf(console.KindPR, "PR #%d: %s", pr.Number, pr.URL)
	r.checkWorkspace(ctx)

	if err := r.save(checkpoint.Implemented{Base: r.base()}); err != nil {
		return err
	}
	r.notify(ctx, "🤖 PR created by patchloop: "+pr.URL)

	if err := r.e.deps.Workspaces.RebaseOntoBase(ctx, wt); err != nil {
		var conflict *worktree.RebaseConflictError
		if errors.As(err, &conflict) {
			return rebaseConflict(conflict)
		}
		return err
	}
	return nil
}

func (r *run) reviewLoop(ctx context.Context, start int, pending, last string) error {
	cfg := r.e.cfg
	reviewer := r.e.deps.NewReviewer()

	for round := start; round <= cfg.MaxRounds; round++ {
		r.state.Round = round

		if pending != "" {
			if err := r.step(ctx, "Apply saved review feedback", preview(pending)); err != nil {
				return err
			}
			r.event(console.KindFeedback, "Applying saved review feedback...")
			if err := r.applyFeedback(ctx, round, pending); err != nil {
				return err
			}
			pending = ""
			continue
		}

		r.e.deps.Workspaces.Sync(ctx, r.wt)
		if err := r.step(ctx, fmt.Sprintf("Review round %d/%d", round, cfg.MaxRounds),
			fmt.Sprintf("PR: #%d %s\nReviewer: %s", r.state.PR.Number, r.state.PR.URL, cfg.ReviewerName)); err != nil {
			return err
		}

		r.state.Status = StatusReviewing
		r.eventf(console.KindReview, "Review round %d/%d...", round, cfg.MaxRounds)
		res, err := reviewer.Review(ctx, review.Request{
			PR:               r.state.PR,
			Dir:              r.wt.Path,
			Round:            round,
			PreviousFeedback: last,
			Label:            fmt.Sprintf("%s PR#%d [reviewer/%s]", r.label, r.state.PR.Number, cfg.ReviewerName),
		})
		if err != nil {
			return err
		}
		r.state.History = append(r.state.History, res)
		r.log.Info("review finished", "round", round, "verdict", res.Verdict, "findings", len(res.Items))

		switch res.Verdict {
		case review.VerdictApproved:
			r.state.Status = StatusApproved
			r.event(console.KindApproved, "Approved!")
			r.notify(ctx, fmt.Sprintf("✅ Implementation approved after %d review round(s). PR: %s", round, r.state.PR.URL))
			return nil
		case review.VerdictError:
			return reviewerFailed(res.Comments)
		}

		r.eventf(console.KindReview, "Changes requested (%d blocking finding(s))", len(res.Blocking()))
		r.notify(ctx, roundNotice(round, res))
		last = res.Comments
		if err := r.save(checkpoint.Reviewed{Base: r.base(), Round: round, Comments: res.Comments}); err != nil {
			return err
		}

		if err := r.step(ctx, "Apply review feedback", preview(res.Comments)); err != nil {
			return err
		}
		r.event(console.KindFeedback, "Applying review feedback...")
		if err := r.applyFeedback(ctx, round, res.Comments); err != nil {
			return err
		}
	}

	return roundsExhausted(cfg.MaxRounds)
}

// applyFeedback runs the coder on feedback and checkpoints the round.
func (r *run) applyFeedback(ctx context.Context, round int, feedback string) error {
	r.notify(ctx, fmt.Sprintf("🔧 Applying review feedback (round %d)...", round))
	r.state.Status = StatusImplementing

	out, err := r.e.deps.Coder.ApplyFeedback(ctx, feedback, r.coderOpts(r.sessionID))
	if err != nil {
		return err
	}
	if !out.Success {
		return feedbackFailed(out.Error)
	}
	if out.SessionID != "" {
		r.sessionID = out.SessionID
	}
	return r.save(checkpoint.FeedbackApplied{Base: r.base(), Round: round, Comments: feedback})
}

func (r *run) coderOpts(sessionID string) agent.RunOpts {
	return agent.RunOpts{
		Dir:       r.wt.Path,
		SessionID: sessionID,
		Timeout:   r.e.cfg.AgentTimeout,
		Label:     r.coderLabel,
	}
}

func (r *run) base() checkpoint.Base {
	b := checkpoint.Base{SessionID: r.sessionID, RunID: r.e.cfg.RunID}
	if r.state.PR != nil {
		b.PRNumber = r.state.PR.Number
		b.PRURL = r.state.PR.URL
	}
	return b
}

func (r *run) save(cp checkpoint.Checkpoint) error {
	if err := checkpoint.Save(r.wt.Path, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	r.log.Debug("checkpoint saved", "step", cp.Step())
	return nil
}

// checkWorkspace warns when the coder left uncommitted or unpushed work.
func (r *run) checkWorkspace(ctx context.Context) {
	var verifiers []verify.Verifier
	if v := verify.NewGitVerifier(r.wt.Path); v != nil {
		verifiers = append(verifiers, v)
	}
	if v := verify.NewPushVerifier(r.wt.Path); v != nil {
		verifiers = append(verifiers, v)
	}
	if len(verifiers) == 0 {
		return
	}
	results := verify.Run(ctx, verifiers...)
	if !results.AllPassed {
		r.event(console.KindWarn, strings.TrimSpace(results.Summary()))
	}
}

// step shows a debug panel. Declining aborts the run.
func (r *run) step(ctx context.Context, title, body string) error {
	if !r.e.cfg.Debug || r.e.deps.Console == nil {
		return nil
	}
	ok, err := r.e.deps.Console.Step(ctx, r.label, title, body)
	if err != nil {
		return err
	}
	if !ok {
		return stream.ErrAborted
	}
	return nil
}

// notify comments on the Linear issue. Failures are logged only.
func (r *run) notify(ctx context.Context, body string) {
	if r.e.deps.Notifier == nil || r.issue.Source != tracker.SourceLinear {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := r.e.deps.Notifier.Comment(ctx, r.issue.ID, body); err != nil {
		r.log.Warn("failed to post Linear comment", "error", err)
	}
}

func (r *run) event(kind console.Kind, msg string) {
	if r.e.deps.Console != nil {
		r.e.deps.Console.Event(r.label, kind, msg)
	}
}

func (r *run) eventf(kind console.Kind, format string, args ...any) {
	r.event(kind, fmt.Sprintf(format, args...))
}

func roundNotice(round int, res review.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🔍 Review round %d: changes requested", round)
	items := res.Blocking()
	if len(items) > 0 {
		sb.WriteString("\n")
	}
	for i, it := range items {
		if i == maxNotifiedItems {
			break
		}
		fmt.Fprintf(&sb, "\n- %s: %s", it.Severity, it.Comment)
	}
	return sb.String()
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > previewLen {
		return string(r[:previewLen]) + "…"
	}
	return s
}
