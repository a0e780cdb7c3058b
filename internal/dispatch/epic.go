package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/pengelbrecht/patchloop/internal/console"
	"github.com/pengelbrecht/patchloop/internal/epic"
	"github.com/pengelbrecht/patchloop/internal/pipeline"
	"github.com/pengelbrecht/patchloop/internal/stream"
	"github.com/pengelbrecht/patchloop/internal/tracker"
	"github.com/pengelbrecht/patchloop/internal/worktree"
)

// RunEpic runs the groups of plan in order, then the parent issue. Members
// of a group run concurrently and are merged one at a time afterwards. A
// group with a member that is neither approved nor merged stops the epic.
func (d *Dispatcher) RunEpic(ctx context.Context, plan epic.Plan) ([]*pipeline.State, error) {
	con := d.deps.Console
	parent := displayID(plan.Parent)
	con.Event(parent, console.KindInfo,
		fmt.Sprintf("Epic: %d issue(s) across %d group(s)", plan.Len(), len(plan.Groups)))
	for i, group := range plan.Groups {
		con.Event(parent, console.KindInfo, fmt.Sprintf("Group %d: %s", i+1, joinIDs(group)))
	}

	var all []*pipeline.State
	for _, group := range plan.Groups {
		d.clean(ctx, group)
	}

	for i, group := range plan.Groups {
		con.Event(parent, console.KindStart, fmt.Sprintf("Group %d/%d: %s", i+1, len(plan.Groups), joinIDs(group)))

		states, err := d.runGroup(ctx, group)
		all = append(all, states...)
		if err != nil {
			d.summary(all, true)
			return all, err
		}

		for _, st := range states {
			if st.Status != pipeline.StatusApproved {
				continue
			}
			if err := d.merge(ctx, st); err != nil {
				d.summary(all, true)
				return all, err
			}
		}

		var failed []string
		for _, st := range states {
			if !st.Status.Done() {
				failed = append(failed, st.Slug)
			}
		}
		if len(failed) > 0 {
			con.Event(parent, console.KindFailed,
				fmt.Sprintf("Group %d had failures: %s. Stopping epic execution.", i+1, joinIDs(failed)))
			d.summary(all, true)
			return all, nil
		}
	}

	st, err := d.runParent(ctx, plan.Parent)
	if st != nil {
		all = append(all, st)
	}
	d.summary(all, true)
	return all, err
}

// runGroup runs the members of one group that are not merged yet and
// returns the states of every member.
func (d *Dispatcher) runGroup(ctx context.Context, group []string) ([]*pipeline.State, error) {
	var (
		skipped []*pipeline.State
		pending []string
	)
	for _, id := range group {
		if st := d.alreadyMerged(ctx, id); st != nil {
			d.deps.Console.Event(st.DisplayID, console.KindInfo, "Already merged, skipping")
			skipped = append(skipped, st)
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		d.deps.Console.Event("", console.KindInfo, "Group fully complete, skipping")
		return skipped, nil
	}

	issues := make([]*tracker.Issue, 0, len(pending))
	for _, id := range pending {
		issue, err := d.deps.Issues.FetchIssue(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return skipped, stream.ErrAborted
			}
			return append(skipped, fetchFailed(id, err)), nil
		}
		issues = append(issues, issue)
	}

	if len(issues) == 1 {
		st, err := d.runOne(ctx, issues[0])
		return append(skipped, st), err
	}
	states, err := d.parallel(ctx, issues)
	return append(skipped, states...), err
}

func (d *Dispatcher) runParent(ctx context.Context, id string) (*pipeline.State, error) {
	if st := d.alreadyMerged(ctx, id); st != nil {
		d.deps.Console.Event(st.DisplayID, console.KindInfo, "Parent already merged, skipping")
		return st, nil
	}

	issue, err := d.deps.Issues.FetchIssue(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, stream.ErrAborted
		}
		return fetchFailed(id, err), nil
	}
	d.deps.Console.Event(issue.DisplayID(), console.KindStart, "Parent epic")

	st, err := d.runOne(ctx, issue)
	if err != nil {
		return st, err
	}
	if st.Status == pipeline.StatusApproved {
		if err := d.merge(ctx, st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// alreadyMerged returns a synthetic merged state when the issue branch has
// a merged PR. Lookup errors count as not merged.
func (d *Dispatcher) alreadyMerged(ctx context.Context, id string) *pipeline.State {
	pr, err := d.deps.PRs.FindMergedPR(ctx, worktree.BranchName(id))
	if err != nil {
		d.log.Warn("merged PR lookup failed", "issue", id, "error", err)
		return nil
	}
	if pr == nil {
		return nil
	}
	return &pipeline.State{
		Slug:      id,
		DisplayID: displayID(id),
		Status:    pipeline.StatusMerged,
		PR:        pr,
	}
}

func fetchFailed(id string, err error) *pipeline.State {
	return &pipeline.State{
		Slug:      id,
		DisplayID: displayID(id),
		Status:    pipeline.StatusFailed,
		Error:     fmt.Sprintf("failed to fetch issue: %v", err),
	}
}

func joinIDs(ids []string) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = displayID(id)
	}
	return strings.Join(out, ", ")
}
