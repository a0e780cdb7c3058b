package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengelbrecht/patchloop/internal/console"
	"github.com/pengelbrecht/patchloop/internal/epic"
	"github.com/pengelbrecht/patchloop/internal/pipeline"
	"github.com/pengelbrecht/patchloop/internal/stream"
	"github.com/pengelbrecht/patchloop/internal/tracker"
)

type runFunc func(ctx context.Context, issue *tracker.Issue) (*pipeline.State, error)

type fakeRunner struct {
	mu   sync.Mutex
	ran  []string
	next runFunc
}

func (f *fakeRunner) Run(ctx context.Context, issue *tracker.Issue) (*pipeline.State, error) {
	f.mu.Lock()
	f.ran = append(f.ran, issue.ID)
	f.mu.Unlock()
	return f.next(ctx, issue)
}

func (f *fakeRunner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type fakeIssues struct {
	mu      sync.Mutex
	fetched []string
	err     error
}

func (f *fakeIssues) FetchIssue(_ context.Context, id string) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	if f.err != nil {
		return nil, f.err
	}
	return &tracker.Issue{Source: tracker.SourceGitHub, ID: id, Title: "Issue " + id}, nil
}

type mergeCall struct {
	Number int
	Method tracker.MergeMethod
}

type fakePRs struct {
	mu       sync.Mutex
	merged   map[string]*tracker.PullRequest
	merges   []mergeCall
	mergeErr error
	states   []string
}

func (f *fakePRs) FindOpenPR(context.Context, string) (*tracker.PullRequest, error) { return nil, nil }

func (f *fakePRs) FindMergedPR(_ context.Context, branch string) (*tracker.PullRequest, error) {
	return f.merged[branch], nil
}

func (f *fakePRs) CreatePR(context.Context, string, string, string, string) (*tracker.PullRequest, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePRs) PostReview(context.Context, int, tracker.ReviewEvent, string) error { return nil }

func (f *fakePRs) MergePR(_ context.Context, number int, method tracker.MergeMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, mergeCall{number, method})
	return f.mergeErr
}

func (f *fakePRs) PRState(context.Context, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return tracker.PRStateMerged, nil
	}
	s := f.states[0]
	f.states = f.states[1:]
	return s, nil
}

type fakeWorkspaces struct {
	updates int
	cleaned []string
}

func (f *fakeWorkspaces) UpdateBase(context.Context, string) error {
	f.updates++
	return nil
}

func (f *fakeWorkspaces) CleanupOne(_ context.Context, slug string) (bool, error) {
	f.cleaned = append(f.cleaned, slug)
	return slug == "1", nil
}

type harness struct {
	runner *fakeRunner
	issues *fakeIssues
	prs    *fakePRs
	ws     *fakeWorkspaces
	out    *bytes.Buffer
	cfg    Config
}

func newHarness(next runFunc) *harness {
	return &harness{
		runner: &fakeRunner{next: next},
		issues: &fakeIssues{},
		prs:    &fakePRs{merged: map[string]*tracker.PullRequest{}},
		ws:     &fakeWorkspaces{},
		out:    &bytes.Buffer{},
		cfg:    Config{BaseBranch: "main", MergeStrategy: MergeAuto, MergeMethod: tracker.MergeSquash, PollInterval: time.Millisecond},
	}
}

func (h *harness) dispatcher() *Dispatcher {
	return New(Deps{
		Runner:     h.runner,
		Issues:     h.issues,
		PRs:        h.prs,
		Workspaces: h.ws,
		Console:    console.New(h.out, false),
	}, h.cfg)
}

func issue(id string) *tracker.Issue {
	return &tracker.Issue{Source: tracker.SourceGitHub, ID: id, Title: "Issue " + id}
}

func approvedState(iss *tracker.Issue, pr int) *pipeline.State {
	st := pipeline.NewState(iss)
	st.Status = pipeline.StatusApproved
	st.Round = 1
	if pr > 0 {
		st.PR = &tracker.PullRequest{Number: pr, URL: "https://github.com/acme/app/pull/" + iss.ID}
	}
	return st
}

func failedState(iss *tracker.Issue, msg string) *pipeline.State {
	st := pipeline.NewState(iss)
	st.Status = pipeline.StatusFailed
	st.Error = msg
	return st
}

// approveAll approves every issue with an open PR.
func approveAll(_ context.Context, iss *tracker.Issue) (*pipeline.State, error) {
	return approvedState(iss, 100+len(iss.ID)), nil
}

func TestSequential_MergesApproved(t *testing.T) {
	h := newHarness(func(_ context.Context, iss *tracker.Issue) (*pipeline.State, error) {
		if iss.ID == "2" {
			return failedState(iss, "Coder agent failed: boom"), nil
		}
		return approvedState(iss, 7), nil
	})

	states, err := h.dispatcher().Run(context.Background(), []*tracker.Issue{issue("1"), issue("2")})
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, pipeline.StatusMerged, states[0].Status)
	assert.Equal(t, pipeline.StatusFailed, states[1].Status)
	assert.Equal(t, []mergeCall{{7, tracker.MergeSquash}}, h.prs.merges)
	assert.Equal(t, 1, h.ws.updates)
	assert.True(t, Failed(states))

	out := h.out.String()
	assert.Contains(t, out, "[#2] [WARN] Not approved, skipping merge and continuing")
	assert.Contains(t, out, "Coder agent failed: boom")
	assert.Contains(t, out, "merged")
}

func TestSequential_MergeStrategies(t *testing.T) {
	tests := []struct {
		name       string
		strategy   MergeStrategy
		prStates   []string
		mergeErr   error
		wantStatus pipeline.Status
		wantMerges int
		wantUpdate int
	}{
		{"auto", MergeAuto, nil, nil, pipeline.StatusMerged, 1, 1},
		{"wait", MergeWait, []string{"OPEN", "OPEN", "MERGED"}, nil, pipeline.StatusMerged, 0, 1},
		{"skip", MergeSkip, nil, nil, pipeline.StatusApproved, 0, 0},
		{"auto merge fails", MergeAuto, nil, errors.New("not mergeable"), pipeline.StatusFailed, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(approveAll)
			h.cfg.MergeStrategy = tt.strategy
			h.prs.states = tt.prStates
			h.prs.mergeErr = tt.mergeErr

			states, err := h.dispatcher().Run(context.Background(), []*tracker.Issue{issue("5")})
			require.NoError(t, err)
			require.Len(t, states, 1)

			assert.Equal(t, tt.wantStatus, states[0].Status)
			assert.Len(t, h.prs.merges, tt.wantMerges)
			assert.Equal(t, tt.wantUpdate, h.ws.updates)
			if tt.mergeErr != nil {
				assert.Equal(t, "Merge failed: not mergeable", states[0].Error)
			}
		})
	}
}

func TestSequential_AbortStops(t *testing.T) {
	h := newHarness(func(_ context.Context, iss *tracker.Issue) (*pipeline.State, error) {
		st := failedState(iss, "Aborted by user")
		return st, stream.ErrAborted
	})

	states, err := h.dispatcher().Run(context.Background(), []*tracker.Issue{issue("1"), issue("2")})
	require.ErrorIs(t, err, stream.ErrAborted)
	assert.Len(t, states, 1)
	assert.Equal(t, []string{"1"}, h.runner.calls())
	assert.Empty(t, h.prs.merges)
}

func TestSequential_UnexpectedErrorBecomesFailure(t *testing.T) {
	h := newHarness(func(context.Context, *tracker.Issue) (*pipeline.State, error) {
		return nil, errors.New("worktree exploded")
	})

	states, err := h.dispatcher().Run(context.Background(), []*tracker.Issue{issue("1")})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, pipeline.StatusFailed, states[0].Status)
	assert.Equal(t, "worktree exploded", states[0].Error)
	assert.Equal(t, "#1", states[0].DisplayID)
}

func TestParallel_AdmissionGate(t *testing.T) {
	started := make(chan string, 5)
	release := make(chan struct{})
	var active, peak atomic.Int32

	h := newHarness(func(_ context.Context, iss *tracker.Issue) (*pipeline.State, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- iss.ID
		<-release
		active.Add(-1)
		return approvedState(iss, 9), nil
	})
	h.cfg.Parallel = true
	h.cfg.Workers = 2

	type result struct {
		states []*pipeline.State
		err    error
	}
	done := make(chan result, 1)
	go func() {
		states, err := h.dispatcher().Run(context.Background(),
			[]*tracker.Issue{issue("1"), issue("2"), issue("3"), issue("4"), issue("5")})
		done <- result{states, err}
	}()

	<-started
	<-started
	select {
	case id := <-started:
		t.Fatalf("pipeline %s admitted while the gate was full", id)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.states, 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for i, st := range res.states {
		assert.Equal(t, pipeline.StatusApproved, st.Status, "state %d", i)
	}
	assert.Empty(t, h.prs.merges, "parallel runs never merge")
}

func TestParallel_AbortCancelsSiblings(t *testing.T) {
	h := newHarness(func(ctx context.Context, iss *tracker.Issue) (*pipeline.State, error) {
		if iss.ID == "1" {
			return failedState(iss, "Aborted by user"), stream.ErrAborted
		}
		select {
		case <-ctx.Done():
			return failedState(iss, "Aborted by user"), stream.ErrAborted
		case <-time.After(5 * time.Second):
			return approvedState(iss, 0), nil
		}
	})
	h.cfg.Parallel = true
	h.cfg.Workers = 2

	states, err := h.dispatcher().Run(context.Background(), []*tracker.Issue{issue("1"), issue("2")})
	require.ErrorIs(t, err, stream.ErrAborted)
	require.Len(t, states, 2)
	for _, st := range states {
		assert.Equal(t, "Aborted by user", st.Error)
	}
}

func TestRunEpic(t *testing.T) {
	h := newHarness(approveAll)
	h.prs.merged["patchloop/issue-1"] = &tracker.PullRequest{Number: 50, URL: "https://github.com/acme/app/pull/50"}

	plan := epic.Plan{Parent: "10", Groups: [][]string{{"1"}, {"2", "3"}}}
	states, err := h.dispatcher().RunEpic(context.Background(), plan)
	require.NoError(t, err)

	var got []string
	for _, st := range states {
		got = append(got, st.Slug+":"+string(st.Status))
	}
	assert.Equal(t, []string{"1:merged", "2:merged", "3:merged", "10:merged"}, got)
	assert.ElementsMatch(t, []string{"2", "3", "10"}, h.issues.fetched)
	assert.ElementsMatch(t, []string{"2", "3", "10"}, h.runner.calls())
	assert.Len(t, h.prs.merges, 3)
	assert.Equal(t, 3, h.ws.updates)
	assert.Contains(t, h.out.String(), "Already merged, skipping")
}

func TestRunEpic_GroupFailureHalts(t *testing.T) {
	h := newHarness(func(_ context.Context, iss *tracker.Issue) (*pipeline.State, error) {
		if iss.ID == "2" {
			return failedState(iss, "Exhausted 4 review rounds without approval"), nil
		}
		return approvedState(iss, 3), nil
	})

	plan := epic.Plan{Parent: "10", Groups: [][]string{{"1", "2"}, {"3"}}}
	states, err := h.dispatcher().RunEpic(context.Background(), plan)
	require.NoError(t, err)

	assert.Len(t, states, 2)
	assert.ElementsMatch(t, []string{"1", "2"}, h.runner.calls())
	assert.Contains(t, h.out.String(), "Group 1 had failures: #2. Stopping epic execution.")
	assert.True(t, Failed(states))
}

func TestRunEpic_SkipCountsApprovedAsSuccess(t *testing.T) {
	h := newHarness(approveAll)
	h.cfg.MergeStrategy = MergeSkip

	plan := epic.Plan{Parent: "10", Groups: [][]string{{"1"}, {"2"}}}
	states, err := h.dispatcher().RunEpic(context.Background(), plan)
	require.NoError(t, err)

	assert.Len(t, states, 3)
	assert.False(t, Failed(states))
	assert.Empty(t, h.prs.merges)
	assert.Contains(t, h.out.String(), "approved (unmerged)")
}

func TestRunEpic_ParentAlreadyMerged(t *testing.T) {
	h := newHarness(approveAll)
	h.prs.merged["patchloop/issue-10"] = &tracker.PullRequest{Number: 60}

	states, err := h.dispatcher().RunEpic(context.Background(), epic.Plan{Parent: "10", Groups: [][]string{{"1"}}})
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, pipeline.StatusMerged, states[1].Status)
	assert.Equal(t, []string{"1"}, h.runner.calls())
}

func TestRunEpic_FetchFailure(t *testing.T) {
	h := newHarness(approveAll)
	h.issues.err = errors.New("404")

	states, err := h.dispatcher().RunEpic(context.Background(), epic.Plan{Parent: "10", Groups: [][]string{{"1"}, {"2"}}})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, pipeline.StatusFailed, states[0].Status)
	assert.Equal(t, "failed to fetch issue: 404", states[0].Error)
	assert.Empty(t, h.runner.calls())
}

func TestClean(t *testing.T) {
	h := newHarness(approveAll)
	h.cfg.Clean = true
	h.cfg.MergeStrategy = MergeSkip

	_, err := h.dispatcher().Run(context.Background(), []*tracker.Issue{issue("1"), issue("2")})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, h.ws.cleaned)
	assert.Contains(t, h.out.String(), "[#1] [INFO] Cleaned up stale worktree")
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestDisplayID(t *testing.T) {
	assert.Equal(t, "#42", displayID("42"))
	assert.Equal(t, "ENG-1", displayID("ENG-1"))
	assert.Equal(t, "", displayID(""))
}
