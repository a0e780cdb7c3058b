package tracker

import (
	"context"
	"time"
)

// DefaultPollInterval is the delay between merge state checks.
const DefaultPollInterval = 30 * time.Second

// Issues fetches issues by identifier.
type Issues interface {
	FetchIssue(ctx context.Context, id string) (*Issue, error)
}

// PullRequests manages pull requests on the code host. Lookups that find
// nothing return (nil, nil).
type PullRequests interface {
	FindOpenPR(ctx context.Context, branch string) (*PullRequest, error)
	FindMergedPR(ctx context.Context, branch string) (*PullRequest, error)
	CreatePR(ctx context.Context, head, base, title, body string) (*PullRequest, error)
	PostReview(ctx context.Context, number int, event ReviewEvent, body string) error
	MergePR(ctx context.Context, number int, method MergeMethod) error
	PRState(ctx context.Context, number int) (string, error)
}

// Planner is implemented by trackers that expose structured dependencies
// between child issues.
type Planner interface {
	// FetchDependencyGraph returns the children of parentID as sequential
	// groups. An issue without children yields no groups.
	FetchDependencyGraph(ctx context.Context, parentID string) ([][]string, error)
}

// Notifier posts progress comments on the tracked issue.
type Notifier interface {
	Comment(ctx context.Context, issueID, body string) error
}

// PollUntilMerged blocks until the pull request reports the merged state or
// ctx is done. Transient lookup errors are passed to onErr and polling
// continues.
func PollUntilMerged(ctx context.Context, prs PullRequests, number int, interval time.Duration, onErr func(error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := prs.PRState(ctx, number)
		if err == nil && state == PRStateMerged {
			return nil
		}
		if err != nil && onErr != nil && ctx.Err() == nil {
			onErr(err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
