package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	gh "github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"

	"github.com/pengelbrecht/patchloop/internal/tracker"
)

// APIClient talks to the GitHub REST API directly. It needs a token but no
// gh installation.
type APIClient struct {
	client *gh.Client
	owner  string
	repo   string
}

var (
	_ tracker.Issues       = (*APIClient)(nil)
	_ tracker.PullRequests = (*APIClient)(nil)
)

// NewAPIClient creates a REST client for owner/repo authenticated with token.
func NewAPIClient(ctx context.Context, token, owner, repo string) (*APIClient, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: GITHUB_TOKEN is required for the api transport", tracker.ErrNotConfigured)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &APIClient{
		client: gh.NewClient(oauth2.NewClient(ctx, ts)),
		owner:  owner,
		repo:   repo,
	}, nil
}

// newAPIClientWith wraps an existing go-github client.
func newAPIClientWith(client *gh.Client, owner, repo string) *APIClient {
	return &APIClient{client: client, owner: owner, repo: repo}
}

var remotePattern = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/]+?)(?:\.git)?/?$`)

// ParseRemote extracts owner and repository from a GitHub remote URL in
// either SSH or HTTPS form.
func ParseRemote(url string) (owner, repo string, err error) {
	m := remotePattern.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return "", "", fmt.Errorf("not a GitHub remote: %q", url)
	}
	return m[1], m[2], nil
}

// FetchIssue returns the issue with the given number, including comments.
func (c *APIClient) FetchIssue(ctx context.Context, id string) (*tracker.Issue, error) {
	number, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub issue number %q", id)
	}
	gi, _, err := c.client.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, fmt.Errorf("fetch issue #%d: %w", number, err)
	}

	issue := &tracker.Issue{
		Source:    tracker.SourceGitHub,
		ID:        strconv.Itoa(gi.GetNumber()),
		Title:     gi.GetTitle(),
		URL:       gi.GetHTMLURL(),
		Body:      gi.GetBody(),
		RepoOwner: c.owner,
		RepoName:  c.repo,
	}
	for _, l := range gi.Labels {
		issue.Labels = append(issue.Labels, l.GetName())
	}

	opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := c.client.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list comments on #%d: %w", number, err)
		}
		for _, cm := range comments {
			body := strings.TrimSpace(cm.GetBody())
			if body == "" {
				continue
			}
			author := cm.GetUser().GetLogin()
			if author == "" {
				author = "unknown"
			}
			issue.Comments = append(issue.Comments, tracker.Comment{Author: author, Body: body})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return issue, nil
}

// FindOpenPR returns the open pull request whose head is branch, or nil.
func (c *APIClient) FindOpenPR(ctx context.Context, branch string) (*tracker.PullRequest, error) {
	return c.findPR(ctx, branch, "open", false)
}

// FindMergedPR returns the merged pull request whose head is branch, or nil.
func (c *APIClient) FindMergedPR(ctx context.Context, branch string) (*tracker.PullRequest, error) {
	return c.findPR(ctx, branch, "closed", true)
}

func (c *APIClient) findPR(ctx context.Context, branch, state string, merged bool) (*tracker.PullRequest, error) {
	prs, _, err := c.client.PullRequests.List(ctx, c.owner, c.repo, &gh.PullRequestListOptions{
		State:       state,
		Head:        c.owner + ":" + branch,
		ListOptions: gh.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests for %s: %w", branch, err)
	}
	for _, pr := range prs {
		if merged && pr.MergedAt == nil {
			continue
		}
		return toPullRequest(pr), nil
	}
	return nil, nil
}

// CreatePR opens a pull request and returns it.
func (c *APIClient) CreatePR(ctx context.Context, head, base, title, body string) (*tracker.PullRequest, error) {
	pr, _, err := c.client.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
		Title: gh.Ptr(title),
		Head:  gh.Ptr(head),
		Base:  gh.Ptr(base),
		Body:  gh.Ptr(body),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return toPullRequest(pr), nil
}

// PostReview submits a review. GitHub refuses reviews on your own pull
// request with 422; those fall back to an issue comment.
func (c *APIClient) PostReview(ctx context.Context, number int, event tracker.ReviewEvent, body string) error {
	req := &gh.PullRequestReviewRequest{Body: gh.Ptr(body)}
	comment := body
	switch event {
	case tracker.ReviewApprove:
		req.Event = gh.Ptr("APPROVE")
		if body == "" {
			req.Body = gh.Ptr("LGTM")
		}
		comment = approvedComment(body)
	default:
		req.Event = gh.Ptr("REQUEST_CHANGES")
	}

	_, _, err := c.client.PullRequests.CreateReview(ctx, c.owner, c.repo, number, req)
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil || ghErr.Response.StatusCode != http.StatusUnprocessableEntity {
		return fmt.Errorf("review pull request #%d: %w", number, err)
	}
	if _, _, err := c.client.Issues.CreateComment(ctx, c.owner, c.repo, number, &gh.IssueComment{Body: gh.Ptr(comment)}); err != nil {
		return fmt.Errorf("comment on pull request #%d: %w", number, err)
	}
	return nil
}

// MergePR merges the pull request and deletes its head branch.
func (c *APIClient) MergePR(ctx context.Context, number int, method tracker.MergeMethod) error {
	pr, _, err := c.client.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return fmt.Errorf("get pull request #%d: %w", number, err)
	}
	if _, _, err := c.client.PullRequests.Merge(ctx, c.owner, c.repo, number, "", &gh.PullRequestOptions{
		MergeMethod: string(method),
	}); err != nil {
		return fmt.Errorf("merge pull request #%d: %w", number, err)
	}
	if ref := pr.GetHead().GetRef(); ref != "" {
		// Best effort, the branch may already be gone.
		_, _ = c.client.Git.DeleteRef(ctx, c.owner, c.repo, "heads/"+ref)
	}
	return nil
}

// PRState returns "MERGED" for merged pull requests and the upper-cased
// REST state ("OPEN", "CLOSED") otherwise.
func (c *APIClient) PRState(ctx context.Context, number int) (string, error) {
	pr, _, err := c.client.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return "", fmt.Errorf("get pull request #%d: %w", number, err)
	}
	if pr.GetMerged() || pr.MergedAt != nil {
		return tracker.PRStateMerged, nil
	}
	return strings.ToUpper(pr.GetState()), nil
}

func toPullRequest(pr *gh.PullRequest) *tracker.PullRequest {
	return &tracker.PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Head:   pr.GetHead().GetRef(),
		Base:   pr.GetBase().GetRef(),
	}
}
