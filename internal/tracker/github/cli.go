// Package github talks to GitHub issues and pull requests, either through
// the gh CLI or through the REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pengelbrecht/patchloop/internal/tracker"
)

// CLIClient wraps the gh CLI.
type CLIClient struct {
	// Command is the path to the gh binary. Defaults to "gh".
	Command string

	// Dir is the repository checkout gh runs in.
	Dir string
}

// NewCLIClient creates a gh client operating on the repository at dir.
func NewCLIClient(dir string) *CLIClient {
	return &CLIClient{Command: "gh", Dir: dir}
}

var (
	_ tracker.Issues       = (*CLIClient)(nil)
	_ tracker.PullRequests = (*CLIClient)(nil)
)

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Comments []struct {
		Author struct {
			Login string `json:"login"`
		} `json:"author"`
		Body string `json:"body"`
	} `json:"comments"`
}

type ghRepo struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// FetchIssue returns the issue with the given number, including comments.
func (c *CLIClient) FetchIssue(ctx context.Context, id string) (*tracker.Issue, error) {
	out, err := c.run(ctx, "issue", "view", id, "--json", "number,title,body,labels,url,comments")
	if err != nil {
		return nil, err
	}
	var gi ghIssue
	if err := json.Unmarshal(out, &gi); err != nil {
		return nil, fmt.Errorf("parse issue JSON: %w", err)
	}

	out, err = c.run(ctx, "repo", "view", "--json", "owner,name")
	if err != nil {
		return nil, err
	}
	var repo ghRepo
	if err := json.Unmarshal(out, &repo); err != nil {
		return nil, fmt.Errorf("parse repo JSON: %w", err)
	}

	issue := &tracker.Issue{
		Source:    tracker.SourceGitHub,
		ID:        strconv.Itoa(gi.Number),
		Title:     gi.Title,
		URL:       gi.URL,
		Body:      gi.Body,
		RepoOwner: repo.Owner.Login,
		RepoName:  repo.Name,
	}
	for _, l := range gi.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	for _, cm := range gi.Comments {
		body := strings.TrimSpace(cm.Body)
		if body == "" {
			continue
		}
		author := cm.Author.Login
		if author == "" {
			author = "unknown"
		}
		issue.Comments = append(issue.Comments, tracker.Comment{Author: author, Body: body})
	}
	return issue, nil
}

const prFields = "number,url,headRefName,baseRefName"

// FindOpenPR returns the pull request for branch, or nil if gh finds none.
func (c *CLIClient) FindOpenPR(ctx context.Context, branch string) (*tracker.PullRequest, error) {
	out, err := c.run(ctx, "pr", "view", branch, "--json", prFields)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}
	var pr tracker.PullRequest
	if err := json.Unmarshal(out, &pr); err != nil {
		return nil, fmt.Errorf("parse pull request JSON: %w", err)
	}
	return &pr, nil
}

// FindMergedPR returns the most recent merged pull request for branch, or nil.
func (c *CLIClient) FindMergedPR(ctx context.Context, branch string) (*tracker.PullRequest, error) {
	out, err := c.run(ctx, "pr", "list", "--head", branch, "--state", "merged", "--json", prFields, "--limit", "1")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}
	var prs []tracker.PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("parse pull request list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// CreatePR opens a pull request and returns it.
func (c *CLIClient) CreatePR(ctx context.Context, head, base, title, body string) (*tracker.PullRequest, error) {
	out, err := c.run(ctx, "pr", "create", "--head", head, "--base", base, "--title", title, "--body", body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(string(out))

	if pr, err := c.FindOpenPR(ctx, head); err == nil && pr != nil {
		return pr, nil
	}
	// gh prints the URL of the new pull request; its last segment is the number.
	n, err := strconv.Atoi(url[strings.LastIndex(strings.TrimRight(url, "/"), "/")+1:])
	if err != nil {
		return nil, fmt.Errorf("parse pull request URL %q: %w", url, err)
	}
	return &tracker.PullRequest{Number: n, URL: url, Head: head, Base: base}, nil
}

// PostReview approves or requests changes. GitHub rejects both on your own
// pull request, so a plain comment is posted instead when that fails.
func (c *CLIClient) PostReview(ctx context.Context, number int, event tracker.ReviewEvent, body string) error {
	n := strconv.Itoa(number)
	if event == tracker.ReviewApprove {
		reviewBody := body
		if reviewBody == "" {
			reviewBody = "LGTM"
		}
		if _, err := c.run(ctx, "pr", "review", n, "--approve", "--body", reviewBody); err == nil {
			return nil
		}
		_, err := c.run(ctx, "pr", "comment", n, "--body", approvedComment(body))
		return err
	}

	if _, err := c.run(ctx, "pr", "review", n, "--request-changes", "--body", body); err == nil {
		return nil
	}
	_, err := c.run(ctx, "pr", "comment", n, "--body", body)
	return err
}

// MergePR merges the pull request and deletes its branch.
func (c *CLIClient) MergePR(ctx context.Context, number int, method tracker.MergeMethod) error {
	_, err := c.run(ctx, "pr", "merge", strconv.Itoa(number), "--"+string(method), "--delete-branch")
	return err
}

// PRState returns the pull request state, e.g. "OPEN" or "MERGED".
func (c *CLIClient) PRState(ctx context.Context, number int) (string, error) {
	out, err := c.run(ctx, "pr", "view", strconv.Itoa(number), "--json", "state")
	if err != nil {
		return "", err
	}
	var data struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(out, &data); err != nil {
		return "", fmt.Errorf("parse state JSON: %w", err)
	}
	return data.State, nil
}

// Comment posts a comment on a pull request.
func (c *CLIClient) Comment(ctx context.Context, number int, body string) error {
	_, err := c.run(ctx, "pr", "comment", strconv.Itoa(number), "--body", body)
	return err
}

// Available checks if the gh CLI is installed and accessible.
func (c *CLIClient) Available() bool {
	_, err := exec.LookPath(c.command())
	return err == nil
}

func approvedComment(body string) string {
	if body == "" {
		return "✅ **Approved** — LGTM"
	}
	return "✅ **Approved**\n\n" + body
}

func (c *CLIClient) command() string {
	if c.Command != "" {
		return c.Command
	}
	return "gh"
}

// run executes a gh command and returns its stdout.
func (c *CLIClient) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.command(), args...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &CommandError{Args: args, Message: msg, Err: err}
	}
	return bytes.TrimSpace(stdout.Bytes()), nil
}

// CommandError is a failed gh invocation.
type CommandError struct {
	Args    []string
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("gh %s failed: %s", strings.Join(e.Args, " "), e.Message)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsCommandError reports whether err came from a gh invocation.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
