// Package tracker defines the issue tracker and pull request collaborators
// used by the pipeline. Concrete clients live in the github and linear
// subpackages.
package tracker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotConfigured is returned when a tracker lacks credentials.
var ErrNotConfigured = errors.New("tracker not configured")

// Source identifies where an issue came from.
type Source string

const (
	SourceGitHub Source = "github"
	SourceLinear Source = "linear"
)

// Comment is one discussion entry on an issue.
type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// Issue is a unit of work fetched from a tracker. It is not modified after
// being fetched.
type Issue struct {
	Source   Source    `json:"source"`
	ID       string    `json:"id"` // "42" for GitHub, "ENG-123" for Linear
	Title    string    `json:"title"`
	URL      string    `json:"url,omitempty"`
	Body     string    `json:"body,omitempty"`
	Labels   []string  `json:"labels,omitempty"`
	Comments []Comment `json:"comments,omitempty"`

	// GitHub
	RepoOwner string `json:"repo_owner,omitempty"`
	RepoName  string `json:"repo_name,omitempty"`

	// Linear
	TeamKey string `json:"team_key,omitempty"`
	State   string `json:"state,omitempty"`
}

// Slug is the stable identifier used for branch and workspace names.
func (i *Issue) Slug() string {
	return i.ID
}

// DisplayID is the human facing reference, "#42" or "ENG-123".
func (i *Issue) DisplayID() string {
	if i.Source == SourceGitHub {
		return "#" + i.ID
	}
	return i.ID
}

// Number returns the GitHub issue number, or 0 for other sources.
func (i *Issue) Number() int {
	if i.Source != SourceGitHub {
		return 0
	}
	n, _ := strconv.Atoi(i.ID)
	return n
}

// CloseRef is the line placed in a PR body to link the issue.
func (i *Issue) CloseRef() string {
	if i.Source == SourceGitHub {
		return "Closes #" + i.ID
	}
	if i.URL != "" {
		return "Implements " + i.URL
	}
	return i.ID
}

// Prompt renders the issue for the coder agent.
func (i *Issue) Prompt() string {
	var b strings.Builder

	switch i.Source {
	case SourceGitHub:
		fmt.Fprintf(&b, "GitHub Issue #%s: %s\n", i.ID, i.Title)
	default:
		fmt.Fprintf(&b, "Linear Issue %s: %s\n", i.ID, i.Title)
	}
	fmt.Fprintf(&b, "URL: %s\n", i.URL)
	if i.State != "" {
		fmt.Fprintf(&b, "\nState: %s", i.State)
	}
	if len(i.Labels) > 0 {
		fmt.Fprintf(&b, "\nLabels: %s", strings.Join(i.Labels, ", "))
	}
	b.WriteString("\n\n")
	b.WriteString(i.Body)

	if len(i.Comments) > 0 {
		b.WriteString("\n\n---\n\n### Comments\n\n")
		for n, c := range i.Comments {
			if n > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "**%s:**\n%s", c.Author, c.Body)
		}
	}
	return b.String()
}

// PullRequest identifies a pull request on the code host.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Head   string `json:"headRefName"`
	Base   string `json:"baseRefName"`
}

// ReviewEvent is the kind of review posted on a pull request.
type ReviewEvent string

const (
	ReviewApprove        ReviewEvent = "approve"
	ReviewRequestChanges ReviewEvent = "request-changes"
)

// MergeMethod is how an approved pull request is merged.
type MergeMethod string

const (
	MergeSquash MergeMethod = "squash"
	MergeMerge  MergeMethod = "merge"
	MergeRebase MergeMethod = "rebase"
)

// PRStateMerged is the state reported for merged pull requests.
const PRStateMerged = "MERGED"
