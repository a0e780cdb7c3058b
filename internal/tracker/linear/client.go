// Package linear fetches issues from Linear's GraphQL API and posts progress
// comments on them.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/pengelbrecht/patchloop/internal/epic"
	"github.com/pengelbrecht/patchloop/internal/tracker"
)

// DefaultEndpoint is Linear's GraphQL endpoint.
const DefaultEndpoint = "https://api.linear.app/graphql"

const requestTimeout = 30 * time.Second

// Client is a Linear API client.
type Client struct {
	apiKey   string
	endpoint string
	http     *retryablehttp.Client
}

var (
	_ tracker.Issues   = (*Client)(nil)
	_ tracker.Planner  = (*Client)(nil)
	_ tracker.Notifier = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the GraphQL endpoint.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithRetries sets the retry budget and minimum backoff for transient
// failures (connection errors, 429 and 5xx).
func WithRetries(max int, minWait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = minWait
		if c.http.RetryWaitMax < minWait {
			c.http.RetryWaitMax = minWait
		}
	}
}

// WithLogger routes retry diagnostics to l.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.http.Logger = l
		}
	}
}

// New creates a client. An empty apiKey yields tracker.ErrNotConfigured.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: LINEAR_API_KEY is not set. Set it via the LINEAR_API_KEY environment variable or linear_api_key in .patchloop.toml", tracker.ErrNotConfigured)
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	rc.HTTPClient.Timeout = requestTimeout

	c := &Client{apiKey: apiKey, endpoint: DefaultEndpoint, http: rc}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlResponse struct {
	Data   json.RawMessage   `json:"data"`
	Errors []json.RawMessage `json:"errors"`
}

// graphql posts one query and decodes its data field into out.
func (c *Client) graphql(ctx context.Context, query string, vars map[string]any, out any) error {
	payload, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("linear request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read linear response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("linear API returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var gr gqlResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return fmt.Errorf("decode linear response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = string(e)
		}
		return fmt.Errorf("linear graphql error: %v", msgs)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("decode linear data: %w", err)
	}
	return nil
}

const fetchIssueQuery = `query FetchIssue($identifier: String!) {
  issue(id: $identifier) {
    id
    identifier
    title
    description
    url
    state { name }
    team { key }
    labels { nodes { name } }
    comments { nodes { user { name } body } }
  }
}`

type issueNode struct {
	ID          string  `json:"id"`
	Identifier  string  `json:"identifier"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	URL         string  `json:"url"`
	State       *struct {
		Name string `json:"name"`
	} `json:"state"`
	Team *struct {
		Key string `json:"key"`
	} `json:"team"`
	Labels struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
	Comments struct {
		Nodes []struct {
			User *struct {
				Name string `json:"name"`
			} `json:"user"`
			Body string `json:"body"`
		} `json:"nodes"`
	} `json:"comments"`
}

// FetchIssue fetches an issue by its identifier, e.g. "ENG-123".
func (c *Client) FetchIssue(ctx context.Context, id string) (*tracker.Issue, error) {
	var data struct {
		Issue *issueNode `json:"issue"`
	}
	if err := c.graphql(ctx, fetchIssueQuery, map[string]any{"identifier": id}, &data); err != nil {
		return nil, err
	}
	n := data.Issue
	if n == nil {
		return nil, fmt.Errorf("linear issue not found: %s", id)
	}

	issue := &tracker.Issue{
		Source: tracker.SourceLinear,
		ID:     n.Identifier,
		Title:  n.Title,
		URL:    n.URL,
	}
	if n.Description != nil {
		issue.Body = *n.Description
	}
	if n.State != nil {
		issue.State = n.State.Name
	}
	if n.Team != nil {
		issue.TeamKey = n.Team.Key
	}
	for _, l := range n.Labels.Nodes {
		issue.Labels = append(issue.Labels, l.Name)
	}
	for _, cm := range n.Comments.Nodes {
		author := "unknown"
		if cm.User != nil {
			author = cm.User.Name
		}
		issue.Comments = append(issue.Comments, tracker.Comment{Author: author, Body: cm.Body})
	}
	return issue, nil
}

const dependencyGraphQuery = `query FetchEpicPlan($identifier: String!) {
  issue(id: $identifier) {
    children {
      nodes {
        identifier
        relations {
          nodes {
            type
            relatedIssue { identifier }
          }
        }
      }
    }
  }
}`

// FetchDependencyGraph groups the children of parentID so that every child
// runs after the children that block it.
func (c *Client) FetchDependencyGraph(ctx context.Context, parentID string) ([][]string, error) {
	var data struct {
		Issue *struct {
			Children struct {
				Nodes []struct {
					Identifier string `json:"identifier"`
					Relations  struct {
						Nodes []struct {
							Type         string `json:"type"`
							RelatedIssue struct {
								Identifier string `json:"identifier"`
							} `json:"relatedIssue"`
						} `json:"nodes"`
					} `json:"relations"`
				} `json:"nodes"`
			} `json:"children"`
		} `json:"issue"`
	}
	if err := c.graphql(ctx, dependencyGraphQuery, map[string]any{"identifier": parentID}, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, fmt.Errorf("linear issue not found: %s", parentID)
	}

	children := data.Issue.Children.Nodes
	deps := make(map[string][]string, len(children))
	for _, child := range children {
		deps[child.Identifier] = nil
	}
	for _, child := range children {
		for _, rel := range child.Relations.Nodes {
			if rel.Type != "BLOCKS" {
				continue
			}
			// child blocks the related issue, so the related issue depends on child.
			blocked := rel.RelatedIssue.Identifier
			if _, ok := deps[blocked]; ok {
				deps[blocked] = append(deps[blocked], child.Identifier)
			}
		}
	}
	return epic.TopologicalGroups(deps), nil
}

const issueIDQuery = `query GetIssueId($identifier: String!) {
  issue(id: $identifier) { id }
}`

const createCommentMutation = `mutation CreateComment($issueId: String!, $body: String!) {
  commentCreate(input: { issueId: $issueId, body: $body }) { success }
}`

// Comment posts a comment on the issue identified by issueID ("ENG-123").
func (c *Client) Comment(ctx context.Context, issueID, body string) error {
	var data struct {
		Issue *struct {
			ID string `json:"id"`
		} `json:"issue"`
	}
	if err := c.graphql(ctx, issueIDQuery, map[string]any{"identifier": issueID}, &data); err != nil {
		return err
	}
	if data.Issue == nil {
		return fmt.Errorf("linear issue not found: %s", issueID)
	}
	return c.graphql(ctx, createCommentMutation, map[string]any{"issueId": data.Issue.ID, "body": body}, nil)
}
