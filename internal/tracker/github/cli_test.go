package github

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengelbrecht/patchloop/internal/tracker"
)

// fakeGH installs a shell script standing in for gh. The script appends its
// arguments to a log file and runs body.
func fakeGH(t *testing.T, body string) (*CLIClient, string) {
	t.Helper()
	dir := t.TempDir()
	log := filepath.Join(dir, "calls.log")
	script := "#!/bin/sh\necho \"$*\" >> " + log + "\n" + body + "\n"
	path := filepath.Join(dir, "gh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return &CLIClient{Command: path, Dir: dir}, log
}

func calls(t *testing.T, log string) []string {
	t.Helper()
	data, err := os.ReadFile(log)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestCLIClient_FetchIssue(t *testing.T) {
	c, _ := fakeGH(t, `
case "$1" in
issue) cat <<'JSON'
{"number":42,"title":"Fix login","body":"It breaks","url":"https://github.com/acme/app/issues/42",
 "labels":[{"name":"bug"},{"name":"epic: auth"}],
 "comments":[{"author":{"login":"alice"},"body":"repro attached"},{"author":{"login":""},"body":"me too"},{"author":{"login":"bob"},"body":"  "}]}
JSON
;;
repo) echo '{"name":"app","owner":{"login":"acme"}}' ;;
esac`)

	issue, err := c.FetchIssue(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, tracker.SourceGitHub, issue.Source)
	assert.Equal(t, "42", issue.ID)
	assert.Equal(t, "Fix login", issue.Title)
	assert.Equal(t, []string{"bug", "epic: auth"}, issue.Labels)
	assert.Equal(t, "acme", issue.RepoOwner)
	assert.Equal(t, "app", issue.RepoName)
	assert.Equal(t, []tracker.Comment{
		{Author: "alice", Body: "repro attached"},
		{Author: "unknown", Body: "me too"},
	}, issue.Comments)
}

func TestCLIClient_FetchIssue_Error(t *testing.T) {
	c, _ := fakeGH(t, `echo "could not resolve to an Issue" >&2; exit 1`)

	_, err := c.FetchIssue(context.Background(), "7")
	require.Error(t, err)
	assert.True(t, IsCommandError(err))
	assert.Equal(t, "gh issue view 7 --json number,title,body,labels,url,comments failed: could not resolve to an Issue", err.Error())
}

func TestCLIClient_FindOpenPR(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		c, log := fakeGH(t, `echo '{"number":5,"url":"https://x/pull/5","headRefName":"patchloop/issue-42","baseRefName":"main"}'`)

		pr, err := c.FindOpenPR(context.Background(), "patchloop/issue-42")
		require.NoError(t, err)
		assert.Equal(t, &tracker.PullRequest{Number: 5, URL: "https://x/pull/5", Head: "patchloop/issue-42", Base: "main"}, pr)
		assert.Equal(t, []string{"pr view patchloop/issue-42 --json number,url,headRefName,baseRefName"}, calls(t, log))
	})

	t.Run("gh error means no PR", func(t *testing.T) {
		c, _ := fakeGH(t, `echo "no pull requests found" >&2; exit 1`)

		pr, err := c.FindOpenPR(context.Background(), "patchloop/issue-42")
		require.NoError(t, err)
		assert.Nil(t, pr)
	})
}

func TestCLIClient_FindMergedPR(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		c, log := fakeGH(t, `echo '[{"number":9,"url":"u","headRefName":"b","baseRefName":"main"}]'`)

		pr, err := c.FindMergedPR(context.Background(), "b")
		require.NoError(t, err)
		require.NotNil(t, pr)
		assert.Equal(t, 9, pr.Number)
		assert.Equal(t, []string{"pr list --head b --state merged --json number,url,headRefName,baseRefName --limit 1"}, calls(t, log))
	})

	t.Run("empty list", func(t *testing.T) {
		c, _ := fakeGH(t, `echo '[]'`)

		pr, err := c.FindMergedPR(context.Background(), "b")
		require.NoError(t, err)
		assert.Nil(t, pr)
	})
}

func TestCLIClient_CreatePR(t *testing.T) {
	t.Run("re-finds the created PR", func(t *testing.T) {
		c, log := fakeGH(t, `
case "$1 $2" in
"pr create") echo "https://github.com/acme/app/pull/12" ;;
"pr view") echo '{"number":12,"url":"https://github.com/acme/app/pull/12","headRefName":"h","baseRefName":"main"}' ;;
esac`)

		pr, err := c.CreatePR(context.Background(), "h", "main", "fix: resolve #1 — t", "Closes #1")
		require.NoError(t, err)
		assert.Equal(t, 12, pr.Number)
		assert.Equal(t, "main", pr.Base)

		got := calls(t, log)
		require.Len(t, got, 2)
		assert.Equal(t, "pr create --head h --base main --title fix: resolve #1 — t --body Closes #1", got[0])
	})

	t.Run("falls back to the printed URL", func(t *testing.T) {
		c, _ := fakeGH(t, `
case "$1 $2" in
"pr create") echo "https://github.com/acme/app/pull/13" ;;
*) exit 1 ;;
esac`)

		pr, err := c.CreatePR(context.Background(), "h", "main", "t", "b")
		require.NoError(t, err)
		assert.Equal(t, &tracker.PullRequest{Number: 13, URL: "https://github.com/acme/app/pull/13", Head: "h", Base: "main"}, pr)
	})

	t.Run("create failure", func(t *testing.T) {
		c, _ := fakeGH(t, `echo "a pull request already exists" >&2; exit 1`)

		_, err := c.CreatePR(context.Background(), "h", "main", "t", "b")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "a pull request already exists")
	})
}

func TestCLIClient_PostReview(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		event  tracker.ReviewEvent
		text   string
		script string
		want   []string
	}{
		{
			name:   "approve",
			event:  tracker.ReviewApprove,
			script: "exit 0",
			want:   []string{"pr review 3 --approve --body LGTM"},
		},
		{
			name:   "approve falls back to comment",
			event:  tracker.ReviewApprove,
			text:   "nice",
			script: `[ "$2" = "review" ] && exit 1; exit 0`,
			want: []string{
				"pr review 3 --approve --body nice",
				"pr comment 3 --body ✅ **Approved**",
			},
		},
		{
			name:   "request changes",
			event:  tracker.ReviewRequestChanges,
			text:   "fix it",
			script: "exit 0",
			want:   []string{"pr review 3 --request-changes --body fix it"},
		},
		{
			name:   "request changes falls back to comment",
			event:  tracker.ReviewRequestChanges,
			text:   "fix it",
			script: `[ "$2" = "review" ] && exit 1; exit 0`,
			want: []string{
				"pr review 3 --request-changes --body fix it",
				"pr comment 3 --body fix it",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, log := fakeGH(t, tt.script)
			require.NoError(t, c.PostReview(context.Background(), 3, tt.event, tt.text))
			got := calls(t, log)
			require.GreaterOrEqual(t, len(got), len(tt.want))
			for i, w := range tt.want {
				assert.Equal(t, w, got[i])
			}
		})
	}
}

func TestApprovedComment(t *testing.T) {
	assert.Equal(t, "✅ **Approved** — LGTM", approvedComment(""))
	assert.Equal(t, "✅ **Approved**\n\nlooks good", approvedComment("looks good"))
}

func TestCLIClient_MergeAndState(t *testing.T) {
	c, log := fakeGH(t, `
case "$2" in
view) echo '{"state":"MERGED"}' ;;
esac`)

	require.NoError(t, c.MergePR(context.Background(), 4, tracker.MergeSquash))
	state, err := c.PRState(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, tracker.PRStateMerged, state)

	assert.Equal(t, []string{
		"pr merge 4 --squash --delete-branch",
		"pr view 4 --json state",
	}, calls(t, log))
}

func TestCLIClient_Available(t *testing.T) {
	c, _ := fakeGH(t, "exit 0")
	assert.True(t, c.Available())

	missing := &CLIClient{Command: filepath.Join(t.TempDir(), "nope")}
	assert.False(t, missing.Available())
}
