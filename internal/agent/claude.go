package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pengelbrecht/patchloop/internal/prompt"
	"github.com/pengelbrecht/patchloop/internal/stream"
)

// ClaudeAgent implements Backend for the Claude Code CLI.
type ClaudeAgent struct {
	// Command is the path to the claude binary. Defaults to "claude".
	Command string

	Model           string
	SkipPermissions bool

	runner *stream.Runner
}

// NewClaudeAgent creates a Claude Code agent that streams through runner.
func NewClaudeAgent(runner *stream.Runner, opts Options) *ClaudeAgent {
	return &ClaudeAgent{
		Command:         "claude",
		Model:           opts.Model,
		SkipPermissions: opts.SkipPermissions,
		runner:          runner,
	}
}

// Name returns "claude-code".
func (a *ClaudeAgent) Name() string {
	return ClaudeCode
}

// Available checks if the claude CLI is installed and accessible.
func (a *ClaudeAgent) Available() bool {
	_, err := exec.LookPath(a.command())
	return err == nil
}

// Run executes claude in print mode with stream-json output.
func (a *ClaudeAgent) Run(ctx context.Context, p string, opts RunOpts) (*Result, error) {
	res, err := runCommand(ctx, a.runner, a.args(p, opts.SessionID), opts)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return res, nil
	}

	res.Output, res.SessionID = parseClaudeOutput(res.Raw)
	if res.ExitCode != 0 {
		res.Error = strings.TrimSpace(res.Stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("claude exited with code %d", res.ExitCode)
			if res.Output != "" {
				res.Error += "; last output: " + truncate(res.Output, 200)
			}
		}
	}
	return res, nil
}

// Implement runs the implementation prompt, resuming opts.SessionID if set.
func (a *ClaudeAgent) Implement(ctx context.Context, p string, opts RunOpts) (Outcome, error) {
	return toOutcome(a.Run(ctx, p, opts))
}

// ApplyFeedback asks the agent to address review feedback in the same
// session so it keeps the implementation context.
func (a *ClaudeAgent) ApplyFeedback(ctx context.Context, feedback string, opts RunOpts) (Outcome, error) {
	return toOutcome(a.Run(ctx, prompt.Feedback(feedback), opts))
}

func (a *ClaudeAgent) args(p, sessionID string) []string {
	args := []string{a.command(), "-p", "--verbose", "--output-format", "stream-json"}
	if a.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	return append(args, p)
}

// command returns the claude binary path.
func (a *ClaudeAgent) command() string {
	if a.Command != "" {
		return a.Command
	}
	return "claude"
}

type claudeResult struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Result    *string `json:"result"`
}

// parseClaudeOutput reads the final result event of a stream-json run. If
// there is none, stdout is tried as a single JSON document and finally
// returned as is.
func parseClaudeOutput(stdout string) (output, sessionID string) {
	found := false
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), stream.DefaultMaxLineBytes+1)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev claudeResult
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type != "result" {
			continue
		}
		found = true
		sessionID = ev.SessionID
		output = line
		if ev.Result != nil {
			output = *ev.Result
		}
	}
	if found {
		return output, sessionID
	}

	var doc claudeResult
	if err := json.Unmarshal([]byte(stdout), &doc); err == nil {
		if doc.Result != nil {
			return *doc.Result, doc.SessionID
		}
		return stdout, doc.SessionID
	}
	return stdout, ""
}
