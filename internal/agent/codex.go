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
	"github.com/pengelbrecht/patchloop/internal/worktree"
)

// CodexAgent implements Backend for the OpenAI Codex CLI.
type CodexAgent struct {
	// Command is the path to the codex binary. Defaults to "codex".
	Command string

	Model string

	runner *stream.Runner
}

// NewCodexAgent creates a Codex agent that streams through runner.
func NewCodexAgent(runner *stream.Runner, opts Options) *CodexAgent {
	return &CodexAgent{Command: "codex", Model: opts.Model, runner: runner}
}

// Name returns "codex".
func (a *CodexAgent) Name() string {
	return Codex
}

// Available checks if the codex CLI is installed and accessible.
func (a *CodexAgent) Available() bool {
	_, err := exec.LookPath(a.command())
	return err == nil
}

// Run executes codex exec with JSON output. A session id resumes the
// previous thread.
func (a *CodexAgent) Run(ctx context.Context, p string, opts RunOpts) (*Result, error) {
	var args []string
	if opts.SessionID != "" {
		args = append(a.resumeArgs(), opts.SessionID, p)
	} else {
		args = append(a.baseArgs(opts.Dir), p)
	}

	res, err := runCommand(ctx, a.runner, args, opts)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return res, nil
	}

	ev := parseCodexOutput(res.Raw)
	res.SessionID = ev.threadID
	res.Output = ev.lastMessage
	if res.Output == "" {
		res.Output = res.Raw
	}
	if res.ExitCode != 0 {
		res.Error = ev.errMessage
		if res.Error == "" {
			res.Error = strings.TrimSpace(res.Stderr)
		}
		if res.Error == "" {
			if ev.lastMessage != "" {
				res.Error = fmt.Sprintf("codex exited with code %d; last message: %s", res.ExitCode, truncate(ev.lastMessage, 200))
			} else {
				res.Error = fmt.Sprintf("codex exited with code %d with no output. Check that `codex` is installed and OPENAI_API_KEY is set.", res.ExitCode)
			}
		}
	}
	return res, nil
}

// Implement runs the implementation prompt, resuming opts.SessionID if set.
func (a *CodexAgent) Implement(ctx context.Context, p string, opts RunOpts) (Outcome, error) {
	return toOutcome(a.Run(ctx, p, opts))
}

// ApplyFeedback always starts a fresh session: codex exec resume cannot
// grant the sandbox write access to the shared git directory, and the
// feedback prompt is self-contained.
func (a *CodexAgent) ApplyFeedback(ctx context.Context, feedback string, opts RunOpts) (Outcome, error) {
	opts.SessionID = ""
	return toOutcome(a.Run(ctx, prompt.Feedback(feedback), opts))
}

func (a *CodexAgent) baseArgs(dir string) []string {
	args := []string{a.command(), "exec", "--full-auto", "--json"}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	// Worktree metadata lives in the main repository's .git directory, which
	// codex must be able to write to in order to commit.
	if dir != "" {
		if common, err := worktree.GitCommonDir(dir); err == nil && common != "" {
			args = append(args, "--add-dir", common)
		}
	}
	return args
}

func (a *CodexAgent) resumeArgs() []string {
	args := []string{a.command(), "exec", "resume", "--full-auto", "--json"}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	return args
}

// command returns the codex binary path.
func (a *CodexAgent) command() string {
	if a.Command != "" {
		return a.Command
	}
	return "codex"
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
	Item *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

type codexSummary struct {
	threadID    string
	lastMessage string
	errMessage  string
}

// parseCodexOutput extracts the thread id, the last agent message and the
// first reported error from codex JSONL events.
func parseCodexOutput(stdout string) codexSummary {
	var s codexSummary
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), stream.DefaultMaxLineBytes+1)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "thread.started":
			s.threadID = ev.ThreadID
		case "error":
			if s.errMessage == "" {
				s.errMessage = ev.Message
			}
		case "turn.failed":
			if ev.Error != nil && s.errMessage == "" {
				s.errMessage = ev.Error.Message
			}
		case "item.completed":
			if ev.Item != nil && ev.Item.Type == "agent_message" {
				s.lastMessage = ev.Item.Text
			}
		}
	}
	return s
}
