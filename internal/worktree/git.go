package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrRebaseConflict is returned when rebasing an issue branch onto its base
// hits a merge conflict. The workspace is left for manual resolution.
var ErrRebaseConflict = errors.New("merge conflict")

// RebaseConflictError carries git's output for a failed rebase.
type RebaseConflictError struct {
	Base   string
	Output string
}

func (e *RebaseConflictError) Error() string {
	return fmt.Sprintf("rebase onto origin/%s failed (merge conflict), manual resolution required\n%s", e.Base, e.Output)
}

func (e *RebaseConflictError) Unwrap() error {
	return ErrRebaseConflict
}

// RebaseOntoBase rebases the issue branch onto the latest origin/<base> and
// force-pushes it with lease. A conflict aborts the rebase and returns a
// *RebaseConflictError.
func (m *Manager) RebaseOntoBase(ctx context.Context, wt *Worktree) error {
	_, _ = git(ctx, wt.Path, "rebase", "--abort")

	if _, err := m.shared(ctx, wt.Path, "fetch", m.remote, wt.BaseBranch); err != nil {
		return fmt.Errorf("failed to fetch base: %w", err)
	}

	if _, err := git(ctx, wt.Path, "rebase", m.remote+"/"+wt.BaseBranch); err != nil {
		_, _ = git(ctx, wt.Path, "rebase", "--abort")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RebaseConflictError{Base: wt.BaseBranch, Output: gitOutput(err)}
	}

	if _, err := m.shared(ctx, wt.Path, "push", "--force-with-lease", m.remote, wt.Branch); err != nil {
		return fmt.Errorf("force-push after rebase failed: %w", err)
	}
	return nil
}

// Sync pulls the latest remote state of the issue branch into the workspace
// and refreshes the local base ref. Failures are logged and ignored.
func (m *Manager) Sync(ctx context.Context, wt *Worktree) {
	steps := [][]string{
		{"fetch", m.remote},
		{"merge", "--ff-only", m.remote + "/" + wt.Branch},
		{"fetch", m.remote, wt.BaseBranch + ":" + wt.BaseBranch},
	}
	for _, args := range steps {
		if _, err := m.shared(ctx, wt.Path, args...); err != nil {
			m.log.Debug("sync step ignored", "args", strings.Join(args, " "), "error", err)
		}
	}
}

// Push publishes the issue branch and sets its upstream.
func (m *Manager) Push(ctx context.Context, wt *Worktree) error {
	if _, err := m.shared(ctx, wt.Path, "push", "--set-upstream", m.remote, wt.Branch); err != nil {
		return fmt.Errorf("failed to push branch: %w", err)
	}
	return nil
}

// UpdateBase fast-forwards the base branch of the main checkout so issues
// started afterwards branch from integrated state.
func (m *Manager) UpdateBase(ctx context.Context, base string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := git(ctx, m.repoRoot, "fetch", m.remote, base); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", base, err)
	}
	if _, err := git(ctx, m.repoRoot, "merge", "--ff-only", m.remote+"/"+base); err != nil {
		return fmt.Errorf("failed to fast-forward %s: %w", base, err)
	}
	return nil
}

// gitError keeps the trimmed stderr of a failed git invocation.
type gitError struct {
	args   []string
	output string
	err    error
}

func (e *gitError) Error() string {
	return fmt.Sprintf("git %s: %s: %v", strings.Join(e.args, " "), e.output, e.err)
}

func (e *gitError) Unwrap() error {
	return e.err
}

func gitOutput(err error) string {
	var ge *gitError
	if errors.As(err, &ge) {
		return ge.output
	}
	return err.Error()
}

// shared runs a git subcommand that writes repository-wide state while
// holding the manager lock.
func (m *Manager) shared(ctx context.Context, dir string, args ...string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return git(ctx, dir, args...)
}

// git runs a git subcommand in dir and returns its trimmed stdout.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(stderr.String())
		if out == "" {
			out = strings.TrimSpace(stdout.String())
		}
		return "", &gitError{args: args, output: out, err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}
