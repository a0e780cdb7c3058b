package worktree

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultWorktreeDir is the directory, relative to the repository root,
// holding one workspace per issue.
const DefaultWorktreeDir = ".patchloop-worktrees"

// BranchPrefix is the prefix of every issue branch.
const BranchPrefix = "patchloop/issue-"

// ErrNotGitRepo is returned when the directory is not a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// ErrWorktreeNotFound is returned when no workspace exists for a slug.
var ErrWorktreeNotFound = errors.New("worktree not found")

// Worktree is an isolated checkout of one issue branch.
type Worktree struct {
	Slug       string // Issue slug (e.g. "42" or "ENG-123")
	Branch     string // patchloop/issue-<slug>
	Path       string // Absolute path to the workspace directory
	BaseBranch string // Branch the work is rebased onto
}

// Manager handles the workspace lifecycle for issues. It is safe for
// concurrent use: git commands that write the shared repository (config,
// remote-tracking refs, worktree registry) are serialized.
type Manager struct {
	repoRoot    string
	worktreeDir string
	remote      string
	log         *slog.Logger

	mu sync.Mutex
}

// NewManager creates a worktree manager for the repository at repoRoot.
func NewManager(repoRoot string) (*Manager, error) {
	info, err := os.Stat(filepath.Join(repoRoot, ".git"))
	if err != nil {
		return nil, ErrNotGitRepo
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return nil, ErrNotGitRepo
	}

	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}

	return &Manager{
		repoRoot:    abs,
		worktreeDir: filepath.Join(abs, DefaultWorktreeDir),
		remote:      "origin",
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// WithLogger sets the logger used for ignored git failures.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if l != nil {
		m.log = l
	}
	return m
}

// RepoRoot returns the main checkout directory.
func (m *Manager) RepoRoot() string {
	return m.repoRoot
}

// BranchName returns the branch for an issue slug.
func BranchName(slug string) string {
	return BranchPrefix + slug
}

// Path returns the workspace path for an issue slug.
func (m *Manager) Path(slug string) string {
	return filepath.Join(m.worktreeDir, "issue-"+slug)
}

// Create returns the workspace for slug, creating it from origin/<base> when
// neither the directory nor the branch exists. An existing directory is reused
// and an existing branch is reattached. Both are then reconciled with the
// latest base.
func (m *Manager) Create(ctx context.Context, slug, base string) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wt := &Worktree{
		Slug:       slug,
		Branch:     BranchName(slug),
		Path:       m.Path(slug),
		BaseBranch: base,
	}

	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree directory: %w", err)
	}
	if err := EnsureExclude(m.repoRoot); err != nil {
		return nil, fmt.Errorf("ensuring git exclude: %w", err)
	}

	if _, err := git(ctx, m.repoRoot, "fetch", m.remote, base); err != nil {
		return nil, fmt.Errorf("failed to fetch base: %w", err)
	}

	if _, err := os.Stat(wt.Path); err == nil {
		m.log.Debug("reusing workspace", "path", wt.Path)
		if err := m.reconcile(ctx, wt); err != nil {
			return nil, err
		}
		return wt, nil
	}

	exists, err := m.branchExists(wt.Branch)
	if err != nil {
		return nil, err
	}

	if exists {
		m.log.Debug("reattaching branch", "branch", wt.Branch)
		if _, err := git(ctx, m.repoRoot, "worktree", "add", wt.Path, wt.Branch); err != nil {
			return nil, fmt.Errorf("failed to create worktree: %w", err)
		}
		if err := m.reconcile(ctx, wt); err != nil {
			return nil, err
		}
		return wt, nil
	}

	// The upstream is set by the first Push.
	if _, err := git(ctx, m.repoRoot, "worktree", "add", "--no-track", "-b", wt.Branch, wt.Path, m.remote+"/"+base); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}
	return wt, nil
}

// reconcile brings a reused workspace onto the latest base. The caller holds
// m.mu. A conflicting
// rebase discards the stale local work by resetting to the base. The remote
// branch is force-pushed whenever local history was rewritten.
func (m *Manager) reconcile(ctx context.Context, wt *Worktree) error {
	upstream := m.remote + "/" + wt.BaseBranch

	_, _ = git(ctx, wt.Path, "rebase", "--abort")

	needsPush := false
	if _, err := git(ctx, wt.Path, "rebase", upstream); err != nil {
		m.log.Warn("stale workspace conflicts with base, resetting", "branch", wt.Branch, "base", upstream)
		_, _ = git(ctx, wt.Path, "rebase", "--abort")
		if _, err := git(ctx, wt.Path, "reset", "--hard", upstream); err != nil {
			return fmt.Errorf("failed to reset worktree: %w", err)
		}
		needsPush = true
	} else {
		diverged, err := m.divergedFromRemote(wt.Branch)
		if err != nil {
			m.log.Debug("compare with remote branch", "branch", wt.Branch, "error", err)
		}
		needsPush = diverged
	}

	if needsPush {
		if _, err := git(ctx, wt.Path, "push", "--force", m.remote, wt.Branch); err != nil {
			// The remote branch may not exist yet.
			m.log.Debug("force push ignored", "branch", wt.Branch, "error", err)
		}
	}
	return ctx.Err()
}

// Remove deletes the workspace directory and its local branch.
// Missing directories or branches are not an error.
func (m *Manager) Remove(ctx context.Context, wt *Worktree) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := git(ctx, m.repoRoot, "worktree", "remove", wt.Path, "--force"); err != nil {
		m.log.Debug("worktree remove ignored", "path", wt.Path, "error", err)
	}
	if _, err := git(ctx, m.repoRoot, "branch", "-D", wt.Branch); err != nil {
		m.log.Debug("branch delete ignored", "branch", wt.Branch, "error", err)
	}
}

// List returns all patchloop workspaces registered with git.
func (m *Manager) List(ctx context.Context) ([]*Worktree, error) {
	output, err := git(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList([]byte(output))
}

// Get returns the registered workspace for slug, or ErrWorktreeNotFound.
func (m *Manager) Get(ctx context.Context, slug string) (*Worktree, error) {
	worktrees, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, wt := range worktrees {
		if wt.Slug == slug {
			return wt, nil
		}
	}
	return nil, ErrWorktreeNotFound
}

// CleanupAll removes every patchloop workspace and returns the removed paths.
func (m *Manager) CleanupAll(ctx context.Context) ([]string, error) {
	worktrees, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, wt := range worktrees {
		m.Remove(ctx, wt)
		removed = append(removed, wt.Path)
	}
	return removed, nil
}

// CleanupOne removes the workspace for slug, reporting whether one was found.
func (m *Manager) CleanupOne(ctx context.Context, slug string) (bool, error) {
	worktrees, err := m.List(ctx)
	if err != nil {
		return false, err
	}
	for _, wt := range worktrees {
		if wt.Slug == slug {
			m.Remove(ctx, wt)
			return true, nil
		}
	}
	return false, nil
}

// parseWorktreeList parses the output of `git worktree list --porcelain`,
// keeping only entries on a patchloop branch.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <commit>
//	branch refs/heads/<branch>
//	<blank line>
func parseWorktreeList(output []byte) ([]*Worktree, error) {
	var worktrees []*Worktree
	var current *Worktree

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "worktree "):
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			branch := strings.TrimPrefix(line, "branch refs/heads/")
			if strings.HasPrefix(branch, BranchPrefix) {
				current.Branch = branch
				current.Slug = strings.TrimPrefix(branch, BranchPrefix)
				worktrees = append(worktrees, current)
			}
			current = nil
		case line == "":
			current = nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse worktree list: %w", err)
	}
	return worktrees, nil
}
