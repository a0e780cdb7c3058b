package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Read-only ref lookups go through go-git. Anything that mutates the
// repository or touches linked worktrees uses the git binary.

func (m *Manager) openRepo() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(m.repoRoot, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return repo, nil
}

// branchExists reports whether refs/heads/<branch> exists locally.
func (m *Manager) branchExists(branch string) (bool, error) {
	repo, err := m.openRepo()
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup branch %s: %w", branch, err)
	}
	return true, nil
}

// divergedFromRemote reports whether the local branch and its remote
// tracking ref point at different commits. A missing remote ref is not
// divergence.
func (m *Manager) divergedFromRemote(branch string) (bool, error) {
	repo, err := m.openRepo()
	if err != nil {
		return false, err
	}
	local, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return false, fmt.Errorf("lookup branch %s: %w", branch, err)
	}
	remote, err := repo.Reference(plumbing.NewRemoteReferenceName(m.remote, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s/%s: %w", m.remote, branch, err)
	}
	return local.Hash() != remote.Hash(), nil
}

// GitCommonDir returns the shared .git directory of the repository a linked
// workspace belongs to. For a regular checkout it returns <dir>/.git.
func GitCommonDir(dir string) (string, error) {
	dotGit := filepath.Join(dir, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", ErrNotGitRepo
	}
	if info.IsDir() {
		return dotGit, nil
	}

	data, err := os.ReadFile(dotGit)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", dotGit, err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "gitdir:") {
		return "", ErrNotGitRepo
	}
	gitdir := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(dir, gitdir)
	}
	// <common>/.git/worktrees/<name>
	return filepath.Dir(filepath.Dir(filepath.Clean(gitdir))), nil
}

// RemoteURL returns the first configured URL of the manager's remote.
func (m *Manager) RemoteURL() (string, error) {
	repo, err := m.openRepo()
	if err != nil {
		return "", err
	}
	remote, err := repo.Remote(m.remote)
	if err != nil {
		return "", fmt.Errorf("lookup remote %s: %w", m.remote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %s has no URL", m.remote)
	}
	return urls[0], nil
}

// FindRepoRoot returns the top-level directory of the repository containing
// dir.
func FindRepoRoot(dir string) (string, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return "", ErrNotGitRepo
	}
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", ErrNotGitRepo
	}
	return wt.Filesystem.Root(), nil
}
