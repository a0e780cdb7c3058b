package verify

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pengelbrecht/patchloop/internal/checkpoint"
)

// excludedPaths are patchloop's own files, which never count as changes.
var excludedPaths = []string{
	checkpoint.FileName,
}

// GitVerifier checks that there are no uncommitted changes.
type GitVerifier struct {
	dir string
}

// NewGitVerifier creates a git verifier for dir. Returns nil if dir is not
// a git checkout; linked worktrees (where .git is a file) are accepted.
func NewGitVerifier(dir string) *GitVerifier {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return nil
	}
	return &GitVerifier{dir: dir}
}

// Name returns "git".
func (v *GitVerifier) Name() string {
	return "git"
}

// Verify passes if the working tree is clean and lists the changes otherwise.
func (v *GitVerifier) Verify(ctx context.Context) *Result {
	start := time.Now()
	result := &Result{Verifier: v.Name()}

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = v.dir
	output, err := cmd.Output()
	result.Duration = time.Since(start)

	if err != nil {
		result.Error = err
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			result.Output = "git command not found"
		} else {
			result.Output = err.Error()
		}
		return result
	}

	// Only trim newlines: the leading space of " M path" is part of the status.
	changes := filterExcludedPaths(strings.TrimRight(string(output), "\n"))
	if changes == "" {
		result.Passed = true
		result.Output = "working tree clean"
		return result
	}
	result.Output = changes
	return result
}

// Dirty reports whether dir has uncommitted changes besides patchloop's own
// files. Errors count as clean.
func Dirty(ctx context.Context, dir string) bool {
	v := NewGitVerifier(dir)
	if v == nil {
		return false
	}
	r := v.Verify(ctx)
	return !r.Passed && r.Error == nil
}

// filterExcludedPaths removes lines for excluded paths from git status
// --porcelain output, whose lines read "XY PATH".
func filterExcludedPaths(output string) string {
	if output == "" {
		return ""
	}

	var filtered []string
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		path := ""
		if len(line) > 3 {
			path = line[3:]
		}

		excluded := false
		for _, p := range excludedPaths {
			if path == p || strings.HasPrefix(path, p+"/") {
				excluded = true
				break
			}
		}
		if !excluded {
			filtered = append(filtered, line)
		}
	}
	return strings.Join(filtered, "\n")
}

// PushVerifier checks that every local commit has been pushed upstream.
type PushVerifier struct {
	dir string
}

// NewPushVerifier creates a push verifier for dir. Returns nil if dir is not
// a git checkout.
func NewPushVerifier(dir string) *PushVerifier {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return nil
	}
	return &PushVerifier{dir: dir}
}

// Name returns "push".
func (v *PushVerifier) Name() string {
	return "push"
}

// Verify passes if HEAD has an upstream and is not ahead of it.
func (v *PushVerifier) Verify(ctx context.Context) *Result {
	start := time.Now()
	result := &Result{Verifier: v.Name()}

	cmd := exec.CommandContext(ctx, "git", "rev-list", "--count", "@{upstream}..HEAD")
	cmd.Dir = v.dir
	output, err := cmd.Output()
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		result.Output = "branch has no upstream"
		return result
	}

	ahead, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		result.Error = err
		result.Output = err.Error()
		return result
	}
	if ahead > 0 {
		result.Output = strconv.Itoa(ahead) + " commit(s) not pushed"
		return result
	}
	result.Passed = true
	result.Output = "up to date with upstream"
	return result
}
