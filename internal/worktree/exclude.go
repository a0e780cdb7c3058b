package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pengelbrecht/patchloop/internal/checkpoint"
)

// excludePatterns are appended to .git/info/exclude so that neither the
// workspace directory nor checkpoint files show up as changes.
var excludePatterns = []string{
	DefaultWorktreeDir + "/",
	checkpoint.FileName,
}

// EnsureExclude adds the patchloop patterns to <repo>/.git/info/exclude if
// they are missing. The exclude file applies to every linked worktree.
func EnsureExclude(repoRoot string) error {
	common, err := GitCommonDir(repoRoot)
	if err != nil {
		return err
	}
	path := filepath.Join(common, "info", "exclude")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read exclude file: %w", err)
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, p := range excludePatterns {
		if !present[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create info dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open exclude file: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("# patchloop\n")
	for _, p := range missing {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write exclude file: %w", err)
	}
	return nil
}
