package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/patchloop/internal/console"
)

func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove patchloop worktrees and their branches",
		Example: `  patchloop cleanup --issue 42,43
  patchloop cleanup --all`,
		Args: cobra.NoArgs,
		RunE: runCleanup,
	}
	cmd.Flags().String("issue", "", "comma separated issues whose worktrees to remove")
	cmd.Flags().Bool("all", false, "remove every patchloop worktree")
	cmd.MarkFlagsMutuallyExclusive("issue", "all")
	addCommonFlags(cmd)
	return cmd
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	all, _ := cmd.Flags().GetBool("all")
	refs, _ := cmd.Flags().GetString("issue")
	if !all && refs == "" {
		return errors.New("specify --issue <ids> or --all")
	}

	var ids []string
	if !all {
		var err error
		if _, ids, err = parseIssueRefs([]string{refs}); err != nil {
			return err
		}
	}

	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	if all {
		removed, err := a.wt.CleanupAll(ctx)
		if err != nil {
			return err
		}
		for _, path := range removed {
			a.out.Event("", console.KindWorktree, "Removed "+path)
		}
		a.out.Eventf("", console.KindInfo, "Removed %d worktree(s)", len(removed))
		return nil
	}

	for _, id := range ids {
		removed, err := a.wt.CleanupOne(ctx, id)
		if err != nil {
			return fmt.Errorf("cleanup %s: %w", id, err)
		}
		if removed {
			a.out.Event(displayRef(id), console.KindWorktree, "Worktree removed")
		} else {
			a.out.Event(displayRef(id), console.KindInfo, "No worktree found")
		}
	}
	return nil
}

// displayRef renders a GitHub number as "#42" and leaves Linear ids alone.
func displayRef(id string) string {
	if githubRef.MatchString(id) {
		return "#" + id
	}
	return id
}
