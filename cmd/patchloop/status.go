package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/patchloop/internal/checkpoint"
	"github.com/pengelbrecht/patchloop/internal/console"
	"github.com/pengelbrecht/patchloop/internal/worktree"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List patchloop worktrees and their saved progress",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().Bool("jsonl", false, "print rows as JSON lines")
	addCommonFlags(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	jsonl, _ := cmd.Flags().GetBool("jsonl")
	a, err := newApp(cmd, jsonl)
	if err != nil {
		return err
	}
	defer a.Close()

	worktrees, err := a.wt.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(worktrees) == 0 {
		a.out.Event("", console.KindInfo, "No patchloop worktrees")
		return nil
	}

	rows := make([]console.Row, 0, len(worktrees))
	for _, wt := range worktrees {
		rows = append(rows, statusRow(a, wt))
	}
	a.out.Summary(rows)
	return nil
}

// statusRow describes a worktree from its checkpoint. Worktrees without one
// have not finished implementation yet.
func statusRow(a *app, wt *worktree.Worktree) console.Row {
	row := console.Row{Issue: displayRef(wt.Slug), Status: "in progress"}
	cp, err := checkpoint.Load(wt.Path)
	if err != nil {
		a.log.Warn("unreadable checkpoint", "path", wt.Path, "error", err)
		row.Status = "unknown"
		row.Error = err.Error()
		return row
	}
	if cp == nil {
		return row
	}

	base := cp.Common()
	row.Status = string(cp.Step())
	row.PR = base.PRURL
	if row.PR == "" && base.PRNumber > 0 {
		row.PR = fmt.Sprintf("#%d", base.PRNumber)
	}
	switch c := cp.(type) {
	case checkpoint.Reviewed:
		row.Rounds = c.Round
	case checkpoint.FeedbackApplied:
		row.Rounds = c.Round
	}
	return row
}
