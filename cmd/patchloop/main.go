package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/patchloop/internal/stream"
)

var version = "dev"

// errFailedIssues is returned by run when at least one issue ended neither
// approved nor merged. The summary has already been printed.
var errFailedIssues = errors.New("one or more issues failed")

const (
	exitFailure     = 1
	exitInterrupted = 130
)

var rootCmd = &cobra.Command{
	Use:   "patchloop",
	Short: "Turn issues into merged pull requests with coding agents",
	Long: `patchloop takes GitHub or Linear issues and drives a coding agent through an
implement, review and fix loop in an isolated git worktree until a reviewer
agent approves the pull request. Several issues can run in parallel, and epics
are executed group by group in dependency order.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newUpgradeCmd())
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, stream.ErrAborted):
		return exitInterrupted
	default:
		return exitFailure
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, stream.ErrAborted) && !errors.Is(err, errFailedIssues) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}
