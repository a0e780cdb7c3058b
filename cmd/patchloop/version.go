package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/patchloop/internal/update"
)

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version and check for updates",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "patchloop %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
			if skip, _ := cmd.Flags().GetBool("no-check"); skip {
				return
			}
			if notice := update.CheckPeriodically(cmd.Context(), version); notice != "" {
				fmt.Fprintln(out, notice)
			}
		},
	}
	cmd.Flags().Bool("no-check", false, "do not check for a newer release")
	return cmd
}

func newUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade patchloop to the latest release",
		Long:  `Downloads the latest GitHub release and replaces the running binary. Homebrew installs are upgraded with brew instead.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Current version: %s\n", version)
			fmt.Fprintln(out, "Checking for updates...")

			installed, err := update.Update(cmd.Context(), version)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), update.Instructions(update.DetectInstallMethod()))
				return err
			}
			fmt.Fprintf(out, "Upgraded to %s\n", installed)
			return nil
		},
	}
}
