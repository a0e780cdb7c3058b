package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/pengelbrecht/patchloop/internal/agent"
	"github.com/pengelbrecht/patchloop/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or edit .patchloop.toml interactively",
		Long: `Config walks through the patchloop settings and writes them to
.patchloop.toml. Existing values are used as defaults. With --show the
resolved configuration (file, environment and defaults) is printed instead.`,
		Args: cobra.NoArgs,
		RunE: runConfig,
	}
	cmd.Flags().Bool("show", false, "print the resolved configuration and exit")
	cmd.Flags().String("path", "", "file to write (default: the existing .patchloop.toml, or one in the working directory)")
	addCommonFlags(cmd)
	return cmd
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, used, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if show, _ := cmd.Flags().GetBool("show"); show {
		data, err := redacted(cfg).Marshal()
		if err != nil {
			return err
		}
		if used != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", used)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return errors.New("config needs an interactive terminal (use --show to print the configuration)")
	}

	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		path = used
	}
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		path = filepath.Join(wd, config.FileName)
	}

	form, apply := configForm(cfg)
	if err := form.RunWithContext(cmd.Context()); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled, nothing written.")
			return nil
		}
		return err
	}
	apply()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

// redacted hides secrets before printing.
func redacted(cfg *config.Config) *config.Config {
	c := *cfg
	if c.LinearAPIKey != "" {
		c.LinearAPIKey = "********"
	}
	return &c
}

// configForm edits cfg in place. The numeric fields are copied back by
// apply once the form completes.
func configForm(cfg *config.Config) (form *huh.Form, apply func()) {
	backends := huh.NewOptions(agent.ClaudeCode, agent.Codex)
	rounds := strconv.Itoa(cfg.MaxReviewRounds)
	workers := strconv.Itoa(cfg.ParallelWorkers)
	timeout := strconv.Itoa(cfg.AgentTimeout)
	parallel := !cfg.Sequential

	form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().Title("Coder backend").Options(backends...).Value(&cfg.CoderBackend),
			huh.NewInput().Title("Coder model").Description("Empty uses the CLI default").Value(&cfg.CoderModel),
			huh.NewSelect[string]().Title("Reviewer backend").Options(backends...).Value(&cfg.ReviewerBackend),
			huh.NewInput().Title("Reviewer model").Description("Empty uses the CLI default").Value(&cfg.ReviewerModel),
		).Title("Agents"),
		huh.NewGroup(
			huh.NewSelect[string]().Title("Iteration mode").
				Options(
					huh.NewOption("Full (implement, review, fix)", config.IterationFull),
					huh.NewOption("Single pass (no review)", config.IterationSinglePass),
				).Value(&cfg.IterationMode),
			huh.NewInput().Title("Max review rounds").Value(&rounds).Validate(positiveInt),
			huh.NewInput().Title("Agent timeout (seconds)").Value(&timeout).Validate(positiveInt),
			huh.NewInput().Title("Main branch").Value(&cfg.MainBranch).Validate(nonEmpty),
		).Title("Pipeline"),
		huh.NewGroup(
			huh.NewConfirm().Title("Run issues in parallel by default?").Value(&parallel),
			huh.NewInput().Title("Parallel workers").Value(&workers).Validate(positiveInt),
			huh.NewSelect[string]().Title("Merge strategy").
				Options(
					huh.NewOption("Merge automatically", "auto"),
					huh.NewOption("Wait for a manual merge", "wait"),
					huh.NewOption("Leave the PR open", "skip"),
				).Value(&cfg.MergeStrategy),
			huh.NewSelect[string]().Title("Merge method").Options(huh.NewOptions("squash", "merge", "rebase")...).Value(&cfg.MergeMethod),
		).Title("Dispatch"),
		huh.NewGroup(
			huh.NewSelect[string]().Title("GitHub transport").
				Options(
					huh.NewOption("gh CLI", config.TransportGH),
					huh.NewOption("REST API (GITHUB_TOKEN)", config.TransportAPI),
				).Value(&cfg.GitHubTransport),
			huh.NewConfirm().Title("Post progress comments on Linear issues?").Value(&cfg.LinearPostComment),
			huh.NewConfirm().Title("Skip agent permission prompts?").Value(&cfg.SkipPermissions),
		).Title("Integrations"),
	).WithTheme(huh.ThemeCharm()).
		WithAccessible(os.Getenv("ACCESSIBLE") != "")

	apply = func() {
		cfg.MaxReviewRounds, _ = strconv.Atoi(rounds)
		cfg.ParallelWorkers, _ = strconv.Atoi(workers)
		cfg.AgentTimeout, _ = strconv.Atoi(timeout)
		cfg.Sequential = !parallel
	}
	return form, apply
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return errors.New("enter a whole number of at least 1")
	}
	return nil
}

func nonEmpty(s string) error {
	if s == "" {
		return errors.New("required")
	}
	return nil
}
