package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/patchloop/internal/agent"
	"github.com/pengelbrecht/patchloop/internal/config"
	"github.com/pengelbrecht/patchloop/internal/console"
	"github.com/pengelbrecht/patchloop/internal/dispatch"
	"github.com/pengelbrecht/patchloop/internal/pipeline"
	"github.com/pengelbrecht/patchloop/internal/prompt"
	"github.com/pengelbrecht/patchloop/internal/review"
	"github.com/pengelbrecht/patchloop/internal/stream"
	"github.com/pengelbrecht/patchloop/internal/tracker"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <issues>",
		Short: "Implement, review and merge one or more issues",
		Long: `Run takes a comma separated list of GitHub issue numbers (42,43) or Linear
ids (ENG-123,ENG-124). Each issue gets its own worktree and branch, a coder
agent implements it and opens a pull request, and a reviewer agent reviews
it until approval or the round limit.

A single epic issue is expanded into its child issues, which run group by
group in dependency order before the epic itself.`,
		Example: `  patchloop run 42
  patchloop run 42,43,44 --workers 3
  patchloop run ENG-123 --merge-strategy wait`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIssues,
	}

	f := cmd.Flags()
	f.String("backend", "", "coder agent backend (claude-code, codex)")
	f.String("reviewer-backend", "", "reviewer agent backend (claude-code, codex)")
	f.String("coder-model", "", "model passed to the coder agent")
	f.String("reviewer-model", "", "model passed to the reviewer agent")
	f.IntP("max-rounds", "n", 0, "maximum review rounds per issue")
	f.String("iteration-mode", "", "full or single-pass (skip review)")
	f.Bool("parallel", false, "run issues concurrently (never merges)")
	f.IntP("workers", "w", 0, "parallel workers (implies --parallel)")
	f.String("main-branch", "", "base branch for worktrees and pull requests")
	f.Int("agent-timeout", 0, "agent timeout in seconds")
	f.String("merge-method", "", "squash, merge or rebase")
	f.String("merge-strategy", "", "auto, wait or skip")
	f.String("github-transport", "", "gh (GitHub CLI) or api (REST with GITHUB_TOKEN)")
	f.Bool("clean", false, "remove existing worktrees of the selected issues first")
	f.Bool("debug", false, "confirm each pipeline step interactively")
	f.Bool("jsonl", false, "print progress as JSON lines")
	addCommonFlags(cmd)
	return cmd
}

// addCommonFlags registers the config and logging flags.
func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "config file (default: .patchloop.toml found from the working directory)")
	f.BoolP("verbose", "v", false, "debug logging")
	f.String("log-file", "", "append diagnostic logs to this file")
}

func runIssues(cmd *cobra.Command, args []string) error {
	source, ids, err := parseIssueRefs(args)
	if err != nil {
		return err
	}
	if w := cmd.Flags().Lookup("workers"); w != nil && w.Changed {
		if err := cmd.Flags().Set("parallel", "true"); err != nil {
			return err
		}
	}

	jsonl, _ := cmd.Flags().GetBool("jsonl")
	a, err := newApp(cmd, jsonl)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	states, err := a.run(ctx, cmd, source, ids)
	if errors.Is(err, stream.ErrAborted) {
		a.out.Interrupted()
		return err
	}
	if err != nil {
		return err
	}
	if dispatch.Failed(states) {
		return errFailedIssues
	}
	return nil
}

func (a *app) run(ctx context.Context, cmd *cobra.Command, source tracker.Source, ids []string) ([]*pipeline.State, error) {
	cfg := a.cfg
	host, err := a.codeHost(ctx)
	if err != nil {
		return nil, err
	}
	issues, planner, notifier, err := a.trackers(source, host)
	if err != nil {
		return nil, err
	}

	// Agent streams would corrupt JSON lines on stdout.
	var agentOut io.Writer = cmd.OutOrStdout()
	if jsonl, _ := cmd.Flags().GetBool("jsonl"); jsonl {
		agentOut = cmd.ErrOrStderr()
	}
	runner := stream.NewRunner(agentOut, cmd.ErrOrStderr())
	reg := agent.DefaultRegistry()
	coder, err := a.backend(reg, cfg.CoderBackend, cfg.CoderModel, agent.Options{Runner: runner})
	if err != nil {
		return nil, err
	}
	reviewAgent, err := a.backend(reg, cfg.ReviewerBackend, cfg.ReviewerModel, agent.Options{Runner: runner})
	if err != nil {
		return nil, err
	}

	runID := dispatch.NewRunID()
	prompts := prompt.NewBuilder()
	debug, _ := cmd.Flags().GetBool("debug")
	clean, _ := cmd.Flags().GetBool("clean")

	engine := pipeline.New(pipeline.Deps{
		Workspaces: a.wt,
		Coder:      coder,
		NewReviewer: func() pipeline.Reviewer {
			return review.New(reviewAgent, host, review.Options{
				Timeout: cfg.Timeout(),
				Prompts: prompts,
				Logger:  a.log,
			})
		},
		PRs:      host,
		Notifier: notifier,
		Console:  a.out,
		Prompts:  prompts,
		Logger:   a.log.With("run_id", runID),
	}, pipeline.Config{
		BaseBranch:   cfg.MainBranch,
		MaxRounds:    cfg.MaxReviewRounds,
		SinglePass:   cfg.SinglePass(),
		AgentTimeout: cfg.Timeout(),
		Debug:        debug,
		RunID:        runID,
		CoderName:    cfg.CoderBackend,
		ReviewerName: cfg.ReviewerBackend,
	})

	d := dispatch.New(dispatch.Deps{
		Runner:     engine,
		Issues:     issues,
		PRs:        host,
		Workspaces: a.wt,
		Console:    a.out,
		Logger:     a.log,
	}, dispatch.Config{
		BaseBranch:    cfg.MainBranch,
		Parallel:      !cfg.Sequential,
		Workers:       cfg.ParallelWorkers,
		MergeStrategy: dispatch.MergeStrategy(cfg.MergeStrategy),
		MergeMethod:   tracker.MergeMethod(cfg.MergeMethod),
		Clean:         clean,
		RunID:         runID,
	})
	a.log.Info("run started", "run_id", runID, "issues", strings.Join(ids, ","),
		"coder", cfg.CoderBackend, "reviewer", cfg.ReviewerBackend)
	a.printSettings(ids)

	if len(ids) == 1 {
		plan, ok, err := detectEpic(ctx, ids[0], issues, planner)
		if err != nil {
			if ctx.Err() != nil {
				return nil, stream.ErrAborted
			}
			return nil, err
		}
		if ok {
			return d.RunEpic(ctx, plan)
		}
	}

	fetched := make([]*tracker.Issue, 0, len(ids))
	for _, id := range ids {
		issue, err := issues.FetchIssue(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, stream.ErrAborted
			}
			return nil, fmt.Errorf("failed to fetch issue %s: %w", id, err)
		}
		fetched = append(fetched, issue)
	}
	return d.Run(ctx, fetched)
}

func (a *app) printSettings(ids []string) {
	cfg := a.cfg
	mode := "sequential"
	if !cfg.Sequential {
		mode = fmt.Sprintf("parallel (%d workers)", cfg.ParallelWorkers)
	}
	a.out.Eventf("", console.KindInfo, "patchloop %s: %d issue(s), %s", version, len(ids), mode)
	a.out.Eventf("", console.KindInfo, "coder: %s, reviewer: %s, max rounds: %d, timeout: %s",
		cfg.CoderBackend, cfg.ReviewerBackend, cfg.MaxReviewRounds, cfg.Timeout().Round(time.Second))
	if a.cfgFile != "" {
		a.out.Eventf("", console.KindInfo, "config: %s", a.cfgFile)
	}
	if cfg.SinglePass() {
		a.out.Eventf("", console.KindInfo, "iteration mode: %s", config.IterationSinglePass)
	}
}
