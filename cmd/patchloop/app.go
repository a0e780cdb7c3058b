package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/patchloop/internal/agent"
	"github.com/pengelbrecht/patchloop/internal/config"
	"github.com/pengelbrecht/patchloop/internal/console"
	"github.com/pengelbrecht/patchloop/internal/epic"
	"github.com/pengelbrecht/patchloop/internal/logging"
	"github.com/pengelbrecht/patchloop/internal/tracker"
	"github.com/pengelbrecht/patchloop/internal/tracker/github"
	"github.com/pengelbrecht/patchloop/internal/tracker/linear"
	"github.com/pengelbrecht/patchloop/internal/worktree"
)

// codeHost fetches GitHub issues and manages pull requests.
type codeHost interface {
	tracker.Issues
	tracker.PullRequests
}

// app holds the collaborators shared by the commands of one invocation.
type app struct {
	cfg      *config.Config
	cfgFile  string
	log      *slog.Logger
	out      *console.Output
	wt       *worktree.Manager
	closeLog func()
}

// newApp loads the configuration, opens the logger and locates the
// repository containing the working directory.
func newApp(cmd *cobra.Command, jsonl bool) (*app, error) {
	cfg, used, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logFile, _ := cmd.Flags().GetString("log-file")
	log, closeLog, err := newLogger(cmd.ErrOrStderr(), verbose, logFile)
	if err != nil {
		return nil, err
	}
	if used != "" {
		log.Debug("loaded config", "path", used)
	}

	wd, err := os.Getwd()
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	root, err := worktree.FindRepoRoot(wd)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("%s: %w", wd, err)
	}
	wt, err := worktree.NewManager(root)
	if err != nil {
		closeLog()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		cfgFile:  used,
		log:      log,
		out:      console.New(cmd.OutOrStdout(), jsonl),
		wt:       wt.WithLogger(log),
		closeLog: closeLog,
	}, nil
}

func (a *app) Close() {
	a.closeLog()
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	l := config.NewLoader()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		l.WithConfigFile(path)
	}
	if err := l.BindFlags(cmd.Flags()); err != nil {
		return nil, "", err
	}
	cfg, err := l.Load()
	if err != nil {
		return nil, "", err
	}
	return cfg, l.ConfigFileUsed(), nil
}

// newLogger writes diagnostics to the log file when given, otherwise to
// stderr. PATCHLOOP_LOG_LEVEL sets the level; --verbose forces debug.
func newLogger(stderr io.Writer, verbose bool, path string) (*slog.Logger, func(), error) {
	level := slog.LevelWarn
	if path != "" {
		level = slog.LevelInfo
	}
	if env := os.Getenv("PATCHLOOP_LOG_LEVEL"); env != "" {
		l, err := logging.ParseLevel(env)
		if err != nil {
			return nil, nil, fmt.Errorf("PATCHLOOP_LOG_LEVEL: %w", err)
		}
		level = l
	}
	if verbose {
		level = slog.LevelDebug
	}

	if path == "" {
		return logging.New(stderr, level), func() {}, nil
	}
	f, err := logging.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	return logging.New(f, level), func() { _ = f.Close() }, nil
}

// codeHost returns the GitHub client for the configured transport.
func (a *app) codeHost(ctx context.Context) (codeHost, error) {
	if a.cfg.GitHubTransport == config.TransportAPI {
		url, err := a.wt.RemoteURL()
		if err != nil {
			return nil, err
		}
		owner, repo, err := github.ParseRemote(url)
		if err != nil {
			return nil, err
		}
		client, err := github.NewAPIClient(ctx, a.cfg.GitHubToken, owner, repo)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client := github.NewCLIClient(a.wt.RepoRoot())
	if !client.Available() {
		return nil, errors.New(`gh CLI not found on PATH (install it or set github_transport = "api")`)
	}
	return client, nil
}

// trackers returns the issue source and, for Linear, the planner and the
// optional progress notifier.
func (a *app) trackers(source tracker.Source, host codeHost) (tracker.Issues, tracker.Planner, tracker.Notifier, error) {
	if source != tracker.SourceLinear {
		return host, nil, nil, nil
	}
	client, err := linear.New(a.cfg.LinearAPIKey, linear.WithLogger(a.log))
	if err != nil {
		return nil, nil, nil, err
	}
	if !a.cfg.LinearPostComment {
		return client, client, nil, nil
	}
	return client, client, client, nil
}

// backend creates an agent backend and checks its CLI is installed.
func (a *app) backend(reg *agent.Registry, name, model string, opts agent.Options) (agent.Backend, error) {
	opts.Model = model
	opts.SkipPermissions = a.cfg.SkipPermissions
	b, err := reg.New(name, opts)
	if err != nil {
		return nil, err
	}
	if !b.Available() {
		return nil, fmt.Errorf("%s CLI not found on PATH", name)
	}
	return b, nil
}

// detectEpic reports the execution plan when id names an epic. Linear
// epics come from child issues and their relations; GitHub epics from the
// issue body.
func detectEpic(ctx context.Context, id string, issues tracker.Issues, planner tracker.Planner) (epic.Plan, bool, error) {
	if planner != nil {
		groups, err := planner.FetchDependencyGraph(ctx, id)
		if err != nil {
			return epic.Plan{}, false, fmt.Errorf("failed to fetch dependency graph for %s: %w", id, err)
		}
		if len(groups) == 0 {
			return epic.Plan{}, false, nil
		}
		return epic.Plan{Parent: id, Groups: groups}, true, nil
	}

	issue, err := issues.FetchIssue(ctx, id)
	if err != nil {
		return epic.Plan{}, false, fmt.Errorf("failed to fetch issue %s: %w", id, err)
	}
	if !epic.IsEpic(issue) {
		return epic.Plan{}, false, nil
	}
	plan := epic.ExtractPlan(issue)
	if plan.Len() == 0 {
		return epic.Plan{}, false, nil
	}
	return plan, true, nil
}
