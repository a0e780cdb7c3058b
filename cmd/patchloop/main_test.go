package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pengelbrecht/patchloop/internal/checkpoint"
	"github.com/pengelbrecht/patchloop/internal/logging"
	"github.com/pengelbrecht/patchloop/internal/stream"
	"github.com/pengelbrecht/patchloop/internal/tracker"
	"github.com/pengelbrecht/patchloop/internal/worktree"
)

func TestParseIssueRefs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantSource tracker.Source
		wantIDs    []string
		wantErr    string
	}{
		{"single github", []string{"42"}, tracker.SourceGitHub, []string{"42"}, ""},
		{"comma list", []string{"42,43, 44"}, tracker.SourceGitHub, []string{"42", "43", "44"}, ""},
		{"hash prefix", []string{"#42"}, tracker.SourceGitHub, []string{"42"}, ""},
		{"several args", []string{"42", "43"}, tracker.SourceGitHub, []string{"42", "43"}, ""},
		{"duplicates dropped", []string{"42,42,43"}, tracker.SourceGitHub, []string{"42", "43"}, ""},
		{"linear", []string{"ENG-123,ENG-124"}, tracker.SourceLinear, []string{"ENG-123", "ENG-124"}, ""},
		{"empty tokens skipped", []string{"42,,"}, tracker.SourceGitHub, []string{"42"}, ""},
		{"lowercase linear rejected", []string{"eng-123"}, "", nil, "invalid issue reference"},
		{"garbage", []string{"42,abc"}, "", nil, `invalid issue reference "abc"`},
		{"mixed sources", []string{"42,ENG-1"}, "", nil, "cannot mix GitHub and Linear"},
		{"nothing", []string{" , "}, "", nil, "no issue references"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, ids, err := parseIssueRefs(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("parseIssueRefs(%v) error = %v, want %q", tt.args, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseIssueRefs(%v) error = %v", tt.args, err)
			}
			if source != tt.wantSource {
				t.Errorf("source = %q, want %q", source, tt.wantSource)
			}
			if !reflect.DeepEqual(ids, tt.wantIDs) {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{stream.ErrAborted, 130},
		{fmt.Errorf("run: %w", stream.ErrAborted), 130},
		{errFailedIssues, 1},
		{errors.New("boom"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestDisplayRef(t *testing.T) {
	if got := displayRef("42"); got != "#42" {
		t.Errorf("displayRef(42) = %q", got)
	}
	if got := displayRef("ENG-7"); got != "ENG-7" {
		t.Errorf("displayRef(ENG-7) = %q", got)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"cleanup", "config", "run", "status", "upgrade", "version"}
	var got []string
	for _, c := range rootCmd.Commands() {
		if c.Name() == "help" || c.Name() == "completion" {
			continue
		}
		got = append(got, c.Name())
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestRunFlags(t *testing.T) {
	cmd := newRunCmd()
	for _, name := range []string{
		"backend", "reviewer-backend", "coder-model", "reviewer-model", "max-rounds",
		"iteration-mode", "parallel", "workers", "main-branch", "agent-timeout",
		"merge-method", "merge-strategy", "github-transport", "clean", "debug", "jsonl",
		"config", "verbose", "log-file",
	} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("--%s not registered", name)
		}
	}
	if f := cmd.Flags().ShorthandLookup("w"); f == nil || f.Name != "workers" {
		t.Error("-w should be --workers")
	}
}

func TestRun_RejectsBadRefsBeforeLoadingAnything(t *testing.T) {
	t.Chdir(t.TempDir()) // not a git repository

	cmd := newRunCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"42,ENG-1"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "cannot mix") {
		t.Fatalf("Execute() error = %v, want mixed source error", err)
	}
}

func TestRun_RequiresGitRepository(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PATCHLOOP_LOG_LEVEL", "")

	cmd := newRunCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"42"})
	err := cmd.Execute()
	if !errors.Is(err, worktree.ErrNotGitRepo) {
		t.Fatalf("Execute() error = %v, want ErrNotGitRepo", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := newRunCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"42", "--max-rounds", "0"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "max_review_rounds must be at least 1") {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestCleanup_RequiresTarget(t *testing.T) {
	cmd := newCleanupCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--issue") {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestCleanup_IssueAndAllExclusive(t *testing.T) {
	cmd := newCleanupCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--issue", "42", "--all"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for --issue with --all")
	}
}

func TestStatusAndCleanup_InRepository(t *testing.T) {
	dir := createRepo(t)
	t.Chdir(dir)

	var out bytes.Buffer
	status := newStatusCmd()
	status.SetOut(&out)
	status.SetErr(&out)
	status.SetArgs(nil)
	if err := status.Execute(); err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out.String(), "No patchloop worktrees") {
		t.Errorf("status output = %q", out.String())
	}

	out.Reset()
	cleanup := newCleanupCmd()
	cleanup.SetOut(&out)
	cleanup.SetErr(&out)
	cleanup.SetArgs([]string{"--issue", "42"})
	if err := cleanup.Execute(); err != nil {
		t.Fatalf("cleanup error = %v", err)
	}
	if !strings.Contains(out.String(), "No worktree found") {
		t.Errorf("cleanup output = %q", out.String())
	}
}

func TestStatusRow(t *testing.T) {
	a := &app{log: logging.Discard()}
	dir := t.TempDir()

	row := statusRow(a, &worktree.Worktree{Slug: "42", Path: dir})
	if row.Issue != "#42" || row.Status != "in progress" {
		t.Errorf("row without checkpoint = %+v", row)
	}

	cp := checkpoint.Reviewed{
		Base:  checkpoint.Base{PRNumber: 7, PRURL: "https://github.com/o/r/pull/7"},
		Round: 2,
	}
	if err := checkpoint.Save(dir, cp); err != nil {
		t.Fatal(err)
	}
	row = statusRow(a, &worktree.Worktree{Slug: "42", Path: dir})
	if row.Status != "reviewed" || row.Rounds != 2 || row.PR != "https://github.com/o/r/pull/7" {
		t.Errorf("row = %+v", row)
	}

	if err := os.WriteFile(checkpoint.Path(dir), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	row = statusRow(a, &worktree.Worktree{Slug: "ENG-1", Path: dir})
	if row.Issue != "ENG-1" || row.Status != "unknown" || row.Error == "" {
		t.Errorf("row with broken checkpoint = %+v", row)
	}
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	t.Setenv("LINEAR_API_KEY", "")
	path := filepath.Join(t.TempDir(), ".patchloop.toml")
	body := "[patchloop]\ncoder_backend = \"codex\"\nlinear_api_key = \"lin_secret\"\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := newConfigCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--show", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "# "+path) {
		t.Errorf("output should name the config file:\n%s", text)
	}
	if !strings.Contains(text, "codex") {
		t.Errorf("output missing coder backend:\n%s", text)
	}
	if strings.Contains(text, "lin_secret") {
		t.Errorf("output leaks the Linear key:\n%s", text)
	}
}

func TestPositiveInt(t *testing.T) {
	for _, s := range []string{"1", "12"} {
		if err := positiveInt(s); err != nil {
			t.Errorf("positiveInt(%q) = %v", s, err)
		}
	}
	for _, s := range []string{"0", "-3", "x", ""} {
		if err := positiveInt(s); err == nil {
			t.Errorf("positiveInt(%q) should fail", s)
		}
	}
}

func TestNewLogger(t *testing.T) {
	t.Setenv("PATCHLOOP_LOG_LEVEL", "")
	var buf bytes.Buffer

	log, closeLog, err := newLogger(&buf, false, "")
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	log.Warn("shown")
	closeLog()
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("default level output = %q", buf.String())
	}

	buf.Reset()
	log, _, _ = newLogger(&buf, true, "")
	log.Debug("debugging")
	if !strings.Contains(buf.String(), "debugging") {
		t.Errorf("verbose output = %q", buf.String())
	}

	t.Setenv("PATCHLOOP_LOG_LEVEL", "loud")
	if _, _, err := newLogger(&buf, false, ""); err == nil {
		t.Error("expected an error for an unknown level")
	}

	t.Setenv("PATCHLOOP_LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "logs", "patchloop.log")
	log, closeLog, err = newLogger(&buf, false, path)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("to file")
	closeLog()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file = %q", data)
	}
}

type fakeIssues map[string]*tracker.Issue

func (f fakeIssues) FetchIssue(_ context.Context, id string) (*tracker.Issue, error) {
	if issue, ok := f[id]; ok {
		return issue, nil
	}
	return nil, errors.New("not found")
}

type fakePlanner [][]string

func (f fakePlanner) FetchDependencyGraph(context.Context, string) ([][]string, error) {
	return f, nil
}

func TestDetectEpic(t *testing.T) {
	ctx := context.Background()
	issues := fakeIssues{
		"1": {Source: tracker.SourceGitHub, ID: "1", Title: "Epic", Body: "Tracks #2 and #3."},
		"4": {Source: tracker.SourceGitHub, ID: "4", Title: "Bug", Body: "Broken since #2."},
	}

	plan, ok, err := detectEpic(ctx, "1", issues, nil)
	if err != nil || !ok {
		t.Fatalf("detectEpic(1) = %v, %v", ok, err)
	}
	if plan.Parent != "1" || !reflect.DeepEqual(plan.Groups, [][]string{{"2"}, {"3"}}) {
		t.Errorf("plan = %+v", plan)
	}

	if _, ok, err := detectEpic(ctx, "4", issues, nil); ok || err != nil {
		t.Errorf("detectEpic(4) = %v, %v, want not an epic", ok, err)
	}

	if _, _, err := detectEpic(ctx, "9", issues, nil); err == nil {
		t.Error("expected a fetch error")
	}

	plan, ok, err = detectEpic(ctx, "ENG-1", nil, fakePlanner{{"ENG-2", "ENG-3"}, {"ENG-4"}})
	if err != nil || !ok || plan.Parent != "ENG-1" || len(plan.Groups) != 2 {
		t.Errorf("linear plan = %+v, %v, %v", plan, ok, err)
	}

	if _, ok, _ := detectEpic(ctx, "ENG-5", nil, fakePlanner(nil)); ok {
		t.Error("an issue without children is not an epic")
	}
}

func createRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
		{"config", "commit.gpgsign", "false"},
		{"commit", "--allow-empty", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	return dir
}
