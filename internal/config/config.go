// Package config loads patchloop settings from .patchloop.toml, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pengelbrecht/patchloop/internal/agent"
)

// FileName is the project config file, found by walking up from the
// working directory.
const FileName = ".patchloop.toml"

// section is the TOML table holding the settings.
const section = "patchloop"

// ErrInvalid is wrapped by Validate errors.
var ErrInvalid = errors.New("invalid configuration")

// Iteration modes.
const (
	IterationFull       = "full"
	IterationSinglePass = "single-pass"
)

// GitHub transports.
const (
	TransportGH  = "gh"
	TransportAPI = "api"
)

// Config holds the resolved settings.
type Config struct {
	CoderBackend    string `toml:"coder_backend"`
	ReviewerBackend string `toml:"reviewer_backend"`
	CoderModel      string `toml:"coder_model,omitempty"`
	ReviewerModel   string `toml:"reviewer_model,omitempty"`

	MaxReviewRounds int    `toml:"max_review_rounds"`
	IterationMode   string `toml:"iteration_mode"`
	ParallelWorkers int    `toml:"parallel_workers"`
	Sequential      bool   `toml:"sequential"`
	MainBranch      string `toml:"main_branch"`

	// AgentTimeout is in seconds.
	AgentTimeout int `toml:"agent_timeout"`

	MergeMethod   string `toml:"merge_method"`
	MergeStrategy string `toml:"merge_strategy"`

	LinearAPIKey      string `toml:"linear_api_key,omitempty" comment:"Prefer setting LINEAR_API_KEY in the environment"`
	LinearPostComment bool   `toml:"linear_post_comment"`
	SkipPermissions   bool   `toml:"skip_permissions"`

	GitHubTransport string `toml:"github_transport"`

	// GitHubToken is only read from the environment.
	GitHubToken string `toml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		CoderBackend:      agent.ClaudeCode,
		ReviewerBackend:   agent.ClaudeCode,
		MaxReviewRounds:   4,
		IterationMode:     IterationFull,
		ParallelWorkers:   2,
		Sequential:        true,
		MainBranch:        "main",
		AgentTimeout:      600,
		MergeMethod:       "squash",
		MergeStrategy:     "auto",
		LinearPostComment: true,
		SkipPermissions:   true,
		GitHubTransport:   TransportGH,
	}
}

// Timeout returns AgentTimeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.AgentTimeout) * time.Second
}

// SinglePass reports whether review is skipped.
func (c *Config) SinglePass() bool {
	return c.IterationMode == IterationSinglePass
}

// Validate checks enums and bounds.
func (c *Config) Validate() error {
	var problems []string
	oneOf := func(field, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			problems = append(problems, fmt.Sprintf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value))
		}
	}
	atLeastOne := func(field string, value int) {
		if value < 1 {
			problems = append(problems, fmt.Sprintf("%s must be at least 1, got %d", field, value))
		}
	}

	oneOf("coder_backend", c.CoderBackend, agent.ClaudeCode, agent.Codex)
	oneOf("reviewer_backend", c.ReviewerBackend, agent.ClaudeCode, agent.Codex)
	oneOf("iteration_mode", c.IterationMode, IterationFull, IterationSinglePass)
	oneOf("merge_method", c.MergeMethod, "squash", "merge", "rebase")
	oneOf("merge_strategy", c.MergeStrategy, "auto", "wait", "skip")
	oneOf("github_transport", c.GitHubTransport, TransportGH, TransportAPI)
	atLeastOne("max_review_rounds", c.MaxReviewRounds)
	atLeastOne("parallel_workers", c.ParallelWorkers)
	atLeastOne("agent_timeout", c.AgentTimeout)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Marshal renders the config as a .patchloop.toml document.
func (c *Config) Marshal() ([]byte, error) {
	doc := struct {
		Patchloop *Config `toml:"patchloop"`
	}{c}
	return toml.Marshal(doc)
}

// Save writes the config to path.
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	mode := os.FileMode(0o644)
	if c.LinearAPIKey != "" {
		mode = 0o600
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Find walks up from dir looking for FileName. It returns "" when none
// exists.
func Find(dir string) string {
	for {
		candidate := filepath.Join(dir, FileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// envNames maps keys to their environment variables.
var envNames = map[string]string{
	"coder_backend":     "PATCHLOOP_BACKEND",
	"reviewer_backend":  "PATCHLOOP_REVIEWER_BACKEND",
	"max_review_rounds": "PATCHLOOP_MAX_ROUNDS",
	"iteration_mode":    "PATCHLOOP_ITERATION_MODE",
	"parallel_workers":  "PATCHLOOP_PARALLEL",
	"main_branch":       "PATCHLOOP_MAIN_BRANCH",
	"agent_timeout":     "PATCHLOOP_AGENT_TIMEOUT",
	"coder_model":       "PATCHLOOP_CODER_MODEL",
	"reviewer_model":    "PATCHLOOP_REVIEWER_MODEL",
	"linear_api_key":    "LINEAR_API_KEY",
	"github_token":      "GITHUB_TOKEN",
}

// flagNames maps command-line flags to keys.
var flagNames = map[string]string{
	"backend":          "coder_backend",
	"reviewer-backend": "reviewer_backend",
	"max-rounds":       "max_review_rounds",
	"iteration-mode":   "iteration_mode",
	"workers":          "parallel_workers",
	"main-branch":      "main_branch",
	"agent-timeout":    "agent_timeout",
	"coder-model":      "coder_model",
	"reviewer-model":   "reviewer_model",
	"merge-method":     "merge_method",
	"merge-strategy":   "merge_strategy",
	"github-transport": "github_transport",
}

// Loader resolves a Config from its layers.
type Loader struct {
	v    *viper.Viper
	dir  string
	file string
	used string
}

// NewLoader creates a loader that searches from the working directory.
func NewLoader() *Loader {
	v := viper.New()
	d := Default()
	for k, val := range map[string]any{
		"coder_backend":       d.CoderBackend,
		"reviewer_backend":    d.ReviewerBackend,
		"coder_model":         d.CoderModel,
		"reviewer_model":      d.ReviewerModel,
		"max_review_rounds":   d.MaxReviewRounds,
		"iteration_mode":      d.IterationMode,
		"parallel_workers":    d.ParallelWorkers,
		"sequential":          d.Sequential,
		"main_branch":         d.MainBranch,
		"agent_timeout":       d.AgentTimeout,
		"merge_method":        d.MergeMethod,
		"merge_strategy":      d.MergeStrategy,
		"linear_api_key":      d.LinearAPIKey,
		"linear_post_comment": d.LinearPostComment,
		"skip_permissions":    d.SkipPermissions,
		"github_transport":    d.GitHubTransport,
		"github_token":        "",
	} {
		v.SetDefault(key(k), val)
	}
	for k, env := range envNames {
		_ = v.BindEnv(key(k), env)
	}
	return &Loader{v: v}
}

// WithDir sets the directory the config file search starts from.
func (l *Loader) WithDir(dir string) *Loader {
	l.dir = dir
	return l
}

// WithConfigFile uses path instead of searching for FileName.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.file = path
	return l
}

// BindFlags binds the known flags present in fs. A "parallel" flag that was
// set turns sequential mode off.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	for name, k := range flagNames {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := l.v.BindPFlag(key(k), f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	if f := fs.Lookup("parallel"); f != nil && f.Changed && f.Value.String() == "true" {
		l.v.Set(key("sequential"), false)
	}
	return nil
}

// ConfigFileUsed returns the config file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.used
}

// Load reads the layers and validates the result.
func (l *Loader) Load() (*Config, error) {
	path := l.file
	if path == "" {
		dir := l.dir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("failed to get working directory: %w", err)
			}
			dir = wd
		}
		path = Find(dir)
	}
	if path != "" {
		l.v.SetConfigFile(path)
		l.v.SetConfigType("toml")
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		l.used = path
	}

	v := l.v
	cfg := &Config{
		CoderBackend:      v.GetString(key("coder_backend")),
		ReviewerBackend:   v.GetString(key("reviewer_backend")),
		CoderModel:        v.GetString(key("coder_model")),
		ReviewerModel:     v.GetString(key("reviewer_model")),
		MaxReviewRounds:   v.GetInt(key("max_review_rounds")),
		IterationMode:     v.GetString(key("iteration_mode")),
		ParallelWorkers:   v.GetInt(key("parallel_workers")),
		Sequential:        v.GetBool(key("sequential")),
		MainBranch:        v.GetString(key("main_branch")),
		AgentTimeout:      v.GetInt(key("agent_timeout")),
		MergeMethod:       v.GetString(key("merge_method")),
		MergeStrategy:     v.GetString(key("merge_strategy")),
		LinearAPIKey:      v.GetString(key("linear_api_key")),
		LinearPostComment: v.GetBool(key("linear_post_comment")),
		SkipPermissions:   v.GetBool(key("skip_permissions")),
		GitHubTransport:   v.GetString(key("github_transport")),
		GitHubToken:       v.GetString(key("github_token")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func key(name string) string {
	return section + "." + name
}
