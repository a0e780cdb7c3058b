// Package verify inspects a worktree after a coder run.
package verify

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Verifier checks one property of a worktree.
type Verifier interface {
	// Name returns a human-readable name (e.g., "git").
	Name() string

	// Verify checks the worktree. Result.Passed is false when the check
	// fails or could not run.
	Verify(ctx context.Context) *Result
}

// Result contains the outcome of a verification run.
type Result struct {
	// Verifier is the name of the verifier (e.g., "git").
	Verifier string

	// Passed indicates whether verification passed.
	Passed bool

	// Output contains the verifier's output (e.g., git status output).
	Output string

	// Duration is how long verification took.
	Duration time.Duration

	// Error holds the underlying error if verification failed due to an error.
	Error error
}

// String returns a human-readable representation of the result.
func (r *Result) String() string {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	return fmt.Sprintf("[%s] %s (%v)", status, r.Verifier, r.Duration.Round(time.Millisecond))
}

// Results aggregates multiple verification results.
type Results struct {
	Results   []*Result
	AllPassed bool
}

// Run executes every verifier in order.
func Run(ctx context.Context, verifiers ...Verifier) *Results {
	results := make([]*Result, 0, len(verifiers))
	for _, v := range verifiers {
		results = append(results, v.Verify(ctx))
	}
	return NewResults(results)
}

// NewResults creates a Results from a slice of Result pointers.
func NewResults(results []*Result) *Results {
	allPassed := true
	for _, r := range results {
		if !r.Passed {
			allPassed = false
			break
		}
	}
	return &Results{
		Results:   results,
		AllPassed: allPassed,
	}
}

// Summary returns a human-readable summary of all results.
func (r *Results) Summary() string {
	if len(r.Results) == 0 {
		return "No verifications run"
	}

	var sb strings.Builder
	passed := 0
	for _, result := range r.Results {
		if result.Passed {
			passed++
		}
	}

	if r.AllPassed {
		fmt.Fprintf(&sb, "Verification passed (%d/%d)\n", passed, len(r.Results))
	} else {
		fmt.Fprintf(&sb, "Verification failed (%d/%d passed)\n", passed, len(r.Results))
	}

	for _, result := range r.Results {
		fmt.Fprintf(&sb, "  %s\n", result.String())
		if !result.Passed && result.Output != "" {
			for _, line := range strings.Split(strings.TrimSpace(result.Output), "\n") {
				fmt.Fprintf(&sb, "    %s\n", line)
			}
		}
	}

	return strings.TrimSuffix(sb.String(), "\n")
}
