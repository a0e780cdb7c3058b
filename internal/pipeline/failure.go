package pipeline

import (
	"errors"
	"fmt"

	"github.com/pengelbrecht/patchloop/internal/worktree"
)

// failure is a run error with the sentence reported to the user in
// State.Error and in tracker notices. err is what gets logged.
type failure struct {
	reason string
	err    error
}

func (f *failure) Error() string { return f.err.Error() }

func (f *failure) Unwrap() error { return f.err }

func coderFailed(detail string) error {
	return &failure{
		reason: "Coder agent failed: " + detail,
		err:    fmt.Errorf("coder agent failed: %s", detail),
	}
}

func feedbackFailed(detail string) error {
	return &failure{
		reason: "Coder agent failed on feedback: " + detail,
		err:    fmt.Errorf("coder agent failed on feedback: %s", detail),
	}
}

func reviewerFailed(detail string) error {
	return &failure{
		reason: "Reviewer error: " + detail,
		err:    fmt.Errorf("reviewer error: %s", detail),
	}
}

func roundsExhausted(rounds int) error {
	return &failure{
		reason: fmt.Sprintf("Exhausted %d review rounds without approval", rounds),
		err:    fmt.Errorf("exhausted %d review rounds without approval", rounds),
	}
}

func rebaseConflict(conflict *worktree.RebaseConflictError) error {
	return &failure{
		reason: fmt.Sprintf("Rebase onto origin/%s failed (merge conflict). Manual resolution required.", conflict.Base),
		err:    conflict,
	}
}

// reason returns the user-facing text for a run error.
func reason(err error) string {
	var f *failure
	if errors.As(err, &f) {
		return f.reason
	}
	return err.Error()
}
