// Package checkpoint persists the last completed pipeline phase of an issue
// inside its workspace so an interrupted run can resume.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the checkpoint file name inside a workspace.
const FileName = ".patchloop-state.json"

// ErrUnknownStep is returned when a checkpoint file names an unknown step.
var ErrUnknownStep = errors.New("unknown checkpoint step")

// Step identifies the last completed phase.
type Step string

const (
	StepImplemented     Step = "implemented"
	StepReviewed        Step = "reviewed"
	StepFeedbackApplied Step = "feedback_applied"
)

// Checkpoint is one of Implemented, Reviewed or FeedbackApplied.
type Checkpoint interface {
	Step() Step
	Common() Base
	isCheckpoint()
}

// Base holds the fields every step carries.
type Base struct {
	SessionID string
	PRNumber  int
	PRURL     string
	RunID     string
	SavedAt   time.Time
}

// Implemented is written once the coder succeeded and a PR exists.
type Implemented struct {
	Base
}

// Reviewed is written after a review round requested changes. Comments hold
// the feedback that has not been applied yet.
type Reviewed struct {
	Base
	Round    int
	Comments string
}

// FeedbackApplied is written after the coder applied the feedback of Round.
type FeedbackApplied struct {
	Base
	Round    int
	Comments string
}

func (Implemented) Step() Step     { return StepImplemented }
func (Reviewed) Step() Step        { return StepReviewed }
func (FeedbackApplied) Step() Step { return StepFeedbackApplied }

func (c Implemented) Common() Base     { return c.Base }
func (c Reviewed) Common() Base        { return c.Base }
func (c FeedbackApplied) Common() Base { return c.Base }

func (Implemented) isCheckpoint()     {}
func (Reviewed) isCheckpoint()        {}
func (FeedbackApplied) isCheckpoint() {}

// record is the on-disk shape.
type record struct {
	Step           Step      `json:"step"`
	SessionID      string    `json:"session_id"`
	PRNumber       int       `json:"pr_number"`
	PRURL          string    `json:"pr_url"`
	ReviewRound    int       `json:"review_round,omitempty"`
	ReviewComments string    `json:"review_comments,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
	SavedAt        time.Time `json:"saved_at"`
}

func toRecord(cp Checkpoint) record {
	b := cp.Common()
	r := record{
		Step:      cp.Step(),
		SessionID: b.SessionID,
		PRNumber:  b.PRNumber,
		PRURL:     b.PRURL,
		RunID:     b.RunID,
		SavedAt:   b.SavedAt,
	}
	switch c := cp.(type) {
	case Reviewed:
		r.ReviewRound, r.ReviewComments = c.Round, c.Comments
	case FeedbackApplied:
		r.ReviewRound, r.ReviewComments = c.Round, c.Comments
	}
	return r
}

func (r record) checkpoint() (Checkpoint, error) {
	b := Base{
		SessionID: r.SessionID,
		PRNumber:  r.PRNumber,
		PRURL:     r.PRURL,
		RunID:     r.RunID,
		SavedAt:   r.SavedAt,
	}
	switch r.Step {
	case StepImplemented:
		return Implemented{Base: b}, nil
	case StepReviewed:
		return Reviewed{Base: b, Round: r.ReviewRound, Comments: r.ReviewComments}, nil
	case StepFeedbackApplied:
		return FeedbackApplied{Base: b, Round: r.ReviewRound, Comments: r.ReviewComments}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStep, r.Step)
}

// Path returns the checkpoint path for a workspace directory.
func Path(workspace string) string {
	return filepath.Join(workspace, FileName)
}

// Save writes cp atomically into the workspace. SavedAt is stamped when zero.
func Save(workspace string, cp Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint is nil")
	}
	r := toRecord(cp)
	if r.SavedAt.IsZero() {
		r.SavedAt = time.Now().UTC().Truncate(time.Second)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	data = append(data, '\n')

	return atomicWrite(Path(workspace), data)
}

// Load reads the workspace checkpoint. A missing file returns (nil, nil).
func Load(workspace string) (Checkpoint, error) {
	data, err := os.ReadFile(Path(workspace))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return r.checkpoint()
}

// Delete removes the workspace checkpoint. A missing file is not an error.
func Delete(workspace string) error {
	err := os.Remove(Path(workspace))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// atomicWrite writes data to a temp file in the same directory and renames it
// over path, so readers never observe a partial checkpoint.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".patchloop-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
