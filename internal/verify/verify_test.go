package verify

import (
	"context"
	"strings"
	"testing"
	"time"
)

type stubVerifier struct {
	name   string
	passed bool
	output string
}

func (s stubVerifier) Name() string { return s.name }

func (s stubVerifier) Verify(context.Context) *Result {
	return &Result{Verifier: s.name, Passed: s.passed, Output: s.output, Duration: 1500 * time.Microsecond}
}

func TestResult_String(t *testing.T) {
	r := &Result{Verifier: "git", Passed: true, Duration: 1500 * time.Microsecond}
	if got := r.String(); got != "[PASS] git (2ms)" {
		t.Errorf("String() = %q", got)
	}
	r.Passed = false
	if got := r.String(); !strings.HasPrefix(got, "[FAIL] git") {
		t.Errorf("String() = %q", got)
	}
}

func TestRun(t *testing.T) {
	results := Run(context.Background(),
		stubVerifier{name: "git", passed: true},
		stubVerifier{name: "push", output: "2 commit(s) not pushed"},
	)
	if results.AllPassed {
		t.Error("AllPassed = true with a failing verifier")
	}
	if len(results.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(results.Results))
	}

	summary := results.Summary()
	for _, want := range []string{
		"Verification failed (1/2 passed)",
		"[PASS] git",
		"[FAIL] push",
		"    2 commit(s) not pushed",
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary() missing %q:\n%s", want, summary)
		}
	}
}

func TestResults_Summary_Empty(t *testing.T) {
	if got := NewResults(nil).Summary(); got != "No verifications run" {
		t.Errorf("Summary() = %q", got)
	}
	if !NewResults(nil).AllPassed {
		t.Error("no results should count as passed")
	}
}
