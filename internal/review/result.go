// Package review runs reviewer agents against pull requests and recovers a
// structured verdict from their free-form output.
package review

import (
	"fmt"
	"strings"
)

// Verdict is the reviewer's judgement for one round.
type Verdict string

const (
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes-requested"
	VerdictError            Verdict = "error"
)

// parseVerdict maps unknown strings to VerdictError.
func parseVerdict(s string) Verdict {
	switch v := Verdict(s); v {
	case VerdictApproved, VerdictChangesRequested, VerdictError:
		return v
	default:
		return VerdictError
	}
}

// Severity is the blocking weight of a finding.
type Severity string

const (
	SeverityBug         Severity = "bug"
	SeverityCorrectness Severity = "correctness"
	SeverityDesign      Severity = "design"
	SeverityTesting     Severity = "testing"
	SeverityNit         Severity = "nit"
)

// severityOrder is the order findings are presented in.
var severityOrder = []Severity{SeverityBug, SeverityCorrectness, SeverityDesign, SeverityTesting, SeverityNit}

var severityHeaders = map[Severity]string{
	SeverityBug:         "Bugs",
	SeverityCorrectness: "Correctness",
	SeverityDesign:      "Design",
	SeverityTesting:     "Testing",
	SeverityNit:         "Nits (informational)",
}

// parseSeverity maps unknown or missing severities to SeverityCorrectness.
func parseSeverity(s string) Severity {
	switch v := Severity(s); v {
	case SeverityBug, SeverityCorrectness, SeverityDesign, SeverityTesting, SeverityNit:
		return v
	default:
		return SeverityCorrectness
	}
}

// Item is one finding.
type Item struct {
	File     string   `json:"file"`
	Comment  string   `json:"comment"`
	Severity Severity `json:"severity"`
}

// Blocking reports whether the finding must be fixed before approval.
func (i Item) Blocking() bool {
	return i.Severity != SeverityNit
}

// Result is the outcome of one review round.
//
// An approved result never carries blocking findings. Nit findings may
// accompany an approval; they are kept in Items but left out of Comments,
// which is the feedback handed to the coder.
type Result struct {
	Verdict  Verdict
	Comments string
	Items    []Item
}

// Blocking returns the findings that are not nits.
func (r Result) Blocking() []Item {
	var out []Item
	for _, it := range r.Items {
		if it.Blocking() {
			out = append(out, it)
		}
	}
	return out
}

// newResult builds a Result from parsed findings and enforces the verdict
// invariant by coercion.
func newResult(verdict Verdict, items []Item, comments string) Result {
	r := Result{Verdict: verdict, Items: items}
	blocking := r.Blocking()

	if len(items) > 0 {
		lines := make([]string, 0, len(blocking))
		for _, it := range blocking {
			lines = append(lines, fmt.Sprintf("- [%s] %s: %s", it.Severity, it.File, it.Comment))
		}
		r.Comments = strings.Join(lines, "\n")
	} else {
		r.Comments = comments
	}

	switch {
	case verdict == VerdictApproved && len(blocking) > 0:
		r.Verdict = VerdictChangesRequested
	case verdict == VerdictChangesRequested && len(items) > 0 && len(blocking) == 0:
		r.Verdict = VerdictApproved
	}
	return r
}

// FormatBody renders findings grouped by severity as markdown for posting
// on the pull request.
func FormatBody(items []Item) string {
	grouped := make(map[Severity][]Item)
	for _, it := range items {
		grouped[it.Severity] = append(grouped[it.Severity], it)
	}

	var sections []string
	for _, sev := range severityOrder {
		group := grouped[sev]
		if len(group) == 0 {
			continue
		}
		lines := []string{"### " + severityHeaders[sev]}
		for _, it := range group {
			lines = append(lines, fmt.Sprintf("- **`%s`**: %s", it.File, it.Comment))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

// postBody is the text posted on the pull request for r.
func (r Result) postBody() string {
	if len(r.Items) > 0 {
		return FormatBody(r.Items)
	}
	if r.Comments == "" && r.Verdict == VerdictApproved {
		return "LGTM"
	}
	return r.Comments
}
