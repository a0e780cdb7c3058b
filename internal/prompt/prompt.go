// Package prompt renders the instructions given to coder and reviewer agents.
package prompt

import (
	"fmt"
	"strings"
	"text/template"
)

// CoderContext contains everything needed to build a coder prompt.
type CoderContext struct {
	// Branch is the issue branch checked out in the workspace.
	Branch string

	// BaseBranch is the branch the PR targets.
	BaseBranch string

	// IssuePrompt is the rendered issue (title, body, comments).
	IssuePrompt string

	// CloseRef links the PR to the issue, e.g. "Closes #42".
	CloseRef string

	// HasPartialWork is set when the workspace has uncommitted changes from
	// an earlier attempt.
	HasPartialWork bool

	// IsResume is set when a previous coder session is being resumed.
	IsResume bool
}

// ReviewContext contains everything needed to build a reviewer prompt.
type ReviewContext struct {
	PRNumber         int
	HeadBranch       string
	BaseBranch       string
	Round            int
	PreviousFeedback string
}

// Builder renders the agent prompts.
type Builder struct {
	coder    *template.Template
	resume   *template.Template
	feedback *template.Template
	review   *template.Template
	followUp *template.Template
}

// NewBuilder creates a Builder with the default templates.
func NewBuilder() *Builder {
	shared := template.Must(template.New("shared").Parse(sharedTemplates))
	clone := func(name, text string) *template.Template {
		return template.Must(template.Must(shared.Clone()).New(name).Parse(text))
	}
	return &Builder{
		coder:    clone("coder", coderTemplate),
		resume:   clone("resume", resumeTemplate),
		feedback: template.Must(template.New("feedback").Parse(feedbackTemplate)),
		review:   clone("review", reviewTemplate),
		followUp: clone("followUp", followUpTemplate),
	}
}

// Coder builds the implementation prompt. A resumed session gets a shorter
// prompt that asks the agent to finish the interrupted work.
func (b *Builder) Coder(ctx CoderContext) string {
	if ctx.IsResume {
		return execute(b.resume, ctx)
	}
	return execute(b.coder, ctx)
}

// Feedback builds the prompt that asks the coder to apply review feedback.
func (b *Builder) Feedback(feedback string) string {
	return execute(b.feedback, struct{ Feedback string }{feedback})
}

// Review builds the reviewer prompt. Rounds after the first that carry
// previous feedback use the follow-up template, which verifies fixes instead
// of starting a fresh review.
func (b *Builder) Review(ctx ReviewContext) string {
	if ctx.Round > 1 && ctx.PreviousFeedback != "" {
		return execute(b.followUp, ctx)
	}
	return execute(b.review, ctx)
}

func execute(t *template.Template, data any) string {
	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return fmt.Sprintf("Error generating prompt: %v", err)
	}
	return buf.String()
}

var defaultBuilder = NewBuilder()

// Feedback renders the feedback prompt with the default templates.
func Feedback(feedback string) string {
	return defaultBuilder.Feedback(feedback)
}
