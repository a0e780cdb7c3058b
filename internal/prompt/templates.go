package prompt

// sharedTemplates are the building blocks used by several prompts.
const sharedTemplates = `{{define "designPrinciple"}}DESIGN PRINCIPLE:
For each proposed change, examine the existing system and redesign it into the most elegant solution that would have emerged if the change had been a foundational assumption from the start.{{end}}
{{define "branchRules"}}CRITICAL RULES:
- You are on branch ` + "`{{.Branch}}`" + `. Do NOT create, switch, or checkout any other branch.
- Commit directly on ` + "`{{.Branch}}`" + `. Do NOT use ` + "`git checkout -b`" + `.
- Verify with ` + "`git branch --show-current`" + ` before committing if unsure.{{end}}
{{define "prSteps"}}1. Commit your changes on the CURRENT branch (` + "`{{.Branch}}`" + `)
2. Push: ` + "`git push --set-upstream origin {{.Branch}}`" + `
3. Create a PR with ` + "`gh pr create --base {{.BaseBranch}}`" + `. Write the PR body to a temporary file first, then pass it with ` + "`--body-file`" + `:
   echo 'your body text here' > /tmp/pr-body.md
   gh pr create --base {{.BaseBranch}} --title "your title" --body-file /tmp/pr-body.md
   This avoids shell escaping issues. Keep the body plain text, no backticks, no code fences, no special characters.
   Include ` + "`{{.CloseRef}}`" + ` in the body.

Once the PR is created, you are DONE. Do NOT edit or update the PR after creation. Do NOT write a summary of what you implemented. The PR description is sufficient. Just stop.{{end}}
{{define "exitSignals"}}If you cannot proceed at all, output exactly one of these and stop:
- ` + "`<promise>BLOCKED: reason</promise>`" + ` for missing credentials or unclear requirements
- ` + "`<promise>EJECT: reason</promise>`" + ` for a large install or external dependency you cannot obtain{{end}}
{{define "severities"}}Each item MUST include a severity:
- "bug": incorrect behavior, data loss, security vulnerability
- "correctness": missing edge case, wrong assumption, inadequate error handling
- "design": poor abstraction, bolted-on change, maintainability concern
- "testing": missing or insufficient tests for non-trivial logic
- "nit": minor improvement (include sparingly){{end}}
{{define "commentRules"}}HOW TO WRITE COMMENTS:
Each comment must be a clear, single directive that tells the coder exactly what to do. Do NOT present alternatives ('either X or Y'), do NOT list options, and do NOT leave the decision to the implementer. Pick the best fix and state it. A coder agent will apply your feedback verbatim.

Report at most 7 items, prioritized by severity, bugs first.{{end}}
{{define "verdictFormat"}}Do NOT run ` + "`gh pr review`" + ` or post anything to GitHub.
Do NOT explain your reasoning or write an overall assessment.

Respond with ONLY this JSON (no markdown, no code fences):
{"verdict": "approved" or "changes-requested", "items": [{"file": "path/to/file.go", "severity": "bug", "comment": "what to fix"}, ...]}{{end}}`

const coderTemplate = `You are working in a git worktree on branch ` + "`{{.Branch}}`" + ` (based on ` + "`{{.BaseBranch}}`" + `).

{{template "designPrinciple"}}

{{template "branchRules" .}}

After implementing the changes, you MUST:
{{template "prSteps" .}}

{{template "exitSignals"}}
{{if .HasPartialWork}}
IMPORTANT: There are uncommitted changes from a previous attempt. Review what was already done with ` + "`git diff`" + ` and ` + "`git status`" + `, then continue from where it left off. Do not start over.
{{end}}
{{.IssuePrompt}}`

const resumeTemplate = `The previous session was interrupted. Review the current state with ` + "`git status`" + ` and ` + "`git diff`" + `.

{{template "designPrinciple"}}

{{template "branchRules" .}}

If the implementation is already complete and committed, just push and create the PR. Otherwise, finish the implementation first.

Make sure you:
{{template "prSteps" .}}`

const feedbackTemplate = `Apply the following review feedback to the code.
You MUST address EVERY item listed below. Do not skip any.
After making all changes, create a NEW commit (do NOT amend the previous commit: use ` + "`git commit`" + `, never ` + "`git commit --amend`" + `) and push. Do NOT write a summary of what you changed. Just make the fixes, commit, and push. Once pushed, you are DONE. Just stop.

{{.Feedback}}`

const reviewTemplate = `Review pull request #{{.PRNumber}} ({{.HeadBranch}} → {{.BaseBranch}}).

You are in a git worktree checked out to the PR branch. The files on disk ARE the PR's code. Do NOT use ` + "`gh`" + ` commands. ` + "`gh`" + ` is not available in this environment.

Steps:
1. Run ` + "`git diff {{.BaseBranch}}...HEAD`" + ` to see what this branch changed
2. Read any files you need for context. They are already the PR's version
3. Review the change holistically: correctness, design, edge cases, error handling, testability, and whether it fits cleanly into the existing architecture.

DESIGN PRINCIPLE (apply this lens to every change):
For each proposed change, examine the existing system and redesign it into the most elegant solution that would have emerged if the change had been a foundational assumption from the start. If the PR bolts something on rather than integrating it properly, request changes.

WHAT TO LOOK FOR:
- Bugs, incorrect behavior, data loss, security vulnerabilities
- Missing or inadequate error handling
- Edge cases that could realistically occur in production
- Poor abstractions, unnecessary complexity, or leaky design
- Code that should have tests but doesn't
- Violations of project conventions or inconsistency with existing patterns
- Changes that will be painful to maintain or extend

WHAT TO IGNORE:
- Pure stylistic preferences (formatting, naming bikeshedding)
- Hypothetical scenarios that require truly unlikely conditions

{{template "commentRules"}}

{{template "severities"}}

Only approve if the code is correct, well-designed, properly tested, and properly integrated into the existing system. When in doubt, request changes.

{{template "verdictFormat"}}

Each item is one actionable finding with the file it relates to. If approved, items should be an empty list.`

const followUpTemplate = `You previously reviewed pull request #{{.PRNumber}} ({{.HeadBranch}} → {{.BaseBranch}}) and requested changes.

Your previous findings were:
{{.PreviousFeedback}}

The author has pushed fixes. Do NOT use ` + "`gh`" + ` commands. ` + "`gh`" + ` is not available in this environment.

Steps:
1. Run ` + "`git diff {{.BaseBranch}}...HEAD`" + ` to see the FULL current state of the PR
2. For each previous finding, verify that the fix is ACTUALLY correct: not just that code was changed, but that the underlying issue is truly resolved
3. Check whether the fixes introduced NEW issues: bugs, broken logic, missing error handling, poor design, or inadequate tests
4. Read surrounding code to confirm the fixes integrate cleanly

VERIFICATION RULES:
- A finding is NOT addressed if the fix is superficial, incomplete, or incorrect. Renaming a variable does not fix a logic bug. Swallowing an error does not fix error handling.
- Report new issues introduced by the fixes. These are NOT limited to regressions. If a fix adds new code that has bugs, design problems, or missing tests, flag them.
- Do NOT flag pure style or naming preferences.
- Approve ONLY if all previous findings are properly resolved AND the fixes did not introduce new blocking issues.

{{template "designPrinciple"}}

{{template "commentRules"}}

{{template "severities"}}

{{template "verdictFormat"}}

Each item is one finding: either a previous issue not properly addressed, or a new issue introduced by the fixes. If everything looks good, use "approved" with an empty list.`
