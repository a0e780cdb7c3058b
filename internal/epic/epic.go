// Package epic turns an epic issue into ordered groups of child issues.
// Groups run one after another; members of a group may run concurrently.
package epic

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pengelbrecht/patchloop/internal/tracker"
)

// Plan is the execution order for the children of an epic.
type Plan struct {
	Parent string
	Groups [][]string
}

// Len returns the number of child issues in the plan.
func (p Plan) Len() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g)
	}
	return n
}

var (
	issueRef      = regexp.MustCompile(`#(\d+)`)
	orderHeading  = regexp.MustCompile(`(?i)###?\s+Suggested Implementation Order\s*\n`)
	numberedLine  = regexp.MustCompile(`^\d+[.)]\s+`)
	dashSeparator = regexp.MustCompile(`\s+[—–-]{1,2}\s+`)
)

// IsEpic reports whether the issue groups other issues: it carries an
// "epic:" label or its body references more than one distinct issue.
func IsEpic(issue *tracker.Issue) bool {
	for _, l := range issue.Labels {
		if strings.HasPrefix(l, "epic:") {
			return true
		}
	}
	return len(distinct(refs(issue.Body))) > 1
}

// ExtractPlan derives the plan from the epic body. It tries a "Suggested
// Implementation Order" list, then a dependency table, and otherwise runs
// every referenced issue alone in order of first appearance.
func ExtractPlan(issue *tracker.Issue) Plan {
	groups := parseImplementationOrder(issue.Body)
	if len(groups) == 0 {
		groups = parseDependencyTable(issue.Body)
	}
	if len(groups) == 0 {
		for _, n := range distinct(refs(issue.Body)) {
			groups = append(groups, []int{n})
		}
	}
	return Plan{Parent: issue.ID, Groups: toStrings(groups)}
}

// parseImplementationOrder reads one group per numbered line of the
// "Suggested Implementation Order" section. Only references before the dash
// separator count, so issues mentioned in the description are ignored. An
// issue runs once, in the first group that names it.
func parseImplementationOrder(body string) [][]int {
	loc := orderHeading.FindStringIndex(body)
	if loc == nil {
		return nil
	}
	section := body[loc[1]:]
	if end := strings.Index(section, "\n##"); end >= 0 {
		section = section[:end]
	}

	var groups [][]int
	placed := make(map[int]bool)
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if !numberedLine.MatchString(line) {
			continue
		}
		var group []int
		for _, n := range refs(dashSeparator.Split(line, 2)[0]) {
			if !placed[n] {
				placed[n] = true
				group = append(group, n)
			}
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

// parseDependencyTable reads a markdown table with a "Depends on" column and
// orders its rows topologically.
func parseDependencyTable(body string) [][]int {
	lines := strings.Split(body, "\n")

	headerIdx, depCol, issueCol := -1, -1, -1
	for i, line := range lines {
		if !strings.Contains(line, "|") || !strings.Contains(strings.ToLower(line), "depends on") {
			continue
		}
		for j, c := range strings.Split(line, "|") {
			c = strings.ToLower(strings.TrimSpace(c))
			if depCol < 0 && strings.Contains(c, "depends on") {
				depCol = j
			}
			if issueCol < 0 && (c == "#" || c == "issue" || c == "#issue" || c == "issue #") {
				issueCol = j
			}
		}
		if depCol >= 0 {
			headerIdx = i
			if issueCol < 0 {
				issueCol = 1
			}
			break
		}
	}
	if headerIdx < 0 {
		return nil
	}

	deps := make(map[int][]int)
	// headerIdx+1 is the |---| separator row.
	for _, line := range lines[min(headerIdx+2, len(lines)):] {
		if !strings.HasPrefix(strings.TrimSpace(line), "|") {
			break
		}
		cols := strings.Split(line, "|")
		if len(cols) <= max(issueCol, depCol) {
			continue
		}
		ids := refs(cols[issueCol])
		if len(ids) == 0 {
			continue
		}
		cell := strings.TrimSpace(cols[depCol])
		switch cell {
		case "—", "-", "":
			deps[ids[0]] = nil
		default:
			deps[ids[0]] = refs(cell)
		}
	}
	if len(deps) == 0 {
		return nil
	}
	return TopologicalGroups(deps)
}

func refs(text string) []int {
	var out []int
	for _, m := range issueRef.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func distinct[T comparable](in []T) []T {
	seen := make(map[T]bool, len(in))
	var out []T
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func toStrings(groups [][]int) [][]string {
	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		sg := make([]string, len(g))
		for i, n := range g {
			sg[i] = strconv.Itoa(n)
		}
		out = append(out, sg)
	}
	return out
}
