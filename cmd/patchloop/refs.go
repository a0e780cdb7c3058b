package main

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/pengelbrecht/patchloop/internal/tracker"
)

var (
	githubRef = regexp.MustCompile(`^\d+$`)
	linearRef = regexp.MustCompile(`^[A-Z]+-\d+$`)
)

// parseIssueRefs splits comma separated issue references. Numbers are GitHub
// issues and TEAM-123 ids are Linear issues; one run uses a single source.
// Duplicates are dropped.
func parseIssueRefs(args []string) (tracker.Source, []string, error) {
	var (
		source tracker.Source
		ids    []string
	)
	for _, arg := range args {
		for _, tok := range strings.Split(arg, ",") {
			tok = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tok), "#"))
			if tok == "" {
				continue
			}

			var s tracker.Source
			switch {
			case githubRef.MatchString(tok):
				s = tracker.SourceGitHub
			case linearRef.MatchString(tok):
				s = tracker.SourceLinear
			default:
				return "", nil, fmt.Errorf("invalid issue reference %q: expected a GitHub issue number (42) or a Linear id (ENG-123)", tok)
			}
			if source != "" && s != source {
				return "", nil, errors.New("cannot mix GitHub and Linear issues in one run")
			}
			source = s
			if !slices.Contains(ids, tok) {
				ids = append(ids, tok)
			}
		}
	}
	if len(ids) == 0 {
		return "", nil, errors.New("no issue references given")
	}
	return source, ids, nil
}
