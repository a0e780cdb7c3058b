package prompt

import (
	"regexp"
)

// Signal is a control signal a coder agent can emit instead of finishing.
type Signal int

const (
	// SignalNone indicates no signal was detected in the output.
	SignalNone Signal = iota

	// SignalEject indicates the agent needs to exit for a large install or similar.
	SignalEject

	// SignalBlocked indicates the agent is blocked (missing credentials, unclear requirements, etc).
	SignalBlocked
)

// String returns the string representation of the signal.
func (s Signal) String() string {
	switch s {
	case SignalEject:
		return "EJECT"
	case SignalBlocked:
		return "BLOCKED"
	default:
		return "NONE"
	}
}

// Signals are enclosed in <promise>...</promise> tags.
var (
	ejectPattern   = regexp.MustCompile(`<promise>EJECT:\s*(.+?)</promise>`)
	blockedPattern = regexp.MustCompile(`<promise>BLOCKED:\s*(.+?)</promise>`)
)

// ParseSignals scans the agent output for control signals and returns the
// first one found with its reason. EJECT is checked before BLOCKED.
func ParseSignals(output string) (Signal, string) {
	if matches := ejectPattern.FindStringSubmatch(output); len(matches) > 1 {
		return SignalEject, matches[1]
	}
	if matches := blockedPattern.FindStringSubmatch(output); len(matches) > 1 {
		return SignalBlocked, matches[1]
	}
	return SignalNone, ""
}
