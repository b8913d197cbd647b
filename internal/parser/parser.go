// Package parser turns a growing terminal text buffer into a readiness
// signal and a structured response. It is deliberately pure: IsReady and
// Parse are functions of their input window only, with no side effects,
// so the terminal node can poll cheaply and a parser can be swapped
// between successive programs hosted by the same pane.
package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// Section is one structured piece of a parsed response.
type Section struct {
	Type     string         // "thinking" | "text" | "tool_call"
	Content  string
	Tool     string         // set only for tool_call sections
	Metadata map[string]any // e.g. {"args": "...", "result": "..."}
}

// ParsedResponse is the result of walking a window top-down.
type ParsedResponse struct {
	Raw        string
	Sections   []Section
	Tokens     *int
	IsComplete bool
	IsReady    bool
}

// Parser is the pure (is_ready, parse) pair for one interactive-CLI
// dialect. Implementations must not mutate or retain the window.
type Parser interface {
	Name() string
	IsReady(window string) bool
	Parse(window string) ParsedResponse
}

// ReadyWindowLines bounds how many trailing lines are inspected for an
// in-progress marker, per spec: long generations must not time out a
// readiness check.
const ReadyWindowLines = 50

// Config carries the configurable marker text an Open Question in the
// spec left unresolved by name. Defaults below match the spec's examples.
type Config struct {
	InProgressMarkers []string // e.g. "esc to interrupt", "esc to cancel"
	CompactionMarkers []string // e.g. "conversation compacted"
}

// DefaultConfig returns the markers named literally in the spec.
func DefaultConfig() Config {
	return Config{
		InProgressMarkers: []string{"esc to interrupt", "esc to cancel"},
		CompactionMarkers: []string{"conversation compacted"},
	}
}

func tailLines(window string, n int) []string {
	lines := strings.Split(window, "\n")
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// cutAfterCompaction returns the suffix of window following the last
// occurrence of any compaction marker, or window unchanged if none is
// present.
func cutAfterCompaction(window string, markers []string) string {
	lower := strings.ToLower(window)
	cut := -1
	cutLen := 0
	for _, m := range markers {
		ml := strings.ToLower(m)
		if idx := strings.LastIndex(lower, ml); idx >= 0 && idx+len(ml) > cut+cutLen {
			cut = idx
			cutLen = len(ml)
		}
	}
	if cut < 0 {
		return window
	}
	return window[cut+cutLen:]
}

func hasInProgressMarker(lines []string, markers []string) bool {
	for _, l := range lines {
		ll := strings.ToLower(l)
		for _, m := range markers {
			if strings.Contains(ll, strings.ToLower(m)) {
				return true
			}
		}
	}
	return false
}

var tokenPattern = regexp.MustCompile(`(?i)([\d][\d,]*)\s*tokens`)

// extractTokens finds the token count reported on the status line that
// precedes the input-mode indicator. Since that line is the one closest
// to the bottom of the window, the last match wins.
func extractTokens(window string) *int {
	matches := tokenPattern.FindAllStringSubmatch(window, -1)
	if len(matches) == 0 {
		return nil
	}
	last := matches[len(matches)-1][1]
	n, err := strconv.Atoi(strings.ReplaceAll(last, ",", ""))
	if err != nil {
		return nil
	}
	return &n
}

// suggestionHintPattern matches the trailing hint that marks a
// tab-completion/suggestion prompt rather than a genuine input prompt
// (spec §4.1 edge case).
var suggestionHintPattern = regexp.MustCompile(`(?i)(tab to complete|suggestions:|\(tab for suggestions\))`)

func looksLikeSuggestionPrompt(lines []string) bool {
	for _, l := range lines {
		if suggestionHintPattern.MatchString(l) {
			return true
		}
	}
	return false
}
