package parser

import "regexp"

// NewClaudeParser builds the parser for the Claude Code CLI dialect:
// "∴ Thinking…" opens a thinking block, "⏺ Tool(args)" with an optional
// "⎿ result" continuation is a tool call, and a blank input box ("│ > ")
// or the bottom status hint mark readiness.
func NewClaudeParser(cfg Config) Parser {
	return sigilParser{
		cfg: cfg,
		s: sigils{
			name:       "claude",
			thinking:   regexp.MustCompile(`^\s*∴\s*Thinking…\s*$`),
			toolCall:   regexp.MustCompile(`^\s*⏺\s*([A-Za-z][\w.:-]*)\(([^)]*)\)`),
			toolResult: regexp.MustCompile(`^\s*⎿`),
			promptMarkers: []*regexp.Regexp{
				regexp.MustCompile(`^\s*[│|]?\s*>\s*$`),
				regexp.MustCompile(`(?i)for shortcuts`),
			},
		},
	}
}

// NewDefaultClaudeParser builds a ClaudeParser using the spec's default
// marker text.
func NewDefaultClaudeParser() Parser {
	return NewClaudeParser(DefaultConfig())
}
