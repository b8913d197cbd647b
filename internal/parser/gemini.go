package parser

import "regexp"

// NewGeminiParser builds the parser for the Gemini CLI dialect: an
// analogous sigil set to Claude's, with different glyphs ("» Thinking"
// and "◆ Tool(args)"/"└ result") per spec §4.1.
func NewGeminiParser(cfg Config) Parser {
	return sigilParser{
		cfg: cfg,
		s: sigils{
			name:       "gemini",
			thinking:   regexp.MustCompile(`^\s*»\s*Thinking\b`),
			toolCall:   regexp.MustCompile(`^\s*◆\s*([A-Za-z][\w.:-]*)\(([^)]*)\)`),
			toolResult: regexp.MustCompile(`^\s*└`),
			promptMarkers: []*regexp.Regexp{
				regexp.MustCompile(`^\s*>\s*$`),
				regexp.MustCompile(`(?i)type your message`),
			},
		},
	}
}

// NewDefaultGeminiParser builds a GeminiParser using the spec's default
// marker text.
func NewDefaultGeminiParser() Parser {
	return NewGeminiParser(DefaultConfig())
}
