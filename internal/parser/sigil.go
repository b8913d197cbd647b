package parser

import (
	"regexp"
	"strings"
)

// sigils names the fixed markers one interactive-CLI dialect uses to
// delimit thinking/tool-call sections and a ready prompt.
type sigils struct {
	name          string
	thinking      *regexp.Regexp // matches a line starting a thinking block
	toolCall      *regexp.Regexp // matches "sigil ToolName(args)"
	toolResult    *regexp.Regexp // matches a result-continuation line
	promptMarkers []*regexp.Regexp
}

// sigilParser segments a window using one dialect's sigils. Claude and
// Gemini differ only in which sigils they use (spec §4.1: "per call, not
// per node").
type sigilParser struct {
	s   sigils
	cfg Config
}

func (p sigilParser) Name() string { return p.s.name }

func (p sigilParser) IsReady(window string) bool {
	if strings.TrimSpace(window) == "" {
		return false
	}
	cut := cutAfterCompaction(window, p.cfg.CompactionMarkers)
	tail := tailLines(cut, ReadyWindowLines)

	if hasInProgressMarker(tail, p.cfg.InProgressMarkers) {
		return false
	}

	for i := len(tail) - 1; i >= 0; i-- {
		line := tail[i]
		for _, pm := range p.s.promptMarkers {
			if pm.MatchString(line) {
				// A suggestion/tab-completion prompt looks like an input
				// prompt but doesn't end the response; keep scanning
				// upward past it.
				lo := max(i-1, 0)
				hi := min(i+2, len(tail))
				if looksLikeSuggestionPrompt(tail[lo:hi]) {
					continue
				}
				return true
			}
		}
	}
	return false
}

func (p sigilParser) Parse(window string) ParsedResponse {
	cut := cutAfterCompaction(window, p.cfg.CompactionMarkers)
	lines := strings.Split(cut, "\n")

	var sections []Section
	var textBuf []string

	flushText := func() {
		joined := strings.TrimSpace(strings.Join(textBuf, "\n"))
		if joined != "" {
			sections = append(sections, Section{Type: "text", Content: joined})
		}
		textBuf = nil
	}

	i := 0
	for i < len(lines) {
		line := lines[i]

		switch {
		case p.s.toolCall.MatchString(line):
			flushText()
			m := p.s.toolCall.FindStringSubmatch(line)
			tool, args := m[1], ""
			if len(m) > 2 {
				args = m[2]
			}
			content := strings.TrimSpace(line)
			meta := map[string]any{"args": args}
			i++
			var resultLines []string
			for i < len(lines) && p.s.toolResult.MatchString(lines[i]) {
				resultLines = append(resultLines, strings.TrimSpace(lines[i]))
				i++
			}
			if len(resultLines) > 0 {
				meta["result"] = strings.Join(resultLines, "\n")
				content = content + "\n" + strings.Join(resultLines, "\n")
			}
			sections = append(sections, Section{Type: "tool_call", Content: content, Tool: tool, Metadata: meta})
			continue

		case p.s.thinking.MatchString(line):
			flushText()
			var thinkingLines []string
			i++
			for i < len(lines) {
				l := lines[i]
				if p.s.toolCall.MatchString(l) || p.s.thinking.MatchString(l) {
					break
				}
				if strings.TrimSpace(l) == "" {
					i++ // consume the blank divider; it belongs to neither section
					break
				}
				thinkingLines = append(thinkingLines, l)
				i++
			}
			joined := strings.TrimSpace(strings.Join(thinkingLines, "\n"))
			if joined != "" {
				sections = append(sections, Section{Type: "thinking", Content: joined})
			}
			continue

		default:
			textBuf = append(textBuf, line)
			i++
		}
	}
	flushText()

	return ParsedResponse{
		Raw:        window,
		Sections:   sections,
		Tokens:     extractTokens(cut),
		IsComplete: p.IsReady(window),
		IsReady:    p.IsReady(window),
	}
}
