package parser

// NoneParser is always ready and never segments the window; it is the
// parser for nodes whose backing program emits no recognized sigils (or
// for Bash/LLM/MCP/Function nodes, which don't poll a parser at all).
type NoneParser struct{}

func (NoneParser) Name() string { return "none" }

func (NoneParser) IsReady(window string) bool { return true }

func (NoneParser) Parse(window string) ParsedResponse {
	return ParsedResponse{
		Raw:        window,
		Sections:   nil,
		Tokens:     nil,
		IsComplete: true,
		IsReady:    true,
	}
}
