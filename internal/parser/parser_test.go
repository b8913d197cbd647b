package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaudeParser_IsReady_InsertMode(t *testing.T) {
	p := NewDefaultClaudeParser()
	window := "Some earlier output\n│ >\n12,345 tokens · for shortcuts\n"
	assert.True(t, p.IsReady(window))
}

func TestClaudeParser_IsReady_WhenProcessing(t *testing.T) {
	p := NewDefaultClaudeParser()
	window := "> Some prompt\n∴ Thinking…\n  Still working on this...\n  (esc to interrupt)\n"
	assert.False(t, p.IsReady(window))
}

func TestClaudeParser_IsReady_EmptyWindow(t *testing.T) {
	p := NewDefaultClaudeParser()
	assert.False(t, p.IsReady(""))
}

func TestClaudeParser_ParseExtractsTokens(t *testing.T) {
	p := NewDefaultClaudeParser()
	window := "Some text\n1,234 tokens\n│ >\n"
	resp := p.Parse(window)
	require.NotNil(t, resp.Tokens)
	assert.Equal(t, 1234, *resp.Tokens)
}

func TestClaudeParser_ParseToolCall(t *testing.T) {
	p := NewDefaultClaudeParser()
	window := "⏺ Search(query=\"debug flag\")\n⎿ Found 3 matches\n⎿ ./main.go:10\n│ >\n"
	resp := p.Parse(window)

	var tool *Section
	for i := range resp.Sections {
		if resp.Sections[i].Type == "tool_call" {
			tool = &resp.Sections[i]
		}
	}
	require.NotNil(t, tool)
	assert.Equal(t, "Search", tool.Tool)
	assert.Contains(t, tool.Metadata["result"], "Found 3 matches")
}

func TestClaudeParser_ParseThinkingAndText(t *testing.T) {
	p := NewDefaultClaudeParser()
	window := "∴ Thinking…\n  working through the problem\n\nHere is my answer about --debug.\n│ >\n"
	resp := p.Parse(window)

	var hasThinking, hasText bool
	for _, s := range resp.Sections {
		if s.Type == "thinking" {
			hasThinking = true
		}
		if s.Type == "text" {
			hasText = true
			assert.Contains(t, s.Content, "--debug")
		}
	}
	assert.True(t, hasThinking)
	assert.True(t, hasText)
}

func TestClaudeParser_CompactionMarkerCutsPrecedingContent(t *testing.T) {
	p := NewDefaultClaudeParser()
	window := "stale content from before\nConversation compacted.\nfresh content after\n│ >\n"
	resp := p.Parse(window)
	for _, s := range resp.Sections {
		assert.NotContains(t, s.Content, "stale content")
	}
}

func TestNoneParser_AlwaysReadyNoSections(t *testing.T) {
	p := NoneParser{}
	assert.True(t, p.IsReady("anything at all"))
	resp := p.Parse("anything at all")
	assert.Empty(t, resp.Sections)
	assert.True(t, resp.IsReady)
}

func TestRegistry_MustGet_FallsBackToNone(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, "none", r.MustGet("").Name())
	assert.Equal(t, "none", r.MustGet("no-such-dialect").Name())
	assert.Equal(t, "claude", r.MustGet("claude").Name())
}
