package parser

import (
	"fmt"
	"sync"
)

// Registry looks up a Parser by name, so node/engine code never needs a
// type switch over dialects. The same terminal node can host successive
// programs with different parsers (spec §4.1: "per call, not per node").
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry builds a registry pre-populated with the built-in dialects.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(NoneParser{})
	r.Register(NewDefaultClaudeParser())
	r.Register(NewDefaultGeminiParser())
	return r
}

// Register adds or replaces a parser under its own Name().
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[p.Name()] = p
}

// Get looks up a parser by name.
func (r *Registry) Get(name string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[name]
	if !ok {
		return nil, fmt.Errorf("unknown parser %q", name)
	}
	return p, nil
}

// MustGet looks up a parser by name, falling back to NoneParser if name
// is empty (a node created without an explicit parser).
func (r *Registry) MustGet(name string) Parser {
	if name == "" {
		return NoneParser{}
	}
	if p, err := r.Get(name); err == nil {
		return p
	}
	return NoneParser{}
}
