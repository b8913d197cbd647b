// Package node implements the node runtime: the state machine common to
// every node kind, and the per-kind execute semantics (Terminal, Bash,
// LLM, MCP, Function). The graph scheduler and engine consume nodes only
// through the Node interface; no runtime type switch happens beyond
// construction, matching the "dynamic dispatch across node kinds" design
// note.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/nervelabs/nerve/internal/nerverr"
)

// Kind tags which variant a node is.
type Kind string

const (
	KindTerminal Kind = "terminal"
	KindWezTerm  Kind = "wezterm"
	KindBash     Kind = "bash"
	KindLLM      Kind = "llm"
	KindMCP      Kind = "mcp"
	KindFunction Kind = "function"
)

// State is a node's lifecycle state.
type State int

const (
	Created State = iota
	Starting
	Ready
	Busy
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// StepResult is one completed step's contribution to a downstream step's
// upstream map (populated by the graph executor).
type StepResult struct {
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
}

// ExecContext is the per-call bundle passed into every Execute. It is
// immutable within one call. SessionID replaces a back-pointer to the
// owning Session: nodes never need the full session, and a plain id
// keeps this package free of a session<->node import cycle (the
// non-owning handle from the design notes).
type ExecContext struct {
	SessionID      string
	Input          any
	Timeout        time.Duration
	ParserOverride string
	Upstream       map[string]StepResult
	ExecID         string
}

// Result is the outcome of one Execute call. Output carries the
// node-kind-specific payload (ParsedResponse for Terminal, a
// BashResult for Bash, etc.)
type Result struct {
	Success bool
	Output  any
	Error   string
}

// Info is a listing snapshot.
type Info struct {
	ID       string
	Kind     Kind
	State    string
	Metadata map[string]any
}

// Node is the common interface every variant implements.
type Node interface {
	ID() string
	Kind() Kind
	State() State
	Persistent() bool
	Execute(ctx context.Context, ec ExecContext) (Result, error)
	Stop(ctx context.Context) error
	Interrupt(ctx context.Context) error
	Info() Info
}

// base provides the shared state machine and metadata bookkeeping every
// node kind embeds. It is not itself a Node: embedders must implement
// Execute/Stop/Interrupt.
type base struct {
	id         string
	kind       Kind
	persistent bool

	mu       sync.Mutex
	state    State
	metadata map[string]any
}

func newBase(id string, kind Kind, persistent bool) base {
	return base{
		id:         id,
		kind:       kind,
		persistent: persistent,
		state:      Created,
		metadata:   make(map[string]any),
	}
}

func (b *base) ID() string       { return b.id }
func (b *base) Kind() Kind       { return b.kind }
func (b *base) Persistent() bool { return b.persistent }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *base) setMetadata(k string, v any) {
	b.mu.Lock()
	b.metadata[k] = v
	b.mu.Unlock()
}

func (b *base) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	md := make(map[string]any, len(b.metadata))
	for k, v := range b.metadata {
		md[k] = v
	}
	return Info{ID: b.id, Kind: b.kind, State: b.state.String(), Metadata: md}
}

// enterBusy asserts Ready->Busy, returning a state-precondition error
// otherwise (spec §4.2: "execute rejects calls on Stopped/Error").
func (b *base) enterBusy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Ready:
		b.state = Busy
		return nil
	case Busy:
		return nerverr.New(nerverr.NodeBusy, "node %q is busy", b.id)
	case Stopped:
		return nerverr.New(nerverr.NodeStopped, "node %q is stopped", b.id)
	case Error:
		return nerverr.New(nerverr.NodeError, "node %q is in error state; delete and recreate it", b.id)
	default:
		return nerverr.New(nerverr.NodeError, "node %q is not ready (state=%s)", b.id, b.state)
	}
}

// leaveBusy returns Busy->Ready (the normal exit). If the node is no
// longer Busy (e.g. it already transitioned to Error mid-call) the state
// is left untouched.
func (b *base) leaveBusy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Busy {
		b.state = Ready
	}
}

func (b *base) markError() {
	b.setState(Error)
}
