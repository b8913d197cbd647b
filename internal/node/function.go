package node

import (
	"context"

	"github.com/nervelabs/nerve/internal/nerverr"
)

// Fn is the in-process callable a Function node wraps. It receives the
// call's Input and returns whatever the graph/workflow should see as
// that step's output.
type Fn func(ctx context.Context, input any) (any, error)

// Function is a stateless node that calls a Go function registered at
// session-build time instead of spawning a process or calling out over
// the network. Grounded on the bash node's stateless execute shape, with
// the subprocess replaced by a direct call (spec's "in-process callable"
// node kind).
type Function struct {
	base
	fn Fn
}

// NewFunction wraps fn as a Ready Function node.
func NewFunction(id string, fn Fn) *Function {
	f := &Function{base: newBase(id, KindFunction, false), fn: fn}
	f.setState(Ready)
	return f
}

// Execute calls the wrapped function with the caller's input.
func (f *Function) Execute(ctx context.Context, ec ExecContext) (Result, error) {
	if err := f.enterBusy(); err != nil {
		return Result{}, err
	}
	defer f.leaveBusy()

	out, err := f.fn(ctx, ec.Input)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nerverr.Wrap(nerverr.NodeError, err, "function %q: call failed", f.id)
	}
	return Result{Success: true, Output: out}, nil
}

// Interrupt is a no-op: an in-process call has nothing external to signal.
func (f *Function) Interrupt(ctx context.Context) error { return nil }

// Stop marks the node unusable.
func (f *Function) Stop(ctx context.Context) error {
	f.setState(Stopped)
	return nil
}
