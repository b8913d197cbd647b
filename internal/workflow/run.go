package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/nervelabs/nerve/internal/nerverr"
)

// RunInfo is a serializable snapshot of a Run, including a JSON merge
// patch describing how its state has drifted from its initial value —
// cheaper for a client to apply than re-sending the whole state blob on
// every poll.
type RunInfo struct {
	RunID        string
	WorkflowID   string
	State        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       any
	Error        string
	PendingGate  *GateInfo
	Events       []Event
	StateDiff    json.RawMessage
}

// Run is a single execution of a Workflow: it owns the background
// goroutine running the workflow function, the gate currently blocking
// it (if any), and its event history.
type Run struct {
	id       string
	workflow *Workflow
	input    any
	params   map[string]any
	callback EventCallback

	mu          sync.Mutex
	state       State
	startedAt   *time.Time
	completedAt *time.Time
	result      any
	err         error
	pendingGate *GateInfo
	events      []Event

	initialState map[string]any
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewRun creates a pending run. Call Start to begin executing it.
func NewRun(wf *Workflow, input any, params map[string]any, callback EventCallback) *Run {
	if params == nil {
		params = map[string]any{}
	}
	return &Run{
		id:       uuid.NewString(),
		workflow: wf,
		input:    input,
		params:   params,
		callback: callback,
		state:    Pending,
		done:     make(chan struct{}),
	}
}

func (r *Run) RunID() string      { return r.id }
func (r *Run) WorkflowID() string { return r.workflow.id }

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) Result() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run) IsComplete() bool {
	switch r.State() {
	case Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

func (r *Run) PendingGate() *GateInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingGate
}

// Start transitions the run to Running and launches the workflow
// function in its own goroutine.
func (r *Run) Start(parentCtx context.Context) error {
	r.mu.Lock()
	if r.state != Pending {
		r.mu.Unlock()
		return nerverr.New(nerverr.InvalidParams, "cannot start run %q in state %s", r.id, r.state)
	}
	now := time.Now().UTC()
	r.state = Running
	r.startedAt = &now
	r.ctx, r.cancel = context.WithCancel(parentCtx)
	r.mu.Unlock()

	r.emit("workflow_started", map[string]any{"run_id": r.id, "workflow_id": r.workflow.id})

	wctx := &WorkflowContext{
		Session: r.workflow.session,
		Input:   r.input,
		Params:  r.params,
		State:   map[string]any{},
		run:     r,
	}
	r.mu.Lock()
	r.initialState = cloneMap(wctx.State)
	r.mu.Unlock()

	go r.execute(wctx)
	return nil
}

func (r *Run) execute(wctx *WorkflowContext) {
	defer close(r.done)

	result, err := runGuarded(wctx, r.workflow.fn)

	r.mu.Lock()
	completedAt := time.Now().UTC()
	r.completedAt = &completedAt
	switch {
	case r.ctx.Err() == context.Canceled && err != nil:
		r.state = Cancelled
	case err != nil:
		r.state = Failed
		r.err = err
	default:
		r.state = Completed
		r.result = result
	}
	state := r.state
	r.mu.Unlock()

	switch state {
	case Cancelled:
		r.emit("workflow_cancelled", map[string]any{"run_id": r.id})
	case Failed:
		r.emit("workflow_failed", map[string]any{"run_id": r.id, "error": err.Error()})
	default:
		r.emit("workflow_completed", map[string]any{"run_id": r.id, "result": result})
	}
}

// runGuarded recovers a panicking workflow function into an error,
// mirroring the broad except-Exception catch in the original.
func runGuarded(wctx *WorkflowContext, fn Fn) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow panicked: %v", p)
		}
	}()
	return fn(wctx)
}

// Wait blocks until the run finishes, returning its result or error.
func (r *Run) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.state == Failed {
			return nil, r.err
		}
		if r.state == Cancelled {
			return nil, context.Canceled
		}
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels the run's context and waits for the workflow function
// to return. A pending Gate returns at once with the cancellation error.
// Run, RunGraph and RunWorkflow follow only the context their caller
// passes, so a node, graph or child run already in progress is not
// interrupted and Cancel waits for it to finish.
func (r *Run) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-r.done
}

// AnswerGate supplies a human answer to the currently pending gate.
func (r *Run) AnswerGate(answer string) error {
	r.mu.Lock()
	gate := r.pendingGate
	r.mu.Unlock()
	if gate == nil {
		return nerverr.New(nerverr.InvalidParams, "run %q has no pending gate", r.id)
	}

	if len(gate.Choices) > 0 && !containsString(gate.Choices, answer) {
		return nerverr.New(nerverr.InvalidParams, "invalid choice %q, must be one of %v", answer, gate.Choices)
	}
	if gate.Guard != "" {
		ok, err := evaluateGuard(gate.Guard, answer)
		if err != nil {
			return nerverr.New(nerverr.InvalidParams, "gate guard expression failed: %v", err)
		}
		if !ok {
			return nerverr.New(nerverr.InvalidParams, "answer %q rejected by gate guard", answer)
		}
	}

	r.mu.Lock()
	r.pendingGate = nil
	r.state = Running
	r.mu.Unlock()

	gate.resultCh <- answer
	return nil
}

func (r *Run) registerGate(gate *GateInfo) {
	r.mu.Lock()
	r.pendingGate = gate
	r.state = Waiting
	r.mu.Unlock()
}

func (r *Run) unregisterGate(gateID string) {
	r.mu.Lock()
	if r.pendingGate != nil && r.pendingGate.GateID == gateID {
		r.pendingGate = nil
		r.state = Running
	}
	r.mu.Unlock()
}

func (r *Run) emit(eventType string, data map[string]any) {
	ev := Event{RunID: r.id, WorkflowID: r.workflow.id, EventType: eventType, Data: data, Timestamp: time.Now().UTC()}

	r.mu.Lock()
	r.events = append(r.events, ev)
	cb := r.callback
	r.mu.Unlock()

	if cb == nil {
		return
	}
	go cb(ev)
}

// ToInfo returns a serializable snapshot of the run.
func (r *Run) ToInfo(currentState map[string]any) RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]Event, len(r.events))
	copy(events, r.events)

	info := RunInfo{
		RunID:       r.id,
		WorkflowID:  r.workflow.id,
		State:       r.state.String(),
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
		Result:      r.result,
		PendingGate: r.pendingGate,
		Events:      events,
	}
	if r.err != nil {
		info.Error = r.err.Error()
	}
	if diff, err := stateDiff(r.initialState, currentState); err == nil {
		info.StateDiff = diff
	}
	return info
}

func stateDiff(initial, current map[string]any) (json.RawMessage, error) {
	before, err := json.Marshal(initial)
	if err != nil {
		return nil, err
	}
	after, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return nil, err
	}
	return patch, nil
}

func evaluateGuard(expr, answer string) (bool, error) {
	env, err := cel.NewEnv(cel.Variable("answer", cel.StringType))
	if err != nil {
		return false, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"answer": answer})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("gate guard must evaluate to a bool, got %T", out.Value())
	}
	return b, nil
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
