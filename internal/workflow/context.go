package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nervelabs/nerve/internal/graph"
	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/node"
	"github.com/nervelabs/nerve/internal/session"
)

// WorkflowContext is the handle a workflow function uses to drive nodes,
// graphs, nested workflows, and human-input gates.
type WorkflowContext struct {
	Session *session.Session
	Input   any
	Params  map[string]any
	State   map[string]any

	run *Run
}

// Run executes a single node and returns its result.
func (c *WorkflowContext) Run(ctx context.Context, nodeID string, input any, timeout time.Duration) (node.Result, error) {
	n, err := c.Session.MustNode(nodeID)
	if err != nil {
		return node.Result{}, err
	}

	c.Emit("node_started", map[string]any{"node_id": nodeID, "input": fmt.Sprintf("%v", input)})

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := n.Execute(runCtx, node.ExecContext{SessionID: c.Session.ID, Input: input, Timeout: timeout})
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			c.Emit("node_timeout", map[string]any{"node_id": nodeID, "timeout": timeout.Seconds()})
		} else {
			c.Emit("node_error", map[string]any{"node_id": nodeID, "error": err.Error()})
		}
		return result, err
	}

	c.Emit("node_completed", map[string]any{
		"node_id": nodeID,
		"success": result.Success,
		"output":  fmt.Sprintf("%v", result.Output),
	})
	return result, nil
}

// RunGraph executes a registered graph and returns its result.
func (c *WorkflowContext) RunGraph(ctx context.Context, graphID string, input any, timeout time.Duration) (node.Result, error) {
	entity, err := c.Session.MustGraph(graphID)
	if err != nil {
		return node.Result{}, err
	}
	g, ok := entity.(*graph.Graph)
	if !ok {
		return node.Result{}, nerverr.New(nerverr.InvalidParams, "entity %q is not a graph", graphID)
	}

	c.Emit("graph_started", map[string]any{"graph_id": graphID, "input": fmt.Sprintf("%v", input)})

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := g.Execute(runCtx, node.ExecContext{SessionID: c.Session.ID, Input: input})
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			c.Emit("graph_timeout", map[string]any{"graph_id": graphID, "timeout": timeout.Seconds()})
		} else {
			c.Emit("graph_error", map[string]any{"graph_id": graphID, "error": err.Error()})
		}
		return result, err
	}

	c.Emit("graph_completed", map[string]any{
		"graph_id": graphID,
		"success":  result.Success,
		"output":   fmt.Sprintf("%v", result.Output),
	})
	return result, nil
}

// RunWorkflow executes another registered workflow to completion and
// returns its result, forwarding its events under a "nested:" prefix so
// the parent's event stream sees both.
func (c *WorkflowContext) RunWorkflow(ctx context.Context, workflowID string, input any, timeout time.Duration, params map[string]any) (any, error) {
	entity, err := c.Session.MustWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	wf, ok := entity.(*Workflow)
	if !ok {
		return nil, nerverr.New(nerverr.InvalidParams, "entity %q is not a workflow", workflowID)
	}

	c.Emit("nested_workflow_started", map[string]any{"workflow_id": workflowID, "input": fmt.Sprintf("%v", input)})

	var callback EventCallback
	if c.run != nil {
		parent := c.run
		callback = func(ev Event) {
			parent.emit(fmt.Sprintf("nested:%s", ev.EventType), map[string]any{
				"nested_workflow_id": workflowID,
				"nested_run_id":      ev.RunID,
				"data":               ev.Data,
			})
		}
	}

	child := NewRun(wf, input, params, callback)
	c.Session.RegisterRun(child.id, child)
	defer c.Session.UnregisterRun(child.id)

	if err := child.Start(ctx); err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := child.Wait(runCtx)
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		child.Cancel()
		c.Emit("nested_workflow_timeout", map[string]any{"workflow_id": workflowID, "timeout": timeout.Seconds()})
		return nil, runCtx.Err()
	case err != nil:
		c.Emit("nested_workflow_error", map[string]any{"workflow_id": workflowID, "error": err.Error()})
		return nil, err
	}

	c.Emit("nested_workflow_completed", map[string]any{"workflow_id": workflowID, "run_id": child.id, "success": true})
	return result, nil
}

// Gate pauses the workflow until a human answers the prompt (or the
// optional timeout/context elapses). An empty choices and guard accepts
// any answer.
func (c *WorkflowContext) Gate(ctx context.Context, prompt string, timeout time.Duration, choices []string, guard string) (string, error) {
	if c.run == nil {
		return "", nerverr.New(nerverr.InvalidParams, "gate called outside a workflow run")
	}

	gate := &GateInfo{
		GateID:    shortID(),
		Prompt:    prompt,
		Choices:   choices,
		Guard:     guard,
		CreatedAt: time.Now().UTC(),
		resultCh:  make(chan string, 1),
	}
	c.run.registerGate(gate)
	c.Emit("gate_waiting", map[string]any{"gate_id": gate.GateID, "prompt": prompt, "choices": choices})

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case answer := <-gate.resultCh:
		c.Emit("gate_answered", map[string]any{"gate_id": gate.GateID, "answer": answer})
		return answer, nil
	case <-c.run.ctx.Done():
		c.run.unregisterGate(gate.GateID)
		c.Emit("gate_cancelled", map[string]any{"gate_id": gate.GateID})
		return "", c.run.ctx.Err()
	case <-waitCtx.Done():
		c.run.unregisterGate(gate.GateID)
		if waitCtx.Err() == context.DeadlineExceeded {
			c.Emit("gate_timeout", map[string]any{"gate_id": gate.GateID, "timeout": timeout.Seconds()})
		} else {
			c.Emit("gate_cancelled", map[string]any{"gate_id": gate.GateID})
		}
		return "", waitCtx.Err()
	}
}

// Emit records a custom event on the run, visible to streaming clients.
func (c *WorkflowContext) Emit(eventType string, data map[string]any) {
	if c.run == nil {
		return
	}
	c.run.emit(eventType, data)
}

func shortID() string {
	return uuid.NewString()[:8]
}
