package engine

import (
	"context"

	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/session"
	"github.com/nervelabs/nerve/internal/workflow"
)

type registerWorkflowParams struct {
	ID       string `json:"id"`
	Template string `json:"template"`
}

// handleRegisterWorkflow binds a new session-scoped workflow id to a
// pre-compiled template registered via RegisterWorkflowTemplate at
// startup. The wire protocol carries JSON, not executable code, so a
// REGISTER_WORKFLOW command can only select among templates the server
// already knows — it cannot define new workflow logic.
func (e *Engine) handleRegisterWorkflow(sess *session.Session, params map[string]any) CommandResult {
	var p registerWorkflowParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}
	e.mu.Lock()
	fn, known := e.templates[p.Template]
	e.mu.Unlock()
	if !known {
		return fail(nerverr.New(nerverr.InvalidParams, "unknown workflow template %q", p.Template))
	}
	w, err := workflow.New(p.ID, fn, sess)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"id": w.ID(), "template": p.Template})
}

func (e *Engine) handleListWorkflows(sess *session.Session) CommandResult {
	return ok(sess.ListWorkflowIDs())
}

func (e *Engine) mustWorkflow(sess *session.Session, id string) (*workflow.Workflow, error) {
	entity, err := sess.MustWorkflow(id)
	if err != nil {
		return nil, err
	}
	w, ok := entity.(*workflow.Workflow)
	if !ok {
		return nil, nerverr.New(nerverr.InvalidParams, "entity %q is not a workflow", id)
	}
	return w, nil
}

func (e *Engine) handleGetWorkflow(sess *session.Session, params map[string]any) CommandResult {
	w, err := e.mustWorkflow(sess, stringParam(params, "id"))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"id": w.ID()})
}

func (e *Engine) mustRun(sess *session.Session, runID string) (*workflow.Run, error) {
	entity, found := sess.Run(runID)
	if !found {
		return nil, nerverr.New(nerverr.NotFound, "no workflow run %q", runID)
	}
	r, ok := entity.(*workflow.Run)
	if !ok {
		return nil, nerverr.New(nerverr.InvalidParams, "entity %q is not a workflow run", runID)
	}
	return r, nil
}

type runWorkflowParams struct {
	ID     string         `json:"id"`
	Input  any            `json:"input"`
	Params map[string]any `json:"params"`
	Wait   bool           `json:"wait"`
}

// handleRunWorkflow starts a new Run of a registered workflow. By
// default it returns as soon as the run starts, without waiting for the
// workflow to reach a gate; pass wait=true to block until the run reaches
// a terminal state.
func (e *Engine) handleRunWorkflow(ctx context.Context, sess *session.Session, params map[string]any) CommandResult {
	var p runWorkflowParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}
	w, err := e.mustWorkflow(sess, p.ID)
	if err != nil {
		return fail(err)
	}

	run := workflow.NewRun(w, p.Input, p.Params, e.workflowEventCallback(sess))
	sess.RegisterRun(run.RunID(), run)

	if err := run.Start(ctx); err != nil {
		sess.UnregisterRun(run.RunID())
		return fail(err)
	}

	if p.Wait {
		result, err := run.Wait(ctx)
		sess.UnregisterRun(run.RunID())
		if err != nil {
			return fail(err)
		}
		return ok(map[string]any{"run_id": run.RunID(), "state": run.State().String(), "result": result})
	}

	return ok(map[string]any{"run_id": run.RunID(), "state": run.State().String(), "pending_gate": run.PendingGate()})
}

// workflowEventCallback forwards every workflow event onto the shared
// eventbus so connected clients see gate prompts and nested run
// progress in real time, under the event type "workflow:<type>".
func (e *Engine) workflowEventCallback(sess *session.Session) workflow.EventCallback {
	return func(ev workflow.Event) {
		e.events.Publish(context.Background(), eventFor("workflow:"+ev.EventType, "", map[string]any{
			"run_id":      ev.RunID,
			"workflow_id": ev.WorkflowID,
			"data":        ev.Data,
		}))
	}
}

type answerGateParams struct {
	RunID  string `json:"run_id"`
	Answer string `json:"answer"`
}

func (e *Engine) handleAnswerGate(sess *session.Session, params map[string]any) CommandResult {
	var p answerGateParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}
	run, err := e.mustRun(sess, p.RunID)
	if err != nil {
		return fail(err)
	}
	if err := run.AnswerGate(p.Answer); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"run_id": p.RunID, "state": run.State().String()})
}

func (e *Engine) handleCancelWorkflow(sess *session.Session, params map[string]any) CommandResult {
	runID := stringParam(params, "run_id")
	run, err := e.mustRun(sess, runID)
	if err != nil {
		return fail(err)
	}
	run.Cancel()
	return ok(map[string]any{"cancelled": runID})
}
