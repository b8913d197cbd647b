package engine

import (
	"context"
	"time"

	"github.com/nervelabs/nerve/internal/graph"
	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/node"
	"github.com/nervelabs/nerve/internal/session"
)

type stepParams struct {
	StepID      string   `json:"step_id"`
	NodeID      string   `json:"node_id"`
	Input       any      `json:"input"`
	DependsOn   []string `json:"depends_on"`
	ErrorPolicy string   `json:"error_policy"`
	Parser      string   `json:"parser"`
}

type createGraphParams struct {
	ID    string       `json:"id"`
	Steps []stepParams `json:"steps"`
}

func addSteps(g *graph.Graph, steps []stepParams) error {
	for _, s := range steps {
		if err := g.AddStepRefFull(s.NodeID, s.StepID, s.Input, s.DependsOn, s.ErrorPolicy, s.Parser); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleCreateGraph(sess *session.Session, params map[string]any) CommandResult {
	var p createGraphParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}
	g, err := graph.New(p.ID, sess)
	if err != nil {
		return fail(err)
	}
	if err := addSteps(g, p.Steps); err != nil {
		sess.DeleteGraph(p.ID)
		return fail(err)
	}
	if problems := g.Validate(); len(problems) > 0 {
		sess.DeleteGraph(p.ID)
		return fail(nerverr.New(nerverr.GraphValidation, "graph %q failed validation: %v", p.ID, problems))
	}
	return ok(graphInfo(g))
}

func (e *Engine) handleDeleteGraph(sess *session.Session, params map[string]any) CommandResult {
	id := stringParam(params, "id")
	if err := sess.DeleteGraph(id); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"deleted": id})
}

func (e *Engine) handleListGraphs(sess *session.Session) CommandResult {
	return ok(sess.ListGraphIDs())
}

func (e *Engine) mustGraph(sess *session.Session, id string) (*graph.Graph, error) {
	entity, err := sess.MustGraph(id)
	if err != nil {
		return nil, err
	}
	g, ok := entity.(*graph.Graph)
	if !ok {
		return nil, nerverr.New(nerverr.InvalidParams, "entity %q is not a graph", id)
	}
	return g, nil
}

func (e *Engine) handleGetGraph(sess *session.Session, params map[string]any) CommandResult {
	g, err := e.mustGraph(sess, stringParam(params, "id"))
	if err != nil {
		return fail(err)
	}
	return ok(graphInfo(g))
}

func graphInfo(g *graph.Graph) map[string]any {
	info := g.ToInfo()
	return map[string]any{"id": info.ID, "metadata": info.Metadata, "steps": g.ListSteps()}
}

type executeGraphParams struct {
	ID             string       `json:"id"`
	Steps          []stepParams `json:"steps"`
	Input          any          `json:"input"`
	TimeoutSeconds float64      `json:"timeout_seconds"`
}

// handleExecuteGraph builds an ad hoc graph from inline steps, runs it
// to completion, and discards the registration — "execute-from-steps"
// in spec §4.6's command category list, distinct from RunGraph which
// targets an already-registered graph.
func (e *Engine) handleExecuteGraph(ctx context.Context, sess *session.Session, params map[string]any) CommandResult {
	var p executeGraphParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}
	id := p.ID
	if id == "" {
		id = "exec-" + newExecID()[:8]
	}

	g, err := graph.New(id, sess)
	if err != nil {
		return fail(err)
	}
	defer sess.DeleteGraph(id)

	if err := addSteps(g, p.Steps); err != nil {
		return fail(err)
	}

	return e.runGraph(ctx, sess, g, p.Input, p.TimeoutSeconds)
}

type runGraphParams struct {
	ID             string  `json:"id"`
	Input          any     `json:"input"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

func (e *Engine) handleRunGraph(ctx context.Context, sess *session.Session, params map[string]any) CommandResult {
	var p runGraphParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}
	g, err := e.mustGraph(sess, p.ID)
	if err != nil {
		return fail(err)
	}
	return e.runGraph(ctx, sess, g, p.Input, p.TimeoutSeconds)
}

func (e *Engine) runGraph(ctx context.Context, sess *session.Session, g *graph.Graph, input any, timeoutSeconds float64) CommandResult {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds*float64(time.Second)))
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.mu.Lock()
	e.graphRuns[g.ID()] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.graphRuns, g.ID())
		e.mu.Unlock()
	}()

	e.events.Publish(ctx, eventFor("graph_started", "", map[string]any{"graph_id": g.ID()}))
	result, err := g.Execute(runCtx, node.ExecContext{SessionID: sess.ID, Input: input, ExecID: newExecID()})
	if err != nil {
		e.events.Publish(ctx, eventFor("graph_error", "", map[string]any{"graph_id": g.ID(), "error": err.Error()}))
		return fail(err)
	}
	e.events.Publish(ctx, eventFor("graph_completed", "", map[string]any{"graph_id": g.ID(), "success": result.Success}))
	return ok(map[string]any{"success": result.Success, "output": result.Output, "error": result.Error})
}

func (e *Engine) handleCancelGraph(sess *session.Session, params map[string]any) CommandResult {
	id := stringParam(params, "id")
	e.mu.Lock()
	cancel, ok := e.graphRuns[id]
	e.mu.Unlock()
	if !ok {
		return fail(nerverr.New(nerverr.NotFound, "no in-flight execution for graph %q", id))
	}
	cancel()
	return ok(map[string]any{"cancelled": id})
}
