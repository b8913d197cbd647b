package engine

import (
	"context"
	"time"

	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/node"
	"github.com/nervelabs/nerve/internal/session"
)

type execInputParams struct {
	ID             string  `json:"id"`
	Input          any     `json:"input"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
	Parser         string  `json:"parser"`
}

// handleExecuteInput drives any node kind's Execute through the common
// Node interface — the response shape differs per kind (ParsedResponse,
// BashResult, LLMResponse, ...) but the dispatch here does not.
func (e *Engine) handleExecuteInput(ctx context.Context, sess *session.Session, params map[string]any) CommandResult {
	var p execInputParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}
	n, err := sess.MustNode(p.ID)
	if err != nil {
		return fail(err)
	}

	timeout := time.Duration(p.TimeoutSeconds * float64(time.Second))
	result, err := n.Execute(ctx, node.ExecContext{
		SessionID:      sess.ID,
		Input:          p.Input,
		Timeout:        timeout,
		ParserOverride: p.Parser,
		ExecID:         newExecID(),
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"success": result.Success, "output": result.Output, "error": result.Error})
}

func (e *Engine) terminalNode(sess *session.Session, id string) (*node.Terminal, error) {
	n, err := sess.MustNode(id)
	if err != nil {
		return nil, err
	}
	t, ok := n.(*node.Terminal)
	if !ok {
		return nil, nerverr.New(nerverr.InvalidParams, "node %q is not a terminal node", id)
	}
	return t, nil
}

func (e *Engine) handleWriteRaw(ctx context.Context, sess *session.Session, params map[string]any) CommandResult {
	t, err := e.terminalNode(sess, stringParam(params, "id"))
	if err != nil {
		return fail(err)
	}
	if err := t.Write(ctx, stringParam(params, "data")); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"written": true})
}

func (e *Engine) handleRunCommand(ctx context.Context, sess *session.Session, params map[string]any) CommandResult {
	t, err := e.terminalNode(sess, stringParam(params, "id"))
	if err != nil {
		return fail(err)
	}
	if err := t.Run(ctx, stringParam(params, "command")); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"started": true})
}

func (e *Engine) handleReadBuffer(sess *session.Session, params map[string]any) CommandResult {
	t, err := e.terminalNode(sess, stringParam(params, "id"))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"buffer": t.Read(context.Background())})
}

type readTailParams struct {
	ID    string `json:"id"`
	Lines int    `json:"lines"`
}

func (e *Engine) handleReadTail(sess *session.Session, params map[string]any) CommandResult {
	var p readTailParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}
	if p.Lines <= 0 {
		p.Lines = 50
	}
	t, err := e.terminalNode(sess, p.ID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"buffer": t.ReadTail(context.Background(), p.Lines)})
}
