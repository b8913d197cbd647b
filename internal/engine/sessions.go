package engine

import (
	"context"

	"github.com/nervelabs/nerve/internal/session"
)

type createSessionParams struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

func (e *Engine) handleCreateSession(params map[string]any) CommandResult {
	var p createSessionParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}
	s, err := e.registry.Create(p.ID, p.Description, p.Tags)
	if err != nil {
		return fail(err)
	}
	return ok(sessionInfo(s))
}

func (e *Engine) handleDeleteSession(ctx context.Context, params map[string]any) CommandResult {
	id := stringParam(params, "id")
	if err := e.registry.Delete(ctx, id); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"deleted": id})
}

func (e *Engine) handleListSessions() CommandResult {
	sessions := e.registry.List()
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionInfo(s))
	}
	return ok(out)
}

func sessionInfo(s *session.Session) map[string]any {
	return map[string]any{
		"id":          s.ID,
		"description": s.Description,
		"tags":        s.Tags,
		"created_at":  s.CreatedAt,
		"node_count":  len(s.ListNodes()),
		"graph_ids":   s.ListGraphIDs(),
		"workflow_ids": s.ListWorkflowIDs(),
	}
}
