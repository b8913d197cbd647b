package engine

import (
	"path/filepath"

	"github.com/nervelabs/nerve/internal/history"
	"github.com/nervelabs/nerve/internal/session"
)

type getHistoryParams struct {
	ID     string `json:"id"`
	Mode   string `json:"mode"` // "", "last", "by_op", "seq", "inputs_only"
	N      int    `json:"n"`
	Op     string `json:"op"`
	Seq    int    `json:"seq"`
}

// handleGetHistory serves the append-only JSONL history log a node's
// history.Writer produced, re-reading the file fresh on every call
// (spec's "history is a debugging aid, not a cache").
func (e *Engine) handleGetHistory(sess *session.Session, params map[string]any) CommandResult {
	var p getHistoryParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}

	path := filepath.Join(e.cfg.History.BaseDir, sess.ServerName, sess.ID, p.ID+".jsonl")
	r, err := history.NewReader(path)
	if err != nil {
		return fail(err)
	}

	switch p.Mode {
	case "last":
		n := p.N
		if n <= 0 {
			n = 20
		}
		return ok(r.GetLast(n))
	case "by_op":
		return ok(r.GetByOp(p.Op))
	case "seq":
		entry, found := r.GetBySeq(p.Seq)
		if !found {
			return ok(nil)
		}
		return ok(entry)
	case "inputs_only":
		return ok(r.GetInputsOnly())
	default:
		return ok(r.GetAll())
	}
}
