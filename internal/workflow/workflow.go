// Package workflow implements imperative, coroutine-style orchestration:
// a workflow is a plain Go function given a WorkflowContext that can run
// nodes, run graphs, run other workflows, and pause for human input via
// gates. Grounded on original_source/src/nerve/core/workflow/{context,run}.py
// (read in full); the asyncio task + future model there is rebuilt here
// as a goroutine plus channels, matching the teacher's node runtime's use
// of goroutines for concurrent, cancelable work.
package workflow

import (
	"time"

	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/session"
	"github.com/nervelabs/nerve/internal/validation"
)

// State is a workflow run's lifecycle stage.
type State int

const (
	Pending State = iota
	Running
	Waiting
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fn is a workflow body: it receives a context carrying helpers to drive
// nodes/graphs/nested workflows and returns its own result.
type Fn func(ctx *WorkflowContext) (any, error)

// Workflow is a registered, reusable workflow definition.
type Workflow struct {
	id      string
	fn      Fn
	session *session.Session
}

// New creates a workflow and registers it with sess under id.
func New(id string, fn Fn, sess *session.Session) (*Workflow, error) {
	if err := validation.ValidateName(id, "workflow"); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, nerverr.New(nerverr.InvalidParams, "workflow %q has no function", id)
	}
	w := &Workflow{id: id, fn: fn, session: sess}
	if sess != nil {
		if err := sess.AddWorkflow(id, w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// ID satisfies session.Entity.
func (w *Workflow) ID() string { return w.id }

// GateInfo is metadata for a pending human-input gate.
type GateInfo struct {
	GateID    string
	Prompt    string
	Choices   []string
	Guard     string // optional CEL expression evaluated against `answer`
	CreatedAt time.Time

	resultCh chan string
}
