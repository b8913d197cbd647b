// Package graph implements the declarative DAG of steps: topological
// scheduling, per-step input interpolation against prior results, and a
// streaming variant that emits StepEvents as steps start/finish. Grounded
// on original_source/tests/core/nodes/test_graph.py (no corresponding
// graph.py was retrieved, so the behavior here is reconstructed from its
// test suite) and on the teacher's worker/dispatch idiom for the
// concurrent-wave scheduler.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/node"
	"github.com/nervelabs/nerve/internal/session"
	"github.com/nervelabs/nerve/internal/validation"
)

// Runnable is the subset of node.Node a Step needs. A *Graph also
// satisfies it, so one graph can nest another as a step (spec: "graphs
// containing graphs").
type Runnable interface {
	ID() string
	Execute(ctx context.Context, ec node.ExecContext) (node.Result, error)
}

// Step is one node invocation in a graph.
type Step struct {
	Node        Runnable              // exactly one of Node/NodeRef is set
	NodeRef     string
	Input       any                    // mutually exclusive with InputFn
	InputFn     func(upstream map[string]any) any
	DependsOn   []string
	ErrorPolicy string // "" (fail the graph) | "continue"
	Parser      string
}

// StepEvent is one streamed notification from ExecuteStream.
type StepEvent struct {
	EventType string // "step_start" | "step_complete" | "step_error"
	StepID    string
	NodeID    string
	Data      map[string]any
	Timestamp time.Time
}

// Graph is a session-scoped, non-persistent DAG of steps.
type Graph struct {
	id      string
	session *session.Session

	mu    sync.RWMutex
	steps map[string]*Step
	order []string // insertion order, for stable listing/repr
}

// New creates an empty graph and registers it with session under id.
func New(id string, sess *session.Session) (*Graph, error) {
	if err := validation.ValidateName(id, "graph"); err != nil {
		return nil, err
	}
	g := &Graph{id: id, session: sess, steps: make(map[string]*Step)}
	if sess != nil {
		if err := sess.AddGraph(id, g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ID satisfies session.Entity and Runnable.
func (g *Graph) ID() string { return g.id }

// Len reports how many steps the graph has.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.steps)
}

// AddStep registers a direct-node step.
func (g *Graph) AddStep(n Runnable, stepID string, input any, dependsOn []string) error {
	return g.addStep(stepID, &Step{Node: n, Input: input, DependsOn: dependsOn})
}

// AddStepRef registers a step resolved against the session at execution time.
func (g *Graph) AddStepRef(nodeID, stepID string, input any, dependsOn []string) error {
	return g.addStep(stepID, &Step{NodeRef: nodeID, Input: input, DependsOn: dependsOn})
}

// AddStepRefFull is AddStepRef plus the error_policy/parser overrides a
// wire CREATE_GRAPH command may specify per step.
func (g *Graph) AddStepRefFull(nodeID, stepID string, input any, dependsOn []string, errorPolicy, parserOverride string) error {
	return g.addStep(stepID, &Step{NodeRef: nodeID, Input: input, DependsOn: dependsOn, ErrorPolicy: errorPolicy, Parser: parserOverride})
}

func (g *Graph) addStep(stepID string, step *Step) error {
	if stepID == "" {
		return nerverr.New(nerverr.InvalidParams, "step_id cannot be empty")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.steps[stepID]; exists {
		return nerverr.New(nerverr.DuplicateId, "step %q already exists in graph %q", stepID, g.id)
	}
	g.steps[stepID] = step
	g.order = append(g.order, stepID)
	return nil
}

// Chain sets each later id to depend on the one before it.
func (g *Graph) Chain(ids ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 1; i < len(ids); i++ {
		cur, ok := g.steps[ids[i]]
		if !ok {
			return nerverr.New(nerverr.NotFound, "unknown step %q", ids[i])
		}
		cur.DependsOn = append(cur.DependsOn, ids[i-1])
	}
	return nil
}

// GetStep returns the step registered under id.
func (g *Graph) GetStep(id string) (*Step, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.steps[id]
	return s, ok
}

// ListSteps returns step ids in insertion order.
func (g *Graph) ListSteps() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Validate returns a human-readable error message per problem found; an
// empty slice means the graph is runnable.
func (g *Graph) Validate() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errs []string
	for id, s := range g.steps {
		if s.Node == nil && s.NodeRef == "" {
			errs = append(errs, fmt.Sprintf("step %q has no node or node_ref", id))
		}
		if s.Input != nil && s.InputFn != nil {
			errs = append(errs, fmt.Sprintf("step %q: input and input_fn are mutually exclusive", id))
		}
		for _, dep := range s.DependsOn {
			if dep == id {
				errs = append(errs, fmt.Sprintf("step %q depends on itself", id))
				continue
			}
			if _, ok := g.steps[dep]; !ok {
				errs = append(errs, fmt.Sprintf("step %q depends on unknown step %q", id, dep))
			}
		}
	}
	if cycle := g.findCycle(); cycle != "" {
		errs = append(errs, fmt.Sprintf("cycle detected involving step %q", cycle))
	}
	return errs
}

// findCycle runs a DFS looking for a back-edge; returns the offending
// step id, or "" if the graph is acyclic.
func (g *Graph) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.steps))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range g.steps[id].DependsOn {
			// Self-dependencies are reported separately by Validate.
			if _, ok := g.steps[dep]; !ok || dep == id {
				continue
			}
			switch color[dep] {
			case gray:
				return dep
			case white:
				if found := visit(dep); found != "" {
					return found
				}
			}
		}
		color[id] = black
		return ""
	}
	for id := range g.steps {
		if color[id] == white {
			if found := visit(id); found != "" {
				return found
			}
		}
	}
	return ""
}

// ExecutionOrder returns a valid topological order of step ids.
func (g *Graph) ExecutionOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.steps))
	dependents := make(map[string][]string, len(g.steps))
	for id, s := range g.steps {
		indegree[id] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var out []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(out) != len(g.steps) {
		return nil, nerverr.New(nerverr.GraphValidation, "graph %q has a cycle", g.id)
	}
	return out, nil
}
