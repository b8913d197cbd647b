package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/node"
)

// Info mirrors node.Info for graphs, for session/engine listings.
type Info struct {
	ID       string
	Metadata map[string]any
}

// ToInfo summarizes the graph for listing commands.
func (g *Graph) ToInfo() Info {
	return Info{ID: g.id, Metadata: map[string]any{"steps": g.Len()}}
}

// CollectPersistentNodes walks the graph, including nested graphs,
// returning every node.Node step whose Persistent() is true.
func (g *Graph) CollectPersistentNodes() []node.Node {
	g.mu.RLock()
	steps := make(map[string]*Step, len(g.steps))
	for id, s := range g.steps {
		steps[id] = s
	}
	g.mu.RUnlock()

	var out []node.Node
	for _, s := range steps {
		switch n := s.Node.(type) {
		case node.Node:
			if n.Persistent() {
				out = append(out, n)
			}
		case *Graph:
			out = append(out, n.CollectPersistentNodes()...)
		}
	}
	return out
}

// Execute runs the graph to completion and returns {step_id: output}.
// It satisfies Runnable so a Graph can be nested as another graph's step.
func (g *Graph) Execute(ctx context.Context, ec node.ExecContext) (node.Result, error) {
	results, errs, err := g.run(ctx, ec, nil)
	if err != nil {
		return node.Result{}, err
	}
	if len(errs) > 0 {
		// Report one failing step whose error_policy is not "continue"
		// (which one is not defined when several failed). Output holds
		// every step's output; a step whose node returned an error has nil.
		for id, e := range errs {
			g.mu.RLock()
			s := g.steps[id]
			g.mu.RUnlock()
			if s != nil && s.ErrorPolicy == "continue" {
				continue
			}
			return node.Result{Success: false, Output: results, Error: fmt.Sprintf("step %q: %v", id, e)}, nil
		}
	}
	return node.Result{Success: true, Output: results}, nil
}

// ExecuteStream runs the graph, emitting a StepEvent per step start/
// completion/error on the returned channel, which is closed once the
// graph finishes.
func (g *Graph) ExecuteStream(ctx context.Context, ec node.ExecContext) <-chan StepEvent {
	events := make(chan StepEvent, 32)
	go func() {
		defer close(events)
		g.run(ctx, ec, events)
	}()
	return events
}

// run drives the indegree-based wave scheduler: each wave is every step
// whose dependencies are satisfied, dispatched concurrently; waves
// repeat until nothing is left ready. A step whose error_policy isn't
// "continue" cascades a skip to every step reachable from it.
func (g *Graph) run(ctx context.Context, ec node.ExecContext, events chan<- StepEvent) (map[string]any, map[string]error, error) {
	if problems := g.Validate(); len(problems) > 0 {
		return nil, nil, nerverr.New(nerverr.GraphValidation, "graph %q failed validation: %v", g.id, problems)
	}

	g.mu.RLock()
	steps := make(map[string]*Step, len(g.steps))
	for id, s := range g.steps {
		steps[id] = s
	}
	g.mu.RUnlock()

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for id, s := range steps {
		indegree[id] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var mu sync.Mutex
	results := make(map[string]any, len(steps))
	errs := make(map[string]error)
	skipped := make(map[string]bool)

	var cascadeSkip func(id string)
	cascadeSkip = func(id string) {
		if skipped[id] {
			return
		}
		skipped[id] = true
		errs[id] = fmt.Errorf("skipped: an upstream dependency failed")
		for _, dep := range dependents[id] {
			cascadeSkip(dep)
		}
	}

	var ready []string
	for _, id := range g.order {
		if _, ok := steps[id]; ok && indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	for len(ready) > 0 {
		var wg sync.WaitGroup
		for _, id := range ready {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				g.executeStep(ctx, id, steps[id], &mu, results, errs, ec, events)
			}(id)
		}
		wg.Wait()

		var next []string
		mu.Lock()
		for _, id := range ready {
			failed := errs[id] != nil && steps[id].ErrorPolicy != "continue"
			for _, dep := range dependents[id] {
				if skipped[dep] {
					continue
				}
				if failed {
					cascadeSkip(dep)
					continue
				}
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		mu.Unlock()
		ready = next
	}

	return results, errs, nil
}

// executeStep resolves input, runs the step's node, and records its
// result under the protection of mu, emitting start/complete/error
// events if a stream is attached.
func (g *Graph) executeStep(ctx context.Context, id string, s *Step, mu *sync.Mutex, results map[string]any, errs map[string]error, ec node.ExecContext, events chan<- StepEvent) {
	runnable := s.Node
	nodeID := id
	if runnable == nil {
		n, err := g.session.MustNode(s.NodeRef)
		if err != nil {
			mu.Lock()
			errs[id] = err
			mu.Unlock()
			emit(events, StepEvent{EventType: "step_error", StepID: id, Data: map[string]any{"error": err.Error()}})
			return
		}
		runnable = n
		nodeID = n.ID()
	}

	mu.Lock()
	snapshot := make(map[string]any, len(results))
	for k, v := range results {
		snapshot[k] = v
	}
	errSnapshot := make(map[string]string, len(errs))
	for k, e := range errs {
		errSnapshot[k] = e.Error()
	}
	mu.Unlock()

	var input any
	switch {
	case s.InputFn != nil:
		input = s.InputFn(snapshot)
	default:
		input = resolveInput(s.Input, snapshot)
	}

	emit(events, StepEvent{EventType: "step_start", StepID: id, NodeID: nodeID, Timestamp: now()})

	upstream := make(map[string]node.StepResult, len(snapshot))
	for k, v := range snapshot {
		sr := node.StepResult{Output: v}
		if e, ok := errSnapshot[k]; ok {
			sr.Error = e
		}
		upstream[k] = sr
	}

	parserOverride := ec.ParserOverride
	if s.Parser != "" {
		parserOverride = s.Parser
	}
	out, err := runnable.Execute(ctx, node.ExecContext{
		SessionID:      ec.SessionID,
		Input:          input,
		Timeout:        ec.Timeout,
		ParserOverride: parserOverride,
		Upstream:       upstream,
		ExecID:         ec.ExecID,
	})

	mu.Lock()
	switch {
	case err != nil:
		errs[id] = err
		results[id] = nil
	case !out.Success:
		errs[id] = fmt.Errorf("%s", out.Error)
		results[id] = out.Output
	default:
		results[id] = out.Output
	}
	mu.Unlock()

	if err != nil {
		emit(events, StepEvent{EventType: "step_error", StepID: id, NodeID: nodeID, Data: map[string]any{"error": err.Error()}, Timestamp: now()})
		return
	}
	emit(events, StepEvent{EventType: "step_complete", StepID: id, NodeID: nodeID, Data: map[string]any{"output": out.Output}, Timestamp: now()})
}

func emit(events chan<- StepEvent, ev StepEvent) {
	if events == nil {
		return
	}
	events <- ev
}

func now() time.Time { return time.Now().UTC() }
