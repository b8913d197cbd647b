// Package session implements the named workspace that owns a server's
// nodes, graphs, and workflows, enforcing one identifier space shared
// across all three. Grounded on spec §4.5; no original_source file
// covers this directly (Python's module-level session.py predates the
// retrieved slice), so the shape here follows the data model in §3 and
// the teacher's map-of-resources-plus-mutex idiom used throughout
// `common/`.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/node"
	"github.com/nervelabs/nerve/internal/validation"
)

// Entity is the minimal shape a Graph or Workflow must satisfy to live
// in a Session's registries. Keeping it this small (rather than
// importing the graph/workflow packages) avoids an import cycle: those
// packages need a *Session to resolve node_refs, so Session cannot
// import them back.
type Entity interface {
	ID() string
}

// Session is a named workspace: a flat id-space shared by nodes,
// graphs, and workflows (spec §3 invariant: no name may collide across
// kinds), plus the settings new entities inherit by default.
type Session struct {
	ID             string
	Description    string
	Tags           []string
	CreatedAt      time.Time
	ServerName     string
	HistoryEnabled bool
	HistoryBaseDir string

	log *logger.Logger

	mu        sync.RWMutex
	nodes     map[string]node.Node
	graphs    map[string]Entity
	workflows map[string]Entity
	runs      map[string]any // run_id -> *workflow.WorkflowRun (weakly typed to avoid the cycle above)
}

// New creates an empty session.
func New(id, description string, tags []string, serverName string, historyEnabled bool, historyBaseDir string, log *logger.Logger) (*Session, error) {
	if err := validation.ValidateName(id, "session"); err != nil {
		return nil, err
	}
	return &Session{
		ID:             id,
		Description:    description,
		Tags:           tags,
		CreatedAt:      time.Now().UTC(),
		ServerName:     serverName,
		HistoryEnabled: historyEnabled,
		HistoryBaseDir: historyBaseDir,
		log:            log,
		nodes:          make(map[string]node.Node),
		graphs:         make(map[string]Entity),
		workflows:      make(map[string]Entity),
		runs:           make(map[string]any),
	}, nil
}

// checkUnique asserts id is unused by any of the three registries,
// reporting which kind already holds it.
func (s *Session) checkUnique(id string) error {
	if _, ok := s.nodes[id]; ok {
		return nerverr.New(nerverr.DuplicateId, "id %q already used by a node in session %q", id, s.ID)
	}
	if _, ok := s.graphs[id]; ok {
		return nerverr.New(nerverr.DuplicateId, "id %q already used by a graph in session %q", id, s.ID)
	}
	if _, ok := s.workflows[id]; ok {
		return nerverr.New(nerverr.DuplicateId, "id %q already used by a workflow in session %q", id, s.ID)
	}
	return nil
}

// AddNode registers n under its own id, rejecting a colliding id of any kind.
func (s *Session) AddNode(n node.Node) error {
	if err := validation.ValidateName(n.ID(), "node"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(n.ID()); err != nil {
		return err
	}
	s.nodes[n.ID()] = n
	return nil
}

// AddGraph registers g under id.
func (s *Session) AddGraph(id string, g Entity) error {
	if err := validation.ValidateName(id, "graph"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(id); err != nil {
		return err
	}
	s.graphs[id] = g
	return nil
}

// AddWorkflow registers w under id.
func (s *Session) AddWorkflow(id string, w Entity) error {
	if err := validation.ValidateName(id, "workflow"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(id); err != nil {
		return err
	}
	s.workflows[id] = w
	return nil
}

// Node looks up a node by id.
func (s *Session) Node(id string) (node.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// MustNode looks up a node by id, returning a NotFound error if absent.
func (s *Session) MustNode(id string) (node.Node, error) {
	n, ok := s.Node(id)
	if !ok {
		return nil, nerverr.New(nerverr.NotFound, "node %q not found in session %q", id, s.ID)
	}
	return n, nil
}

// Graph looks up a graph by id.
func (s *Session) Graph(id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[id]
	return g, ok
}

// MustGraph looks up a graph by id, returning a NotFound error if absent.
func (s *Session) MustGraph(id string) (Entity, error) {
	g, ok := s.Graph(id)
	if !ok {
		return nil, nerverr.New(nerverr.NotFound, "graph %q not found in session %q", id, s.ID)
	}
	return g, nil
}

// Workflow looks up a workflow by id.
func (s *Session) Workflow(id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	return w, ok
}

// MustWorkflow looks up a workflow by id, returning a NotFound error if absent.
func (s *Session) MustWorkflow(id string) (Entity, error) {
	w, ok := s.Workflow(id)
	if !ok {
		return nil, nerverr.New(nerverr.NotFound, "workflow %q not found in session %q", id, s.ID)
	}
	return w, nil
}

// ListNodes returns a listing snapshot of every node.
func (s *Session) ListNodes() []node.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]node.Info, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Info())
	}
	return out
}

// ListGraphIDs returns every registered graph id.
func (s *Session) ListGraphIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.graphs))
	for id := range s.graphs {
		out = append(out, id)
	}
	return out
}

// ListWorkflowIDs returns every registered workflow id.
func (s *Session) ListWorkflowIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		out = append(out, id)
	}
	return out
}

// DeleteNode stops and removes a node.
func (s *Session) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return nerverr.New(nerverr.NotFound, "node %q not found in session %q", id, s.ID)
	}
	delete(s.nodes, id)
	s.mu.Unlock()

	return n.Stop(ctx)
}

// DeleteGraph removes a graph.
func (s *Session) DeleteGraph(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[id]; !ok {
		return nerverr.New(nerverr.NotFound, "graph %q not found in session %q", id, s.ID)
	}
	delete(s.graphs, id)
	return nil
}

// DeleteWorkflow removes a workflow.
func (s *Session) DeleteWorkflow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return nerverr.New(nerverr.NotFound, "workflow %q not found in session %q", id, s.ID)
	}
	delete(s.workflows, id)
	return nil
}

// RegisterRun tracks an in-flight or completed workflow run by id. The
// value is stored as `any` since Session cannot import the workflow
// package (see Entity's doc comment).
func (s *Session) RegisterRun(runID string, run any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = run
}

// Run looks up a tracked workflow run by id.
func (s *Session) Run(runID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	return r, ok
}

// UnregisterRun drops a tracked run (the registry is weak: nothing
// besides this session keeps it alive).
func (s *Session) UnregisterRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

// Stop stops every persistent node concurrently and clears all three
// registries. Individual node Stop errors are logged, not raised — one
// stuck node must not block the rest of the session from tearing down.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	nodes := make([]node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.nodes = make(map[string]node.Node)
	s.graphs = make(map[string]Entity)
	s.workflows = make(map[string]Entity)
	s.runs = make(map[string]any)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, n := range nodes {
		if !n.Persistent() {
			continue
		}
		wg.Add(1)
		go func(n node.Node) {
			defer wg.Done()
			if err := n.Stop(ctx); err != nil {
				s.log.Warn("node stop failed during session teardown", "session", s.ID, "node_id", n.ID(), "error", err)
			}
		}(n)
	}
	wg.Wait()
}

// String satisfies fmt.Stringer for logging.
func (s *Session) String() string {
	return fmt.Sprintf("Session(id=%s)", s.ID)
}
