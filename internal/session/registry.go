package session

import (
	"context"
	"sync"

	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/nerverr"
)

// DefaultSessionID names the session that always exists so commands
// without an explicit session_id still have somewhere to go.
const DefaultSessionID = "default"

// Registry maps session id to Session, with a default session that a
// daemon always starts with (spec §4.5).
type Registry struct {
	log            *logger.Logger
	serverName     string
	historyEnabled bool
	historyBaseDir string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds a registry pre-populated with the default session.
func NewRegistry(serverName string, historyEnabled bool, historyBaseDir string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		log:            log,
		serverName:     serverName,
		historyEnabled: historyEnabled,
		historyBaseDir: historyBaseDir,
		sessions:       make(map[string]*Session),
	}
	def, err := New(DefaultSessionID, "default session", nil, serverName, historyEnabled, historyBaseDir, log)
	if err != nil {
		return nil, err
	}
	r.sessions[DefaultSessionID] = def
	return r, nil
}

// Create registers a brand-new named session.
func (r *Registry) Create(id, description string, tags []string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, nerverr.New(nerverr.DuplicateId, "session %q already exists", id)
	}
	s, err := New(id, description, tags, r.serverName, r.historyEnabled, r.historyBaseDir, r.log)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = s
	return s, nil
}

// Get looks up a session by id, falling back to the default session
// when id is empty (spec: "commands without a session parameter still
// target something sensible").
func (r *Registry) Get(id string) (*Session, error) {
	if id == "" {
		id = DefaultSessionID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nerverr.New(nerverr.NotFound, "session %q not found", id)
	}
	return s, nil
}

// List returns every session currently registered.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Delete stops and removes a session. The default session cannot be
// deleted: commands targeting no session must always have somewhere to land.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if id == DefaultSessionID {
		return nerverr.New(nerverr.InvalidParams, "the default session cannot be deleted")
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nerverr.New(nerverr.NotFound, "session %q not found", id)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	s.Stop(ctx)
	return nil
}

// StopAll stops every session, used on server shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop(ctx)
		}(s)
	}
	wg.Wait()
}
