package orchestrator

import "sync"

// Registry is the concurrency-safe set of live sessions keyed by call id.
// A destroyed session removes itself; the next request for the same call
// creates a fresh one.
type Registry struct {
	mu       sync.Mutex
	sessions map[CallID]*Session
	create   func(CallID) *Session
}

// NewRegistry returns an empty registry that builds sessions with create.
func NewRegistry(create func(CallID) *Session) *Registry {
	return &Registry{sessions: make(map[CallID]*Session), create: create}
}

// GetOrCreate returns the session for id, creating it if needed.
func (r *Registry) GetOrCreate(id CallID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := r.create(id)
	r.sessions[id] = s
	return s
}

// Get returns the session for id if one exists.
func (r *Registry) Get(id CallID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops s if it is still the registered session for its call.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
}

// ActiveSessionCount returns the number of registered sessions.
// Used for metrics.
func (r *Registry) ActiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
