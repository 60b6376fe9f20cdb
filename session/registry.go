package session

import (
	"fmt"
	"sync"
)

// Registry is the process-wide table of active sessions, keyed by connection
// identifier. Each entry is owned exclusively by that session's lifecycle;
// the registry only synchronizes insert and remove so that at most one live
// session exists per key.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Runner
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Runner{}}
}

func (r *Registry) register(id string, s *Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("session %s already registered", id)
	}
	r.sessions[id] = s
	return nil
}

func (r *Registry) deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the active session for the given id, if any.
func (r *Registry) Get(id string) (*Runner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Drain tears down every active session. Used on gateway shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	runners := make([]*Runner, 0, len(r.sessions))
	for _, s := range r.sessions {
		runners = append(runners, s)
	}
	r.mu.Unlock()

	for _, s := range runners {
		s.teardown(nil)
	}
}
