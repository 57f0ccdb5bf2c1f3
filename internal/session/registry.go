package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks live sessions by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

// Get returns the session for id and marks it as seen.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.touch(r.now())
	}
	return s, ok
}

// GetOrCreate returns the session for id, creating a fresh one with a new
// random id when id is empty or unknown.
func (r *Registry) GetOrCreate(id string) (*Session, bool) {
	if id != "" {
		if s, ok := r.Get(id); ok {
			return s, false
		}
	}

	s := newSession(uuid.NewString(), r.now())
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s, true
}

// Remove tears the session down and returns its preview id for revocation.
func (r *Registry) Remove(id string) (string, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	return s.teardown(), true
}

// Sweep tears down sessions idle for longer than ttl and returns the
// preview ids they held. Sessions waiting on a scan are kept.
func (r *Registry) Sweep(ttl time.Duration) []string {
	now := r.now()

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.idleSince(now) > ttl && !s.loading() {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	var previews []string
	for _, s := range expired {
		if p := s.teardown(); p != "" {
			previews = append(previews, p)
		}
	}
	return previews
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
