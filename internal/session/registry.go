package session

import "sync"

// Registry holds one session per client, created lazily. Keys are the
// authenticated subject, so every client observes only its own request.
type Registry struct {
	mu       sync.Mutex
	factory  func() *Session
	sessions map[string]*Session
}

// NewRegistry constructs a registry around a session factory.
func NewRegistry(factory func() *Session) *Registry {
	return &Registry{
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for key, creating it on first use.
func (r *Registry) Get(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		s = r.factory()
		r.sessions[key] = s
	}
	return s
}
