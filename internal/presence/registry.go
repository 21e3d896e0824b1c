// Package presence tracks connected client sessions and which of them are
// mining. It is purely observational: nothing here gates share submission.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Identity is a verified client identity attached to a session.
type Identity struct {
	ExternalID  string `json:"id"`
	DisplayName string `json:"username"`
}

// Session is the plain record kept per connection.
type Session struct {
	SessionID   string
	ClientID    string
	DisplayName string
	Mining      bool
	Mode        string
	ConnectedAt time.Time
	RemoteAddr  string
}

// Authenticated reports whether an identity has been attached.
func (s Session) Authenticated() bool {
	return s.ClientID != ""
}

// Change describes the effect of a registry mutation on the mining count.
type Change struct {
	Count   int
	Changed bool
}

// Registry is a concurrency safe session table keyed by generated id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		Now:      time.Now,
	}
}

// Register creates a session for a new connection and returns its id.
func (r *Registry) Register(remoteAddr string) string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &Session{
		SessionID:   id,
		ConnectedAt: r.Now(),
		RemoteAddr:  remoteAddr,
	}
	return id
}

// Attach records the verified identity on a session. It reports false when
// the session is gone.
func (r *Registry) Attach(sessionID string, ident Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.ClientID = ident.ExternalID
	s.DisplayName = ident.DisplayName
	return true
}

// SetMining flips the mining flag and mode of a session.
func (r *Registry) SetMining(sessionID string, on bool, mode string) Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Change{Count: r.countLocked()}
	}

	changed := s.Mining != on
	s.Mining = on
	if on {
		s.Mode = mode
	}
	return Change{Count: r.countLocked(), Changed: changed}
}

// Remove deletes a session and returns the record it held.
func (r *Registry) Remove(sessionID string) (Session, Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, Change{Count: r.countLocked()}, false
	}
	delete(r.sessions, sessionID)
	return *s, Change{Count: r.countLocked(), Changed: s.Mining}, true
}

// Get returns a copy of a session.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Count returns the number of mining sessions, scanned on every call.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked()
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Authenticated returns copies of all sessions with an identity, oldest first.
func (r *Registry) Authenticated() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Authenticated() {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// DisplayName returns the name attached to any session of clientID.
func (r *Registry) DisplayName(clientID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ClientID == clientID && s.DisplayName != "" {
			return s.DisplayName
		}
	}
	return ""
}

// SessionsOf returns the ids of every session bound to clientID.
func (r *Registry) SessionsOf(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.sessions {
		if s.ClientID == clientID {
			ids = append(ids, id)
		}
	}
	return ids
}

// countLocked counts mining flags. No running total is kept, so nothing
// can drift from the flags.
func (r *Registry) countLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.Mining {
			n++
		}
	}
	return n
}
