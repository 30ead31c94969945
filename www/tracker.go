package www

import (
	"context"
	"sync"
)

// Tracker is the set of sessions with a live connection.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]context.CancelFunc)}
}

// Add registers a session; cancel ends it when CloseAll is called.
func (t *Tracker) Add(id string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = cancel
}

func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *Tracker) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[id]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CloseAll cancels every live session. Sessions remove themselves as
// their handlers return.
func (t *Tracker) CloseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cancel := range t.sessions {
		cancel()
	}
	return len(t.sessions)
}
