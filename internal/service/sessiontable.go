package service

import (
	"sync"

	"github.com/wirepulse/wirepulse/internal/domain"
)

// sessionTable is the concurrency-safe id → session map.
type sessionTable struct {
	mu sync.RWMutex
	m  map[string]*domain.Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{m: make(map[string]*domain.Session)}
}

func (t *sessionTable) get(id string) (*domain.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.m[id]
	return s, ok
}

// putIfAbsent claims the session's id, reporting false on collision.
func (t *sessionTable) putIfAbsent(s *domain.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.m[s.ID()]; taken {
		return false
	}
	t.m[s.ID()] = s
	return true
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

func (t *sessionTable) snapshot() []*domain.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*domain.Session, 0, len(t.m))
	for _, s := range t.m {
		out = append(out, s)
	}
	return out
}
