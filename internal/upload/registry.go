package upload

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry maps upload ids to their live sessions. Lock order is registry
// first, then session.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	maxChunks int
	now       func() time.Time
}

func NewRegistry(maxChunks int) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		maxChunks: maxChunks,
		now:       time.Now,
	}
}

func (r *Registry) ValidateTotal(total int) error {
	if total < 1 {
		return Invalid("totalChunks", "totalChunks must be at least 1")
	}
	if total > r.maxChunks {
		return Invalid("totalChunks", "totalChunks %d exceeds limit of %d", total, r.maxChunks)
	}
	return nil
}

// GetOrCreate returns the session stored under id, creating it with total
// when absent. The bool reports whether this call created it.
func (r *Registry) GetOrCreate(id, fileName string, total int) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(id, fileName, total)
}

// Join is GetOrCreate that also takes a put reservation on the session
// before the registry lock is released. Release it with EndPut.
func (r *Registry) Join(id, fileName string, total int) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, created, err := r.getOrCreateLocked(id, fileName, total)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s, created, nil
}

func (r *Registry) getOrCreateLocked(id, fileName string, total int) (*Session, bool, error) {
	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}
	if err := r.ValidateTotal(total); err != nil {
		return nil, false, err
	}
	s := newSession(id, fileName, total, r.now())
	r.sessions[id] = s
	return s, true, nil
}

// Create registers a session under a fresh random id.
func (r *Registry) Create(fileName string, total int) (*Session, error) {
	if err := r.ValidateTotal(total); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New().String()
	s := newSession(id, fileName, total, r.now())
	r.sessions[id] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id only while it still maps to s, so a newer session that
// reused the id is left alone.
func (r *Registry) Remove(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Discard removes s if it never received a chunk and no other request is
// writing into it. Used to undo a session created by a request whose chunk
// could not be stored.
func (r *Registry) Discard(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[id]
	if !ok || cur != s {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filled > 0 || s.merging || s.puts > 0 {
		return false
	}
	s.closed = true
	delete(r.sessions, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type Expired struct {
	Session *Session
	Refs    []ChunkRef
}

// Reap closes and removes every session idle for longer than ttl. Sessions
// already merging or with a chunk write in flight are never reaped.
func (r *Registry) Reap(ttl time.Duration) []Expired {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Expired
	for id, s := range r.sessions {
		s.mu.Lock()
		if !s.merging && s.puts == 0 && s.lastActivity.Before(cutoff) {
			out = append(out, Expired{Session: s, Refs: s.abandonLocked()})
			delete(r.sessions, id)
		}
		s.mu.Unlock()
	}
	return out
}
