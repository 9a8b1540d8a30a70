package upload

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session tracks the chunks received so far for one logical file.
// Total is fixed by the first chunk and never changes.
type Session struct {
	ID        string
	FileName  string
	Token     string
	Total     int
	CreatedAt time.Time

	mu           sync.Mutex
	chunks       []*ChunkRef
	filled       int
	merging      bool
	closed       bool
	puts         int
	lastActivity time.Time
}

func newSession(id, fileName string, total int, now time.Time) *Session {
	return &Session{
		ID:           id,
		FileName:     fileName,
		Token:        uuid.New().String(),
		Total:        total,
		CreatedAt:    now,
		chunks:       make([]*ChunkRef, total),
		lastActivity: now,
	}
}

type RecordResult struct {
	Received int
	Total    int
	Complete bool
	// StartMerge is true for exactly one Record call per session: the one
	// that filled the last empty slot.
	StartMerge bool
	// Replaced is the ref displaced by a retransmitted index. The caller
	// owns it and should release it.
	Replaced *ChunkRef
}

// Check reports whether a chunk with these coordinates could be recorded,
// without touching session state.
func (s *Session) Check(index, total int) error {
	if total != s.Total {
		return &ProtocolError{UploadID: s.ID, Expected: s.Total, Got: total}
	}
	if index < 0 || index >= s.Total {
		return &IndexError{Index: index, Total: s.Total}
	}
	return nil
}

func (s *Session) Record(index, total int, ref ChunkRef) (RecordResult, error) {
	if err := s.Check(index, total); err != nil {
		return RecordResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return RecordResult{}, ErrUploadNotFound
	}
	if s.merging {
		return RecordResult{Received: s.filled, Total: s.Total, Complete: true}, ErrSessionMerging
	}

	s.lastActivity = time.Now()
	res := RecordResult{Total: s.Total}
	if prev := s.chunks[index]; prev != nil {
		res.Replaced = prev
	} else {
		s.filled++
	}
	r := ref
	s.chunks[index] = &r

	res.Received = s.filled
	if s.filled == s.Total {
		s.merging = true
		res.Complete = true
		res.StartMerge = true
	}
	return res, nil
}

// BeginPut reserves the session for a chunk write. While any reservation is
// held the session cannot be discarded or reaped. Pair with EndPut.
func (s *Session) BeginPut() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUploadNotFound
	}
	s.puts++
	return nil
}

func (s *Session) EndPut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.puts > 0 {
		s.puts--
	}
}

func (s *Session) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filled == s.Total
}

func (s *Session) Merging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merging
}

// Refs returns the chunk refs in index order. It only succeeds once every
// slot is filled.
func (s *Session) Refs() ([]ChunkRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filled != s.Total {
		return nil, ErrSessionIncomplete
	}
	refs := make([]ChunkRef, s.Total)
	for i, r := range s.chunks {
		refs[i] = *r
	}
	return refs, nil
}

// Progress returns the number of received chunks and the indices still
// missing.
func (s *Session) Progress() (int, []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := make([]int, 0, s.Total-s.filled)
	for i, r := range s.chunks {
		if r == nil {
			missing = append(missing, i)
		}
	}
	return s.filled, missing
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Abandon closes the session and hands back every ref it still holds.
// Later Record calls fail with ErrUploadNotFound.
func (s *Session) Abandon() []ChunkRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandonLocked()
}

func (s *Session) abandonLocked() []ChunkRef {
	var refs []ChunkRef
	for i, r := range s.chunks {
		if r != nil {
			refs = append(refs, *r)
			s.chunks[i] = nil
		}
	}
	s.filled = 0
	s.closed = true
	return refs
}
