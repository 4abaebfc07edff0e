// Package sessions keeps upload session records in process memory.
package sessions

import (
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/web3-uploader/interfaces"
)

type entry struct {
	mu      sync.Mutex
	session interfaces.Session
	removed bool
}

// MemoryStore implements interfaces.SessionStore.
//
// The map lock is held only to look entries up; mutations run under the
// entry's own mutex so different ids never wait on each other.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Create implements interfaces.SessionStore.
func (s *MemoryStore) Create(id string, session interfaces.Session, unsafeOverwrite bool) error {
	now := s.now()
	session = session.Clone()
	session.ID = id
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[id]; ok {
		if !unsafeOverwrite {
			return fmt.Errorf("%w: %s", interfaces.ErrSessionExists, id)
		}
		old.mu.Lock()
		old.removed = true
		old.mu.Unlock()
	}

	s.entries[id] = &entry{session: session}
	return nil
}

// Get implements interfaces.SessionStore.
func (s *MemoryStore) Get(id string) (interfaces.Session, error) {
	e, ok := s.lookup(id)
	if !ok {
		return interfaces.Session{}, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return interfaces.Session{}, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}
	return e.session.Clone(), nil
}

// Update implements interfaces.SessionStore.
func (s *MemoryStore) Update(id string, mutation func(*interfaces.Session) error) error {
	e, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}

	updated := e.session.Clone()
	if err := mutation(&updated); err != nil {
		return err
	}
	updated.ID = id
	updated.UpdatedAt = s.now()
	e.session = updated
	return nil
}

// Consume implements interfaces.SessionStore.
func (s *MemoryStore) Consume(id string) (interfaces.Session, error) {
	e, ok := s.detach(id)
	if !ok {
		return interfaces.Session{}, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return interfaces.Session{}, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}
	e.removed = true
	return e.session.Clone(), nil
}

// Delete implements interfaces.SessionStore.
func (s *MemoryStore) Delete(id string) error {
	_, err := s.Consume(id)
	return err
}

func (s *MemoryStore) detach(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	return e, ok
}

// Sweep removes terminal sessions last updated before cutoff and returns them.
func (s *MemoryStore) Sweep(cutoff time.Time) []interfaces.Session {
	s.mu.RLock()
	candidates := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.RUnlock()

	var evicted []interfaces.Session
	for id, e := range candidates {
		e.mu.Lock()
		expired := !e.removed && e.session.State.Terminal() && e.session.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if !expired {
			continue
		}

		// Re-check under the map lock: the id may have been recreated.
		s.mu.Lock()
		current, ok := s.entries[id]
		if ok && current == e {
			delete(s.entries, id)
		}
		s.mu.Unlock()
		if !ok || current != e {
			continue
		}

		e.mu.Lock()
		e.removed = true
		evicted = append(evicted, e.session.Clone())
		e.mu.Unlock()
	}
	return evicted
}

// Len returns the number of stored sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
