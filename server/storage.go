package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

type sessionEntry struct {
	record    SessionRecord
	expiresAt time.Time
}

// InMemoryStore keeps session records in process memory, keyed by session id.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]sessionEntry
	now      func() time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]sessionEntry),
		now:      time.Now,
	}
}

// NewID generates a random session identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// Get returns the record for id, or the zero record if id is unknown or expired.
func (s *InMemoryStore) Get(id string) SessionRecord {
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return SessionRecord{}
	}
	if s.expired(entry) {
		s.mu.Lock()
		// Re-check under the write lock; Touch may have extended it.
		if cur, ok := s.sessions[id]; ok && s.expired(cur) {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		return SessionRecord{}
	}
	return entry.record
}

// Has reports whether id is tracked and not expired.
func (s *InMemoryStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[id]
	return ok && !s.expired(entry)
}

// Set replaces the record for id in one step, keeping any recorded expiry.
// Expired entries of other sessions are swept at the same time.
func (s *InMemoryStore) Set(id string, record SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	entry := s.sessions[id]
	entry.record = record
	s.sessions[id] = entry
}

// Touch extends a live session until the given time. Unknown or expired ids
// are left alone; it reports whether the session was extended.
func (s *InMemoryStore) Touch(id string, until time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok || s.expired(entry) {
		return false
	}
	entry.expiresAt = until
	s.sessions[id] = entry
	return true
}

// Delete removes a session.
func (s *InMemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len reports the number of tracked sessions, expired ones included until
// they are next read or swept.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *InMemoryStore) expired(e sessionEntry) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}

func (s *InMemoryStore) sweepLocked() {
	for id, e := range s.sessions {
		if s.expired(e) {
			delete(s.sessions, id)
		}
	}
}
