package store

import (
	"fmt"
	"sync"

	"github.com/ashureev/fluentwork/internal/domain"
)

// DefaultSessionCapacity is the number of recent sessions kept in memory.
const DefaultSessionCapacity = 100

// SessionStore is a fixed-size ring of the most recently started sessions.
// When full, inserting evicts the oldest-inserted session whatever its
// status; an evicted active session is abandoned without feedback.
type SessionStore struct {
	mu    sync.RWMutex
	ring  []*domain.Session
	byID  map[string]*domain.Session
	size  int
	head  int // next write position
	count int
}

// NewSessionStore creates a store holding at most capacity sessions.
func NewSessionStore(capacity int) *SessionStore {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	return &SessionStore{
		ring: make([]*domain.Session, capacity),
		byID: make(map[string]*domain.Session, capacity),
		size: capacity,
	}
}

// Put inserts a session and returns the session it evicted, if any.
// Re-inserting a stored session is a no-op.
func (s *SessionStore) Put(session *domain.Session) (evicted *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[session.ID]; exists {
		return nil
	}

	if s.count == s.size {
		evicted = s.ring[s.head]
		delete(s.byID, evicted.ID)
	} else {
		s.count++
	}
	s.ring[s.head] = session
	s.byID[session.ID] = session
	s.head = (s.head + 1) % s.size
	return evicted
}

// Get returns a stored session.
func (s *SessionStore) Get(sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.byID[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return session, nil
}

// RecentForUser returns up to limit of a user's sessions, newest first.
// A non-positive limit returns all of them.
func (s *SessionStore) RecentForUser(userID string, limit int) []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Session
	s.walkNewestFirst(func(session *domain.Session) bool {
		if session.UserID == userID {
			out = append(out, session)
		}
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Active returns every stored session currently in the Active state.
func (s *SessionStore) Active() []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Session
	s.walkNewestFirst(func(session *domain.Session) bool {
		if session.Status() == domain.StatusActive {
			out = append(out, session)
		}
		return true
	})
	return out
}

func (s *SessionStore) walkNewestFirst(visit func(*domain.Session) bool) {
	for i := 1; i <= s.count; i++ {
		idx := (s.head - i + s.size) % s.size
		if !visit(s.ring[idx]) {
			return
		}
	}
}

// Len returns the number of stored sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Capacity returns the maximum number of stored sessions.
func (s *SessionStore) Capacity() int {
	return s.size
}
