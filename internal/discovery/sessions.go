package discovery

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown or expired discovery sessions.
var ErrNotFound = errors.New("discovery session not found")

const defaultSessionTTL = 30 * time.Minute

// Session is a parked proposal awaiting approval.
type Session struct {
	ID        string
	Filename  string
	Proposal  Proposal
	Warnings  []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionStore holds pending proposals with a TTL. State is explicit and
// constructor-injected; expired entries are dropped on read and by the
// periodic sweep.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore creates a store. ttl <= 0 defaults to 30 minutes.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionStore{
		sessions: make(map[string]Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Put stores a session, stamping its creation and expiry times.
func (s *SessionStore) Put(sess Session) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sess.CreatedAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	s.sessions[sess.ID] = sess
	return sess
}

// Get returns a live session or ErrNotFound. Expired sessions are removed
// on the way out.
func (s *SessionStore) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.now().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// Delete removes a session if present.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len reports the number of stored sessions, expired ones included until
// the next sweep.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartSweep evicts expired sessions every interval until ctx is cancelled.
// interval <= 0 defaults to one minute.
func (s *SessionStore) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *SessionStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}
