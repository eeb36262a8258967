package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// InMemoryStore keeps ephemeral per-browser state: authentication
// sessions and the server-held half of CSRF token pairs.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	csrfPairs map[string]CSRFPair
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]Session),
		csrfPairs: make(map[string]CSRFPair),
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SaveCSRFPair records the most recently completed issuance for a
// browser. Last writer wins: verification always checks the latest
// completed pair, never one from a still-in-flight response.
func (s *InMemoryStore) SaveCSRFPair(browserID string, pair CSRFPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfPairs[browserID] = pair
}

// GetCSRFPair fetches the current pair for a browser, dropping it when
// expired.
func (s *InMemoryStore) GetCSRFPair(browserID string) (CSRFPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.csrfPairs[browserID]
	if !ok {
		return CSRFPair{}, false
	}
	if time.Now().After(pair.ExpiresAt) {
		delete(s.csrfPairs, browserID)
		return CSRFPair{}, false
	}
	return pair, true
}

// DeleteCSRFPair removes a browser's pair.
func (s *InMemoryStore) DeleteCSRFPair(browserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.csrfPairs, browserID)
}
