// Package auth holds the admin console login: bcrypt password hashing and an
// in-memory store of login sessions keyed by an opaque cookie value.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	SessionDuration = 12 * time.Hour
	SessionCookie   = "shellgate_session"
	BcryptCost      = 12
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type loginSession struct {
	userID    uint
	expiresAt time.Time
}

// SessionStore maps login cookie values to user IDs. Entries expire after
// SessionDuration; expired entries are ignored on lookup and dropped by Cleanup.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]loginSession
	ttl      time.Duration
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]loginSession),
		ttl:      SessionDuration,
		now:      time.Now,
	}
}

// Create issues a new session for userID and returns its cookie value.
func (s *SessionStore) Create(userID uint) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	id := hex.EncodeToString(b)

	s.mu.Lock()
	s.sessions[id] = loginSession{userID: userID, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return id, nil
}

// Get returns the user ID for a live session.
func (s *SessionStore) Get(id string) (uint, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || !s.now().Before(sess.expiresAt) {
		return 0, false
	}
	return sess.userID, true
}

func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Cleanup drops expired sessions and reports how many were removed.
func (s *SessionStore) Cleanup() int {
	now := s.now()
	removed := 0
	s.mu.Lock()
	for id, sess := range s.sessions {
		if !now.Before(sess.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

// Len returns the number of tracked sessions, expired or not.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
