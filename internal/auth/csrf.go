package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

type csrfEntry struct {
	subject string
	expiry  time.Time
}

// CSRFTokenManager issues and validates the per-session CSRF tokens that
// pair with the refresh-token cookie. Tokens are opaque random strings
// held in memory.
type CSRFTokenManager struct {
	mu       sync.RWMutex
	tokens   map[string]csrfEntry
	tokenTTL time.Duration
}

// NewCSRFTokenManager creates a manager whose tokens live for ttl.
func NewCSRFTokenManager(ttl time.Duration) *CSRFTokenManager {
	m := &CSRFTokenManager{
		tokens:   make(map[string]csrfEntry),
		tokenTTL: ttl,
	}
	go m.reapExpired()
	return m
}

// GenerateToken creates a new CSRF token bound to the given subject.
func (m *CSRFTokenManager) GenerateToken(subject string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	m.mu.Lock()
	m.tokens[token] = csrfEntry{subject: subject, expiry: time.Now().Add(m.tokenTTL)}
	m.mu.Unlock()

	return token, nil
}

// ValidateToken checks that a token exists, is unexpired, and belongs to
// the subject.
func (m *CSRFTokenManager) ValidateToken(token, subject string) bool {
	m.mu.RLock()
	entry, ok := m.tokens[token]
	m.mu.RUnlock()

	if !ok || entry.subject != subject {
		return false
	}
	if time.Now().After(entry.expiry) {
		m.mu.Lock()
		delete(m.tokens, token)
		m.mu.Unlock()
		return false
	}
	return true
}

// RevokeToken drops a token, e.g. on logout.
func (m *CSRFTokenManager) RevokeToken(token string) {
	m.mu.Lock()
	delete(m.tokens, token)
	m.mu.Unlock()
}

func (m *CSRFTokenManager) reapExpired() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		m.mu.Lock()
		for token, entry := range m.tokens {
			if now.After(entry.expiry) {
				delete(m.tokens, token)
			}
		}
		m.mu.Unlock()
	}
}
