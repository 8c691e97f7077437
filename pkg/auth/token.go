package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenManager manages API tokens issued to authenticated sessions
type TokenManager struct {
	tokens map[string]*Token
	mu     sync.RWMutex
}

// Token is a bearer token bound to the credentials that created it
type Token struct {
	Token       string       `json:"token"`
	Credentials *Credentials `json:"credentials"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*Token),
	}
}

// GenerateToken generates a new token carrying a copy of creds
func (tm *TokenManager) GenerateToken(creds *Credentials, duration time.Duration) (*Token, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	now := time.Now()
	t := &Token{
		Token:       hex.EncodeToString(bytes),
		Credentials: creds.Clone(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(duration),
	}
	t.Credentials.Kind = KindToken

	tm.mu.Lock()
	tm.tokens[t.Token] = t
	tm.mu.Unlock()

	return t, nil
}

// ValidateToken validates a token and returns the credentials it carries
func (tm *TokenManager) ValidateToken(token string) (*Credentials, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	t, exists := tm.tokens[token]
	if !exists {
		return nil, fmt.Errorf("invalid token")
	}

	if time.Now().After(t.ExpiresAt) {
		return nil, fmt.Errorf("token expired")
	}

	return t.Credentials.Clone(), nil
}

// RevokeToken revokes a token
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens removes expired tokens and returns how many were removed
func (tm *TokenManager) CleanupExpiredTokens() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	removed := 0
	for token, t := range tm.tokens {
		if now.After(t.ExpiresAt) {
			delete(tm.tokens, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of tokens held
func (tm *TokenManager) Len() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.tokens)
}
