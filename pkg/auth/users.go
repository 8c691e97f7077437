package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown user or wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

type user struct {
	hash  []byte
	roles []string
}

// UserStore authenticates local accounts with bcrypt password hashes.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]user
}

// NewUserStore creates an empty user store.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]user)}
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// Add registers a user with an existing bcrypt hash.
func (s *UserStore) Add(username, passwordHash string, roles []string) error {
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return fmt.Errorf("user %s: invalid password hash: %w", username, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = user{hash: []byte(passwordHash), roles: append([]string(nil), roles...)}
	return nil
}

// Authenticate checks a password and returns the user's credentials.
func (s *UserStore) Authenticate(username, password string) (*Credentials, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Credentials{Kind: KindPassword, Username: username, Roles: append([]string(nil), u.roles...)}, nil
}
