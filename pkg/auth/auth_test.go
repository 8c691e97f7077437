package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRoleManagerAllowed(t *testing.T) {
	rm := NewRoleManager()

	tests := []struct {
		name     string
		held     []string
		required []string
		want     bool
	}{
		{"full admin passes anything", []string{RoleFullAdmin}, []string{RoleDLMWrite}, true},
		{"full admin passes empty", []string{RoleFullAdmin}, nil, true},
		{"empty requirement needs full admin", []string{RoleReadonlyAdmin}, nil, false},
		{"direct role", []string{RoleFailoverRead}, []string{RoleFailoverRead}, true},
		{"included role", []string{RoleFailoverWrite}, []string{RoleFailoverRead}, true},
		{"inclusion is one way", []string{RoleFailoverRead}, []string{RoleFailoverWrite}, false},
		{"readonly admin reads", []string{RoleReadonlyAdmin}, []string{RoleJobRead}, true},
		{"readonly admin cannot write", []string{RoleReadonlyAdmin}, []string{RoleJobWrite}, false},
		{"any of required", []string{RoleAlertRead}, []string{RoleDLMRead, RoleAlertRead}, true},
		{"journal drop is separate", []string{RoleFailoverWrite}, []string{RoleFailoverJournalDrop}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rm.Allowed(tt.held, tt.required))
		})
	}
}

func TestRoleManagerRegister(t *testing.T) {
	rm := NewRoleManager()
	require.NoError(t, rm.Register(Role{Name: "POOL_WRITE", Includes: []string{RoleJobRead}}))
	assert.Error(t, rm.Register(Role{Name: "POOL_WRITE"}))
	assert.Error(t, rm.Register(Role{Name: "X", Includes: []string{"MISSING"}}))
	assert.True(t, rm.Allowed([]string{"POOL_WRITE"}, []string{RoleJobRead}))
	assert.Contains(t, rm.Names(), "POOL_WRITE")
}

func TestTokenLifecycle(t *testing.T) {
	tm := NewTokenManager()
	creds := &Credentials{Kind: KindPassword, Username: "admin", Roles: []string{RoleReadonlyAdmin}}

	tok, err := tm.GenerateToken(creds, time.Minute)
	require.NoError(t, err)
	assert.Len(t, tok.Token, 64)

	got, err := tm.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Username)
	assert.Equal(t, KindToken, got.Kind)
	assert.Equal(t, KindPassword, creds.Kind)

	tm.RevokeToken(tok.Token)
	_, err = tm.ValidateToken(tok.Token)
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	tm := NewTokenManager()
	tok, err := tm.GenerateToken(Internal(), -time.Second)
	require.NoError(t, err)

	_, err = tm.ValidateToken(tok.Token)
	assert.EqualError(t, err, "token expired")
	assert.Equal(t, 1, tm.CleanupExpiredTokens())
	assert.Equal(t, 0, tm.Len())
}

func TestUserStore(t *testing.T) {
	hash, err := HashPassword("secret", bcrypt.MinCost)
	require.NoError(t, err)

	s := NewUserStore()
	require.NoError(t, s.Add("truenas_admin", hash, []string{RoleFullAdmin}))
	assert.Error(t, s.Add("bad", "not-a-hash", nil))

	creds, err := s.Authenticate("truenas_admin", "secret")
	require.NoError(t, err)
	assert.Equal(t, KindPassword, creds.Kind)
	assert.Equal(t, []string{RoleFullAdmin}, creds.Roles)

	_, err = s.Authenticate("truenas_admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate("nobody", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
