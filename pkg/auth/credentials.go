package auth

import "sort"

// CredentialKind says how a session authenticated.
type CredentialKind string

const (
	KindPassword CredentialKind = "LOGIN_PASSWORD"
	KindToken    CredentialKind = "TOKEN"
	KindInternal CredentialKind = "INTERNAL"
	KindPeer     CredentialKind = "HA_PEER"
)

// Credentials identify the caller of an RPC. Jobs keep a copy so that a job
// outlives the session that started it.
type Credentials struct {
	Kind     CredentialKind `json:"type"`
	Username string         `json:"username"`
	Roles    []string       `json:"roles"`
}

// Internal returns credentials for calls made by middlewared itself.
func Internal() *Credentials {
	return &Credentials{Kind: KindInternal, Username: "root", Roles: []string{RoleFullAdmin}}
}

// Clone returns a deep copy.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	out.Roles = append([]string(nil), c.Roles...)
	sort.Strings(out.Roles)
	return &out
}
