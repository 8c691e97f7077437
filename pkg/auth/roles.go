package auth

import (
	"fmt"
	"sort"
	"sync"
)

// Builtin roles.
const (
	RoleFullAdmin           = "FULL_ADMIN"
	RoleReadonlyAdmin       = "READONLY_ADMIN"
	RoleAlertRead           = "ALERT_LIST_READ"
	RoleAlertWrite          = "ALERT_LIST_WRITE"
	RoleAuditRead           = "SYSTEM_AUDIT_READ"
	RoleSystemRead          = "SYSTEM_GENERAL_READ"
	RoleSystemWrite         = "SYSTEM_GENERAL_WRITE"
	RoleFailoverRead        = "FAILOVER_READ"
	RoleFailoverWrite       = "FAILOVER_WRITE"
	RoleFailoverJournalDrop = "FAILOVER_JOURNAL_DROP"
	RoleJobRead             = "JOB_READ"
	RoleJobWrite            = "JOB_WRITE"
	RoleDLMRead             = "DLM_READ"
	RoleDLMWrite            = "DLM_WRITE"
)

// Role is a named privilege that may include other roles.
type Role struct {
	Name      string
	Includes  []string
	FullAdmin bool
}

// RoleManager resolves role inclusion and answers authorization questions.
type RoleManager struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewRoleManager creates a role manager seeded with the builtin roles.
func NewRoleManager() *RoleManager {
	rm := &RoleManager{roles: make(map[string]Role)}
	for _, r := range []Role{
		{Name: RoleFullAdmin, FullAdmin: true},
		{Name: RoleAlertRead},
		{Name: RoleAlertWrite, Includes: []string{RoleAlertRead}},
		{Name: RoleAuditRead},
		{Name: RoleSystemRead},
		{Name: RoleSystemWrite, Includes: []string{RoleSystemRead}},
		{Name: RoleFailoverRead},
		{Name: RoleFailoverWrite, Includes: []string{RoleFailoverRead}},
		{Name: RoleFailoverJournalDrop},
		{Name: RoleJobRead},
		{Name: RoleJobWrite, Includes: []string{RoleJobRead}},
		{Name: RoleDLMRead},
		{Name: RoleDLMWrite, Includes: []string{RoleDLMRead}},
		{Name: RoleReadonlyAdmin, Includes: []string{
			RoleAlertRead, RoleAuditRead, RoleSystemRead, RoleFailoverRead, RoleJobRead, RoleDLMRead,
		}},
	} {
		rm.roles[r.Name] = r
	}
	return rm
}

// Register adds a role. Included roles must already exist.
func (rm *RoleManager) Register(r Role) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.roles[r.Name]; ok {
		return fmt.Errorf("role %q already registered", r.Name)
	}
	for _, inc := range r.Includes {
		if _, ok := rm.roles[inc]; !ok {
			return fmt.Errorf("role %q includes unknown role %q", r.Name, inc)
		}
	}
	rm.roles[r.Name] = r
	return nil
}

// Expand returns the set of roles held, following inclusions.
func (rm *RoleManager) Expand(roles []string) map[string]bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make(map[string]bool)
	var walk func(string)
	walk = func(name string) {
		if out[name] {
			return
		}
		out[name] = true
		for _, inc := range rm.roles[name].Includes {
			walk(inc)
		}
	}
	for _, r := range roles {
		walk(r)
	}
	return out
}

// IsFullAdmin reports whether roles include a full-admin role.
func (rm *RoleManager) IsFullAdmin(roles []string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for _, r := range roles {
		if rm.roles[r].FullAdmin {
			return true
		}
	}
	return false
}

// Allowed reports whether holding roles satisfies required. A full admin
// is always allowed; an empty requirement admits only full admins.
func (rm *RoleManager) Allowed(roles, required []string) bool {
	if rm.IsFullAdmin(roles) {
		return true
	}
	if len(required) == 0 {
		return false
	}
	held := rm.Expand(roles)
	for _, r := range required {
		if held[r] {
			return true
		}
	}
	return false
}

// Names returns every registered role name.
func (rm *RoleManager) Names() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]string, 0, len(rm.roles))
	for name := range rm.roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
