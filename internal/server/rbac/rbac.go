// Package rbac maps users to named roles and answers permission checks.
package rbac

import (
	"context"
	"fmt"
	"sync"

	"github.com/sysmanage/sysmanage-server/internal/server/faults"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

// Role is a named permission. Role names are stored as-is in user_roles.
type Role string

const (
	RoleApproveHostRegistration Role = "APPROVE_HOST_REGISTRATION"
	RoleDeleteHost              Role = "DELETE_HOST"
	RoleEditTags                Role = "EDIT_TAGS"
	RoleManageSecrets           Role = "MANAGE_SECRETS"
	RoleManageRepositories      Role = "MANAGE_REPOSITORIES"
	RoleManageUsers             Role = "MANAGE_USERS"
	RoleManageIntegrations      Role = "MANAGE_INTEGRATIONS"
	RoleRunScripts              Role = "RUN_SCRIPTS"
	RoleRequestDiagnostics      Role = "REQUEST_DIAGNOSTICS"
	RoleViewAuditLog            Role = "VIEW_AUDIT_LOG"
	RoleManageChildHosts        Role = "MANAGE_CHILD_HOSTS"
	RoleManageCveSettings       Role = "MANAGE_CVE_SETTINGS"
)

// allRoles fixes each role's bit position. Append only; reordering changes
// nothing on disk but invalidates nothing either, since the bitset lives only
// in memory.
var allRoles = []Role{
	RoleApproveHostRegistration,
	RoleDeleteHost,
	RoleEditTags,
	RoleManageSecrets,
	RoleManageRepositories,
	RoleManageUsers,
	RoleManageIntegrations,
	RoleRunScripts,
	RoleRequestDiagnostics,
	RoleViewAuditLog,
	RoleManageChildHosts,
	RoleManageCveSettings,
}

var roleBits = func() map[Role]uint64 {
	m := make(map[Role]uint64, len(allRoles))
	for i, r := range allRoles {
		m[r] = 1 << uint(i)
	}
	return m
}()

// grants is a user's role set packed into one word. The admin bit is tracked
// separately because admin implies every role, present and future.
type grants struct {
	bits  uint64
	admin bool
}

func (g grants) has(r Role) bool {
	if g.admin {
		return true
	}
	return g.bits&roleBits[r] != 0
}

// Cache answers permission checks from memory, reloading a user's roles on
// first sight and on explicit invalidation.
type Cache struct {
	store *store.Store

	mu    sync.RWMutex
	users map[string]grants
}

func NewCache(s *store.Store) *Cache {
	return &Cache{store: s, users: make(map[string]grants)}
}

// Has reports whether the user holds the role. Admins hold every role.
func (c *Cache) Has(ctx context.Context, userID string, role Role) (bool, error) {
	g, err := c.load(ctx, userID)
	if err != nil {
		return false, err
	}
	return g.has(role), nil
}

// Require returns a PermissionDenied fault when the user lacks the role.
func (c *Cache) Require(ctx context.Context, userID string, role Role) error {
	ok, err := c.Has(ctx, userID, role)
	if err != nil {
		return err
	}
	if !ok {
		return faults.Newf(faults.PermissionDenied, "missing role %s", role)
	}
	return nil
}

// Invalidate drops a user's cached grants so the next check reloads them.
// Call after granting or revoking roles, or deactivating the user.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.users, userID)
	c.mu.Unlock()
}

// InvalidateAll drops every cached grant.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.users = make(map[string]grants)
	c.mu.Unlock()
}

func (c *Cache) load(ctx context.Context, userID string) (grants, error) {
	c.mu.RLock()
	g, ok := c.users[userID]
	c.mu.RUnlock()
	if ok {
		return g, nil
	}

	u, err := c.store.GetUser(ctx, c.store.DB(), userID)
	if err != nil {
		return grants{}, fmt.Errorf("failed to load user for rbac: %w", err)
	}
	roles, err := c.store.ListUserRoles(ctx, c.store.DB(), userID)
	if err != nil {
		return grants{}, fmt.Errorf("failed to load roles: %w", err)
	}

	g = grants{admin: u.IsAdmin}
	for _, name := range roles {
		if bit, ok := roleBits[Role(name)]; ok {
			g.bits |= bit
		}
	}

	c.mu.Lock()
	c.users[userID] = g
	c.mu.Unlock()
	return g, nil
}
