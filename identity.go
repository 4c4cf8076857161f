package tenantauth

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Identity is the account data the engine needs from the host
// application. Credentials are not part of it; the engine stores those.
type Identity struct {
	UserID      string
	TenantID    string
	Email       string
	Roles       []string
	Permissions []string
}

// IdentityProvider resolves accounts. Implementations return
// ErrIdentityNotFound for unknown users.
type IdentityProvider interface {
	IdentityByID(ctx context.Context, userID string) (*Identity, error)
	IdentityByEmail(ctx context.Context, tenantID, email string) (*Identity, error)
}

// MemoryIdentities is an in-process IdentityProvider for tests, the load
// test, and single-node deployments that manage users elsewhere.
type MemoryIdentities struct {
	mu      sync.RWMutex
	byID    map[string]Identity
	byEmail map[string]string
}

func NewMemoryIdentities(ids ...Identity) *MemoryIdentities {
	m := &MemoryIdentities{
		byID:    make(map[string]Identity),
		byEmail: make(map[string]string),
	}
	for _, id := range ids {
		m.Put(id)
	}
	return m
}

// Put inserts or replaces id.
func (m *MemoryIdentities) Put(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[id.UserID]; ok {
		delete(m.byEmail, emailKey(old.TenantID, old.Email))
	}
	id.Roles = slices.Clone(id.Roles)
	id.Permissions = slices.Clone(id.Permissions)
	m.byID[id.UserID] = id
	m.byEmail[emailKey(id.TenantID, id.Email)] = id.UserID
}

func (m *MemoryIdentities) IdentityByID(_ context.Context, userID string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byID[userID]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return &id, nil
}

func (m *MemoryIdentities) IdentityByEmail(_ context.Context, tenantID, email string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.byEmail[emailKey(tenantID, email)]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	id := m.byID[userID]
	return &id, nil
}

func emailKey(tenantID, email string) string {
	return tenantID + "\x00" + normalizeEmail(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
