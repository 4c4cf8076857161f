package permission

import (
	"errors"
	"fmt"
	"sync"
)

var ErrRoleExists = errors.New("permission: role already registered")

// RoleManager resolves role names to permission sets. It is configured at
// startup, then frozen and read concurrently.
type RoleManager struct {
	registry *Registry

	mu     sync.RWMutex
	roles  map[string]Mask
	frozen bool
}

func NewRoleManager(registry *Registry) *RoleManager {
	return &RoleManager{
		registry: registry,
		roles:    make(map[string]Mask),
	}
}

// RegisterRole binds roleName to permissions. Wildcard sets the root bit.
func (rm *RoleManager) RegisterRole(roleName string, permissions []string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	switch {
	case rm.frozen:
		return ErrFrozen
	case roleName == "":
		return fmt.Errorf("%w: role", ErrEmptyName)
	}
	if _, exists := rm.roles[roleName]; exists {
		return fmt.Errorf("%w: %s", ErrRoleExists, roleName)
	}

	var mask Mask
	for _, perm := range permissions {
		if perm == Wildcard {
			root, ok := rm.registry.RootBit()
			if !ok {
				return ErrRootUnavailable
			}
			mask.Set(root)
			continue
		}
		bit, ok := rm.registry.Bit(perm)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknown, perm)
		}
		mask.Set(bit)
	}

	rm.roles[roleName] = mask
	return nil
}

func (rm *RoleManager) Freeze() {
	rm.mu.Lock()
	rm.frozen = true
	rm.mu.Unlock()
}

func (rm *RoleManager) Count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.roles)
}

func (rm *RoleManager) HasRole(roleName string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.roles[roleName]
	return ok
}

// MaskFor unions the masks of roles. Unknown roles contribute nothing.
func (rm *RoleManager) MaskFor(roles []string) Mask {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	var out Mask
	for _, r := range roles {
		out = out.Union(rm.roles[r])
	}
	return out
}

// Resolve returns the permission names granted by roles, in bit order.
// A wildcard grant expands to every registered permission.
func (rm *RoleManager) Resolve(roles []string) []string {
	mask := rm.MaskFor(roles)
	if rm.isRoot(mask) {
		return rm.registry.Names()
	}
	out := make([]string, 0, mask.Count())
	for bit := 0; bit < rm.registry.MaxBits(); bit++ {
		if !mask.Has(bit) {
			continue
		}
		if name, ok := rm.registry.Name(bit); ok {
			out = append(out, name)
		}
	}
	return out
}

// Allows reports whether roles grant perm.
func (rm *RoleManager) Allows(roles []string, perm string) bool {
	mask := rm.MaskFor(roles)
	if rm.isRoot(mask) {
		return true
	}
	bit, ok := rm.registry.Bit(perm)
	return ok && mask.Has(bit)
}

func (rm *RoleManager) isRoot(mask Mask) bool {
	root, ok := rm.registry.RootBit()
	return ok && mask.Has(root)
}
