package permission

import (
	"errors"
	"fmt"
	"sync"
)

// Wildcard grants every registered permission when the registry reserves a
// root bit.
const Wildcard = "*"

var (
	ErrFrozen          = errors.New("permission: registry frozen")
	ErrDuplicate       = errors.New("permission: already registered")
	ErrLimitExceeded   = errors.New("permission: limit exceeded")
	ErrUnknown         = errors.New("permission: not registered")
	ErrInvalidMaxBits  = errors.New("permission: maxBits must be 64, 128, 256 or 512")
	ErrEmptyName       = errors.New("permission: name cannot be empty")
	ErrRootUnavailable = errors.New("permission: wildcard requires a reserved root bit")
)

// Registry maps permission names to bit positions. Widths of 64, 128, 256
// and 512 bits are supported; with rootReserved the highest bit is the
// wildcard.
type Registry struct {
	maxBits      int
	rootReserved bool
	rootBit      int

	mu        sync.RWMutex
	nameToBit map[string]int
	bitToName map[int]string
	frozen    bool
}

func NewRegistry(maxBits int, rootReserved bool) (*Registry, error) {
	if maxBits != 64 && maxBits != 128 && maxBits != 256 && maxBits != 512 {
		return nil, ErrInvalidMaxBits
	}

	r := &Registry{
		maxBits:      maxBits,
		rootReserved: rootReserved,
		rootBit:      -1,
		nameToBit:    make(map[string]int),
		bitToName:    make(map[int]string),
	}
	if rootReserved {
		r.rootBit = maxBits - 1
	}
	return r, nil
}

// Register assigns the next free bit to name.
func (r *Registry) Register(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.frozen:
		return -1, ErrFrozen
	case name == "" || name == Wildcard:
		return -1, ErrEmptyName
	}
	if _, exists := r.nameToBit[name]; exists {
		return -1, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	next := len(r.nameToBit)
	if (r.rootReserved && next >= r.rootBit) || next >= r.maxBits {
		return -1, ErrLimitExceeded
	}

	r.nameToBit[name] = next
	r.bitToName[next] = name
	return next, nil
}

func (r *Registry) Bit(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bit, ok := r.nameToBit[name]
	return bit, ok
}

func (r *Registry) Name(bit int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.bitToName[bit]
	return name, ok
}

func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nameToBit)
}

func (r *Registry) MaxBits() int { return r.maxBits }

// RootBit returns the wildcard bit, or false when none is reserved.
func (r *Registry) RootBit() (int, bool) {
	if !r.rootReserved {
		return -1, false
	}
	return r.rootBit, true
}

// Names lists registered permissions in bit order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bitToName))
	for bit := 0; bit < r.maxBits; bit++ {
		if name, ok := r.bitToName[bit]; ok {
			out = append(out, name)
		}
	}
	return out
}
