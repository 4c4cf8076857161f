package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memItem struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store guarded by a single mutex.
type Memory struct {
	mu     sync.Mutex
	items  map[string]memItem
	now    func() time.Time
	closed bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the clock used for TTL evaluation.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items: make(map[string]memItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) live(key string, now time.Time) (memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
		delete(m.items, key)
		return memItem{}, false
	}
	return it, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}

	it, ok := m.live(key, m.now())
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}

	m.items[key] = memItem{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrUnavailable
	}

	if _, ok := m.live(key, m.now()); !ok {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *Memory) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}

	it, exists := m.live(key, m.now())
	var current []byte
	if exists {
		current = append([]byte(nil), it.value...)
	}

	mut, err := fn(current, exists)
	if err != nil {
		return err
	}

	switch mut.Op {
	case OpPut:
		m.items[key] = memItem{value: append([]byte(nil), mut.Value...), expiresAt: m.expiry(mut.TTL)}
	case OpDelete:
		delete(m.items, key)
	}
	return nil
}

func (m *Memory) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	type entry struct {
		key   string
		value []byte
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrUnavailable
	}
	now := m.now()
	entries := make([]entry, 0)
	for k := range m.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		it, ok := m.live(k, now)
		if !ok {
			continue
		}
		entries = append(entries, entry{key: k, value: append([]byte(nil), it.value...)})
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len reports the number of stored keys, expired ones included until they
// are touched.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
