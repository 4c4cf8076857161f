package kv

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// Locker serializes multi-key sequences for the same logical owner (for
// example all sessions of one user). Keys hash onto a fixed set of stripes,
// so unrelated keys may occasionally share a mutex. The zero value is ready
// to use.
type Locker struct {
	stripes [lockStripes]sync.Mutex
}

// Lock acquires the stripe for key and returns its release func.
func (l *Locker) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
