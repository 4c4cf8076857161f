package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable wraps backend failures (network, driver, closed store).
	ErrUnavailable = errors.New("kv: backend unavailable")
	// ErrConflict is returned when an atomic update lost every retry.
	ErrConflict = errors.New("kv: update conflict")
)

// Op selects what Update writes back after the callback runs.
type Op uint8

const (
	OpKeep Op = iota
	OpPut
	OpDelete
)

// Mutation is the outcome of an UpdateFunc.
type Mutation struct {
	Op    Op
	Value []byte
	TTL   time.Duration
}

// Keep leaves the key untouched.
func Keep() Mutation { return Mutation{Op: OpKeep} }

// Set replaces the value. A zero ttl stores the key without expiry.
func Set(value []byte, ttl time.Duration) Mutation {
	return Mutation{Op: OpPut, Value: value, TTL: ttl}
}

// Remove deletes the key.
func Remove() Mutation { return Mutation{Op: OpDelete} }

// UpdateFunc receives the current value (nil and false when absent) and
// returns the mutation to apply. Returning an error aborts the update without
// writing and Update returns that error unchanged.
//
// The callback may run more than once on optimistic backends and must not
// call back into the same Store.
type UpdateFunc func(current []byte, exists bool) (Mutation, error)

// Store is the persistence contract shared by every component. Update is the
// only read-modify-write primitive; all single-use and counter invariants are
// built on it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Scan visits every live key with the given prefix. The callback runs
	// after the backend cursor is released, so it may call into the Store.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// GetJSON loads key and decodes it into a new T.
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return &out, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, raw, ttl)
}

// UpdateJSON is Update over JSON-encoded records. fn receives nil when the
// key is absent. With write=false nothing is written; with write=true a nil
// record deletes the key and a non-nil one replaces it.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(cur *T) (next *T, write bool, ttl time.Duration, err error)) error {
	return s.Update(ctx, key, func(current []byte, exists bool) (Mutation, error) {
		var cur *T
		if exists {
			cur = new(T)
			if err := json.Unmarshal(current, cur); err != nil {
				return Keep(), fmt.Errorf("kv: decode %s: %w", key, err)
			}
		}
		next, write, ttl, err := fn(cur)
		if err != nil {
			return Keep(), err
		}
		if !write {
			return Keep(), nil
		}
		if next == nil {
			if !exists {
				return Keep(), nil
			}
			return Remove(), nil
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return Keep(), fmt.Errorf("kv: encode %s: %w", key, err)
		}
		return Set(raw, ttl), nil
	})
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
