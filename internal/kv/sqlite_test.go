package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSQLiteStoreTest(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return newSQLiteStoreTest(t) })
}

func TestSQLiteTTLAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStoreTest(t)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, "short", []byte("x"), time.Minute))
	require.NoError(t, s.Put(ctx, "long", []byte("y"), time.Hour))

	now = now.Add(5 * time.Minute)

	_, err := s.Get(ctx, "short")
	require.ErrorIs(t, err, ErrNotFound)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := s.Get(ctx, "long")
	require.NoError(t, err)
	require.Equal(t, []byte("y"), got)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	require.Error(t, err)
}
