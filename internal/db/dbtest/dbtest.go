// Package dbtest opens throwaway SQLite databases for package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookshelf/internal/db"
)

// Open returns a migrated database backed by a file in t.TempDir().
func Open(t testing.TB) *db.DB {
	t.Helper()
	d, err := db.Open(context.Background(), db.Config{
		URL:            filepath.Join(t.TempDir(), "test.db"),
		AcquireTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, d.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}
