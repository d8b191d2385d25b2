//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlshift/sqlshift/internal/config"
)

func TestOpenMemoryStore(t *testing.T) {
	ctx := context.Background()

	db, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	require.Equal(t, "libsql", db.Driver())
	require.NoError(t, db.CheckHealth(ctx))
	require.NoError(t, db.Close())
}

func TestOpenLocalStoreUsesWAL(t *testing.T) {
	ctx := context.Background()

	db, err := Open(ctx, config.StoreConfig{
		Path: filepath.Join(t.TempDir(), "data", "sqlshift.db"),
	})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.Equal(t, 1, db.DB.Stats().MaxOpenConnections)

	var journalMode string
	require.NoError(t, db.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, journalMode, "wal")

	var busyTimeout int
	require.NoError(t, db.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	require.GreaterOrEqual(t, busyTimeout, 1000)
}

func TestCheckHealthAfterClose(t *testing.T) {
	var db *Store
	require.Error(t, db.CheckHealth(context.Background()))
	require.NoError(t, db.Close())
}
