package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectOf(t *testing.T) {
	for driver, want := range map[string]Dialect{
		"postgres": DialectPostgres,
		"pgx":      DialectPostgres,
		" PG ":     DialectPostgres,
		"sqlite":   DialectSQLite,
		"sqlite3":  DialectSQLite,
	} {
		got, err := DialectOf(driver)
		require.NoError(t, err, driver)
		assert.Equal(t, want, got, driver)
	}
	_, err := DialectOf("mysql")
	assert.Error(t, err)
}

func TestMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "qbank.db")

	require.NoError(t, Migrate(ctx, "sqlite", dsn))
	// a second run is a no-op
	require.NoError(t, Migrate(ctx, "sqlite", dsn))

	db, err := Open(ctx, "sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()

	var name string
	err = db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'documents'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "documents", name)
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}
