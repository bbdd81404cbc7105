package database_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma/backend/internal/database"
)

func TestInitDB_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alma.db")

	db, err := database.InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"conversations", "messages", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestInitDB_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alma.db")

	db, err := database.InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = database.InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, database.Migrate(db, "sqlite"))
}

func TestMigrate_UnknownDialect(t *testing.T) {
	db, err := database.InitDB(filepath.Join(t.TempDir(), "alma.db"))
	require.NoError(t, err)
	defer db.Close()

	err = database.Migrate(db, "oracle")
	assert.ErrorContains(t, err, "unsupported migration dialect")
}
