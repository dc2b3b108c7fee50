package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemoryCreatesSchema(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"users", "messages"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestInitDatabaseOnDiskIsReopenable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.db")
	require.NoError(t, InitDatabase(path))
	_, err := DB.Exec(`INSERT INTO users (username, password_hash) VALUES ('alice', 'x')`)
	require.NoError(t, err)
	require.NoError(t, Close())

	require.NoError(t, InitDatabase(path))
	defer Close()
	var n int
	require.NoError(t, DB.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 1, n)
}
