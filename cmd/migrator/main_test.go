package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "0003_dir.up.sql"), 0o700))

	names, err := pendingMigrations(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_a.up.sql", "0002_b.up.sql"}, names)

	_, err = pendingMigrations(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestRepoMigrationsPresent(t *testing.T) {
	names, err := pendingMigrations(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	assert.NotEmpty(t, names)
}
