package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDB opens a fresh database under t.TempDir.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "corpusx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate_Schema(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{
		"topics", "projects", "files", "file_content", "api_keys", "api_key_remotes",
		"pyres", "nodes", "sessions", "session_files", "session_deliveries", "chunked_uploads",
		"search_results", "analysis_groups",
	} {
		var n int
		err := db.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s", table)
	}
}

func TestMigrate_SeedsPublic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p, err := db.GetPyreByName(ctx, PublicName)
	require.NoError(t, err)
	assert.Equal(t, PublicName, p.Name)
	_, err = db.GetTopicByName(ctx, PublicName)
	require.NoError(t, err)

	names, err := db.ListPyreNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{PublicName}, names)
}

func TestMigrate_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpusx.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	_, err = db.EnsurePyre(context.Background(), "lab-net")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	names, err := db.ListPyreNames(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{PublicName, "lab-net"}, names)
}

func TestDB_ClosedRejectsQueries(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "corpusx.db"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.GetPyreByName(context.Background(), PublicName)
	assert.Error(t, err)
}
