package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("creates the sync schema", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{"schema_migrations", "messages", "messages_merkles", "node_meta"} {
			var n int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "table %s should exist", table)
		}

		version, err := SchemaVersion(context.Background(), db)
		require.NoError(t, err)
		assert.Equal(t, "003", version)
	})

	t.Run("open errors include stack traces", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		first, err := Open(dbPath, nil)
		require.NoError(t, err)
		first.Close()

		if os.Getuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		require.NoError(t, os.Chmod(tmpDir, 0555))
		defer os.Chmod(tmpDir, 0755)

		db, err := OpenWithMigrations(dbPath, nil)
		require.Error(t, err)
		assert.Nil(t, db)

		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "connection.go")
	})
}

func TestMigrate(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		ms, err := pendingOrder()
		require.NoError(t, err)
		assert.Equal(t, len(ms), count)
	})

	t.Run("fails on a closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		err = Migrate(db, nil)
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
	})

	t.Run("reports empty version before migrating", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		version, err := SchemaVersion(context.Background(), db)
		require.NoError(t, err)
		assert.Empty(t, version)
	})
}

func TestStats(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO messages (timestamp, group_id, dataset, row, "column", value_type, value) VALUES (?, ?, 'd', 'r', 'c', 1, 'S:x')`
	for _, ts := range []string{"a", "b", "c"} {
		_, err := db.Exec(insert, ts, "g1")
		require.NoError(t, err)
	}
	_, err = db.Exec(insert, "a", "g2")
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO messages_merkles (group_id, merkle, merkle_base) VALUES ('g1', x'00', 2)`)
	require.NoError(t, err)

	stats, err := Stats(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, GroupStats{GroupID: "g1", Messages: 3, MaxSeq: 3, MerkleBase: 2, Checkpoint: true}, stats[0])
	assert.Equal(t, GroupStats{GroupID: "g2", Messages: 1, MaxSeq: 4, MerkleBase: 0, Checkpoint: false}, stats[1])
}
