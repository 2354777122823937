package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cellsync/errors"
)

func mockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, nil), mock
}

func TestSQLStore_DriverErrorsAreStoreErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("insert", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT OR IGNORE INTO messages")).
			WillReturnError(errors.New("disk I/O error"))
		mock.ExpectRollback()

		_, _, err := s.InsertIfAbsent(ctx, rec("g1", 1, "v"))
		require.Error(t, err)
		assert.True(t, errors.IsStoreError(err))
		assert.False(t, errors.IsConflictError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("commit", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT OR IGNORE INTO messages")).
			WillReturnResult(sqlmock.NewResult(12, 1))
		mock.ExpectCommit().WillReturnError(sql.ErrTxDone)

		_, _, err := s.InsertIfAbsent(ctx, rec("g1", 1, "v"))
		assert.True(t, errors.IsStoreError(err))
	})

	t.Run("insert reports rowid as seq", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT OR IGNORE INTO messages")).
			WillReturnResult(sqlmock.NewResult(42, 1))
		mock.ExpectCommit()

		inserted, seq, err := s.InsertIfAbsent(ctx, rec("g1", 1, "v"))
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, int64(42), seq)
	})

	t.Run("save snapshot", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages_merkles")).
			WillReturnError(errors.New("database or disk is full"))

		err := s.SaveSnapshot(ctx, Snapshot{GroupID: "g1", Merkle: []byte{1}})
		assert.True(t, errors.IsStoreError(err))
	})

	t.Run("scan", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM messages WHERE group_id = ? AND rowid > ?")).
			WithArgs("g1", int64(3)).
			WillReturnError(sql.ErrConnDone)

		err := s.ScanAfter(ctx, "g1", 3, nil)
		assert.True(t, errors.IsStoreError(err))
		assert.True(t, errors.Is(err, sql.ErrConnDone))
	})

	t.Run("get", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM messages WHERE timestamp = ?")).
			WillReturnError(sql.ErrConnDone)

		_, err := s.Get(ctx, "g1", rec("g1", 1, "").Timestamp)
		assert.True(t, errors.IsStoreError(err))
		assert.False(t, errors.IsNotFoundError(err))
	})
}
