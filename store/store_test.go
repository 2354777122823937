package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
	dbtest "github.com/teranos/cellsync/internal/testing"
	"github.com/teranos/cellsync/record"
)

func rec(group string, millis int64, value string) record.Record {
	return record.Record{
		Timestamp: hlc.New(millis, 0, "nodea"),
		GroupID:   group,
		Dataset:   "todos",
		Row:       "r1",
		Column:    "title",
		Value:     record.String(value),
	}
}

// forEachStore runs the same contract against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("mem", func(t *testing.T) {
		fn(t, NewMemStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, NewSQLStore(dbtest.CreateTestDB(t), zaptest.NewLogger(t).Sugar()))
	})
}

func TestInsertIfAbsent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := rec("g1", 1000, "buy milk")

		inserted, seq, err := s.InsertIfAbsent(ctx, r)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Positive(t, seq)

		// identical insert is a no-op with the same position
		inserted, again, err := s.InsertIfAbsent(ctx, r)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, seq, again)

		// different content at the same key is rejected
		_, _, err = s.InsertIfAbsent(ctx, rec("g1", 1000, "buy eggs"))
		require.Error(t, err)
		assert.True(t, errors.IsConflictError(err))

		got, err := s.Get(ctx, "g1", r.Timestamp)
		require.NoError(t, err)
		assert.Equal(t, r.ContentHash(), got.ContentHash(), "conflicting insert must not overwrite")

		// same key in another group is a different record
		inserted, _, err = s.InsertIfAbsent(ctx, rec("g2", 1000, "buy eggs"))
		require.NoError(t, err)
		assert.True(t, inserted)
	})
}

func TestInsertIfAbsent_RejectsInvalid(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		bad := rec("", 1, "x")
		_, _, err := s.InsertIfAbsent(context.Background(), bad)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	})
}

func TestGet_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "g1", hlc.New(1, 0, "n"))
		assert.True(t, errors.IsNotFoundError(err))
	})
}

func TestValuesRoundtrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		values := []record.Value{record.Null(), record.String(""), record.Number(2.5), record.Bool(false)}
		for i, v := range values {
			r := rec("g1", int64(i+1), "")
			r.Value = v
			_, _, err := s.InsertIfAbsent(ctx, r)
			require.NoError(t, err)

			got, err := s.Get(ctx, "g1", r.Timestamp)
			require.NoError(t, err)
			assert.True(t, v.Equal(got.Value), "value %s", v)
			assert.Equal(t, r.ContentHash(), got.ContentHash())
		}
	})
}

func TestScanAfter_FollowsLogOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// inserted out of timestamp order, as sync does with older records
		var seqs []int64
		for _, millis := range []int64{300, 100, 200} {
			_, seq, err := s.InsertIfAbsent(ctx, rec("g1", millis, "v"))
			require.NoError(t, err)
			seqs = append(seqs, seq)
		}
		_, _, err := s.InsertIfAbsent(ctx, rec("g2", 50, "other"))
		require.NoError(t, err)

		var got []int64
		require.NoError(t, s.ScanAfter(ctx, "g1", seqs[0], func(seq int64, r record.Record) error {
			got = append(got, r.Timestamp.Millis)
			return nil
		}))
		assert.Equal(t, []int64{100, 200}, got)

		maxSeq, err := s.MaxSeq(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, seqs[2], maxSeq)

		empty, err := s.MaxSeq(ctx, "nobody")
		require.NoError(t, err)
		assert.Zero(t, empty)

		stop := errors.New("stop")
		err = s.ScanAfter(ctx, "g1", 0, func(int64, record.Record) error { return stop })
		assert.True(t, errors.Is(err, stop))
	})
}

func TestRange(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, millis := range []int64{5, 1, 3, 9} {
			_, _, err := s.InsertIfAbsent(ctx, rec("g1", millis, "v"))
			require.NoError(t, err)
		}

		got, err := s.Range(ctx, "g1", hlc.New(2, 0, ""), hlc.New(9, 0, ""))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(3), got[0].Timestamp.Millis)
		assert.Equal(t, int64(5), got[1].Timestamp.Millis)

		all, err := s.Range(ctx, "g1", hlc.Timestamp{}, hlc.Timestamp{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		groups, err := s.Groups(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"g1"}, groups)
	})
}

func TestSnapshots(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		snap, err := s.LoadSnapshot(ctx, "g1")
		require.NoError(t, err)
		assert.Nil(t, snap, "new group has no checkpoint")

		require.NoError(t, s.SaveSnapshot(ctx, Snapshot{GroupID: "g1", Merkle: []byte{1, 2, 3}, MerkleBase: 7}))
		require.NoError(t, s.SaveSnapshot(ctx, Snapshot{GroupID: "g1", Merkle: []byte{4}, MerkleBase: 9}))

		snap, err = s.LoadSnapshot(ctx, "g1")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, Snapshot{GroupID: "g1", Merkle: []byte{4}, MerkleBase: 9}, *snap)

		assert.Error(t, s.SaveSnapshot(ctx, Snapshot{}))
	})
}

func TestSQLStore_NodeID(t *testing.T) {
	s := NewSQLStore(dbtest.CreateTestDB(t), nil)
	ctx := context.Background()

	first, err := s.NodeID(ctx)
	require.NoError(t, err)
	assert.Len(t, first, hlc.NodeIDLength)

	second, err := s.NodeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second, "node id is stable across calls")
}
