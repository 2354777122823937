package sync

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/record"
	"github.com/teranos/cellsync/store"
)

func mustInsert(t *testing.T, ix *Index, k hlc.Timestamp, h record.Hash) {
	t.Helper()
	if _, err := ix.Insert(k, h); err != nil {
		t.Fatalf("insert %s: %v", k, err)
	}
}

func TestIndex_EmptyRootIsZero(t *testing.T) {
	ix := NewIndex("g1")
	assert.True(t, ix.Root().IsZero())
	assert.Equal(t, 0, ix.Count())
	assert.Equal(t, "empty", ix.Root().Short())
	assert.NoError(t, ix.Verify())
}

func TestIndex_InsertionOrderDoesNotMatter(t *testing.T) {
	keys := make([]hlc.Timestamp, 300)
	for i := range keys {
		// clustered millis share buckets, spread ones share only the root
		keys[i] = hlc.New(int64(1700000000000+i%40*997+i/40), uint16(i%3), "nodea")
	}

	a := NewIndex("g1")
	for _, k := range keys {
		mustInsert(t, a, k, content(k.String()))
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 5; round++ {
		shuffled := append([]hlc.Timestamp(nil), keys...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		b := NewIndex("g1")
		for _, k := range shuffled {
			mustInsert(t, b, k, content(k.String()))
		}
		if a.Root() != b.Root() {
			t.Fatalf("round %d: roots differ %s vs %s", round, a.Root().Short(), b.Root().Short())
		}
	}
	assert.Equal(t, len(keys), a.Count())
	assert.NoError(t, a.Verify())
}

func TestIndex_InsertIsIdempotent(t *testing.T) {
	ix := NewIndex("g1")
	inserted, err := ix.Insert(key(5), content("x"))
	require.NoError(t, err)
	assert.True(t, inserted)
	root := ix.Root()

	inserted, err = ix.Insert(key(5), content("x"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, root, ix.Root())
	assert.Equal(t, 1, ix.Count())
}

func TestIndex_ConflictLeavesTreeUntouched(t *testing.T) {
	ix := NewIndex("g1")
	mustInsert(t, ix, key(5), content("x"))
	root := ix.Root()

	_, err := ix.Insert(key(5), content("y"))
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	var cf *ConflictError
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, "g1", cf.Group)
	assert.Equal(t, content("x"), cf.Existing)
	assert.Equal(t, content("y"), cf.Incoming)

	assert.Equal(t, root, ix.Root())
	assert.Equal(t, 1, ix.Count())
	got, ok := ix.Get(key(5))
	assert.True(t, ok)
	assert.Equal(t, content("x"), got)
}

func TestIndex_SameMillisDifferentCounters(t *testing.T) {
	ix := NewIndex("g1")
	a, b := hlc.New(1000, 0, "nodea"), hlc.New(1000, 1, "nodea")
	c := hlc.New(1000, 0, "nodeb")
	mustInsert(t, ix, b, content("b"))
	mustInsert(t, ix, c, content("c"))
	mustInsert(t, ix, a, content("a"))

	leaves := ix.Leaves(KeyPath(1000))
	require.Len(t, leaves, 3)
	assert.Equal(t, []hlc.Timestamp{a, c, b}, []hlc.Timestamp{leaves[0].Key, leaves[1].Key, leaves[2].Key})
}

func TestIndex_RejectsKeysOutsideKeySpace(t *testing.T) {
	ix := NewIndex("g1")
	_, err := ix.Insert(hlc.New(maxKeyMillis+1, 0, "nodea"), content("x"))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = ix.Insert(hlc.Timestamp{Millis: 1}, content("x"))
	assert.Error(t, err)
	assert.Equal(t, 0, ix.Count())
}

func TestIndex_SubtreesAndChildren(t *testing.T) {
	ix := NewIndex("g1")
	mustInsert(t, ix, key(0x1), content("a"))
	mustInsert(t, ix, key(0x2), content("b"))
	mustInsert(t, ix, key(0xE00000000000), content("c"))

	root, err := ix.Subtree(Path{})
	require.NoError(t, err)
	assert.Equal(t, 3, root.Count)
	assert.Equal(t, ix.Root(), root.Hash)

	kids, err := ix.Children(Path{})
	require.NoError(t, err)
	require.Len(t, kids, FanOut)
	assert.Equal(t, 2, kids[0].Count)
	assert.Equal(t, 1, kids[14].Count)
	for i := 1; i < 14; i++ {
		assert.True(t, kids[i].Hash.IsZero(), "child %x", i)
	}

	h, err := ix.SubtreeHash(Path{7})
	require.NoError(t, err)
	assert.True(t, h.IsZero())

	_, err = ix.Children(KeyPath(1))
	assert.Error(t, err, "buckets have no children")
	_, err = ix.Subtree(Path{16})
	assert.Error(t, err)
}

func TestIndex_LeavesUnder(t *testing.T) {
	ix := NewIndex("g1")
	for _, m := range []int64{0x30, 0x10, 0x20, 0x100} {
		mustInsert(t, ix, key(m), content("v"))
	}

	var got []int64
	for l := range ix.LeavesUnder(Path{}) {
		got = append(got, l.Key.Millis)
	}
	assert.Equal(t, []int64{0x10, 0x20, 0x30, 0x100}, got)

	// restartable
	assert.Len(t, ix.Leaves(Path{}), 4)

	// stops early
	n := 0
	for range ix.LeavesUnder(Path{}) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	// narrowed to the subtree holding 0x100
	under := KeyPath(0x100)[:10]
	assert.Len(t, ix.Leaves(under), 1)

	// invalid path yields nothing
	assert.Empty(t, ix.Leaves(Path{99}))
}

func TestIndex_VerifyDetectsTampering(t *testing.T) {
	ix := NewIndex("g1")
	mustInsert(t, ix, key(10), content("a"))
	mustInsert(t, ix, key(11), content("b"))
	require.NoError(t, ix.Verify())

	ix.lookup(KeyPath(10)).leaves[0].Content = content("z")
	assert.Error(t, ix.Verify())
}

func TestRebuildFrom_ReplaysAfterBase(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	var seqs []int64
	for i, v := range []string{"a", "b", "c", "d"} {
		_, seq, err := st.InsertIfAbsent(ctx, record.Record{
			Timestamp: key(int64(100 + i)), GroupID: "g1",
			Dataset: "d", Row: "r", Column: "c", Value: record.String(v),
		})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	full, base, err := RebuildFrom(ctx, st, "g1", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, full.Count())
	assert.Equal(t, seqs[3], base)

	// checkpoint covering the first two records, then replay the rest
	partial := NewIndex("g1")
	for _, ts := range []int64{100, 101} {
		r, err := st.Get(ctx, "g1", key(ts))
		require.NoError(t, err)
		mustInsert(t, partial, r.Timestamp, r.ContentHash())
	}
	snap := &store.Snapshot{GroupID: "g1", Merkle: EncodeSnapshot(partial), MerkleBase: seqs[1]}

	resumed, base, err := RebuildFrom(ctx, st, "g1", snap)
	require.NoError(t, err)
	assert.Equal(t, full.Root(), resumed.Root())
	assert.Equal(t, seqs[3], base)
}
