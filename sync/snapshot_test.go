package sync

import (
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
)

func sampleIndex(t *testing.T) *Index {
	ix := NewIndex("g1")
	for i := int64(0); i < 50; i++ {
		mustInsert(t, ix, hlc.New(1712898800000+i*37, uint16(i%2), "nodea"), content(string(rune('a'+i%26))))
	}
	return ix
}

func TestSnapshot_RoundTrip(t *testing.T) {
	ix := sampleIndex(t)

	got, err := DecodeSnapshot("g1", EncodeSnapshot(ix))
	require.NoError(t, err)
	assert.Equal(t, ix.Root(), got.Root())
	assert.Equal(t, ix.Count(), got.Count())
	assert.Equal(t, ix.Leaves(Path{}), got.Leaves(Path{}))
	assert.NoError(t, got.Verify())

	// the restored index keeps working
	mustInsert(t, ix, key(5), content("new"))
	mustInsert(t, got, key(5), content("new"))
	assert.Equal(t, ix.Root(), got.Root())
}

func TestSnapshot_Empty(t *testing.T) {
	got, err := DecodeSnapshot("g1", EncodeSnapshot(NewIndex("g1")))
	require.NoError(t, err)
	assert.True(t, got.Root().IsZero())
	assert.Equal(t, 0, got.Count())
}

func TestSnapshot_Corruption(t *testing.T) {
	blob := EncodeSnapshot(sampleIndex(t))
	raw, err := snappy.Decode(nil, blob)
	require.NoError(t, err)

	tests := []struct {
		name string
		blob []byte
	}{
		{"not snappy", []byte("definitely not a snapshot")},
		{"truncated", snappy.Encode(nil, raw[:len(raw)-7])},
		{"no nodes", snappy.Encode(nil, raw[:firstNodeOffset(t, raw)])},
		{"flipped root byte", snappy.Encode(nil, flipRoot(t, raw))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSnapshot("g1", tt.blob)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptSnapshot), "got %v", err)
		})
	}
}

func TestSnapshot_OtherShapeIsProtocolMismatch(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, "2.0.0")
	b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
	b = protowire.AppendString(b, HashAlgorithm)
	b = protowire.AppendTag(b, fieldFanOut, protowire.VarintType)
	b = protowire.AppendVarint(b, FanOut)
	b = protowire.AppendTag(b, fieldDepth, protowire.VarintType)
	b = protowire.AppendVarint(b, Depth)

	_, err := DecodeSnapshot("g1", snappy.Encode(nil, b))
	require.Error(t, err)
	assert.True(t, errors.IsProtocolMismatch(err), "got %v", err)
}

// firstNodeOffset returns where the first Node field starts in raw.
func firstNodeOffset(t *testing.T, raw []byte) int {
	off := 0
	for off < len(raw) {
		num, typ, n := protowire.ConsumeTag(raw[off:])
		require.Positive(t, n)
		if num == fieldNode {
			return off
		}
		m := protowire.ConsumeFieldValue(num, typ, raw[off+n:])
		require.Positive(t, m)
		off += n + m
	}
	t.Fatal("no node field")
	return 0
}

// flipRoot returns a copy of raw with one bit of the stored root changed.
func flipRoot(t *testing.T, raw []byte) []byte {
	out := append([]byte(nil), raw...)
	off := 0
	for off < len(out) {
		num, typ, n := protowire.ConsumeTag(out[off:])
		require.Positive(t, n)
		if num == fieldRoot {
			_, ln := protowire.ConsumeVarint(out[off+n:])
			out[off+n+ln] ^= 0x01
			return out
		}
		m := protowire.ConsumeFieldValue(num, typ, out[off+n:])
		require.Positive(t, m)
		off += n + m
	}
	t.Fatal("no root field")
	return nil
}
