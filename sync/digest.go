package sync

import (
	"encoding/hex"
	gosync "sync"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"

	"github.com/teranos/cellsync/errors"
)

// DigestSize is the width of every node hash.
const DigestSize = 32

// Digest is a BLAKE3-256 node hash. The zero digest is the hash of an empty
// subtree.
type Digest [DigestSize]byte

// Domain separators keep leaf, bucket and internal hashes from colliding.
const (
	tagLeaf     byte = 0x00
	tagBucket   byte = 0x01
	tagInternal byte = 0x02
)

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Short is a compact base58 rendering for logs and tables.
func (d Digest) Short() string {
	if d.IsZero() {
		return "empty"
	}
	s := base58.Encode(d[:])
	return s[:10]
}

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(b []byte) error {
	if len(b) != 2*DigestSize {
		return errors.NewInvalidRequestError("digest must be %d hex characters, got %d", 2*DigestSize, len(b))
	}
	_, err := hex.Decode(d[:], b)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "digest %q: %v", b, err)
	}
	return nil
}

var hasherPool = gosync.Pool{
	New: func() any { return blake3.New() },
}

// hashParts digests tag followed by parts.
func hashParts(tag byte, parts ...[]byte) Digest {
	h := hasherPool.Get().(*blake3.Hasher)
	h.Reset()
	defer hasherPool.Put(h)

	h.Write([]byte{tag})
	for _, p := range parts {
		h.Write(p)
	}

	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
