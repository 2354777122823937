// Package record defines the replicated unit: one timestamped cell update
// inside a group.
package record

import (
	"encoding/binary"
	"encoding/hex"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
)

// HashSize is the length of a content hash in bytes.
const HashSize = 32

// Domain separator for content hashing. Bump the suffix if the encoding changes.
const contentDomain = "cellsync.record.v1"

// Hash is the BLAKE3 digest of a record's content.
type Hash [HashSize]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != HashSize {
		return errors.NewInvalidRequestError("hash must be %d hex characters, got %d", 2*HashSize, len(b))
	}
	_, err := hex.Decode(h[:], b)
	return errors.Wrapf(err, "decode hash")
}

// Record is one cell update. (Timestamp, GroupID) identifies it; everything
// else is content.
type Record struct {
	Timestamp hlc.Timestamp `json:"timestamp"`
	GroupID   string        `json:"group_id"`
	Dataset   string        `json:"dataset"`
	Row       string        `json:"row"`
	Column    string        `json:"column"`
	Value     Value         `json:"value"`
}

// TombstoneColumn marks a deleted row. Deletion is an ordinary cell write
// with value 1, so it replicates like any other record.
const TombstoneColumn = "tombstone"

// Tombstone returns the unstamped record that deletes row.
func Tombstone(group, dataset, row string) Record {
	return Record{GroupID: group, Dataset: dataset, Row: row, Column: TombstoneColumn, Value: Number(1)}
}

// Validate checks the record can be stored and hashed.
func (r Record) Validate() error {
	if r.GroupID == "" {
		return errors.NewInvalidRequestError("record %s has no group", r.Timestamp)
	}
	if r.Dataset == "" || r.Row == "" || r.Column == "" {
		return errors.NewInvalidRequestError("record %s in %s needs dataset, row and column", r.Timestamp, r.GroupID)
	}
	// The wire codec is JSON, which would silently rewrite invalid UTF-8
	// and change the content hash in transit.
	for _, f := range [...]struct{ name, v string }{
		{"group", r.GroupID}, {"dataset", r.Dataset}, {"row", r.Row}, {"column", r.Column},
	} {
		if !utf8.ValidString(f.v) {
			return errors.NewInvalidRequestError("record %s: %s %q is not valid UTF-8", r.Timestamp, f.name, f.v)
		}
	}
	if err := r.Timestamp.Validate(); err != nil {
		return err
	}
	return r.Value.Validate()
}

// ContentHash digests dataset, row, column and value. Each field is length
// prefixed, so no two distinct contents share an encoding.
func (r Record) ContentHash() Hash {
	h := blake3.New()
	h.Write([]byte(contentDomain))

	var scratch [binary.MaxVarintLen64]byte
	field := func(s string) {
		n := binary.PutUvarint(scratch[:], uint64(len(s)))
		h.Write(scratch[:n])
		h.Write([]byte(s))
	}

	field(r.Dataset)
	field(r.Row)
	field(r.Column)
	h.Write([]byte{byte(r.Value.Type())})
	field(r.Value.Payload())

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SameContent reports whether both records carry the same cell update.
func (r Record) SameContent(o Record) bool {
	return r.Dataset == o.Dataset && r.Row == o.Row && r.Column == o.Column && r.Value.Equal(o.Value)
}
