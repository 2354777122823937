// Package store persists records and Merkle checkpoints.
//
// A RecordStore is an append-only log per group: every newly inserted record
// gets a log position (seq) that only grows. Checkpoints remember the highest
// seq folded into a group's index, so an index is rebuilt by loading the
// checkpoint and replaying records with a larger seq.
package store

import (
	"context"

	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/record"
)

// RecordStore is the durable record log.
type RecordStore interface {
	// Get returns the record stored under (group, key) or errors.ErrNotFound.
	Get(ctx context.Context, group string, key hlc.Timestamp) (record.Record, error)

	// InsertIfAbsent stores r unless its key is taken. An identical record is a
	// no-op (inserted=false); different content yields errors.ErrConflict and
	// leaves the stored record untouched. seq is the log position of the stored
	// record either way.
	InsertIfAbsent(ctx context.Context, r record.Record) (inserted bool, seq int64, err error)

	// ScanAfter calls fn for the group's records with seq > base, in seq order.
	ScanAfter(ctx context.Context, group string, base int64, fn func(seq int64, r record.Record) error) error

	// Range returns the group's records with from <= timestamp < to, in key
	// order. A zero to means no upper bound.
	Range(ctx context.Context, group string, from, to hlc.Timestamp) ([]record.Record, error)

	// MaxSeq is the highest log position in the group, 0 when empty.
	MaxSeq(ctx context.Context, group string) (int64, error)

	// Groups lists every group with at least one record.
	Groups(ctx context.Context) ([]string, error)
}

// Snapshot is a persisted Merkle checkpoint for one group.
type Snapshot struct {
	GroupID    string
	Merkle     []byte
	MerkleBase int64
}

// SnapshotStore keeps one checkpoint per group.
type SnapshotStore interface {
	// LoadSnapshot returns nil, nil when the group has no checkpoint.
	LoadSnapshot(ctx context.Context, group string) (*Snapshot, error)
	// SaveSnapshot replaces the group's checkpoint atomically.
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// Store is everything a sync coordinator needs from persistence.
type Store interface {
	RecordStore
	SnapshotStore
}
