package sync

import (
	"github.com/teranos/cellsync/record"
)

// Origin says how a record reached a replica.
type Origin string

const (
	// OriginLocal is a write made through Coordinator.Put.
	OriginLocal Origin = "local"
	// OriginSync is a record received from a peer.
	OriginSync Origin = "sync"
)

// Observer is notified after a record has been stored and indexed.
// Register it via Coordinator.RegisterObserver.
//
// Calls happen while the group's slot is held, so implementations must
// return quickly and must not call back into the Coordinator for the same
// group.
type Observer interface {
	OnRecordIndexed(r record.Record, origin Origin)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(r record.Record, origin Origin)

func (f ObserverFunc) OnRecordIndexed(r record.Record, origin Origin) { f(r, origin) }
