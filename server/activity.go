package server

import (
	"sync"

	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/record"
	syncPkg "github.com/teranos/cellsync/sync"
)

// GroupActivity counts records indexed in one group since the server started
type GroupActivity struct {
	Local       int64         `json:"local"`
	Synced      int64         `json:"synced"`
	LastIndexed hlc.Timestamp `json:"last_indexed"`
}

// activity is the server's Observer. It only touches its own map, so it
// is safe to call while a group is held.
type activity struct {
	mu     sync.Mutex
	groups map[string]*GroupActivity
}

var _ syncPkg.Observer = (*activity)(nil)

func newActivity() *activity {
	return &activity{groups: map[string]*GroupActivity{}}
}

func (a *activity) OnRecordIndexed(r record.Record, origin syncPkg.Origin) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.groups[r.GroupID]
	if !ok {
		g = &GroupActivity{}
		a.groups[r.GroupID] = g
	}
	switch origin {
	case syncPkg.OriginLocal:
		g.Local++
	case syncPkg.OriginSync:
		g.Synced++
	}
	if r.Timestamp.Compare(g.LastIndexed) > 0 {
		g.LastIndexed = r.Timestamp
	}
}

func (a *activity) snapshot() map[string]GroupActivity {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]GroupActivity, len(a.groups))
	for name, g := range a.groups {
		out[name] = *g
	}
	return out
}
