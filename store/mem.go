package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/record"
)

type memEntry struct {
	seq int64
	rec record.Record
}

// MemStore is an in-memory Store for tests and ephemeral nodes.
type MemStore struct {
	mu        sync.RWMutex
	seq       int64
	byKey     map[string]map[string]memEntry // group -> timestamp string
	log       map[string][]memEntry          // group -> entries in seq order
	snapshots map[string]Snapshot
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		byKey:     make(map[string]map[string]memEntry),
		log:       make(map[string][]memEntry),
		snapshots: make(map[string]Snapshot),
	}
}

func (m *MemStore) Get(_ context.Context, group string, key hlc.Timestamp) (record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byKey[group][key.String()]
	if !ok {
		return record.Record{}, errors.Wrapf(errors.ErrNotFound, "record %s in group %s", key, group)
	}
	return e.rec, nil
}

func (m *MemStore) InsertIfAbsent(_ context.Context, r record.Record) (bool, int64, error) {
	if err := r.Validate(); err != nil {
		return false, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := m.byKey[r.GroupID]
	if !ok {
		keys = make(map[string]memEntry)
		m.byKey[r.GroupID] = keys
	}

	k := r.Timestamp.String()
	if e, ok := keys[k]; ok {
		if !e.rec.SameContent(r) {
			return false, e.seq, errors.Wrapf(errors.ErrConflict, "record %s in group %s", k, r.GroupID)
		}
		return false, e.seq, nil
	}

	m.seq++
	e := memEntry{seq: m.seq, rec: r}
	keys[k] = e
	m.log[r.GroupID] = append(m.log[r.GroupID], e)
	return true, e.seq, nil
}

func (m *MemStore) ScanAfter(ctx context.Context, group string, base int64, fn func(int64, record.Record) error) error {
	m.mu.RLock()
	entries := m.log[group]
	start := sort.Search(len(entries), func(i int) bool { return entries[i].seq > base })
	tail := slices.Clone(entries[start:])
	m.mu.RUnlock()

	for _, e := range tail {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.seq, e.rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) Range(_ context.Context, group string, from, to hlc.Timestamp) ([]record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []record.Record
	for _, e := range m.byKey[group] {
		ts := e.rec.Timestamp
		if ts.Compare(from) < 0 {
			continue
		}
		if to != (hlc.Timestamp{}) && ts.Compare(to) >= 0 {
			continue
		}
		out = append(out, e.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Compare(out[j].Timestamp) < 0 })
	return out, nil
}

func (m *MemStore) MaxSeq(_ context.Context, group string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.log[group]
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].seq, nil
}

func (m *MemStore) Groups(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groups := make([]string, 0, len(m.log))
	for g := range m.log {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups, nil
}

func (m *MemStore) LoadSnapshot(_ context.Context, group string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[group]
	if !ok {
		return nil, nil
	}
	s.Merkle = slices.Clone(s.Merkle)
	return &s, nil
}

func (m *MemStore) SaveSnapshot(_ context.Context, s Snapshot) error {
	if s.GroupID == "" {
		return errors.NewInvalidRequestError("snapshot without group")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s.Merkle = slices.Clone(s.Merkle)
	m.snapshots[s.GroupID] = s
	return nil
}
