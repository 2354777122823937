package sync

import (
	"context"
	"iter"
	"sort"
	gosync "sync"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/record"
	"github.com/teranos/cellsync/store"
)

// maxKeyMillis is the largest millisecond the 12-nibble key space holds.
const maxKeyMillis = 1<<(4*Depth) - 1

// Leaf is one record as the tree sees it: its key and content hash.
type Leaf struct {
	Key     hlc.Timestamp `json:"key"`
	Content record.Hash   `json:"content"`
}

// NodeInfo summarizes one subtree.
type NodeInfo struct {
	Path  Path   `json:"path"`
	Hash  Digest `json:"hash"`
	Count int    `json:"count"`
}

// ConflictError reports a key that holds different content on two sides.
// It matches errors.ErrConflict.
type ConflictError struct {
	Group    string
	Key      hlc.Timestamp
	Existing record.Hash
	Incoming record.Hash
}

func (e *ConflictError) Error() string {
	return "conflict at " + e.Key.String() + " in group " + e.Group +
		": have " + e.Existing.String()[:12] + ", got " + e.Incoming.String()[:12]
}

func (e *ConflictError) Is(target error) bool { return target == errors.ErrConflict }

// Index is the Merkle summary of one group's records.
//
// Structure (fan-out 16, depth 12, keyed by the timestamp's millisecond):
//
//	Root
//	└── 16 children per level, one nibble of millis each
//	    └── Bucket (one millisecond)
//	        └── Leaves sorted by full timestamp
//
// The shape depends only on the key set, so two indexes holding the same
// leaves have the same root no matter the insertion order. Hashes are kept
// current on every insert, so Root is a field read.
//
// Index is safe for concurrent use. Mutation is expected to come from the
// holder of the group's session slot only.
type Index struct {
	mu    gosync.RWMutex
	group string
	root  *node
}

type node struct {
	hash     Digest
	count    int
	children [FanOut]*node // nil at bucket level
	leaves   []Leaf        // bucket level only, sorted by key
}

// NewIndex creates an empty index for group.
func NewIndex(group string) *Index {
	return &Index{group: group, root: &node{}}
}

// Group is the group this index summarizes.
func (ix *Index) Group() string { return ix.group }

// Params is the tree shape of this index.
func (ix *Index) Params() Params { return DefaultParams() }

func leafHash(l Leaf) Digest {
	return hashParts(tagLeaf, []byte(l.Key.String()), l.Content[:])
}

func validKey(key hlc.Timestamp) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if key.Millis > maxKeyMillis {
		return errors.NewInvalidRequestError("key %s outside the index key space", key)
	}
	return nil
}

// Insert adds a leaf. Re-inserting the same content is a no-op and returns
// false. Different content under an existing key returns a *ConflictError and
// leaves the tree untouched.
func (ix *Index) Insert(key hlc.Timestamp, content record.Hash) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	key = hlc.New(key.Millis, key.Counter, key.Node)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	path := KeyPath(key.Millis)

	// Check before allocating so a conflict changes nothing
	if b := ix.lookup(path); b != nil {
		if i, ok := b.find(key); ok {
			if b.leaves[i].Content == content {
				return false, nil
			}
			return false, &ConflictError{Group: ix.group, Key: key, Existing: b.leaves[i].Content, Incoming: content}
		}
	}

	var stack [Depth + 1]*node
	n := ix.root
	stack[0] = n
	for level, nib := range path {
		child := n.children[nib]
		if child == nil {
			child = &node{}
			n.children[nib] = child
		}
		n = child
		stack[level+1] = n
	}

	l := Leaf{Key: key, Content: content}
	i, _ := n.find(key)
	n.leaves = append(n.leaves, Leaf{})
	copy(n.leaves[i+1:], n.leaves[i:])
	n.leaves[i] = l

	for level := Depth; level >= 0; level-- {
		stack[level].count++
		stack[level].rehash(level)
	}
	return true, nil
}

// find locates key in a bucket, returning its position or the insert position.
func (n *node) find(key hlc.Timestamp) (int, bool) {
	i := sort.Search(len(n.leaves), func(i int) bool { return n.leaves[i].Key.Compare(key) >= 0 })
	return i, i < len(n.leaves) && n.leaves[i].Key.Equal(key)
}

// rehash recomputes n's hash from its children or leaves. level is n's depth.
func (n *node) rehash(level int) {
	if n.count == 0 {
		n.hash = Digest{}
		return
	}
	if level == Depth {
		parts := make([][]byte, len(n.leaves))
		for i := range n.leaves {
			h := leafHash(n.leaves[i])
			parts[i] = h[:]
		}
		n.hash = hashParts(tagBucket, parts...)
		return
	}
	parts := make([][]byte, 0, 2*FanOut)
	for i, c := range n.children {
		if c == nil || c.count == 0 {
			continue
		}
		parts = append(parts, []byte{byte(i)}, c.hash[:])
	}
	n.hash = hashParts(tagInternal, parts...)
}

// lookup returns the node at path or nil. Caller holds mu.
func (ix *Index) lookup(path Path) *node {
	n := ix.root
	for _, nib := range path {
		n = n.children[nib]
		if n == nil {
			return nil
		}
	}
	return n
}

// Root is the hash of the whole tree; zero when empty.
func (ix *Index) Root() Digest {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.root.hash
}

// Count is the number of leaves.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.root.count
}

// SubtreeHash returns the hash at path; zero when nothing lives there.
func (ix *Index) SubtreeHash(path Path) (Digest, error) {
	info, err := ix.Subtree(path)
	return info.Hash, err
}

// Subtree returns hash and leaf count at path.
func (ix *Index) Subtree(path Path) (NodeInfo, error) {
	if err := path.Validate(); err != nil {
		return NodeInfo{}, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	info := NodeInfo{Path: path}
	if n := ix.lookup(path); n != nil {
		info.Hash, info.Count = n.hash, n.count
	}
	return info, nil
}

// Children returns the FanOut children of path, empty ones included.
func (ix *Index) Children(path Path) ([]NodeInfo, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if path.IsBucket() {
		return nil, errors.NewInvalidRequestError("bucket %s has no children", path)
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]NodeInfo, FanOut)
	n := ix.lookup(path)
	for i := range out {
		out[i].Path = path.Child(i)
		if n != nil && n.children[i] != nil {
			out[i].Hash, out[i].Count = n.children[i].hash, n.children[i].count
		}
	}
	return out, nil
}

// LeavesUnder yields the leaves below path in key order. The read lock is
// held while the sequence runs, so the consumer must not insert into the same
// index. An invalid path yields nothing.
func (ix *Index) LeavesUnder(path Path) iter.Seq[Leaf] {
	return func(yield func(Leaf) bool) {
		if path.Validate() != nil {
			return
		}
		ix.mu.RLock()
		defer ix.mu.RUnlock()

		if n := ix.lookup(path); n != nil {
			n.walk(len(path), yield)
		}
	}
}

func (n *node) walk(level int, yield func(Leaf) bool) bool {
	if level == Depth {
		for _, l := range n.leaves {
			if !yield(l) {
				return false
			}
		}
		return true
	}
	for _, c := range n.children {
		if c != nil && !c.walk(level+1, yield) {
			return false
		}
	}
	return true
}

// Leaves collects LeavesUnder(path) into a slice.
func (ix *Index) Leaves(path Path) []Leaf {
	var out []Leaf
	for l := range ix.LeavesUnder(path) {
		out = append(out, l)
	}
	return out
}

// Get returns the content hash stored under key.
func (ix *Index) Get(key hlc.Timestamp) (record.Hash, bool) {
	if validKey(key) != nil {
		return record.Hash{}, false
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	b := ix.lookup(KeyPath(key.Millis))
	if b == nil {
		return record.Hash{}, false
	}
	i, ok := b.find(key)
	if !ok {
		return record.Hash{}, false
	}
	return b.leaves[i].Content, true
}

// Contains reports whether key is present.
func (ix *Index) Contains(key hlc.Timestamp) bool {
	_, ok := ix.Get(key)
	return ok
}

// Verify recomputes every hash and count from the leaves and reports the
// first node that disagrees with its stored value.
func (ix *Index) Verify() error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, _, err := verifyNode(ix.root, Path{}, ix.group)
	return err
}

func verifyNode(n *node, path Path, group string) (Digest, int, error) {
	check := &node{}
	if len(path) == Depth {
		for i, e := range n.leaves {
			if KeyPath(e.Key.Millis).String() != path.String() {
				return Digest{}, 0, errors.Newf("group %s bucket %s holds foreign key %s", group, path, e.Key)
			}
			if i > 0 && n.leaves[i-1].Key.Compare(e.Key) >= 0 {
				return Digest{}, 0, errors.Newf("group %s bucket %s out of order at %s", group, path, e.Key)
			}
		}
		check.leaves = n.leaves
		check.count = len(n.leaves)
	} else {
		for i, c := range n.children {
			if c == nil {
				continue
			}
			h, cnt, err := verifyNode(c, path.Child(i), group)
			if err != nil {
				return Digest{}, 0, err
			}
			check.children[i] = &node{hash: h, count: cnt}
			check.count += cnt
		}
	}
	check.rehash(len(path))

	if check.count != n.count {
		return Digest{}, 0, errors.Newf("group %s node %q count %d, leaves say %d", group, path, n.count, check.count)
	}
	if check.hash != n.hash {
		return Digest{}, 0, errors.Newf("group %s node %q hash %s, leaves say %s", group, path, n.hash.Short(), check.hash.Short())
	}
	return check.hash, check.count, nil
}

// RebuildFrom restores a group's index from its checkpoint and replays the
// records logged after the checkpoint's base. A nil snapshot starts from an
// empty tree. It returns the index and the log position it now covers.
func RebuildFrom(ctx context.Context, records store.RecordStore, group string, snap *store.Snapshot) (*Index, int64, error) {
	ix, base := NewIndex(group), int64(0)
	if snap != nil {
		decoded, err := DecodeSnapshot(group, snap.Merkle)
		if err != nil {
			return nil, 0, err
		}
		ix, base = decoded, snap.MerkleBase
	}

	base, err := ix.Replay(ctx, records, base)
	if err != nil {
		return nil, 0, err
	}
	return ix, base, nil
}

// Replay inserts the group's records with log position above base and
// returns the highest position seen.
func (ix *Index) Replay(ctx context.Context, records store.RecordStore, base int64) (int64, error) {
	err := records.ScanAfter(ctx, ix.group, base, func(seq int64, r record.Record) error {
		if _, err := ix.Insert(r.Timestamp, r.ContentHash()); err != nil {
			return errors.Wrapf(err, "replay seq %d", seq)
		}
		base = seq
		return nil
	})
	return base, err
}
