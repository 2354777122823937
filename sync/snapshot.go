package sync

import (
	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
)

// Snapshot blob layout, protobuf wire format compressed with snappy:
//
//	Snapshot { 1 version, 2 hash, 3 fan_out, 4 depth, 5 root, 6 count, 7 repeated Node }
//	Node     { 1 child_mask, 2 hash, 3 count, 4 repeated Leaf }
//	Leaf     { 1 key, 2 content }
//
// Nodes are listed in pre-order; each internal node's child_mask says which
// of its children follow. Stored hashes are restored as is.
const (
	fieldVersion protowire.Number = 1
	fieldHash    protowire.Number = 2
	fieldFanOut  protowire.Number = 3
	fieldDepth   protowire.Number = 4
	fieldRoot    protowire.Number = 5
	fieldCount   protowire.Number = 6
	fieldNode    protowire.Number = 7

	fieldNodeMask  protowire.Number = 1
	fieldNodeHash  protowire.Number = 2
	fieldNodeCount protowire.Number = 3
	fieldNodeLeaf  protowire.Number = 4

	fieldLeafKey     protowire.Number = 1
	fieldLeafContent protowire.Number = 2
)

// ErrCorruptSnapshot marks a checkpoint that cannot be trusted. Callers
// rebuild the index from the record log instead.
var ErrCorruptSnapshot = errors.New("corrupt merkle snapshot")

// EncodeSnapshot serializes the index.
func EncodeSnapshot(ix *Index) []byte {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	p := ix.Params()
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, p.Version)
	b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
	b = protowire.AppendString(b, p.Hash)
	b = protowire.AppendTag(b, fieldFanOut, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.FanOut))
	b = protowire.AppendTag(b, fieldDepth, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Depth))
	b = protowire.AppendTag(b, fieldRoot, protowire.BytesType)
	b = protowire.AppendBytes(b, ix.root.hash[:])
	b = protowire.AppendTag(b, fieldCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ix.root.count))

	b = appendNodes(b, ix.root, 0)
	return snappy.Encode(nil, b)
}

func appendNodes(b []byte, n *node, level int) []byte {
	var mask uint64
	for i, c := range n.children {
		if c != nil {
			mask |= 1 << i
		}
	}

	var msg []byte
	msg = protowire.AppendTag(msg, fieldNodeMask, protowire.VarintType)
	msg = protowire.AppendVarint(msg, mask)
	msg = protowire.AppendTag(msg, fieldNodeHash, protowire.BytesType)
	msg = protowire.AppendBytes(msg, n.hash[:])
	msg = protowire.AppendTag(msg, fieldNodeCount, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(n.count))
	if level == Depth {
		for _, l := range n.leaves {
			var lb []byte
			lb = protowire.AppendTag(lb, fieldLeafKey, protowire.BytesType)
			lb = protowire.AppendString(lb, l.Key.String())
			lb = protowire.AppendTag(lb, fieldLeafContent, protowire.BytesType)
			lb = protowire.AppendBytes(lb, l.Content[:])

			msg = protowire.AppendTag(msg, fieldNodeLeaf, protowire.BytesType)
			msg = protowire.AppendBytes(msg, lb)
		}
	}

	b = protowire.AppendTag(b, fieldNode, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)

	for _, c := range n.children {
		if c != nil {
			b = appendNodes(b, c, level+1)
		}
	}
	return b
}

type rawNode struct {
	mask   uint64
	hash   Digest
	count  int
	leaves []Leaf
}

// DecodeSnapshot restores an index for group from EncodeSnapshot output. Any
// structural inconsistency returns an error matching ErrCorruptSnapshot; a
// shape from another protocol version matches errors.ErrProtocolMismatch.
func DecodeSnapshot(group string, blob []byte) (*Index, error) {
	b, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, corrupt(group, err)
	}

	var (
		params Params
		root   Digest
		count  uint64
		nodes  []rawNode
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt(group, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.BytesType:
			params.Version, n = protowire.ConsumeString(b)
		case num == fieldHash && typ == protowire.BytesType:
			params.Hash, n = protowire.ConsumeString(b)
		case num == fieldFanOut && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			params.FanOut = int(v)
		case num == fieldDepth && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			params.Depth = int(v)
		case num == fieldRoot && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 && len(v) != DigestSize {
				return nil, corrupt(group, errors.Newf("root of %d bytes", len(v)))
			}
			copy(root[:], v)
		case num == fieldCount && typ == protowire.VarintType:
			count, n = protowire.ConsumeVarint(b)
		case num == fieldNode && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				rn, err := decodeNode(v)
				if err != nil {
					return nil, corrupt(group, err)
				}
				nodes = append(nodes, rn)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, corrupt(group, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if err := DefaultParams().Compatible(params); err != nil {
		return nil, errors.Wrapf(err, "group %s snapshot", group)
	}

	ix := NewIndex(group)
	if len(nodes) == 0 {
		return nil, corrupt(group, errors.New("no root node"))
	}
	rest, err := buildNode(ix.root, nodes, 0, Path{})
	if err != nil {
		return nil, corrupt(group, err)
	}
	if len(rest) != 0 {
		return nil, corrupt(group, errors.Newf("%d trailing nodes", len(rest)))
	}
	if ix.root.hash != root || uint64(ix.root.count) != count {
		return nil, corrupt(group, errors.Newf("root %s/%d does not match tree %s/%d",
			root.Short(), count, ix.root.hash.Short(), ix.root.count))
	}
	return ix, nil
}

func corrupt(group string, err error) error {
	return errors.Mark(errors.Wrapf(err, "group %s snapshot", group), ErrCorruptSnapshot)
}

func decodeNode(b []byte) (rawNode, error) {
	var rn rawNode
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rn, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldNodeMask && typ == protowire.VarintType:
			rn.mask, n = protowire.ConsumeVarint(b)
		case num == fieldNodeHash && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 && len(v) != DigestSize {
				return rn, errors.Newf("node hash of %d bytes", len(v))
			}
			copy(rn.hash[:], v)
		case num == fieldNodeCount && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			rn.count = int(v)
		case num == fieldNodeLeaf && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				l, err := decodeLeaf(v)
				if err != nil {
					return rn, err
				}
				rn.leaves = append(rn.leaves, l)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return rn, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return rn, nil
}

func decodeLeaf(b []byte) (Leaf, error) {
	var (
		l      Leaf
		gotKey bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return l, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldLeafKey && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(b)
			if n >= 0 {
				key, err := hlc.Parse(s)
				if err != nil {
					return l, err
				}
				l.Key, gotKey = key, true
			}
		case num == fieldLeafContent && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 && len(v) != len(l.Content) {
				return l, errors.Newf("content hash of %d bytes", len(v))
			}
			copy(l.Content[:], v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return l, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if !gotKey {
		return l, errors.New("leaf without key")
	}
	return l, nil
}

// buildNode fills n from the pre-order list and returns the unconsumed tail.
func buildNode(n *node, nodes []rawNode, level int, path Path) ([]rawNode, error) {
	if len(nodes) == 0 {
		return nil, errors.Newf("missing node %q", path)
	}
	rn, rest := nodes[0], nodes[1:]
	n.hash, n.count = rn.hash, rn.count

	if level == Depth {
		if rn.mask != 0 {
			return nil, errors.Newf("bucket %s has children", path)
		}
		if len(rn.leaves) != rn.count {
			return nil, errors.Newf("bucket %s counts %d, holds %d leaves", path, rn.count, len(rn.leaves))
		}
		for i, l := range rn.leaves {
			if !path.Contains(l.Key.Millis) {
				return nil, errors.Newf("bucket %s holds foreign key %s", path, l.Key)
			}
			if i > 0 && rn.leaves[i-1].Key.Compare(l.Key) >= 0 {
				return nil, errors.Newf("bucket %s out of order at %s", path, l.Key)
			}
		}
		n.leaves = rn.leaves
		return rest, nil
	}

	if len(rn.leaves) != 0 {
		return nil, errors.Newf("internal node %q holds leaves", path)
	}
	if rn.mask>>FanOut != 0 {
		return nil, errors.Newf("node %q child mask %x", path, rn.mask)
	}

	total := 0
	for i := range FanOut {
		if rn.mask&(1<<i) == 0 {
			continue
		}
		child := &node{}
		var err error
		if rest, err = buildNode(child, rest, level+1, path.Child(i)); err != nil {
			return nil, err
		}
		if child.count == 0 {
			return nil, errors.Newf("empty node %q", path.Child(i))
		}
		n.children[i] = child
		total += child.count
	}
	if total != n.count {
		return nil, errors.Newf("node %q counts %d, children hold %d", path, n.count, total)
	}
	return rest, nil
}
