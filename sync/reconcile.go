package sync

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
)

// Request size caps. A Leaves request may still exceed maxLeavesPerRequest
// when a single subtree is larger.
const (
	maxPathsPerRequest  = 1024
	maxLeavesPerRequest = 4096
)

// Plan is the outcome of comparing two indexes: which keys each side lacks,
// and which keys hold different content on the two sides.
type Plan struct {
	KeysToSend  []hlc.Timestamp
	KeysToFetch []Leaf
	Conflicts   []*ConflictError
	RoundTrips  int
}

// Empty reports whether the two sides already agree.
func (p *Plan) Empty() bool {
	return len(p.KeysToSend) == 0 && len(p.KeysToFetch) == 0 && len(p.Conflicts) == 0
}

// Reconciler compares a local index with a remote TreeView.
//
// It walks both trees breadth first from the root. Subtrees with equal hashes
// are skipped; small subtrees (or single buckets) are compared leaf by leaf;
// a subtree the remote side lacks entirely is sent without asking. All nodes
// of one level go out in one batched request.
type Reconciler struct {
	local     *Index
	remote    TreeView
	threshold int
	logger    *zap.SugaredLogger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLeafThreshold sets the subtree size compared leaf by leaf.
func WithLeafThreshold(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l *zap.SugaredLogger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = l
	}
}

func NewReconciler(local *Index, remote TreeView, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		local:     local,
		remote:    remote,
		threshold: DefaultLeafThreshold,
		logger:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type nodePair struct {
	path   Path
	local  NodeInfo
	remote NodeInfo
}

// Reconcile builds the plan, given the remote root from Hello.
func (r *Reconciler) Reconcile(ctx context.Context, remoteRoot NodeInfo) (*Plan, error) {
	plan := &Plan{}
	localRoot, _ := r.local.Subtree(Path{})
	level := []nodePair{{path: Path{}, local: localRoot, remote: remoteRoot}}

	for len(level) > 0 {
		if err := ctx.Err(); err != nil {
			return plan, err
		}

		var descend, compare []nodePair
		for _, p := range level {
			switch {
			case p.local.Hash == p.remote.Hash:
			case p.remote.Count == 0:
				for l := range r.local.LeavesUnder(p.path) {
					plan.KeysToSend = append(plan.KeysToSend, l.Key)
				}
			case p.path.IsBucket() || max(p.local.Count, p.remote.Count) <= r.threshold:
				compare = append(compare, p)
			default:
				descend = append(descend, p)
			}
		}

		if err := r.compareLeaves(ctx, compare, plan); err != nil {
			return plan, err
		}

		next, err := r.children(ctx, descend, plan)
		if err != nil {
			return plan, err
		}
		level = next
	}

	r.logger.Debugw("Reconciliation plan",
		"group", r.local.Group(),
		"send", len(plan.KeysToSend),
		"fetch", len(plan.KeysToFetch),
		"conflicts", len(plan.Conflicts),
		"round_trips", plan.RoundTrips,
	)
	return plan, nil
}

// children fetches the next level below every divergent node.
func (r *Reconciler) children(ctx context.Context, parents []nodePair, plan *Plan) ([]nodePair, error) {
	var (
		paths []Path
		local []NodeInfo
	)
	for _, p := range parents {
		kids, err := r.local.Children(p.path)
		if err != nil {
			return nil, err
		}
		for _, k := range kids {
			paths = append(paths, k.Path)
			local = append(local, k)
		}
	}

	var next []nodePair
	for start := 0; start < len(paths); start += maxPathsPerRequest {
		end := min(start+maxPathsPerRequest, len(paths))
		remote, err := r.remote.SubtreeHashes(ctx, paths[start:end])
		plan.RoundTrips++
		if err != nil {
			return nil, errors.Wrap(err, "subtree hashes")
		}
		for i, rn := range remote {
			next = append(next, nodePair{path: paths[start+i], local: local[start+i], remote: rn})
		}
	}
	return next, nil
}

// compareLeaves diffs the leaves of the given subtrees, batching requests.
func (r *Reconciler) compareLeaves(ctx context.Context, pairs []nodePair, plan *Plan) error {
	for len(pairs) > 0 {
		n, budget := 0, 0
		for n < len(pairs) && (n == 0 || budget+pairs[n].remote.Count <= maxLeavesPerRequest) {
			budget += pairs[n].remote.Count
			n++
		}
		batch := pairs[:n]
		pairs = pairs[n:]

		paths := make([]Path, len(batch))
		var local []Leaf
		for i, p := range batch {
			paths[i] = p.path
			local = append(local, r.local.Leaves(p.path)...)
		}

		remote, err := r.remote.Leaves(ctx, paths)
		plan.RoundTrips++
		if err != nil {
			return errors.Wrap(err, "leaves")
		}
		if err := underAny(remote, paths); err != nil {
			return err
		}

		r.diff(local, remote, plan)
	}
	return nil
}

func underAny(leaves []Leaf, paths []Path) error {
	for _, l := range leaves {
		if !slices.ContainsFunc(paths, func(p Path) bool { return p.Contains(l.Key.Millis) }) {
			return errors.Newf("peer sent leaf %s outside the requested subtrees", l.Key)
		}
	}
	return nil
}

// diff merges two leaf sets into the plan.
func (r *Reconciler) diff(local, remote []Leaf, plan *Plan) {
	byKey := func(a, b Leaf) int { return a.Key.Compare(b.Key) }
	slices.SortFunc(local, byKey)
	slices.SortFunc(remote, byKey)

	i, j := 0, 0
	for i < len(local) || j < len(remote) {
		switch {
		case j == len(remote) || (i < len(local) && local[i].Key.Compare(remote[j].Key) < 0):
			plan.KeysToSend = append(plan.KeysToSend, local[i].Key)
			i++
		case i == len(local) || local[i].Key.Compare(remote[j].Key) > 0:
			plan.KeysToFetch = append(plan.KeysToFetch, remote[j])
			j++
		default:
			if local[i].Content != remote[j].Content {
				plan.Conflicts = append(plan.Conflicts, &ConflictError{
					Group:    r.local.Group(),
					Key:      local[i].Key,
					Existing: local[i].Content,
					Incoming: remote[j].Content,
				})
			}
			i++
			j++
		}
	}
}

// IndexView serves a local index as a TreeView, for comparing two replicas
// in one process.
type IndexView struct {
	Index *Index
}

func (v IndexView) SubtreeHashes(_ context.Context, paths []Path) ([]NodeInfo, error) {
	out := make([]NodeInfo, len(paths))
	for i, p := range paths {
		info, err := v.Index.Subtree(p)
		if err != nil {
			return nil, err
		}
		out[i] = info
	}
	return out, nil
}

func (v IndexView) Leaves(_ context.Context, paths []Path) ([]Leaf, error) {
	var out []Leaf
	for _, p := range paths {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, v.Index.Leaves(p)...)
	}
	return out, nil
}
