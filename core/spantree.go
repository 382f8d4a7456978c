package core

import (
	"slices"
	"sync/atomic"

	"github.com/LingshijunRenzy/ICS-guard/state"
)

// SpanningTree is the designated loop-free edge subset of one topology
// snapshot. Immutable once built.
type SpanningTree struct {
	Version uint64
	Edges   map[state.LinkKey]struct{}
}

// FloodEngine bounds broadcast traffic to a spanning tree of the current
// snapshot. The tree is recomputed synchronously on every snapshot publish
// and swapped atomically, so readers always see a tree consistent with some
// snapshot.
type FloodEngine struct {
	tree atomic.Pointer[SpanningTree]
}

func (f *FloodEngine) Init(s *state.State) error {
	f.tree.Store(&SpanningTree{Edges: map[state.LinkKey]struct{}{}})
	return nil
}

func (f *FloodEngine) Cleanup(s *state.State) error {
	return nil
}

func (f *FloodEngine) graphUpdated(s *state.State, snap *state.Snapshot) {
	f.tree.Store(ComputeSpanningTree(snap))
}

// Tree returns the current spanning tree.
func (f *FloodEngine) Tree() *SpanningTree {
	return f.tree.Load()
}

// ComputeSpanningTree runs Kruskal over the snapshot's live links.
// Deterministic tie-break: edges are considered in (cost, lower dpid,
// higher dpid) order, so equal-cost topologies always yield the same tree.
// For a disconnected graph the result is a spanning forest.
func ComputeSpanningTree(snap *state.Snapshot) *SpanningTree {
	edges := make([]state.Link, 0, len(snap.Links))
	for _, l := range snap.Links {
		if l.Up {
			edges = append(edges, l)
		}
	}
	slices.SortFunc(edges, func(a, b state.Link) int {
		if a.Cost != b.Cost {
			if a.Cost < b.Cost {
				return -1
			}
			return 1
		}
		if a.Key.A != b.Key.A {
			if a.Key.A < b.Key.A {
				return -1
			}
			return 1
		}
		if a.Key.B < b.Key.B {
			return -1
		} else if a.Key.B > b.Key.B {
			return 1
		}
		return 0
	})

	uf := newUnionFind()
	tree := &SpanningTree{
		Version: snap.Version,
		Edges:   make(map[state.LinkKey]struct{}, len(snap.Switches)),
	}
	for _, e := range edges {
		if uf.union(e.Key.A, e.Key.B) {
			tree.Edges[e.Key] = struct{}{}
		}
	}
	return tree
}

// IsTreeEdge reports whether the inter-switch port participates in the
// spanning tree of the given snapshot.
func (t *SpanningTree) IsTreeEdge(snap *state.Snapshot, p state.PortKey) bool {
	peer, ok := snap.PeerOf(p)
	if !ok {
		return false
	}
	_, inTree := t.Edges[state.MakeLinkKey(p.Dpid, peer.Dpid)]
	return inTree
}

// FloodPorts computes the output-port set for a flood on the given switch:
// every host-facing port except the ingress, plus inter-switch ports whose
// link is a tree edge, except the ingress. Recomputed per occurrence; floods
// never install table entries.
func (f *FloodEngine) FloodPorts(snap *state.Snapshot, d state.Dpid, ingress state.PortNo) []state.PortNo {
	sw, ok := snap.Switches[d]
	if !ok || !sw.Live {
		return nil
	}
	tree := f.Tree()
	var out []state.PortNo
	for _, port := range sw.Ports {
		if port == ingress {
			continue
		}
		pk := state.PortKey{Dpid: d, Port: port}
		if snap.IsInterSwitchPort(pk) {
			if tree.IsTreeEdge(snap, pk) {
				out = append(out, port)
			}
			continue
		}
		out = append(out, port)
	}
	return out
}

// union-find with path halving; tiny enough that a dependency would be
// heavier than the code.
type unionFind struct {
	parent map[state.Dpid]state.Dpid
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[state.Dpid]state.Dpid)}
}

func (u *unionFind) find(x state.Dpid) state.Dpid {
	root, ok := u.parent[x]
	if !ok {
		u.parent[x] = x
		return x
	}
	for root != u.parent[root] {
		u.parent[root] = u.parent[u.parent[root]]
		root = u.parent[root]
	}
	u.parent[x] = root
	return root
}

// union merges the two sets; reports false if already joined.
func (u *unionFind) union(a, b state.Dpid) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	u.parent[rb] = ra
	return true
}
