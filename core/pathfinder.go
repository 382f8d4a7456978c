package core

import (
	"container/heap"
	"sync"

	"github.com/LingshijunRenzy/ICS-guard/perf"
	"github.com/LingshijunRenzy/ICS-guard/state"
)

type pathKey struct {
	a, b state.Dpid
}

// PathEngine computes minimum-cost unicast paths over the full topology
// graph (not the tree). Results are cached per (snapshot version, endpoint
// pair); the cache is invalidated wholesale on every new snapshot so a
// reader can never mix hops from two topologies.
type PathEngine struct {
	mu      sync.Mutex
	version uint64
	cache   map[pathKey][]state.Hop
}

func (p *PathEngine) Init(s *state.State) error {
	p.cache = make(map[pathKey][]state.Hop)
	return nil
}

func (p *PathEngine) Cleanup(s *state.State) error {
	return nil
}

func (p *PathEngine) graphUpdated(snap *state.Snapshot) {
	p.mu.Lock()
	p.version = snap.Version
	clear(p.cache)
	p.mu.Unlock()
}

// PathBetween returns the hop list from a to b over the given snapshot.
// Every hop names a switch and its egress port toward the next hop; the
// terminal hop's egress is zero and must be filled in from the destination
// host binding by the caller. Returns ErrNoPath when the switches are not
// connected and ErrUnknownSwitch when either endpoint is gone.
func (p *PathEngine) PathBetween(snap *state.Snapshot, a, b state.Dpid) ([]state.Hop, error) {
	if !snap.HasSwitch(a) || !snap.HasSwitch(b) {
		return nil, ErrUnknownSwitch
	}
	if a == b {
		return []state.Hop{{Dpid: a}}, nil
	}

	key := pathKey{a, b}
	p.mu.Lock()
	if p.version != snap.Version {
		// a stale or newer snapshot than the cache lineage: drop everything
		p.version = snap.Version
		clear(p.cache)
	}
	if hops, ok := p.cache[key]; ok {
		p.mu.Unlock()
		perf.PathCacheHits.Add(1)
		return hops, nil
	}
	p.mu.Unlock()
	perf.PathCacheMisses.Add(1)

	hops, err := dijkstra(snap, a, b)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.version == snap.Version {
		p.cache[key] = hops
	}
	p.mu.Unlock()
	return hops, nil
}

// dijkstra computes the minimum-cost route between two switches. Neighbour
// expansion order is deterministic (snapshot adjacency is sorted), so equal
// cost paths resolve identically on every run.
func dijkstra(snap *state.Snapshot, from, to state.Dpid) ([]state.Hop, error) {
	type prevHop struct {
		dpid state.Dpid
		out  state.PortNo // egress on prev toward current
	}
	dist := map[state.Dpid]uint64{from: 0}
	prev := make(map[state.Dpid]prevHop)
	visited := make(map[state.Dpid]bool)

	pq := &distQueue{{dpid: from, dist: 0}}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(distEntry)
		if visited[cur.dpid] {
			continue
		}
		visited[cur.dpid] = true
		if cur.dpid == to {
			break
		}
		for _, adj := range snap.Adjacent(cur.dpid) {
			if visited[adj.Peer] {
				continue
			}
			nd := cur.dist + uint64(adj.Cost)
			if d, ok := dist[adj.Peer]; !ok || nd < d {
				dist[adj.Peer] = nd
				prev[adj.Peer] = prevHop{dpid: cur.dpid, out: adj.Out}
				heap.Push(pq, distEntry{dpid: adj.Peer, dist: nd})
			}
		}
	}
	if !visited[to] {
		return nil, ErrNoPath
	}

	// walk back from the destination
	var rev []state.Hop
	cur := to
	for cur != from {
		ph := prev[cur]
		rev = append(rev, state.Hop{Dpid: ph.dpid, Out: ph.out})
		cur = ph.dpid
	}
	hops := make([]state.Hop, 0, len(rev)+1)
	for i := len(rev) - 1; i >= 0; i-- {
		hops = append(hops, rev[i])
	}
	hops = append(hops, state.Hop{Dpid: to})
	return hops, nil
}

type distEntry struct {
	dpid state.Dpid
	dist uint64
}

type distQueue []distEntry

func (q distQueue) Len() int      { return len(q) }
func (q distQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q distQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].dpid < q[j].dpid
}

func (q *distQueue) Push(x any) {
	*q = append(*q, x.(distEntry))
}

func (q *distQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
