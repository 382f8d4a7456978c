package state

import (
	"net/netip"
	"slices"
	"time"
)

// LinkKey is the canonical identifier of an undirected inter-switch link.
// A is always the lower dpid.
type LinkKey struct {
	A, B Dpid
}

func MakeLinkKey(a, b Dpid) LinkKey {
	if b < a {
		a, b = b, a
	}
	return LinkKey{A: a, B: b}
}

func (k LinkKey) String() string {
	return k.A.String() + "<->" + k.B.String()
}

// Link is an undirected edge between two switch ports, discovered via
// neighbour probing.
type Link struct {
	Key      LinkKey
	APort    PortNo // port on Key.A
	BPort    PortNo // port on Key.B
	Cost     uint32
	Up       bool
	LastSeen time.Time
}

// PortOn returns the link's port on the given switch.
func (l Link) PortOn(d Dpid) (PortNo, bool) {
	switch d {
	case l.Key.A:
		return l.APort, true
	case l.Key.B:
		return l.BPort, true
	}
	return 0, false
}

// PeerOf returns the far end of the link as seen from the given switch.
func (l Link) PeerOf(d Dpid) (PortKey, bool) {
	switch d {
	case l.Key.A:
		return PortKey{Dpid: l.Key.B, Port: l.BPort}, true
	case l.Key.B:
		return PortKey{Dpid: l.Key.A, Port: l.APort}, true
	}
	return PortKey{}, false
}

// SwitchInfo is a vertex of the topology graph. A switch only exists after a
// control-channel handshake.
type SwitchInfo struct {
	Id          Dpid
	Name        string
	Zone        string
	Ports       []PortNo
	Live        bool
	ConnectedAt time.Time
}

// Host is a learned MAC binding.
type Host struct {
	Mac      MacAddr
	IP       netip.Addr
	Attach   PortKey
	Class    NodeClass
	Name     string
	Zone     string
	LastSeen time.Time
}

// Adjacency is one usable neighbour edge from a switch's perspective.
type Adjacency struct {
	Peer Dpid
	Out  PortNo
	Cost uint32
}

// Snapshot is an immutable, versioned view of the topology graph. Snapshots
// are published by the topology manager via an atomic pointer swap; readers
// on any goroutine may hold one indefinitely, and must never mutate it.
type Snapshot struct {
	Version  uint64
	Switches map[Dpid]SwitchInfo
	Links    map[LinkKey]Link
	Hosts    map[MacAddr]Host

	interPorts map[PortKey]PortKey
	adj        map[Dpid][]Adjacency
}

// NewSnapshot assembles a snapshot from maps that the caller hands over.
// Ownership of the maps transfers to the snapshot.
func NewSnapshot(version uint64, switches map[Dpid]SwitchInfo, links map[LinkKey]Link, hosts map[MacAddr]Host) *Snapshot {
	s := &Snapshot{
		Version:    version,
		Switches:   switches,
		Links:      links,
		Hosts:      hosts,
		interPorts: make(map[PortKey]PortKey, len(links)*2),
		adj:        make(map[Dpid][]Adjacency, len(switches)),
	}
	for _, l := range links {
		if !l.Up {
			continue
		}
		pa := PortKey{Dpid: l.Key.A, Port: l.APort}
		pb := PortKey{Dpid: l.Key.B, Port: l.BPort}
		s.interPorts[pa] = pb
		s.interPorts[pb] = pa
		s.adj[l.Key.A] = append(s.adj[l.Key.A], Adjacency{Peer: l.Key.B, Out: l.APort, Cost: l.Cost})
		s.adj[l.Key.B] = append(s.adj[l.Key.B], Adjacency{Peer: l.Key.A, Out: l.BPort, Cost: l.Cost})
	}
	// deterministic neighbour order
	for d := range s.adj {
		slices.SortFunc(s.adj[d], func(x, y Adjacency) int {
			if x.Peer != y.Peer {
				if x.Peer < y.Peer {
					return -1
				}
				return 1
			}
			return int(x.Out) - int(y.Out)
		})
	}
	return s
}

func (s *Snapshot) HasSwitch(d Dpid) bool {
	_, ok := s.Switches[d]
	return ok
}

// IsInterSwitchPort reports whether the port participates in a live link.
func (s *Snapshot) IsInterSwitchPort(p PortKey) bool {
	_, ok := s.interPorts[p]
	return ok
}

// PeerOf returns the far end of the link attached to the given port.
func (s *Snapshot) PeerOf(p PortKey) (PortKey, bool) {
	pk, ok := s.interPorts[p]
	return pk, ok
}

// Adjacent returns the usable neighbour edges of a switch, in deterministic
// order.
func (s *Snapshot) Adjacent(d Dpid) []Adjacency {
	return s.adj[d]
}

func (s *Snapshot) HostByMac(mac MacAddr) (Host, bool) {
	h, ok := s.Hosts[mac]
	return h, ok
}

func (s *Snapshot) HostByIP(ip netip.Addr) (Host, bool) {
	for _, h := range s.Hosts {
		if h.IP == ip {
			return h, true
		}
	}
	return Host{}, false
}

// Honeypots returns all honeypot-class hosts currently attached to a live
// switch, sorted by MAC for determinism.
func (s *Snapshot) Honeypots() []Host {
	var out []Host
	for _, h := range s.Hosts {
		if h.Class != ClassHoneypot {
			continue
		}
		if sw, ok := s.Switches[h.Attach.Dpid]; !ok || !sw.Live {
			continue
		}
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b Host) int {
		if a.Mac < b.Mac {
			return -1
		} else if a.Mac > b.Mac {
			return 1
		}
		return 0
	})
	return out
}

// HostsOn returns the MACs attached to the given switch.
func (s *Snapshot) HostsOn(d Dpid) []MacAddr {
	var out []MacAddr
	for mac, h := range s.Hosts {
		if h.Attach.Dpid == d {
			out = append(out, mac)
		}
	}
	slices.Sort(out)
	return out
}

// Hop is one step of a computed unicast path: the switch to traverse and the
// egress port toward the next hop. The terminal hop's Out is filled in by the
// caller from the destination host binding.
type Hop struct {
	Dpid Dpid
	Out  PortNo
}
