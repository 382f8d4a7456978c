package core

import (
	"errors"
	"slices"
	"strings"

	"github.com/LingshijunRenzy/ICS-guard/perf"
	"github.com/LingshijunRenzy/ICS-guard/state"
)

const lldpEthType = 0x88cc

// lldpNearestBridge is the 802.1AB nearest-bridge group address; frames to
// it belong to the discovery layer, not to forwarding.
const lldpNearestBridge = state.MacAddr("01:80:c2:00:00:0e")

// Pipeline decides, per packet-in frame, between flooding along the
// spanning tree and unicast path installation. ProcessFrame runs on the
// owning switch's session worker against an immutable topology snapshot;
// it never blocks on the dispatch loop.
type Pipeline struct {
	s *state.State
}

func (p *Pipeline) Init(s *state.State) error {
	p.s = s
	return nil
}

func (p *Pipeline) Cleanup(s *state.State) error {
	return nil
}

func (p *Pipeline) ProcessFrame(frame state.Frame) {
	perf.PacketInPerSecond.Add(1)
	if controlFrame(frame) {
		return
	}

	topo := Get[*TopologyManager](p.s)
	snap := topo.CurrentSnapshot()
	ingress := state.PortKey{Dpid: frame.Dpid, Port: frame.InPort}

	// a source seen on a non-backbone port is a host attachment; on a
	// backbone port the attachment is stale but the IP may still be news
	if !frame.Src.Multicast() {
		src, ip := frame.Src, frame.SrcIP
		if !snap.IsInterSwitchPort(ingress) {
			p.s.Dispatch(func(s *state.State) error {
				Get[*TopologyManager](s).LearnHost(s, src, ingress, ip)
				return nil
			})
		} else if ip.IsValid() {
			p.s.Dispatch(func(s *state.State) error {
				Get[*TopologyManager](s).LearnHostIP(s, src, ip)
				return nil
			})
		}
	}

	if Get[*PolicyEngine](p.s).Matcher().Drops(frame) {
		if state.DBG_log_packets {
			p.s.Log.Debug("frame dropped by policy", "flow", frame.FlowId())
		}
		return
	}

	if frame.Dst == state.BroadcastMac || frame.Dst.Multicast() {
		p.flood(snap, frame)
		return
	}
	dst, ok := snap.HostByMac(frame.Dst)
	if !ok {
		// destination not learned yet, flood and let the reply teach us
		p.flood(snap, frame)
		return
	}

	err := p.unicast(snap, frame, dst)
	if err == nil {
		return
	}
	if errors.Is(err, ErrUnknownSwitch) {
		// the snapshot moved underneath us; one retry against the
		// current graph, then give up and let the next frame converge
		fresh := topo.CurrentSnapshot()
		if fresh.Version != snap.Version {
			if dst, ok := fresh.HostByMac(frame.Dst); ok {
				if p.unicast(fresh, frame, dst) == nil {
					return
				}
			}
		}
		return
	}
	if errors.Is(err, ErrNoPath) {
		// partitioned graph: tree flooding still reaches our side
		p.flood(snap, frame)
		return
	}
	p.s.Log.Warn("path install failed", "flow", frame.FlowId(), "err", err)
}

// unicast installs endpoint-pair forwarding rules along the shortest path
// and releases the held frame on the first hop. The match chains per hop:
// each switch matches the ingress port facing the previous hop.
func (p *Pipeline) unicast(snap *state.Snapshot, frame state.Frame, dst state.Host) error {
	hops, err := Get[*PathEngine](p.s).PathBetween(snap, frame.Dpid, dst.Attach.Dpid)
	if err != nil {
		return err
	}
	hops = slices.Clone(hops)
	hops[len(hops)-1].Out = dst.Attach.Port

	tracker := Get[*FlowTracker](p.s)
	inPort := frame.InPort
	for i, hop := range hops {
		rule := state.FlowRule{
			Match:    state.FlowMatch{InPort: inPort, EthSrc: frame.Src, EthDst: frame.Dst},
			Action:   state.Output(hop.Out),
			Priority: state.PathRulePriority,
			Origin:   state.OriginPath,
		}
		if err := tracker.Install(hop.Dpid, rule); err != nil {
			return err
		}
		if i+1 < len(hops) {
			peer, ok := snap.PeerOf(state.PortKey{Dpid: hop.Dpid, Port: hop.Out})
			if !ok {
				return ErrNoPath
			}
			inPort = peer.Port
		}
	}
	perf.UnicastsPerSecond.Add(1)
	return tracker.SendPacket(frame.Dpid, state.PacketOut{
		InPort:   frame.InPort,
		OutPorts: []state.PortNo{hops[0].Out},
		Frame:    frame,
	})
}

func (p *Pipeline) flood(snap *state.Snapshot, frame state.Frame) {
	ports := Get[*FloodEngine](p.s).FloodPorts(snap, frame.Dpid, frame.InPort)
	if len(ports) == 0 {
		return
	}
	perf.FloodsPerSecond.Add(1)
	_ = Get[*FlowTracker](p.s).SendPacket(frame.Dpid, state.PacketOut{
		InPort:   frame.InPort,
		OutPorts: ports,
		Frame:    frame,
	})
}

// controlFrame filters discovery and link-local control traffic out of the
// forwarding path.
func controlFrame(f state.Frame) bool {
	if f.EthType == lldpEthType || f.Dst == lldpNearestBridge {
		return true
	}
	// IPv6 link-local multicast chatter (NDP, MLD)
	return strings.HasPrefix(string(f.Dst), "33:33:")
}
