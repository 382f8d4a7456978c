package core

import (
	"math"
	"time"

	"github.com/LingshijunRenzy/ICS-guard/state"
)

type portHistory struct {
	txBytes  uint64
	rxBytes  uint64
	txErrors uint64
	rxErrors uint64
	at       time.Time
}

type flowHistory struct {
	packets uint64
	bytes   uint64
	ingress state.Dpid
	at      time.Time
}

// StatsMonitor folds raw counter samples from the protocol layer into
// rates, publishes network-status events and feeds the policy engine's
// threshold triggers. All its maps are touched only on the dispatch
// goroutine.
type StatsMonitor struct {
	s *state.State

	ports  map[state.PortKey]portHistory
	flows  map[string]flowHistory
	pushed map[state.Dpid]float64 // last published per-switch throughput

	lastSweep time.Time
}

func (m *StatsMonitor) Init(s *state.State) error {
	m.s = s
	m.ports = make(map[state.PortKey]portHistory)
	m.flows = make(map[string]flowHistory)
	m.pushed = make(map[state.Dpid]float64)
	return nil
}

func (m *StatsMonitor) Cleanup(s *state.State) error {
	return nil
}

// ObservePortStats processes one port-counter sweep of a switch. The first
// sample of a port only seeds its history.
func (m *StatsMonitor) ObservePortStats(s *state.State, samples []state.PortStatsSample) {
	snap := Get[*TopologyManager](s).CurrentSnapshot()
	pe := Get[*PolicyEngine](s)

	perSwitch := make(map[state.Dpid]state.NodeMetrics)
	for _, sample := range samples {
		key := state.PortKey{Dpid: sample.Dpid, Port: sample.Port}
		prev, seen := m.ports[key]
		m.ports[key] = portHistory{
			txBytes:  sample.TxBytes,
			rxBytes:  sample.RxBytes,
			txErrors: sample.TxErrors,
			rxErrors: sample.RxErrors,
			at:       sample.At,
		}
		if !seen || !sample.At.After(prev.at) {
			continue
		}
		elapsed := sample.At.Sub(prev.at).Seconds()
		txRate := counterRate(sample.TxBytes, prev.txBytes, elapsed)
		rxRate := counterRate(sample.RxBytes, prev.rxBytes, elapsed)

		agg := perSwitch[sample.Dpid]
		agg.ThroughputBps += txRate + rxRate
		agg.TxErrors += sample.TxErrors
		agg.RxErrors += sample.RxErrors
		perSwitch[sample.Dpid] = agg

		// backbone ports drive link thresholds
		if peer, ok := snap.PeerOf(key); ok {
			pe.HandleLinkMetric(s, state.MakeLinkKey(key.Dpid, peer.Dpid), txRate*8)
		}
	}

	for d, metrics := range perSwitch {
		if !deltaExceeded(m.pushed[d], metrics.ThroughputBps) {
			continue
		}
		m.pushed[d] = metrics.ThroughputBps
		s.Emit(state.NetworkStatus{
			Timestamp: time.Now(),
			Node:      switchSummary(s, snap, d),
			Metrics:   metrics,
		})
		pe.HandleNodeMetric(s, d.String(), metrics)
	}
}

// ObserveFlowStats processes one per-flow counter sample, publishing the
// flow's current rates and running flow-scoped threshold policies.
func (m *StatsMonitor) ObserveFlowStats(s *state.State, sample state.FlowStatsSample) {
	m.pruneStaleFlows(sample.At)
	prev, seen := m.flows[sample.Flow.Id]
	m.flows[sample.Flow.Id] = flowHistory{
		packets: sample.Packets,
		bytes:   sample.Bytes,
		ingress: sample.Flow.Ingress.Dpid,
		at:      sample.At,
	}
	if !seen || !sample.At.After(prev.at) {
		return
	}
	elapsed := sample.At.Sub(prev.at).Seconds()
	pktRate := counterRate(sample.Packets, prev.packets, elapsed)
	bitRate := counterRate(sample.Bytes, prev.bytes, elapsed) * 8

	s.Emit(state.FlowUpdate{
		Timestamp: time.Now(),
		Flow:      sample.Flow,
		PktRate:   pktRate,
		BitRate:   bitRate,
	})
	Get[*PolicyEngine](s).HandleFlowStats(s, sample.Flow, pktRate, bitRate)
}

// ForgetSwitch drops the counter histories tied to a switch that left. A
// reconnect must re-seed its baselines rather than derive rates from the
// previous session's counters.
func (m *StatsMonitor) ForgetSwitch(d state.Dpid) {
	for key := range m.ports {
		if key.Dpid == d {
			delete(m.ports, key)
		}
	}
	for id, h := range m.flows {
		if h.ingress == d {
			delete(m.flows, id)
		}
	}
	delete(m.pushed, d)
}

// pruneStaleFlows ages out histories of flows whose samples stopped
// arriving, at most one sweep per expiry window.
func (m *StatsMonitor) pruneStaleFlows(now time.Time) {
	if now.Sub(m.lastSweep) < state.FlowStatsExpiry {
		return
	}
	m.lastSweep = now
	for id, h := range m.flows {
		if now.Sub(h.at) >= state.FlowStatsExpiry {
			delete(m.flows, id)
		}
	}
}

// counterRate handles counter wrap and reset by treating a backwards step
// as a fresh baseline.
func counterRate(now, prev uint64, elapsed float64) float64 {
	if elapsed <= 0 || now < prev {
		return 0
	}
	return float64(now-prev) / elapsed
}

// deltaExceeded suppresses a repeat publish unless the value moved by the
// configured relative margin.
func deltaExceeded(last, now float64) bool {
	if last == 0 {
		return now != 0
	}
	return math.Abs(now-last)/last >= state.StatsPushDelta
}

func switchSummary(s *state.State, snap *state.Snapshot, d state.Dpid) state.NodeSummary {
	status := "offline"
	if sw, ok := snap.Switches[d]; ok && sw.Live {
		status = "online"
	}
	return state.NodeSummary{
		Id:     d.String(),
		Class:  state.ClassSwitch,
		Name:   s.CentralCfg.SwitchName(d),
		Zone:   s.CentralCfg.SwitchZone(d),
		Dpid:   d,
		Status: status,
	}
}
