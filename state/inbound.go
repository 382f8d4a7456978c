package state

import (
	"fmt"
	"net/netip"
	"time"
)

// Frame is a pre-parsed frame notification from the protocol layer. The
// controller core never touches raw packet bytes beyond Payload, which is
// carried opaquely for packet-out.
type Frame struct {
	Dpid    Dpid
	InPort  PortNo
	Src     MacAddr
	Dst     MacAddr
	EthType uint16
	SrcIP   netip.Addr
	DstIP   netip.Addr
	Proto   string // "TCP", "UDP", "ICMP" or numeric
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// FlowId derives the canonical flow identifier used by verdicts and flow
// statistics.
func (f Frame) FlowId() string {
	return fmt.Sprintf("%s->%s/%s:%d", f.Src, f.Dst, f.Proto, f.DstPort)
}

// Ref captures the frame as a FlowRef anchored at its ingress.
func (f Frame) Ref() FlowRef {
	return FlowRef{
		Id:      f.FlowId(),
		SrcMac:  f.Src,
		DstMac:  f.Dst,
		SrcIP:   f.SrcIP,
		DstIP:   f.DstIP,
		Proto:   f.Proto,
		DstPort: f.DstPort,
		Ingress: PortKey{Dpid: f.Dpid, Port: f.InPort},
	}
}

// PacketOut instructs a switch to emit a held frame on a set of ports.
type PacketOut struct {
	InPort   PortNo
	OutPorts []PortNo
	Frame    Frame
}

// LinkObservation is one directed sighting from a neighbour-discovery probe
// cycle; the topology manager folds both directions into one undirected
// link.
type LinkObservation struct {
	From PortKey
	To   PortKey
	Cost uint32 // 0 means default cost
}

// ProbeResult is the outcome of one discovery cycle.
type ProbeResult struct {
	Observed []LinkObservation
	At       time.Time
}

// PortStatsSample is a per-port counter sample from a switch.
type PortStatsSample struct {
	Dpid     Dpid
	Port     PortNo
	TxBytes  uint64
	RxBytes  uint64
	TxErrors uint64
	RxErrors uint64
	At       time.Time
}

// FlowStatsSample is a per-flow counter sample.
type FlowStatsSample struct {
	Flow    FlowRef
	Packets uint64
	Bytes   uint64
	At      time.Time
}

// NodeMetrics is the rolled-up state of a node, attached to network-status
// events and consumed by threshold conditions.
type NodeMetrics struct {
	ThroughputBps float64
	TxErrors      uint64
	RxErrors      uint64
}

// DecisionLevel is the verdict of the external AI inference service.
type DecisionLevel string

const (
	DecisionNormal   DecisionLevel = "normal"
	DecisionAlert    DecisionLevel = "alert"
	DecisionThrottle DecisionLevel = "throttle"
	DecisionBlock    DecisionLevel = "block"
	DecisionRedirect DecisionLevel = "redirect"
)

// Verdict is an AI decision for a flow, consumed as an enforcement intent.
type Verdict struct {
	FlowId   string
	Decision DecisionLevel
	Flow     FlowRef
	At       time.Time
}
