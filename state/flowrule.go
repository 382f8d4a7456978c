package state

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"
)

// RuleOrigin records which component owns an installed rule.
type RuleOrigin string

const (
	OriginPath   RuleOrigin = "path-forwarding"
	OriginPolicy RuleOrigin = "policy-enforcement"
)

type RuleActionType int

const (
	ActOutput RuleActionType = iota
	ActDrop
	ActRateLimit
	ActRewrite
)

func (t RuleActionType) String() string {
	switch t {
	case ActOutput:
		return "output"
	case ActDrop:
		return "drop"
	case ActRateLimit:
		return "rate-limit"
	case ActRewrite:
		return "rewrite"
	}
	return fmt.Sprintf("action(%d)", int(t))
}

// RedirectTarget is one destination of a rewrite-and-forward rule.
type RedirectTarget struct {
	Mac  MacAddr
	IP   netip.Addr
	Dpid Dpid
	Port PortNo
}

// RuleAction is the forwarding-plane side of an enforcement or path
// decision. Exactly one Type is meaningful; the remaining fields qualify it.
type RuleAction struct {
	Type       RuleActionType
	OutPorts   []PortNo
	RateKbps   uint64
	PacketRate uint64
	Targets    []RedirectTarget
}

func Output(ports ...PortNo) RuleAction {
	return RuleAction{Type: ActOutput, OutPorts: ports}
}

func Drop() RuleAction {
	return RuleAction{Type: ActDrop}
}

func (a RuleAction) Equal(b RuleAction) bool {
	return a.Type == b.Type &&
		slices.Equal(a.OutPorts, b.OutPorts) &&
		a.RateKbps == b.RateKbps &&
		a.PacketRate == b.PacketRate &&
		slices.Equal(a.Targets, b.Targets)
}

// FlowMatch selects the frames a rule applies to. Path rules match an
// endpoint pair plus ingress; enforcement rules match a policy scope and set
// Scope so that re-enforcement replaces the prior rule instead of stacking.
type FlowMatch struct {
	Scope string // non-empty for policy-enforcement rules

	InPort  PortNo
	EthSrc  MacAddr
	EthDst  MacAddr
	EthType uint16
	SrcIP   netip.Addr
	DstIP   netip.Addr
	Proto   string
	L4Dst   uint16
}

// Key returns the canonical match-key. At most one rule occupies a given
// (switch, match-key) slot.
func (m FlowMatch) Key() string {
	if m.Scope != "" {
		return "scope/" + m.Scope
	}
	var b strings.Builder
	fmt.Fprintf(&b, "in=%d,src=%s,dst=%s", m.InPort, m.EthSrc, m.EthDst)
	if m.EthType != 0 {
		fmt.Fprintf(&b, ",eth=0x%04x", m.EthType)
	}
	if m.SrcIP.IsValid() {
		fmt.Fprintf(&b, ",nw_src=%s", m.SrcIP)
	}
	if m.DstIP.IsValid() {
		fmt.Fprintf(&b, ",nw_dst=%s", m.DstIP)
	}
	if m.Proto != "" {
		fmt.Fprintf(&b, ",proto=%s", m.Proto)
	}
	if m.L4Dst != 0 {
		fmt.Fprintf(&b, ",tp_dst=%d", m.L4Dst)
	}
	return b.String()
}

// FlowRule is a tracked match-action entry for one switch.
type FlowRule struct {
	Match       FlowMatch
	Action      RuleAction
	Priority    uint16
	Origin      RuleOrigin
	InstalledAt time.Time
}

// Equal ignores InstalledAt: reinstalling the same decision is a no-op.
func (r FlowRule) Equal(o FlowRule) bool {
	return r.Match == o.Match &&
		r.Priority == o.Priority &&
		r.Origin == o.Origin &&
		r.Action.Equal(o.Action)
}
