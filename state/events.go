package state

import (
	"net/netip"
	"time"
)

// Event is an outbound notification for external consumption (the API layer
// fans these out over its own transport). Every event is timestamped and
// self-contained: consumers never need to reach back into controller state.
type Event interface {
	EventType() string
	When() time.Time
}

// NodeSummary describes one topology node on the wire.
type NodeSummary struct {
	Id     string
	Class  NodeClass
	Name   string
	Zone   string
	Mac    MacAddr
	IP     netip.Addr
	Dpid   Dpid
	Port   PortNo
	Status string // online / offline / disabled
}

// LinkSummary describes one link on the wire.
type LinkSummary struct {
	A     Dpid
	APort PortNo
	B     Dpid
	BPort PortNo
	Up    bool
}

type TopologyChanged struct {
	Timestamp time.Time
	Version   uint64
	Nodes     []NodeSummary
	Links     []LinkSummary
}

type NetworkStatus struct {
	Timestamp time.Time
	Node      NodeSummary
	Metrics   NodeMetrics
}

type FlowInstalled struct {
	Timestamp time.Time
	Dpid      Dpid
	Rule      FlowRule
}

type FlowRevoked struct {
	Timestamp time.Time
	Dpid      Dpid
	MatchKey  string
}

type FlowUpdate struct {
	Timestamp time.Time
	Flow      FlowRef
	PktRate   float64
	BitRate   float64
}

type PolicyActionExecuted struct {
	Timestamp time.Time
	PolicyId  string
	Target    Target
	Action    ActionKind
	Automated bool   // synthesized from a verdict rather than operator-defined
	Result    string // "ok" or "error"
	Error     string
}

type TrafficBlock struct {
	Timestamp time.Time
	PolicyId  string
	Flow      FlowRef
}

type TrafficRedirect struct {
	Timestamp time.Time
	PolicyId  string
	Flow      FlowRef
	Targets   []RedirectTarget
}

// HoneypotRedirect marks a flow now steered into a honeypot-class decoy.
type HoneypotRedirect struct {
	Timestamp time.Time
	Flow      FlowRef
	Honeypot  NodeSummary
}

type AlertRaised struct {
	Timestamp time.Time
	PolicyId  string
	Target    Target
	Reason    string
}

// ShutdownNotice precedes the drop rule of a shutdown action.
type ShutdownNotice struct {
	Timestamp time.Time
	Target    Target
	Notice    string
}

func (e TopologyChanged) EventType() string      { return "topology_changed" }
func (e NetworkStatus) EventType() string        { return "network_status" }
func (e FlowInstalled) EventType() string        { return "flow_installed" }
func (e FlowRevoked) EventType() string          { return "flow_revoked" }
func (e FlowUpdate) EventType() string           { return "flow_update" }
func (e PolicyActionExecuted) EventType() string { return "policy_action_executed" }
func (e TrafficBlock) EventType() string         { return "traffic_block" }
func (e TrafficRedirect) EventType() string      { return "traffic_redirect" }
func (e HoneypotRedirect) EventType() string     { return "honeypot_redirect" }
func (e AlertRaised) EventType() string          { return "alert" }
func (e ShutdownNotice) EventType() string       { return "shutdown_notice" }

func (e TopologyChanged) When() time.Time      { return e.Timestamp }
func (e NetworkStatus) When() time.Time        { return e.Timestamp }
func (e FlowInstalled) When() time.Time        { return e.Timestamp }
func (e FlowRevoked) When() time.Time          { return e.Timestamp }
func (e FlowUpdate) When() time.Time           { return e.Timestamp }
func (e PolicyActionExecuted) When() time.Time { return e.Timestamp }
func (e TrafficBlock) When() time.Time         { return e.Timestamp }
func (e TrafficRedirect) When() time.Time      { return e.Timestamp }
func (e HoneypotRedirect) When() time.Time     { return e.Timestamp }
func (e AlertRaised) When() time.Time          { return e.Timestamp }
func (e ShutdownNotice) When() time.Time       { return e.Timestamp }
