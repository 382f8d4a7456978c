package state

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/gaissmai/bart"
)

type PolicyStatus string

const (
	PolicyPending  PolicyStatus = "pending"
	PolicyActive   PolicyStatus = "active"
	PolicyInactive PolicyStatus = "inactive"
	PolicyDeleted  PolicyStatus = "deleted"
)

type TargetKind string

const (
	TargetNode TargetKind = "node"
	TargetLink TargetKind = "link"
	TargetFlow TargetKind = "flow"
)

// Target scopes a policy or enforcement intent to a node, link or flow.
type Target struct {
	Kind TargetKind
	Id   string // node: mac or dpid hex; link: LinkKey string; flow: FlowRef id
}

func NodeTarget(id string) Target { return Target{Kind: TargetNode, Id: id} }
func LinkTarget(k LinkKey) Target { return Target{Kind: TargetLink, Id: k.String()} }
func FlowTarget(id string) Target { return Target{Kind: TargetFlow, Id: id} }

func (t Target) String() string {
	return string(t.Kind) + "/" + t.Id
}

// FlowRef identifies a flow with enough context to actuate on it without
// further lookups.
type FlowRef struct {
	Id      string
	SrcMac  MacAddr
	DstMac  MacAddr
	SrcIP   netip.Addr
	DstIP   netip.Addr
	Proto   string
	DstPort uint16
	Ingress PortKey // first-hop switch and port of the flow
}

func (f FlowRef) Target() Target {
	return FlowTarget(f.Id)
}

// Conditions is an implicit AND of match and threshold predicates. Zero
// values mean "not constrained".
type Conditions struct {
	SrcIP      netip.Addr     `yaml:"src_ip,omitempty"`
	DstIP      netip.Addr     `yaml:"dst_ip,omitempty"`
	Protocol   string         `yaml:"protocol,omitempty"`
	DstPort    uint16         `yaml:"dst_port,omitempty"`
	SrcMac     MacAddr        `yaml:"src_mac,omitempty"`
	DstMac     MacAddr        `yaml:"dst_mac,omitempty"`
	AllowedIPs []netip.Prefix `yaml:"allowed_ips,omitempty"`
	DeniedIPs  []netip.Prefix `yaml:"denied_ips,omitempty"`

	// thresholds against node/link/flow statistics
	MinBitRate    float64 `yaml:"min_bit_rate,omitempty"`    // bits/s on the scoped node or link
	MinPacketRate float64 `yaml:"min_packet_rate,omitempty"` // pkts/s on the scoped flow
}

// ActionKind enumerates the closed set of policy actions.
type ActionKind string

const (
	ActionAllow     ActionKind = "allow"
	ActionAlert     ActionKind = "alert"
	ActionBlock     ActionKind = "block"
	ActionTerminate ActionKind = "terminate"
	ActionThrottle  ActionKind = "throttle"
	ActionDisable   ActionKind = "disable"
	ActionShutdown  ActionKind = "shutdown"
	ActionRedirect  ActionKind = "redirect"
)

// Action is a closed tagged variant; translation into flow-table operations
// is an exhaustive type switch in the policy engine.
type Action interface {
	Kind() ActionKind
}

type Allow struct{}

type Alert struct {
	Reason string
}

type Block struct{}

// Terminate is block plus revocation of any path rules for the target flow.
type Terminate struct{}

type Throttle struct {
	RateKbps   uint64
	PacketRate uint64
}

// Disable administratively marks the target down until explicitly
// re-enabled.
type Disable struct{}

// Shutdown is Disable preceded by a pre-disconnect notice event.
type Shutdown struct {
	Notice string
}

type Redirect struct {
	Targets []RedirectTarget
}

func (Allow) Kind() ActionKind     { return ActionAllow }
func (Alert) Kind() ActionKind     { return ActionAlert }
func (Block) Kind() ActionKind     { return ActionBlock }
func (Terminate) Kind() ActionKind { return ActionTerminate }
func (Throttle) Kind() ActionKind  { return ActionThrottle }
func (Disable) Kind() ActionKind   { return ActionDisable }
func (Shutdown) Kind() ActionKind  { return ActionShutdown }
func (Redirect) Kind() ActionKind  { return ActionRedirect }

// ActionSpec is the wire form of an action in management CRUD events.
type ActionSpec struct {
	Type       string           `yaml:"type"`
	Reason     string           `yaml:"reason,omitempty"`
	Notice     string           `yaml:"notice,omitempty"`
	RateKbps   uint64           `yaml:"rate_kbps,omitempty"`
	PacketRate uint64           `yaml:"packet_rate,omitempty"`
	Targets    []RedirectTarget `yaml:"targets,omitempty"`
}

// Build resolves an ActionSpec into a concrete Action. deny/drop are
// accepted as aliases for block, matching historic management clients.
func (a ActionSpec) Build() (Action, error) {
	switch strings.ToLower(a.Type) {
	case "", "allow":
		return Allow{}, nil
	case "alert":
		return Alert{Reason: a.Reason}, nil
	case "block", "deny", "drop":
		return Block{}, nil
	case "terminate":
		return Terminate{}, nil
	case "throttle":
		if a.RateKbps == 0 && a.PacketRate == 0 {
			return nil, fmt.Errorf("throttle action needs rate_kbps or packet_rate")
		}
		return Throttle{RateKbps: a.RateKbps, PacketRate: a.PacketRate}, nil
	case "disable":
		return Disable{}, nil
	case "shutdown":
		return Shutdown{Notice: a.Notice}, nil
	case "redirect":
		if len(a.Targets) == 0 {
			return nil, fmt.Errorf("redirect action needs at least one target")
		}
		return Redirect{Targets: a.Targets}, nil
	}
	return nil, fmt.Errorf("unknown action type %q", a.Type)
}

// Policy is a standing security rule evaluated against topology, metric and
// flow state changes.
type Policy struct {
	Id         string
	Name       string
	Scope      Target
	Conditions Conditions
	Primary    Action
	Secondary  []Action
	Priority   int
	Status     PolicyStatus
	UpdatedAt  time.Time

	// OneShot policies are synthesized from AI verdicts; they are executed
	// once and never stored.
	OneShot bool

	allowed *bart.Lite
	denied  *bart.Lite
}

// PolicySpec is the wire form of a policy in management CRUD events.
type PolicySpec struct {
	Id         string       `yaml:"id,omitempty"`
	Name       string       `yaml:"name"`
	Scope      Target       `yaml:"scope"`
	Conditions Conditions   `yaml:"conditions,omitempty"`
	Primary    ActionSpec   `yaml:"primary_action"`
	Secondary  []ActionSpec `yaml:"secondary_actions,omitempty"`
	Priority   int          `yaml:"priority"`
	Status     PolicyStatus `yaml:"status,omitempty"`
}

func (s PolicySpec) Build() (*Policy, error) {
	primary, err := s.Primary.Build()
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", s.Name, err)
	}
	var secondary []Action
	for i, as := range s.Secondary {
		a, err := as.Build()
		if err != nil {
			return nil, fmt.Errorf("policy %q secondary[%d]: %w", s.Name, i, err)
		}
		secondary = append(secondary, a)
	}
	status := s.Status
	switch status {
	case "":
		status = PolicyActive
	case PolicyPending, PolicyActive, PolicyInactive:
	default:
		return nil, fmt.Errorf("policy %q: invalid status %q", s.Name, status)
	}
	p := &Policy{
		Id:         s.Id,
		Name:       s.Name,
		Scope:      s.Scope,
		Conditions: s.Conditions,
		Primary:    primary,
		Secondary:  secondary,
		Priority:   s.Priority,
		Status:     status,
	}
	p.CompilePrefixes()
	return p, nil
}

// CompilePrefixes builds the prefix lookup tables for allowed/denied IP
// lists. Must be called whenever Conditions change.
func (p *Policy) CompilePrefixes() {
	p.allowed, p.denied = nil, nil
	if len(p.Conditions.AllowedIPs) > 0 {
		p.allowed = new(bart.Lite)
		for _, pfx := range p.Conditions.AllowedIPs {
			p.allowed.Insert(pfx)
		}
	}
	if len(p.Conditions.DeniedIPs) > 0 {
		p.denied = new(bart.Lite)
		for _, pfx := range p.Conditions.DeniedIPs {
			p.denied.Insert(pfx)
		}
	}
}

// IPPermitted evaluates the allowed/denied lists against a remote address.
// Deny wins over allow; an absent allow list permits everything.
func (p *Policy) IPPermitted(ip netip.Addr) bool {
	if !ip.IsValid() {
		return p.denied == nil
	}
	if p.denied != nil && p.denied.Contains(ip) {
		return false
	}
	if p.allowed != nil && !p.allowed.Contains(ip) {
		return false
	}
	return true
}

// ComparePolicies defines execution order: ascending priority, ties broken
// by most recent UpdatedAt first.
func ComparePolicies(a, b *Policy) int {
	if a.Priority != b.Priority {
		if a.Priority < b.Priority {
			return -1
		}
		return 1
	}
	if a.UpdatedAt.After(b.UpdatedAt) {
		return -1
	}
	if b.UpdatedAt.After(a.UpdatedAt) {
		return 1
	}
	return strings.Compare(a.Id, b.Id)
}
