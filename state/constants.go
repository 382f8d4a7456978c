package state

import "time"

var (
	// ProbeInterval is the neighbour-discovery probe period of the protocol
	// layer; link liveness is judged in multiples of it.
	ProbeInterval = time.Second * 2
	// LinkDeadProbes is the number of silent probe cycles after which a link
	// is pruned from the graph.
	LinkDeadProbes = 3
	// TopologyDebounce batches consecutive graph mutations (flapping links,
	// bulk discovery) into a single snapshot publish.
	TopologyDebounce = time.Millisecond * 250
	// HostExpiry removes a learned MAC binding that has not been observed.
	HostExpiry = time.Minute * 5
	// HostMoveCooldown guards against port-flapping hosts: a binding may not
	// move to a different attachment more than once per window.
	HostMoveCooldown = time.Second * 2

	PacketQueueDepth = 256
	EventQueueDepth  = 512

	VerdictDedupTTL = time.Second * 10

	DefaultLinkCost uint32 = 1

	// StatsPushDelta is the relative throughput change below which repeated
	// network-status events are suppressed.
	StatsPushDelta = 0.10
	// FlowStatsExpiry ages out the counter history of a flow whose samples
	// stopped arriving.
	FlowStatsExpiry = time.Minute * 5
)

// Flow rule priority bands. Enforcement must outrank path forwarding on the
// same flow.
const (
	PathRulePriority     uint16 = 100
	ThrottleRulePriority uint16 = 300
	EnforceRulePriority  uint16 = 400
)

// VerdictPolicyPriority orders synthesized automated-response policies ahead
// of any standing policy (policies execute ascending by priority).
const VerdictPolicyPriority = 1

var (
	NodeConfigPath    = "node.yaml"
	CentralConfigPath = "central.yaml"
)

// debug toggles, bound to CLI flags
var (
	DBG_log_packets bool
	DBG_log_policy  bool
	DBG_log_probes  bool
)
