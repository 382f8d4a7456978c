package core

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/LingshijunRenzy/ICS-guard/perf"
	"github.com/LingshijunRenzy/ICS-guard/state"
)

// PolicyEngine holds the standing policy set and translates triggered
// policies into flow-table operations and events. All CRUD and evaluation
// happens on the dispatch goroutine; only the compiled packet matcher is
// shared with the session workers, through an atomic pointer.
type PolicyEngine struct {
	s        *state.State
	policies map[string]*state.Policy
	matcher  atomic.Pointer[PacketMatcher]

	// recently enforced verdicts, so a chatty inference service cannot
	// re-trigger the same enforcement every few frames
	verdicts *ttlcache.Cache[string, state.DecisionLevel]
}

func (p *PolicyEngine) Init(s *state.State) error {
	p.s = s
	p.policies = make(map[string]*state.Policy)
	p.matcher.Store(&PacketMatcher{})
	p.verdicts = ttlcache.New[string, state.DecisionLevel](
		ttlcache.WithTTL[string, state.DecisionLevel](state.VerdictDedupTTL),
		ttlcache.WithDisableTouchOnHit[string, state.DecisionLevel](),
	)
	go p.verdicts.Start()
	return nil
}

func (p *PolicyEngine) Cleanup(s *state.State) error {
	p.verdicts.Stop()
	return nil
}

// PacketMatcher is the compiled packet-path view of the active policy set,
// evaluated inline by session workers. First match in policy order wins.
type PacketMatcher struct {
	policies []*state.Policy
}

// Drops reports whether the frame is denied by the active policy set.
func (m *PacketMatcher) Drops(f state.Frame) bool {
	if m == nil {
		return false
	}
	for _, pol := range m.policies {
		if !conditionsMatchFrame(pol.Conditions, f) {
			continue
		}
		if !pol.IPPermitted(f.SrcIP) || !pol.IPPermitted(f.DstIP) {
			return true
		}
		switch pol.Primary.Kind() {
		case state.ActionBlock, state.ActionTerminate:
			return true
		}
		return false
	}
	return false
}

// conditionsMatchFrame applies the packet-relevant predicates. Zero values
// do not constrain.
func conditionsMatchFrame(c state.Conditions, f state.Frame) bool {
	if c.SrcMac != "" && c.SrcMac != f.Src {
		return false
	}
	if c.DstMac != "" && c.DstMac != f.Dst {
		return false
	}
	if c.SrcIP.IsValid() && c.SrcIP != f.SrcIP {
		return false
	}
	if c.DstIP.IsValid() && c.DstIP != f.DstIP {
		return false
	}
	if c.Protocol != "" && !strings.EqualFold(c.Protocol, f.Proto) {
		return false
	}
	if c.DstPort != 0 && c.DstPort != f.DstPort {
		return false
	}
	return true
}

// packetRelevant reports whether a policy constrains individual frames at
// all; unconstrained policies act only through metric and flow triggers.
func packetRelevant(c state.Conditions) bool {
	return c.SrcMac != "" || c.DstMac != "" ||
		c.SrcIP.IsValid() || c.DstIP.IsValid() ||
		c.Protocol != "" || c.DstPort != 0 ||
		len(c.AllowedIPs) > 0 || len(c.DeniedIPs) > 0
}

// Matcher returns the current compiled packet matcher. Never nil.
func (p *PolicyEngine) Matcher() *PacketMatcher {
	return p.matcher.Load()
}

// recompile republishes the packet matcher from the active policy set.
func (p *PolicyEngine) recompile() {
	var active []*state.Policy
	for _, pol := range p.policies {
		if pol.Status == state.PolicyActive && packetRelevant(pol.Conditions) {
			active = append(active, pol)
		}
	}
	slices.SortFunc(active, state.ComparePolicies)
	p.matcher.Store(&PacketMatcher{policies: active})
}

// Create stores a new policy. A missing id is assigned; a colliding id is
// rejected so retried creates cannot silently overwrite.
func (p *PolicyEngine) Create(s *state.State, spec state.PolicySpec) (*state.Policy, error) {
	pol, err := spec.Build()
	if err != nil {
		return nil, err
	}
	if pol.Id == "" {
		pol.Id = uuid.NewString()
	}
	if _, exists := p.policies[pol.Id]; exists {
		return nil, fmt.Errorf("policy %q already exists", pol.Id)
	}
	pol.UpdatedAt = time.Now()
	p.policies[pol.Id] = pol
	p.recompile()
	s.Log.Info("policy created", "id", pol.Id, "name", pol.Name, "status", pol.Status)
	return pol, nil
}

// Update replaces an existing policy wholesale, keeping its id.
func (p *PolicyEngine) Update(s *state.State, spec state.PolicySpec) (*state.Policy, error) {
	if spec.Id == "" {
		return nil, fmt.Errorf("policy update needs an id")
	}
	if _, exists := p.policies[spec.Id]; !exists {
		return nil, fmt.Errorf("policy %q not found", spec.Id)
	}
	pol, err := spec.Build()
	if err != nil {
		return nil, err
	}
	pol.Id = spec.Id
	pol.UpdatedAt = time.Now()
	p.policies[pol.Id] = pol
	p.recompile()
	s.Log.Info("policy updated", "id", pol.Id, "name", pol.Name, "status", pol.Status)
	return pol, nil
}

// Delete removes a policy from any status and revokes its installed
// enforcement rules.
func (p *PolicyEngine) Delete(s *state.State, id string) error {
	pol, exists := p.policies[id]
	if !exists {
		return fmt.Errorf("policy %q not found", id)
	}
	pol.Status = state.PolicyDeleted
	delete(p.policies, id)
	p.recompile()
	p.revokeEnforcement(s, pol)
	s.Log.Info("policy deleted", "id", id, "name", pol.Name)
	return nil
}

// SetEnabled moves a policy between active and inactive. Pending policies
// become active on their first enable.
func (p *PolicyEngine) SetEnabled(s *state.State, id string, enabled bool) error {
	pol, exists := p.policies[id]
	if !exists {
		return fmt.Errorf("policy %q not found", id)
	}
	next := state.PolicyInactive
	if enabled {
		next = state.PolicyActive
	}
	if pol.Status == next {
		return nil
	}
	pol.Status = next
	pol.UpdatedAt = time.Now()
	p.recompile()
	if !enabled {
		p.revokeEnforcement(s, pol)
	}
	s.Log.Info("policy state changed", "id", id, "status", next)
	return nil
}

// Get returns a stored policy by id.
func (p *PolicyEngine) Get(id string) (*state.Policy, bool) {
	pol, ok := p.policies[id]
	return pol, ok
}

// List returns all stored policies in execution order.
func (p *PolicyEngine) List() []*state.Policy {
	out := make([]*state.Policy, 0, len(p.policies))
	for _, pol := range p.policies {
		out = append(out, pol)
	}
	slices.SortFunc(out, state.ComparePolicies)
	return out
}

// HandleNodeMetric evaluates node-scoped threshold policies against a
// fresh metric sample.
func (p *PolicyEngine) HandleNodeMetric(s *state.State, nodeId string, m state.NodeMetrics) {
	var triggered []*state.Policy
	for _, pol := range p.policies {
		if pol.Status != state.PolicyActive {
			continue
		}
		if pol.Scope.Kind != state.TargetNode || pol.Scope.Id != nodeId {
			continue
		}
		if pol.Conditions.MinBitRate > 0 && m.ThroughputBps*8 < pol.Conditions.MinBitRate {
			continue
		}
		triggered = append(triggered, pol)
	}
	p.execute(s, triggered, state.NodeTarget(nodeId), nil)
}

// HandleLinkMetric evaluates link-scoped threshold policies.
func (p *PolicyEngine) HandleLinkMetric(s *state.State, key state.LinkKey, bitRate float64) {
	target := state.LinkTarget(key)
	var triggered []*state.Policy
	for _, pol := range p.policies {
		if pol.Status != state.PolicyActive {
			continue
		}
		if pol.Scope.Kind != state.TargetLink || pol.Scope.Id != target.Id {
			continue
		}
		if pol.Conditions.MinBitRate > 0 && bitRate < pol.Conditions.MinBitRate {
			continue
		}
		triggered = append(triggered, pol)
	}
	p.execute(s, triggered, target, nil)
}

// HandleFlowStats evaluates flow-scoped policies against per-flow rates.
func (p *PolicyEngine) HandleFlowStats(s *state.State, flow state.FlowRef, pktRate, bitRate float64) {
	var triggered []*state.Policy
	for _, pol := range p.policies {
		if pol.Status != state.PolicyActive {
			continue
		}
		if pol.Scope.Kind != state.TargetFlow {
			continue
		}
		if pol.Scope.Id != "" && pol.Scope.Id != flow.Id {
			continue
		}
		if !conditionsMatchFlow(pol.Conditions, flow) {
			continue
		}
		if pol.Conditions.MinPacketRate > 0 && pktRate < pol.Conditions.MinPacketRate {
			continue
		}
		if pol.Conditions.MinBitRate > 0 && bitRate < pol.Conditions.MinBitRate {
			continue
		}
		triggered = append(triggered, pol)
	}
	p.execute(s, triggered, flow.Target(), &flow)
}

func conditionsMatchFlow(c state.Conditions, f state.FlowRef) bool {
	if c.SrcMac != "" && c.SrcMac != f.SrcMac {
		return false
	}
	if c.DstMac != "" && c.DstMac != f.DstMac {
		return false
	}
	if c.SrcIP.IsValid() && c.SrcIP != f.SrcIP {
		return false
	}
	if c.DstIP.IsValid() && c.DstIP != f.DstIP {
		return false
	}
	if c.Protocol != "" && !strings.EqualFold(c.Protocol, f.Proto) {
		return false
	}
	if c.DstPort != 0 && c.DstPort != f.DstPort {
		return false
	}
	return true
}

// execute runs triggered policies in priority order. Within one policy the
// primary action runs first; a failed action aborts that policy's
// remaining actions but not the other policies.
func (p *PolicyEngine) execute(s *state.State, triggered []*state.Policy, target state.Target, flow *state.FlowRef) {
	if len(triggered) == 0 {
		return
	}
	slices.SortFunc(triggered, state.ComparePolicies)
	for _, pol := range triggered {
		p.ExecutePolicy(s, pol, target, flow)
	}
}

// ExecutePolicy runs one policy's action chain against a target.
func (p *PolicyEngine) ExecutePolicy(s *state.State, pol *state.Policy, target state.Target, flow *state.FlowRef) {
	perf.PolicyEvaluations.Add(1)
	actions := append([]state.Action{pol.Primary}, pol.Secondary...)
	for _, act := range actions {
		err := p.executeAction(s, pol, act, target, flow)
		if errors.Is(err, ErrUnknownTarget) {
			s.Log.Warn("policy target unknown, skipping",
				"policy", pol.Id, "target", target.String())
			return
		}
		result, errText := "ok", ""
		if err != nil {
			result, errText = "error", err.Error()
		}
		s.Emit(state.PolicyActionExecuted{
			Timestamp: time.Now(),
			PolicyId:  pol.Id,
			Target:    target,
			Action:    act.Kind(),
			Automated: pol.OneShot,
			Result:    result,
			Error:     errText,
		})
		if err != nil {
			s.Log.Warn("policy action failed",
				"policy", pol.Id, "action", act.Kind(), "err", err)
			return
		}
		if state.DBG_log_policy {
			s.Log.Debug("policy action executed",
				"policy", pol.Id, "action", act.Kind(), "target", target.String())
		}
	}
}

// scopeMatch keys an enforcement rule to (policy, target) so that
// re-triggering the same policy replaces its prior rule instead of
// stacking a second one.
func scopeMatch(pol *state.Policy, target state.Target, flow *state.FlowRef) state.FlowMatch {
	m := state.FlowMatch{Scope: pol.Id + "/" + target.String()}
	if flow != nil {
		m.InPort = flow.Ingress.Port
		m.EthSrc = flow.SrcMac
		m.EthDst = flow.DstMac
		m.SrcIP = flow.SrcIP
		m.DstIP = flow.DstIP
		m.Proto = flow.Proto
		m.L4Dst = flow.DstPort
	}
	return m
}

func (p *PolicyEngine) executeAction(s *state.State, pol *state.Policy, act state.Action, target state.Target, flow *state.FlowRef) error {
	switch a := act.(type) {
	case state.Allow:
		return nil

	case state.Alert:
		s.Emit(state.AlertRaised{
			Timestamp: time.Now(),
			PolicyId:  pol.Id,
			Target:    target,
			Reason:    a.Reason,
		})
		return nil

	case state.Block:
		return p.installBlock(s, pol, target, flow)

	case state.Terminate:
		if err := p.installBlock(s, pol, target, flow); err != nil {
			return err
		}
		if flow != nil {
			p.revokePathRules(s, *flow)
		}
		return nil

	case state.Throttle:
		d, match, err := p.enforcementPoint(s, pol, target, flow)
		if err != nil {
			return err
		}
		return Get[*FlowTracker](s).Install(d, state.FlowRule{
			Match: match,
			Action: state.RuleAction{
				Type:       state.ActRateLimit,
				RateKbps:   a.RateKbps,
				PacketRate: a.PacketRate,
			},
			Priority: state.ThrottleRulePriority,
			Origin:   state.OriginPolicy,
		})

	case state.Disable:
		return p.disableNode(s, pol, target, flow)

	case state.Shutdown:
		s.Emit(state.ShutdownNotice{
			Timestamp: time.Now(),
			Target:    target,
			Notice:    a.Notice,
		})
		return p.disableNode(s, pol, target, flow)

	case state.Redirect:
		return p.installRedirect(s, pol, a, target, flow)
	}
	return fmt.Errorf("unhandled action kind %q", act.Kind())
}

// enforcementPoint resolves where an enforcement rule for a target is
// installed: a flow's ingress switch, or the attachment switch of a node.
func (p *PolicyEngine) enforcementPoint(s *state.State, pol *state.Policy, target state.Target, flow *state.FlowRef) (state.Dpid, state.FlowMatch, error) {
	snap := Get[*TopologyManager](s).CurrentSnapshot()
	if flow != nil {
		if !snap.HasSwitch(flow.Ingress.Dpid) {
			return 0, state.FlowMatch{}, ErrUnknownTarget
		}
		return flow.Ingress.Dpid, scopeMatch(pol, target, flow), nil
	}
	switch target.Kind {
	case state.TargetNode:
		mac, err := state.ParseMac(target.Id)
		if err != nil {
			return 0, state.FlowMatch{}, ErrUnknownTarget
		}
		host, ok := snap.HostByMac(mac)
		if !ok || !snap.HasSwitch(host.Attach.Dpid) {
			return 0, state.FlowMatch{}, ErrUnknownTarget
		}
		m := scopeMatch(pol, target, nil)
		m.EthSrc = host.Mac
		return host.Attach.Dpid, m, nil
	}
	return 0, state.FlowMatch{}, ErrUnknownTarget
}

func (p *PolicyEngine) installBlock(s *state.State, pol *state.Policy, target state.Target, flow *state.FlowRef) error {
	d, match, err := p.enforcementPoint(s, pol, target, flow)
	if err != nil {
		return err
	}
	err = Get[*FlowTracker](s).Install(d, state.FlowRule{
		Match:    match,
		Action:   state.Drop(),
		Priority: state.EnforceRulePriority,
		Origin:   state.OriginPolicy,
	})
	if err != nil {
		return err
	}
	if flow != nil {
		s.Emit(state.TrafficBlock{Timestamp: time.Now(), PolicyId: pol.Id, Flow: *flow})
	}
	return nil
}

// revokePathRules removes the forwarding rules installed for a flow along
// its current path. Rules on switches that already lost them are skipped.
func (p *PolicyEngine) revokePathRules(s *state.State, flow state.FlowRef) {
	snap := Get[*TopologyManager](s).CurrentSnapshot()
	dst, ok := snap.HostByMac(flow.DstMac)
	if !ok {
		return
	}
	hops, err := Get[*PathEngine](s).PathBetween(snap, flow.Ingress.Dpid, dst.Attach.Dpid)
	if err != nil {
		return
	}
	tracker := Get[*FlowTracker](s)
	inPort := flow.Ingress.Port
	for i, hop := range hops {
		_ = tracker.Revoke(hop.Dpid, state.FlowMatch{
			InPort: inPort,
			EthSrc: flow.SrcMac,
			EthDst: flow.DstMac,
		})
		if i+1 < len(hops) {
			peer, ok := snap.PeerOf(state.PortKey{Dpid: hop.Dpid, Port: hop.Out})
			if !ok {
				return
			}
			inPort = peer.Port
		}
	}
}

func (p *PolicyEngine) disableNode(s *state.State, pol *state.Policy, target state.Target, flow *state.FlowRef) error {
	if target.Kind != state.TargetNode {
		return ErrUnknownTarget
	}
	topo := Get[*TopologyManager](s)
	if !topo.SetAdminState(s, target.Id, true) {
		return ErrUnknownTarget
	}
	// a host stays cut off even if its admin flag is missed downstream
	if mac, err := state.ParseMac(target.Id); err == nil {
		if host, ok := topo.CurrentSnapshot().HostByMac(mac); ok {
			m := scopeMatch(pol, target, nil)
			m.EthSrc = host.Mac
			return Get[*FlowTracker](s).Install(host.Attach.Dpid, state.FlowRule{
				Match:    m,
				Action:   state.Drop(),
				Priority: state.EnforceRulePriority,
				Origin:   state.OriginPolicy,
			})
		}
	}
	return nil
}

func (p *PolicyEngine) installRedirect(s *state.State, pol *state.Policy, a state.Redirect, target state.Target, flow *state.FlowRef) error {
	d, match, err := p.enforcementPoint(s, pol, target, flow)
	if err != nil {
		return err
	}
	snap := Get[*TopologyManager](s).CurrentSnapshot()

	// a target named only by IP resolves through the host table
	targets := slices.Clone(a.Targets)
	for i, t := range targets {
		if t.Mac != "" || !t.IP.IsValid() {
			continue
		}
		host, ok := snap.HostByIP(t.IP)
		if !ok {
			return ErrUnknownTarget
		}
		targets[i] = state.RedirectTarget{
			Mac:  host.Mac,
			IP:   host.IP,
			Dpid: host.Attach.Dpid,
			Port: host.Attach.Port,
		}
	}

	err = Get[*FlowTracker](s).Install(d, state.FlowRule{
		Match: match,
		Action: state.RuleAction{
			Type:    state.ActRewrite,
			Targets: targets,
		},
		Priority: state.EnforceRulePriority,
		Origin:   state.OriginPolicy,
	})
	if err != nil {
		return err
	}
	if flow == nil {
		return nil
	}
	s.Emit(state.TrafficRedirect{
		Timestamp: time.Now(),
		PolicyId:  pol.Id,
		Flow:      *flow,
		Targets:   targets,
	})
	for _, t := range targets {
		host, ok := snap.HostByMac(t.Mac)
		if !ok || host.Class != state.ClassHoneypot {
			continue
		}
		s.Emit(state.HoneypotRedirect{
			Timestamp: time.Now(),
			Flow:      *flow,
			Honeypot: state.NodeSummary{
				Id:     string(host.Mac),
				Class:  host.Class,
				Name:   host.Name,
				Zone:   host.Zone,
				Mac:    host.Mac,
				IP:     host.IP,
				Dpid:   host.Attach.Dpid,
				Port:   host.Attach.Port,
				Status: "online",
			},
		})
	}
	return nil
}

// revokeEnforcement clears every rule a policy may have installed, across
// all connected switches. Revoke tolerates absent entries so the sweep is
// safe to over-approximate.
// revokeNodeEnforcement clears every enforcement rule aimed at a node, from
// any policy or verdict. Re-enabling a node must restore its traffic; a
// leftover drop rule would outlive the admin flag.
func (p *PolicyEngine) revokeNodeEnforcement(s *state.State, id string) {
	snap := Get[*TopologyManager](s).CurrentSnapshot()
	tracker := Get[*FlowTracker](s)
	suffix := "/" + state.Target{Kind: state.TargetNode, Id: id}.String()
	for d := range snap.Switches {
		for _, rule := range tracker.InstalledFor(d) {
			if rule.Origin == state.OriginPolicy && strings.HasSuffix(rule.Match.Scope, suffix) {
				_ = tracker.Revoke(d, rule.Match)
			}
		}
	}
}

func (p *PolicyEngine) revokeEnforcement(s *state.State, pol *state.Policy) {
	snap := Get[*TopologyManager](s).CurrentSnapshot()
	tracker := Get[*FlowTracker](s)
	prefix := pol.Id + "/"
	for d := range snap.Switches {
		for _, rule := range tracker.InstalledFor(d) {
			if rule.Origin == state.OriginPolicy && strings.HasPrefix(rule.Match.Scope, prefix) {
				_ = tracker.Revoke(d, rule.Match)
			}
		}
	}
}
