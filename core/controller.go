package core

import (
	"github.com/LingshijunRenzy/ICS-guard/state"
)

// Controller is the external surface of the control core. The protocol
// adapter (switch sessions, discovery probes, counter sweeps) and the
// management API both talk to the core exclusively through it; every method
// is safe from any goroutine.
type Controller struct {
	s *state.State
}

// Started reports whether the dispatch loop is live. Methods that dispatch
// block until it is.
func (c *Controller) Started() bool {
	return c.s.Started.Load()
}

// SwitchConnected admits a switch whose protocol handshake completed.
func (c *Controller) SwitchConnected(d state.Dpid, ports []state.PortNo, conn SwitchConn) {
	Get[*Sessions](c.s).Connect(d, ports, conn)
}

// SwitchDisconnected tears down a switch session and its topology node.
func (c *Controller) SwitchDisconnected(d state.Dpid) {
	Get[*Sessions](c.s).Disconnect(d)
}

// PortStatus reports a port going up or down.
func (c *Controller) PortStatus(p state.PortKey, up bool) {
	c.s.Dispatch(func(s *state.State) error {
		Get[*TopologyManager](s).PortStatus(s, p, up)
		return nil
	})
}

// PacketIn hands a frame to the owning switch's processing lane.
func (c *Controller) PacketIn(frame state.Frame) {
	Get[*Sessions](c.s).Submit(frame)
}

// DeliverProbe folds one neighbour-discovery cycle into the topology.
func (c *Controller) DeliverProbe(res state.ProbeResult) {
	c.s.Dispatch(func(s *state.State) error {
		Get[*TopologyManager](s).ApplyProbeResult(s, res)
		return nil
	})
}

// ObservePortStats feeds a port-counter sweep to the stats monitor.
func (c *Controller) ObservePortStats(samples []state.PortStatsSample) {
	c.s.Dispatch(func(s *state.State) error {
		Get[*StatsMonitor](s).ObservePortStats(s, samples)
		return nil
	})
}

// ObserveFlowStats feeds a per-flow counter sample to the stats monitor.
func (c *Controller) ObserveFlowStats(sample state.FlowStatsSample) {
	c.s.Dispatch(func(s *state.State) error {
		Get[*StatsMonitor](s).ObserveFlowStats(s, sample)
		return nil
	})
}

// SubmitVerdict enforces an AI inference verdict.
func (c *Controller) SubmitVerdict(v state.Verdict) {
	c.s.Dispatch(func(s *state.State) error {
		Get[*PolicyEngine](s).HandleVerdict(s, v)
		return nil
	})
}

// CreatePolicy stores a new policy and returns its resolved form.
func (c *Controller) CreatePolicy(spec state.PolicySpec) (*state.Policy, error) {
	res, err := c.s.DispatchWait(func(s *state.State) (any, error) {
		return Get[*PolicyEngine](s).Create(s, spec)
	})
	if err != nil {
		return nil, err
	}
	return res.(*state.Policy), nil
}

// UpdatePolicy replaces an existing policy wholesale.
func (c *Controller) UpdatePolicy(spec state.PolicySpec) (*state.Policy, error) {
	res, err := c.s.DispatchWait(func(s *state.State) (any, error) {
		return Get[*PolicyEngine](s).Update(s, spec)
	})
	if err != nil {
		return nil, err
	}
	return res.(*state.Policy), nil
}

// DeletePolicy removes a policy and revokes its enforcement rules.
func (c *Controller) DeletePolicy(id string) error {
	_, err := c.s.DispatchWait(func(s *state.State) (any, error) {
		return nil, Get[*PolicyEngine](s).Delete(s, id)
	})
	return err
}

// EnablePolicy activates a pending or inactive policy.
func (c *Controller) EnablePolicy(id string) error {
	_, err := c.s.DispatchWait(func(s *state.State) (any, error) {
		return nil, Get[*PolicyEngine](s).SetEnabled(s, id, true)
	})
	return err
}

// DisablePolicy deactivates a policy and revokes its enforcement rules.
func (c *Controller) DisablePolicy(id string) error {
	_, err := c.s.DispatchWait(func(s *state.State) (any, error) {
		return nil, Get[*PolicyEngine](s).SetEnabled(s, id, false)
	})
	return err
}

// ListPolicies returns the stored policy set in execution order.
func (c *Controller) ListPolicies() []*state.Policy {
	res, _ := c.s.DispatchWait(func(s *state.State) (any, error) {
		return Get[*PolicyEngine](s).List(), nil
	})
	if res == nil {
		return nil
	}
	return res.([]*state.Policy)
}

// SetNodeAdminState administratively disables or re-enables a node.
// Re-enabling also lifts the enforcement rules that cut the node off.
func (c *Controller) SetNodeAdminState(id string, down bool) error {
	_, err := c.s.DispatchWait(func(s *state.State) (any, error) {
		if !Get[*TopologyManager](s).SetAdminState(s, id, down) {
			return nil, ErrUnknownTarget
		}
		if !down {
			Get[*PolicyEngine](s).revokeNodeEnforcement(s, id)
		}
		return nil, nil
	})
	return err
}

// Events opens a subscription to the outbound event stream. The caller
// owns the subscription and must Close it.
func (c *Controller) Events() *state.Subscription {
	return c.s.Bus.Subscribe()
}

// Snapshot returns the current immutable topology view.
func (c *Controller) Snapshot() *state.Snapshot {
	return Get[*TopologyManager](c.s).CurrentSnapshot()
}

// Shutdown stops the controller core.
func (c *Controller) Shutdown() {
	c.s.Cancel(nil)
}
