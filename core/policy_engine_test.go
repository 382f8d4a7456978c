package core

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LingshijunRenzy/ICS-guard/mock"
	"github.com/LingshijunRenzy/ICS-guard/state"
)

func createPolicy(t *testing.T, s *state.State, spec state.PolicySpec) *state.Policy {
	t.Helper()
	res, err := s.DispatchWait(func(s *state.State) (any, error) {
		return Get[*PolicyEngine](s).Create(s, spec)
	})
	require.NoError(t, err)
	return res.(*state.Policy)
}

func testFrame(d state.Dpid, in state.PortNo, src, dst state.MacAddr) state.Frame {
	return state.Frame{
		Dpid:    d,
		InPort:  in,
		Src:     src,
		Dst:     dst,
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		Proto:   "TCP",
		DstPort: 502,
	}
}

// drainPolicyEvents collects PolicyActionExecuted events until the stream
// goes quiet.
func drainPolicyEvents(sub *state.Subscription) []state.PolicyActionExecuted {
	var out []state.PolicyActionExecuted
	for {
		select {
		case ev := <-sub.C:
			if pe, ok := ev.(state.PolicyActionExecuted); ok {
				out = append(out, pe)
			}
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func TestPolicyCRUD(t *testing.T) {
	s := newTestState(t)
	pe := Get[*PolicyEngine](s)

	pol := createPolicy(t, s, state.PolicySpec{
		Name:    "no-modbus",
		Scope:   state.FlowTarget(""),
		Primary: state.ActionSpec{Type: "block"},
	})
	assert.NotEmpty(t, pol.Id, "id is assigned when absent")

	// duplicate ids are rejected
	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		return pe.Create(s, state.PolicySpec{Id: pol.Id, Name: "dup", Primary: state.ActionSpec{Type: "block"}})
	})
	assert.Error(t, err)

	// rejected calls stay with the caller; the loop must keep serving
	ctl := &Controller{s: s}
	_, err = ctl.CreatePolicy(state.PolicySpec{Name: "bad", Primary: state.ActionSpec{Type: "reroute"}})
	assert.Error(t, err)
	assert.Error(t, ctl.DeletePolicy("no-such-id"))
	require.NoError(t, s.Context.Err(), "a malformed management call cancelled the controller")

	// update keeps the id
	res, err := s.DispatchWait(func(s *state.State) (any, error) {
		return pe.Update(s, state.PolicySpec{Id: pol.Id, Name: "renamed", Primary: state.ActionSpec{Type: "alert"}})
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", res.(*state.Policy).Name)
	assert.Equal(t, pol.Id, res.(*state.Policy).Id)

	// delete works from any status, and again is an error
	_, err = s.DispatchWait(func(s *state.State) (any, error) {
		return nil, pe.Delete(s, pol.Id)
	})
	require.NoError(t, err)
	_, err = s.DispatchWait(func(s *state.State) (any, error) {
		return nil, pe.Delete(s, pol.Id)
	})
	assert.Error(t, err)
}

func TestPacketMatcherFirstMatchWins(t *testing.T) {
	s := newTestState(t)
	pe := Get[*PolicyEngine](s)
	frame := testFrame(1, 9, mock.Mac(1), mock.Mac(2))

	createPolicy(t, s, state.PolicySpec{
		Name:       "block-modbus",
		Scope:      state.FlowTarget(""),
		Conditions: state.Conditions{DstPort: 502},
		Primary:    state.ActionSpec{Type: "block"},
		Priority:   20,
	})
	assert.True(t, pe.Matcher().Drops(frame))
	assert.False(t, pe.Matcher().Drops(state.Frame{DstPort: 80, Proto: "TCP"}),
		"non-matching frames pass")

	// an allow at higher urgency shadows the block
	allow := createPolicy(t, s, state.PolicySpec{
		Name:       "permit-plc",
		Scope:      state.FlowTarget(""),
		Conditions: state.Conditions{SrcMac: mock.Mac(1)},
		Primary:    state.ActionSpec{Type: "allow"},
		Priority:   10,
	})
	assert.False(t, pe.Matcher().Drops(frame))

	// disabling the allow re-exposes the block
	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		return nil, pe.SetEnabled(s, allow.Id, false)
	})
	require.NoError(t, err)
	assert.True(t, pe.Matcher().Drops(frame))
}

func TestPacketMatcherDenyWins(t *testing.T) {
	s := newTestState(t)
	pe := Get[*PolicyEngine](s)

	createPolicy(t, s, state.PolicySpec{
		Name:  "zone-fence",
		Scope: state.FlowTarget(""),
		Conditions: state.Conditions{
			Protocol:   "TCP",
			AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/16")},
			DeniedIPs:  []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
		},
		Primary: state.ActionSpec{Type: "allow"},
	})

	// dst ip sits on the deny list: dropped despite the allow action
	assert.True(t, pe.Matcher().Drops(testFrame(1, 9, mock.Mac(1), mock.Mac(2))))

	fine := testFrame(1, 9, mock.Mac(1), mock.Mac(2))
	fine.DstIP = netip.MustParseAddr("10.0.3.3")
	assert.False(t, pe.Matcher().Drops(fine))
}

func TestPolicyExecutionOrder(t *testing.T) {
	s := newTestState(t)
	connectLine(t, s, 2)
	waitVersion(t, s, 2)
	sub := s.Bus.Subscribe()
	defer sub.Close()

	flow := testFrame(1, 9, mock.Mac(1), mock.Mac(2)).Ref()

	second := createPolicy(t, s, state.PolicySpec{
		Name:       "later",
		Scope:      state.FlowTarget(""),
		Conditions: state.Conditions{DstPort: 502},
		Primary:    state.ActionSpec{Type: "alert", Reason: "second"},
		Priority:   20,
	})
	first := createPolicy(t, s, state.PolicySpec{
		Name:       "urgent",
		Scope:      state.FlowTarget(""),
		Conditions: state.Conditions{DstPort: 502},
		Primary:    state.ActionSpec{Type: "alert", Reason: "first"},
		Priority:   10,
	})

	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		Get[*PolicyEngine](s).HandleFlowStats(s, flow, 100, 100)
		return nil, nil
	})
	require.NoError(t, err)

	events := drainPolicyEvents(sub)
	require.Len(t, events, 2)
	assert.Equal(t, first.Id, events[0].PolicyId, "priority 10 executes before 20")
	assert.Equal(t, second.Id, events[1].PolicyId)
	for _, ev := range events {
		assert.Equal(t, "ok", ev.Result)
		assert.False(t, ev.Automated, "operator policies are not automated responses")
	}
}

func TestPolicyTieBreakPrefersNewer(t *testing.T) {
	s := newTestState(t)
	sub := s.Bus.Subscribe()
	defer sub.Close()

	older := createPolicy(t, s, state.PolicySpec{
		Name:       "older",
		Scope:      state.FlowTarget(""),
		Conditions: state.Conditions{DstPort: 502},
		Primary:    state.ActionSpec{Type: "alert"},
		Priority:   10,
	})
	newer := createPolicy(t, s, state.PolicySpec{
		Name:       "newer",
		Scope:      state.FlowTarget(""),
		Conditions: state.Conditions{DstPort: 502},
		Primary:    state.ActionSpec{Type: "alert"},
		Priority:   10,
	})

	flow := testFrame(1, 9, mock.Mac(1), mock.Mac(2)).Ref()
	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		Get[*PolicyEngine](s).HandleFlowStats(s, flow, 100, 100)
		return nil, nil
	})
	require.NoError(t, err)

	events := drainPolicyEvents(sub)
	require.Len(t, events, 2)
	assert.Equal(t, newer.Id, events[0].PolicyId, "equal priority resolves to the most recent update")
	assert.Equal(t, older.Id, events[1].PolicyId)
}

func TestThresholdGatesExecution(t *testing.T) {
	s := newTestState(t)
	sub := s.Bus.Subscribe()
	defer sub.Close()

	createPolicy(t, s, state.PolicySpec{
		Name:       "dos-guard",
		Scope:      state.FlowTarget(""),
		Conditions: state.Conditions{MinPacketRate: 1000},
		Primary:    state.ActionSpec{Type: "alert"},
	})

	flow := testFrame(1, 9, mock.Mac(1), mock.Mac(2)).Ref()
	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		pe := Get[*PolicyEngine](s)
		pe.HandleFlowStats(s, flow, 10, 0) // under threshold
		pe.HandleFlowStats(s, flow, 5000, 0)
		return nil, nil
	})
	require.NoError(t, err)

	events := drainPolicyEvents(sub)
	assert.Len(t, events, 1, "only the over-threshold sample triggers")
}

func TestBlockInstallsDropAtIngress(t *testing.T) {
	s := newTestState(t)
	conns := connectLine(t, s, 2)
	waitVersion(t, s, 2)
	sub := s.Bus.Subscribe()
	defer sub.Close()

	pol := createPolicy(t, s, state.PolicySpec{
		Name:       "cut",
		Scope:      state.FlowTarget(""),
		Conditions: state.Conditions{DstPort: 502, MinPacketRate: 1},
		Primary:    state.ActionSpec{Type: "block"},
	})

	flow := testFrame(1, 9, mock.Mac(1), mock.Mac(2)).Ref()
	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		Get[*PolicyEngine](s).HandleFlowStats(s, flow, 100, 100)
		return nil, nil
	})
	require.NoError(t, err)

	installs := conns[1].Installs()
	require.Len(t, installs, 1, "exactly one drop at the ingress switch")
	assert.Equal(t, state.ActDrop, installs[0].Action.Type)
	assert.Equal(t, state.EnforceRulePriority, installs[0].Priority)
	assert.Greater(t, installs[0].Priority, state.PathRulePriority,
		"enforcement outranks path forwarding")
	assert.Empty(t, conns[2].Installs())

	var sawBlock bool
	deadline := time.After(time.Second)
	for !sawBlock {
		select {
		case ev := <-sub.C:
			if tb, ok := ev.(state.TrafficBlock); ok {
				assert.Equal(t, pol.Id, tb.PolicyId)
				sawBlock = true
			}
		case <-deadline:
			t.Fatal("no TrafficBlock event")
		}
	}

	// re-triggering the same policy replaces, never stacks
	_, err = s.DispatchWait(func(s *state.State) (any, error) {
		Get[*PolicyEngine](s).HandleFlowStats(s, flow, 100, 100)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Len(t, conns[1].Installs(), 1)
}

func TestUnknownTargetSkipsQuietly(t *testing.T) {
	s := newTestState(t)
	sub := s.Bus.Subscribe()
	defer sub.Close()

	pol := createPolicy(t, s, state.PolicySpec{
		Name:    "ghost",
		Scope:   state.NodeTarget("aa:aa:aa:aa:aa:99"),
		Primary: state.ActionSpec{Type: "block"},
	})

	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		pe := Get[*PolicyEngine](s)
		pe.ExecutePolicy(s, pol, pol.Scope, nil)
		return nil, nil
	})
	require.NoError(t, err)

	assert.Empty(t, drainPolicyEvents(sub), "unknown targets produce no action events")
}

func TestDisableNode(t *testing.T) {
	s := newTestState(t)
	conns := connectLine(t, s, 2)
	version := waitVersion(t, s, 2).Version
	learnHost(t, s, mock.Mac(1), 1, 9)
	waitVersion(t, s, version+1)

	pol := createPolicy(t, s, state.PolicySpec{
		Name:    "quarantine",
		Scope:   state.NodeTarget(string(mock.Mac(1))),
		Primary: state.ActionSpec{Type: "disable"},
	})
	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		pe := Get[*PolicyEngine](s)
		pe.ExecutePolicy(s, pol, pol.Scope, nil)
		return nil, nil
	})
	require.NoError(t, err)

	assert.True(t, Get[*TopologyManager](s).IsAdminDown(string(mock.Mac(1))))
	installs := conns[1].Installs()
	require.Len(t, installs, 1)
	assert.Equal(t, state.ActDrop, installs[0].Action.Type)
	assert.Equal(t, mock.Mac(1), installs[0].Match.EthSrc)

	// re-enabling lifts both the admin flag and the drop rule
	ctl := &Controller{s: s}
	require.NoError(t, ctl.SetNodeAdminState(string(mock.Mac(1)), false))
	assert.False(t, Get[*TopologyManager](s).IsAdminDown(string(mock.Mac(1))))
	require.Len(t, conns[1].Removes(), 1)
	assert.Empty(t, Get[*FlowTracker](s).InstalledFor(1), "enforcement survived re-enable")
}

func TestRedirectResolvesTargetByIP(t *testing.T) {
	s := newTestState(t)
	conns := connectLine(t, s, 2)
	version := waitVersion(t, s, 2).Version
	learnHost(t, s, mock.Mac(9), 2, 9) // decoy-1
	waitVersion(t, s, version+1)

	pol := createPolicy(t, s, state.PolicySpec{
		Name:  "decoy by address",
		Scope: state.FlowTarget(""),
		Primary: state.ActionSpec{
			Type:    "redirect",
			Targets: []state.RedirectTarget{{IP: netip.MustParseAddr("10.0.0.9")}},
		},
	})
	flow := testFrame(1, 9, mock.Mac(1), mock.Mac(2)).Ref()
	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		Get[*PolicyEngine](s).ExecutePolicy(s, pol, flow.Target(), &flow)
		return nil, nil
	})
	require.NoError(t, err)

	installs := conns[1].Installs()
	require.Len(t, installs, 1)
	require.Equal(t, state.ActRewrite, installs[0].Action.Type)
	require.Len(t, installs[0].Action.Targets, 1)
	got := installs[0].Action.Targets[0]
	assert.Equal(t, mock.Mac(9), got.Mac, "the address alone identifies the decoy")
	assert.Equal(t, state.Dpid(2), got.Dpid)
	assert.Equal(t, state.PortNo(9), got.Port)
}

func TestDeleteRevokesEnforcement(t *testing.T) {
	s := newTestState(t)
	conns := connectLine(t, s, 2)
	waitVersion(t, s, 2)

	pol := createPolicy(t, s, state.PolicySpec{
		Name:       "cut",
		Scope:      state.FlowTarget(""),
		Conditions: state.Conditions{DstPort: 502, MinPacketRate: 1},
		Primary:    state.ActionSpec{Type: "block"},
	})
	flow := testFrame(1, 9, mock.Mac(1), mock.Mac(2)).Ref()
	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		Get[*PolicyEngine](s).HandleFlowStats(s, flow, 100, 100)
		return nil, nil
	})
	require.NoError(t, err)
	require.Len(t, conns[1].Installs(), 1)

	_, err = s.DispatchWait(func(s *state.State) (any, error) {
		return nil, Get[*PolicyEngine](s).Delete(s, pol.Id)
	})
	require.NoError(t, err)

	assert.Len(t, conns[1].Removes(), 1, "deleting the policy revokes its rules")
	assert.Empty(t, Get[*FlowTracker](s).InstalledFor(1))
}
