//go:build integration

package integration

import (
	"net/netip"
	"testing"
	"time"

	"github.com/LingshijunRenzy/ICS-guard/mock"
	"github.com/LingshijunRenzy/ICS-guard/state"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	state.DBG_log_packets = true
	state.DBG_log_policy = true
	state.TopologyDebounce = 2 * time.Millisecond
	m.Run()
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := StartController(t)

	pol, err := h.Ctl.CreatePolicy(state.PolicySpec{
		Name:    "hello",
		Scope:   state.Target{Kind: state.TargetFlow},
		Primary: state.ActionSpec{Type: "alert"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Ctl.ListPolicies()) != 1 {
		t.Error("expected the stored policy to be listed")
	}
	if err := h.Ctl.DeletePolicy(pol.Id); err != nil {
		t.Error(err)
	}

	h.Stop(t)
}

func TestPathSetup(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := StartController(t)
	a, b := h.ConnectPair(t)

	h.LearnHost(t, mock.Mac(1), 1, 9)
	h.LearnHost(t, mock.Mac(2), 2, 9)
	a.Reset()
	b.Reset()

	h.Ctl.PacketIn(state.Frame{
		Dpid:    1,
		InPort:  9,
		Src:     mock.Mac(1),
		Dst:     mock.Mac(2),
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		Proto:   "TCP",
		DstPort: 502,
	})

	waitFor(t, func() bool {
		return len(a.Installs()) > 0 && len(b.Installs()) > 0
	}, "path rules were never installed")

	first := a.Installs()[0]
	if first.Action.Type != state.ActOutput || first.Action.OutPorts[0] != 2 {
		t.Errorf("ingress switch should forward over the backbone, got %+v", first.Action)
	}
	last := b.Installs()[0]
	if last.Action.Type != state.ActOutput || last.Action.OutPorts[0] != 9 {
		t.Errorf("egress switch should deliver to the host port, got %+v", last.Action)
	}
	if len(a.Packets()) != 1 {
		t.Errorf("held frame should be released once at the ingress, got %d", len(a.Packets()))
	}

	h.Stop(t)
}

func TestPolicyBlocksForwarding(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := StartController(t)
	a, b := h.ConnectPair(t)

	h.LearnHost(t, mock.Mac(1), 1, 9)
	h.LearnHost(t, mock.Mac(2), 2, 9)
	a.Reset()
	b.Reset()

	pol, err := h.Ctl.CreatePolicy(state.PolicySpec{
		Name:       "quarantine plc-1",
		Scope:      state.Target{Kind: state.TargetFlow},
		Conditions: state.Conditions{SrcMac: mock.Mac(1)},
		Primary:    state.ActionSpec{Type: "block"},
		Priority:   10,
	})
	if err != nil {
		t.Fatal(err)
	}

	frame := state.Frame{
		Dpid:    1,
		InPort:  9,
		Src:     mock.Mac(1),
		Dst:     mock.Mac(2),
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		Proto:   "TCP",
		DstPort: 502,
	}
	h.Ctl.PacketIn(frame)
	time.Sleep(100 * time.Millisecond)
	if n := len(a.Installs()) + len(b.Installs()); n != 0 {
		t.Errorf("blocked flow must not set up a path, got %d rules", n)
	}
	if n := len(a.Packets()) + len(b.Packets()); n != 0 {
		t.Errorf("blocked flow must not be released, got %d packet-outs", n)
	}

	if err := h.Ctl.DeletePolicy(pol.Id); err != nil {
		t.Fatal(err)
	}
	h.Ctl.PacketIn(frame)
	waitFor(t, func() bool {
		return len(a.Installs()) > 0 && len(b.Installs()) > 0
	}, "flow stayed blocked after the policy was deleted")

	h.Stop(t)
}
