//go:build integration

package integration

import (
	"log/slog"
	"testing"
	"time"

	"github.com/LingshijunRenzy/ICS-guard/core"
	"github.com/LingshijunRenzy/ICS-guard/mock"
	"github.com/LingshijunRenzy/ICS-guard/state"
)

// Harness runs one controller core on its own loop goroutine, the same way
// the daemon does, and feeds it through the inbound facade.
type Harness struct {
	Ctl  *core.Controller
	Errs chan error
}

func StartController(t *testing.T) *Harness {
	t.Helper()
	h := &Harness{Errs: make(chan error, 1)}
	go func() {
		h.Errs <- core.Start(mock.Cfg(), mock.NodeCfg(), slog.LevelDebug, &h.Ctl)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.Ctl != nil && h.Ctl.Started() {
			return h
		}
		select {
		case err := <-h.Errs:
			t.Fatal(err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("controller did not start in time")
	return nil
}

func (h *Harness) Stop(t *testing.T) {
	t.Helper()
	h.Ctl.Shutdown()
	select {
	case err := <-h.Errs:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(5 * time.Second):
		t.Error("controller did not stop in time")
	}
}

// ConnectPair admits two switches joined by one backbone link:
//
//	[sw1] port 2 <-----> port 1 [sw2]
//
// Port 9 on each switch is left free for hosts.
func (h *Harness) ConnectPair(t *testing.T) (*mock.Switch, *mock.Switch) {
	t.Helper()
	a, b := &mock.Switch{}, &mock.Switch{}
	h.Ctl.SwitchConnected(1, []state.PortNo{1, 2, 9}, a)
	h.Ctl.SwitchConnected(2, []state.PortNo{1, 2, 9}, b)
	h.Ctl.DeliverProbe(state.ProbeResult{
		Observed: []state.LinkObservation{{
			From: state.PortKey{Dpid: 1, Port: 2},
			To:   state.PortKey{Dpid: 2, Port: 1},
		}},
		At: time.Now(),
	})
	waitFor(t, func() bool {
		return h.Ctl.Snapshot().IsInterSwitchPort(state.PortKey{Dpid: 1, Port: 2})
	}, "backbone link never came up")
	return a, b
}

// LearnHost replays an ingress frame so the topology binds mac to the port.
func (h *Harness) LearnHost(t *testing.T, mac state.MacAddr, d state.Dpid, port state.PortNo) {
	t.Helper()
	h.Ctl.PacketIn(state.Frame{
		Dpid:   d,
		InPort: port,
		Src:    mac,
		Dst:    state.BroadcastMac,
	})
	waitFor(t, func() bool {
		host, ok := h.Ctl.Snapshot().HostByMac(mac)
		return ok && host.Attach.Dpid == d
	}, "host was never learned")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}
