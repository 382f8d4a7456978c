package core

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/LingshijunRenzy/ICS-guard/mock"
	"github.com/LingshijunRenzy/ICS-guard/state"
)

// netipZero is an unset address for hosts learned without IP traffic.
var netipZero netip.Addr

// newTestState boots the full module stack with a private dispatch loop and
// the mock inventory. Debounce is shortened so topology tests converge fast.
func newTestState(t *testing.T) *state.State {
	t.Helper()

	origDebounce := state.TopologyDebounce
	state.TopologyDebounce = time.Millisecond
	t.Cleanup(func() { state.TopologyDebounce = origDebounce })

	ctx, cancel := context.WithCancelCause(context.Background())
	dispatch := make(chan func(*state.State) error, 256)
	s := &state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			DispatchChannel: dispatch,
			CentralCfg:      mock.Cfg(),
			LocalCfg:        mock.NodeCfg(),
			Context:         ctx,
			Cancel:          cancel,
			Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
			Bus:             state.NewHub(),
		},
	}
	if err := initModules(s); err != nil {
		t.Fatal(err)
	}

	go func() {
		for {
			select {
			case fun := <-dispatch:
				if err := fun(s); err != nil {
					s.Log.Error("dispatch error", "error", err)
					s.Cancel(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	t.Cleanup(func() { Stop(s) })
	return s
}

// flush waits until everything queued before it has run.
func flush(t *testing.T, s *state.State) {
	t.Helper()
	if _, err := s.DispatchWait(func(s *state.State) (any, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
}

// waitVersion blocks until a snapshot of at least the given version is
// published.
func waitVersion(t *testing.T, s *state.State, version uint64) *state.Snapshot {
	t.Helper()
	topo := Get[*TopologyManager](s)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap := topo.CurrentSnapshot(); snap.Version >= version {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no snapshot of version >= %d", version)
	return nil
}

// connectLine wires switches 1..n in a line topology, each with one host
// port (port 9) free, and returns the per-switch mocks.
func connectLine(t *testing.T, s *state.State, n int) map[state.Dpid]*mock.Switch {
	t.Helper()
	sessions := Get[*Sessions](s)
	conns := make(map[state.Dpid]*mock.Switch, n)
	for i := 1; i <= n; i++ {
		conn := &mock.Switch{}
		conns[state.Dpid(i)] = conn
		sessions.Connect(state.Dpid(i), []state.PortNo{1, 2, 9}, conn)
	}
	var obs []state.LinkObservation
	for i := 1; i < n; i++ {
		// port 2 of switch i faces port 1 of switch i+1
		obs = append(obs, state.LinkObservation{
			From: state.PortKey{Dpid: state.Dpid(i), Port: 2},
			To:   state.PortKey{Dpid: state.Dpid(i + 1), Port: 1},
		})
	}
	flush(t, s)
	s.Dispatch(func(s *state.State) error {
		Get[*TopologyManager](s).ApplyProbeResult(s, state.ProbeResult{Observed: obs, At: time.Now()})
		return nil
	})
	flush(t, s)
	return conns
}

// learnHost binds a MAC to a switch's host port.
func learnHost(t *testing.T, s *state.State, mac state.MacAddr, d state.Dpid, port state.PortNo) {
	t.Helper()
	s.Dispatch(func(s *state.State) error {
		Get[*TopologyManager](s).LearnHost(s, mac, state.PortKey{Dpid: d, Port: port}, netipZero)
		return nil
	})
	flush(t, s)
}
