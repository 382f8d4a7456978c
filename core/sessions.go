package core

import (
	"sync"

	"github.com/LingshijunRenzy/ICS-guard/perf"
	"github.com/LingshijunRenzy/ICS-guard/state"
)

// session is one connected switch's intake lane. Frames from the same switch
// are processed in arrival order by a single worker goroutine; frames from
// different switches proceed in parallel.
type session struct {
	dpid   state.Dpid
	frames chan state.Frame
	quit   chan struct{}
}

// Sessions owns the switch connection lifecycle and the packet-in workers.
type Sessions struct {
	s *state.State

	mu       sync.Mutex
	sessions map[state.Dpid]*session
	wg       sync.WaitGroup
}

func (e *Sessions) Init(s *state.State) error {
	e.s = s
	e.sessions = make(map[state.Dpid]*session)
	return nil
}

// Cleanup stops every worker and waits for them to drain, so no worker
// still references controller state after shutdown.
func (e *Sessions) Cleanup(s *state.State) error {
	e.mu.Lock()
	for _, sess := range e.sessions {
		close(sess.quit)
	}
	e.sessions = make(map[state.Dpid]*session)
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// Connect admits a switch that completed its protocol handshake. The switch
// becomes a live topology node and starts accepting frames.
func (e *Sessions) Connect(d state.Dpid, ports []state.PortNo, conn SwitchConn) {
	sess := &session{
		dpid:   d,
		frames: make(chan state.Frame, state.PacketQueueDepth),
		quit:   make(chan struct{}),
	}

	e.mu.Lock()
	if prev, ok := e.sessions[d]; ok {
		// reconnect before the old session was torn down
		close(prev.quit)
	}
	e.sessions[d] = sess
	e.mu.Unlock()

	Get[*FlowTracker](e.s).Register(d, conn)

	e.wg.Add(1)
	go e.worker(sess)

	e.s.Dispatch(func(s *state.State) error {
		Get[*TopologyManager](s).AddSwitch(s, d, ports)
		return nil
	})
}

// Disconnect tears down a switch session. Tracked rules and attached hosts
// are forgotten; the topology republishes without the node.
func (e *Sessions) Disconnect(d state.Dpid) {
	e.mu.Lock()
	sess, ok := e.sessions[d]
	if ok {
		delete(e.sessions, d)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	close(sess.quit)

	Get[*FlowTracker](e.s).Drop(d)
	e.s.Dispatch(func(s *state.State) error {
		Get[*StatsMonitor](s).ForgetSwitch(d)
		Get[*TopologyManager](s).RemoveSwitch(s, d)
		return nil
	})
}

// Submit hands a packet-in frame to the switch's worker. When the lane is
// full the frame is dropped rather than stalling the protocol reader;
// forwarding state converges from later frames.
func (e *Sessions) Submit(frame state.Frame) {
	e.mu.Lock()
	sess, ok := e.sessions[frame.Dpid]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sess.frames <- frame:
	default:
		perf.DroppedFrames.Add(1)
		if state.DBG_log_packets {
			e.s.Log.Warn("packet lane full, dropping frame", "dpid", frame.Dpid)
		}
	}
}

func (e *Sessions) worker(sess *session) {
	defer e.wg.Done()
	pipe := Get[*Pipeline](e.s)
	for {
		select {
		case <-sess.quit:
			return
		case <-e.s.Context.Done():
			return
		case frame := <-sess.frames:
			pipe.ProcessFrame(frame)
		}
	}
}
