package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/LingshijunRenzy/ICS-guard/perf"
	"github.com/LingshijunRenzy/ICS-guard/state"
)

// SwitchConn is the actuation boundary to one physical switch, implemented
// by the external protocol layer. Calls may block on switch I/O; the tracker
// serializes them per switch.
type SwitchConn interface {
	InstallFlow(rule state.FlowRule) error
	RemoveFlow(match state.FlowMatch) error
	SendPacket(out state.PacketOut) error
}

// switchTable is the tracked rule set of one switch. Its mutex is the single
// serialization point for all mutations of that switch's table, so the
// forwarding and policy engines cannot race on a match-key.
type switchTable struct {
	mu    sync.Mutex
	conn  SwitchConn
	rules map[string]state.FlowRule
}

// FlowTracker is the authoritative record of what is installed where.
type FlowTracker struct {
	s *state.State

	mu     sync.RWMutex
	tables map[state.Dpid]*switchTable
}

func (f *FlowTracker) Init(s *state.State) error {
	f.s = s
	f.tables = make(map[state.Dpid]*switchTable)
	return nil
}

func (f *FlowTracker) Cleanup(s *state.State) error {
	f.mu.Lock()
	f.tables = make(map[state.Dpid]*switchTable)
	f.mu.Unlock()
	return nil
}

// Register starts tracking a (re)connected switch. The switch clears its
// own table on disconnect, so tracking always starts empty.
func (f *FlowTracker) Register(d state.Dpid, conn SwitchConn) {
	f.mu.Lock()
	f.tables[d] = &switchTable{
		conn:  conn,
		rules: make(map[string]state.FlowRule),
	}
	f.mu.Unlock()
}

// Drop forgets all tracked state for a disconnected switch.
func (f *FlowTracker) Drop(d state.Dpid) {
	f.mu.Lock()
	delete(f.tables, d)
	f.mu.Unlock()
}

func (f *FlowTracker) table(d state.Dpid) (*switchTable, bool) {
	f.mu.RLock()
	t, ok := f.tables[d]
	f.mu.RUnlock()
	return t, ok
}

// Install places a rule on a switch. Installing an identical rule is a
// no-op; a different rule for an occupied match-key atomically replaces the
// prior entry and reaches the switch as a single table update.
func (f *FlowTracker) Install(d state.Dpid, rule state.FlowRule) error {
	t, ok := f.table(d)
	if !ok {
		return ErrUnknownSwitch
	}
	key := rule.Match.Key()

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.rules[key]; ok && existing.Equal(rule) {
		return nil
	}
	if err := t.conn.InstallFlow(rule); err != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrInstallFailed, key, d, err)
	}
	rule.InstalledAt = time.Now()
	t.rules[key] = rule
	perf.RuleInstalls.Add(1)
	f.s.Emit(state.FlowInstalled{Timestamp: rule.InstalledAt, Dpid: d, Rule: rule})
	return nil
}

// Revoke removes a tracked entry and instructs the switch to drop it.
// Revoking a non-existent entry is not an error.
func (f *FlowTracker) Revoke(d state.Dpid, match state.FlowMatch) error {
	t, ok := f.table(d)
	if !ok {
		return nil
	}
	key := match.Key()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rules[key]; !ok {
		return nil
	}
	if err := t.conn.RemoveFlow(match); err != nil {
		return fmt.Errorf("%w: revoke %s on %s: %v", ErrInstallFailed, key, d, err)
	}
	delete(t.rules, key)
	perf.RuleRevocations.Add(1)
	f.s.Emit(state.FlowRevoked{Timestamp: time.Now(), Dpid: d, MatchKey: key})
	return nil
}

// InstalledFor returns a copy of the tracked rules of one switch, for
// reconciliation after reconnect.
func (f *FlowTracker) InstalledFor(d state.Dpid) []state.FlowRule {
	t, ok := f.table(d)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]state.FlowRule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	return out
}

// Lookup returns the rule occupying a match-key slot, if any.
func (f *FlowTracker) Lookup(d state.Dpid, match state.FlowMatch) (state.FlowRule, bool) {
	t, ok := f.table(d)
	if !ok {
		return state.FlowRule{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rules[match.Key()]
	return r, ok
}

// SendPacket forwards an in-flight frame through the switch's session.
func (f *FlowTracker) SendPacket(d state.Dpid, out state.PacketOut) error {
	t, ok := f.table(d)
	if !ok {
		return ErrUnknownSwitch
	}
	return t.conn.SendPacket(out)
}
