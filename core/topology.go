package core

import (
	"context"
	"maps"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/LingshijunRenzy/ICS-guard/perf"
	"github.com/LingshijunRenzy/ICS-guard/state"
	"github.com/jellydator/ttlcache/v3"
)

// TopologyManager owns the live switch/link/host graph. All mutation happens
// on the dispatch goroutine; readers anywhere consume immutable snapshots
// through CurrentSnapshot.
type TopologyManager struct {
	s *state.State

	switches map[state.Dpid]state.SwitchInfo
	links    map[state.LinkKey]state.Link
	hosts    *ttlcache.Cache[state.MacAddr, state.Host]

	// disabled nodes persist across re-learning until explicitly re-enabled
	adminDown map[string]bool

	lastMove map[state.MacAddr]time.Time

	version       uint64
	snap          atomic.Pointer[state.Snapshot]
	dirty         bool
	debounceArmed bool
}

func (t *TopologyManager) Init(s *state.State) error {
	t.s = s
	t.switches = make(map[state.Dpid]state.SwitchInfo)
	t.links = make(map[state.LinkKey]state.Link)
	t.adminDown = make(map[string]bool)
	t.lastMove = make(map[state.MacAddr]time.Time)
	t.hosts = ttlcache.New[state.MacAddr, state.Host](
		ttlcache.WithTTL[state.MacAddr, state.Host](state.HostExpiry),
		ttlcache.WithDisableTouchOnHit[state.MacAddr, state.Host](),
	)
	t.hosts.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[state.MacAddr, state.Host]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		mac := item.Key()
		s.Dispatch(func(s *state.State) error {
			t.hostExpired(mac)
			return nil
		})
	})
	go t.hosts.Start()

	t.publish(s) // version 1, empty graph; CurrentSnapshot is never nil
	return nil
}

func (t *TopologyManager) Cleanup(s *state.State) error {
	t.hosts.Stop()
	return nil
}

// CurrentSnapshot returns the latest published snapshot. Lock-free, safe
// from any goroutine.
func (t *TopologyManager) CurrentSnapshot() *state.Snapshot {
	return t.snap.Load()
}

// AddSwitch registers a switch after its control-channel handshake.
func (t *TopologyManager) AddSwitch(s *state.State, d state.Dpid, ports []state.PortNo) {
	if sw, ok := t.switches[d]; ok {
		sw.Ports = ports
		sw.Live = !t.adminDown[d.String()]
		t.switches[d] = sw
	} else {
		t.switches[d] = state.SwitchInfo{
			Id:          d,
			Name:        s.CentralCfg.SwitchName(d),
			Zone:        s.CentralCfg.SwitchZone(d),
			Ports:       ports,
			Live:        !t.adminDown[d.String()],
			ConnectedAt: time.Now(),
		}
	}
	s.Log.Info("switch added to topology", "dpid", d, "name", t.switches[d].Name)
	t.markDirty(s)
}

// RemoveSwitch drops a switch and cascades removal of its links and hosted
// MACs. Tracked flow rules are cleared by the session teardown.
func (t *TopologyManager) RemoveSwitch(s *state.State, d state.Dpid) {
	if _, ok := t.switches[d]; !ok {
		return
	}
	delete(t.switches, d)
	for k := range t.links {
		if k.A == d || k.B == d {
			delete(t.links, k)
		}
	}
	for _, item := range t.hosts.Items() {
		if item.Value().Attach.Dpid == d {
			t.hosts.Delete(item.Key())
		}
	}
	s.Log.Info("switch removed from topology", "dpid", d)
	t.markDirty(s)
}

// PortStatus folds a port up/down notification into the graph: a downed
// port takes its link with it.
func (t *TopologyManager) PortStatus(s *state.State, p state.PortKey, up bool) {
	for k, l := range t.links {
		if port, ok := l.PortOn(p.Dpid); ok && port == p.Port {
			if up != l.Up {
				l.Up = up
				l.LastSeen = time.Now()
				t.links[k] = l
				t.markDirty(s)
			}
			return
		}
	}
}

// ApplyProbeResult refreshes links seen this cycle, adds newly discovered
// ones, and prunes links silent for more than LinkDeadProbes cycles.
func (t *TopologyManager) ApplyProbeResult(s *state.State, res state.ProbeResult) {
	now := res.At
	if now.IsZero() {
		now = time.Now()
	}
	changed := false
	for _, ob := range res.Observed {
		// both endpoints must have completed a handshake
		if _, ok := t.switches[ob.From.Dpid]; !ok {
			continue
		}
		if _, ok := t.switches[ob.To.Dpid]; !ok {
			continue
		}
		key := state.MakeLinkKey(ob.From.Dpid, ob.To.Dpid)
		cost := ob.Cost
		if cost == 0 {
			cost = s.CentralCfg.LinkCost(key)
		}
		if l, ok := t.links[key]; ok {
			l.LastSeen = now
			if !l.Up || l.Cost != cost {
				l.Up = true
				l.Cost = cost
				changed = true
			}
			t.links[key] = l
			continue
		}
		l := state.Link{Key: key, Cost: cost, Up: true, LastSeen: now}
		if key.A == ob.From.Dpid {
			l.APort, l.BPort = ob.From.Port, ob.To.Port
		} else {
			l.APort, l.BPort = ob.To.Port, ob.From.Port
		}
		t.links[key] = l
		changed = true
		if state.DBG_log_probes {
			s.Log.Debug("link discovered", "link", key)
		}
	}
	deadline := now.Add(-time.Duration(state.LinkDeadProbes) * state.ProbeInterval)
	for k, l := range t.links {
		if l.LastSeen.Before(deadline) {
			delete(t.links, k)
			changed = true
			s.Log.Info("link pruned after silence", "link", k)
		}
	}
	if changed {
		t.markDirty(s)
	}
}

// LearnHost upserts a MAC binding observed on a non-inter-switch port.
// Moves are rate limited to absorb port flapping.
func (t *TopologyManager) LearnHost(s *state.State, mac state.MacAddr, attach state.PortKey, ip netip.Addr) {
	if _, ok := t.switches[attach.Dpid]; !ok {
		return
	}
	now := time.Now()
	var prev state.Host
	known := false
	if item := t.hosts.Get(mac); item != nil {
		prev = item.Value()
		known = true
	}
	if known && prev.Attach != attach {
		if now.Sub(t.lastMove[mac]) < state.HostMoveCooldown {
			return
		}
		t.lastMove[mac] = now
	}

	h := prev
	h.Mac = mac
	h.Attach = attach
	h.LastSeen = now
	if ip.IsValid() {
		h.IP = ip
	}
	if !known {
		if cfg, ok := s.CentralCfg.LookupHost(mac); ok {
			h.Name = cfg.Name
			h.Zone = cfg.Zone
			h.Class = cfg.Class
			if !h.IP.IsValid() && cfg.IP.IsValid() {
				h.IP = cfg.IP
			}
		}
		if h.Class == "" {
			h.Class = state.ClassNode
		}
		if h.Name == "" {
			h.Name = string(mac)
		}
	}
	t.hosts.Set(mac, h, ttlcache.DefaultTTL)
	if !known || prev.Attach != attach || prev.IP != h.IP {
		t.markDirty(s)
	}
}

// LearnHostIP refreshes only the IP of an already-known host.
func (t *TopologyManager) LearnHostIP(s *state.State, mac state.MacAddr, ip netip.Addr) {
	if !ip.IsValid() {
		return
	}
	item := t.hosts.Get(mac)
	if item == nil {
		return
	}
	h := item.Value()
	if h.IP == ip {
		return
	}
	h.IP = ip
	t.hosts.Set(mac, h, ttlcache.DefaultTTL)
	t.markDirty(s)
}

// SetAdminState marks a node administratively down (or back up). Disabled
// state persists until explicitly re-enabled.
func (t *TopologyManager) SetAdminState(s *state.State, id string, down bool) bool {
	if down {
		t.adminDown[id] = true
	} else {
		delete(t.adminDown, id)
	}
	if d, err := state.ParseDpid(id); err == nil {
		if sw, ok := t.switches[d]; ok {
			sw.Live = !down
			t.switches[d] = sw
			t.markDirty(s)
			return true
		}
	}
	if mac, err := state.ParseMac(id); err == nil {
		if t.hosts.Get(mac) != nil {
			t.markDirty(s)
			return true
		}
	}
	return false
}

func (t *TopologyManager) IsAdminDown(id string) bool {
	return t.adminDown[id]
}

func (t *TopologyManager) hostExpired(mac state.MacAddr) {
	delete(t.lastMove, mac)
	t.s.Log.Debug("host binding expired", "mac", mac)
	t.markDirty(t.s)
}

// markDirty schedules a debounced snapshot publish; consecutive changes
// within the window collapse into one.
func (t *TopologyManager) markDirty(s *state.State) {
	t.dirty = true
	if t.debounceArmed {
		return
	}
	t.debounceArmed = true
	s.ScheduleTask(func(s *state.State) error {
		t.debounceArmed = false
		if t.dirty {
			t.publish(s)
		}
		return nil
	}, state.TopologyDebounce)
}

// publish builds an immutable snapshot from the working graph, swaps it in
// and notifies the derived structures synchronously on the loop.
func (t *TopologyManager) publish(s *state.State) {
	t.dirty = false
	t.version++

	switches := maps.Clone(t.switches)
	links := maps.Clone(t.links)
	hosts := make(map[state.MacAddr]state.Host, t.hosts.Len())
	for _, item := range t.hosts.Items() {
		h := item.Value()
		hosts[h.Mac] = h
	}
	snap := state.NewSnapshot(t.version, switches, links, hosts)
	t.snap.Store(snap)
	perf.SnapshotsPublished.Add(1)

	if t.version > 1 { // modules are nil during the Init publish
		Get[*FloodEngine](s).graphUpdated(s, snap)
		Get[*PathEngine](s).graphUpdated(snap)
	}

	s.Emit(topologyEvent(snap, t.adminDown))
	s.Log.Debug("topology snapshot published", "version", snap.Version,
		"switches", len(switches), "links", len(links), "hosts", len(hosts))
}

func topologyEvent(snap *state.Snapshot, adminDown map[string]bool) state.TopologyChanged {
	ev := state.TopologyChanged{
		Timestamp: time.Now(),
		Version:   snap.Version,
	}
	for _, sw := range snap.Switches {
		status := "online"
		if !sw.Live {
			status = "offline"
		}
		if adminDown[sw.Id.String()] {
			status = "disabled"
		}
		ev.Nodes = append(ev.Nodes, state.NodeSummary{
			Id:     sw.Id.String(),
			Class:  state.ClassSwitch,
			Name:   sw.Name,
			Zone:   sw.Zone,
			Dpid:   sw.Id,
			Status: status,
		})
	}
	for _, h := range snap.Hosts {
		status := "online"
		if adminDown[string(h.Mac)] {
			status = "disabled"
		}
		ev.Nodes = append(ev.Nodes, state.NodeSummary{
			Id:     string(h.Mac),
			Class:  h.Class,
			Name:   h.Name,
			Zone:   h.Zone,
			Mac:    h.Mac,
			IP:     h.IP,
			Dpid:   h.Attach.Dpid,
			Port:   h.Attach.Port,
			Status: status,
		})
	}
	for _, l := range snap.Links {
		ev.Links = append(ev.Links, state.LinkSummary{
			A: l.Key.A, APort: l.APort,
			B: l.Key.B, BPort: l.BPort,
			Up: l.Up,
		})
	}
	return ev
}
