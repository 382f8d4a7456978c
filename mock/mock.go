package mock

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/LingshijunRenzy/ICS-guard/state"
)

// Switch is a recording stand-in for a switch connection. All recorded
// slices are safe to inspect concurrently with controller activity.
type Switch struct {
	mu       sync.Mutex
	installs []state.FlowRule
	removes  []state.FlowMatch
	packets  []state.PacketOut

	// FailNext makes the next flow-table call return an error.
	FailNext error
}

func (m *Switch) InstallFlow(rule state.FlowRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	m.installs = append(m.installs, rule)
	return nil
}

func (m *Switch) RemoveFlow(match state.FlowMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	m.removes = append(m.removes, match)
	return nil
}

func (m *Switch) SendPacket(out state.PacketOut) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, out)
	return nil
}

func (m *Switch) Installs() []state.FlowRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.FlowRule, len(m.installs))
	copy(out, m.installs)
	return out
}

func (m *Switch) Removes() []state.FlowMatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.FlowMatch, len(m.removes))
	copy(out, m.removes)
	return out
}

func (m *Switch) Packets() []state.PacketOut {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.PacketOut, len(m.packets))
	copy(out, m.packets)
	return out
}

func (m *Switch) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installs, m.removes, m.packets = nil, nil, nil
}

// Mac builds the i-th test host address.
func Mac(i int) state.MacAddr {
	return state.MacAddr(fmt.Sprintf("00:00:00:00:00:%02x", i))
}

// Cfg builds a small plant network inventory: three named switches, a PLC,
// an HMI and a honeypot decoy.
func Cfg() state.CentralCfg {
	return state.CentralCfg{
		Switches: []state.SwitchCfg{
			{Dpid: 1, Name: "cell-a", Zone: "cell"},
			{Dpid: 2, Name: "cell-b", Zone: "cell"},
			{Dpid: 3, Name: "dmz", Zone: "dmz"},
		},
		Hosts: []state.HostCfg{
			{Mac: Mac(1), Name: "plc-1", Class: state.ClassPLC, Zone: "cell", IP: netip.MustParseAddr("10.0.0.1")},
			{Mac: Mac(2), Name: "hmi-1", Class: state.ClassHMI, Zone: "cell", IP: netip.MustParseAddr("10.0.0.2")},
			{Mac: Mac(9), Name: "decoy-1", Class: state.ClassHoneypot, Zone: "dmz", IP: netip.MustParseAddr("10.0.0.9")},
		},
	}
}

// NodeCfg builds a node config suitable for tests: no log file, defaults
// for every tunable.
func NodeCfg() state.LocalCfg {
	return state.LocalCfg{Id: "test"}
}
