package state

import (
	"fmt"
	"net/netip"
	"time"
)

// SwitchCfg names a switch in the central inventory. Switches not listed
// here still enter the topology on handshake, with a generated name.
type SwitchCfg struct {
	Dpid Dpid   `yaml:"dpid"`
	Name string `yaml:"name"`
	Zone string `yaml:"zone,omitempty"`
}

// HostCfg classifies a host in the central inventory.
type HostCfg struct {
	Mac   MacAddr    `yaml:"mac"`
	Name  string     `yaml:"name"`
	Class NodeClass  `yaml:"class,omitempty"`
	Zone  string     `yaml:"zone,omitempty"`
	IP    netip.Addr `yaml:"ip,omitempty"`
}

// LinkCostCfg overrides the uniform cost of one inter-switch link.
type LinkCostCfg struct {
	A    Dpid   `yaml:"a"`
	B    Dpid   `yaml:"b"`
	Cost uint32 `yaml:"cost"`
}

// CentralCfg is the network-wide inventory shared by all controller
// instances.
type CentralCfg struct {
	Switches  []SwitchCfg   `yaml:"switches,omitempty"`
	Hosts     []HostCfg     `yaml:"hosts,omitempty"`
	LinkCosts []LinkCostCfg `yaml:"link_costs,omitempty"`
	Timestamp int64         `yaml:"timestamp,omitempty"`
}

// SwitchName resolves the display name of a switch, falling back to the
// dpid form.
func (c *CentralCfg) SwitchName(d Dpid) string {
	for _, sw := range c.Switches {
		if sw.Dpid == d {
			return sw.Name
		}
	}
	return "s" + d.String()
}

func (c *CentralCfg) SwitchZone(d Dpid) string {
	for _, sw := range c.Switches {
		if sw.Dpid == d {
			return sw.Zone
		}
	}
	return ""
}

func (c *CentralCfg) LookupHost(mac MacAddr) (HostCfg, bool) {
	for _, h := range c.Hosts {
		if h.Mac == mac {
			return h, true
		}
	}
	return HostCfg{}, false
}

// LinkCost returns the configured cost for a link, or the uniform default.
func (c *CentralCfg) LinkCost(k LinkKey) uint32 {
	for _, lc := range c.LinkCosts {
		if MakeLinkKey(lc.A, lc.B) == k {
			return lc.Cost
		}
	}
	return DefaultLinkCost
}

// LocalCfg is node-level configuration of this controller instance.
type LocalCfg struct {
	Id      string `yaml:"id"`
	LogPath string `yaml:"log_path,omitempty"`

	// tunables; zero means keep the built-in default
	ProbeInterval    time.Duration `yaml:"probe_interval,omitempty"`
	LinkDeadProbes   int           `yaml:"link_dead_probes,omitempty"`
	TopologyDebounce time.Duration `yaml:"topology_debounce,omitempty"`
	HostExpiry       time.Duration `yaml:"host_expiry,omitempty"`
}

// ApplyTunables overrides package defaults with configured values.
func (c *LocalCfg) ApplyTunables() {
	if c.ProbeInterval > 0 {
		ProbeInterval = c.ProbeInterval
	}
	if c.LinkDeadProbes > 0 {
		LinkDeadProbes = c.LinkDeadProbes
	}
	if c.TopologyDebounce > 0 {
		TopologyDebounce = c.TopologyDebounce
	}
	if c.HostExpiry > 0 {
		HostExpiry = c.HostExpiry
	}
}

func CentralConfigValidator(cfg *CentralCfg) error {
	seenSw := make(map[Dpid]bool)
	for _, sw := range cfg.Switches {
		if sw.Dpid == 0 {
			return fmt.Errorf("switch %q has no dpid", sw.Name)
		}
		if seenSw[sw.Dpid] {
			return fmt.Errorf("duplicate switch dpid %s", sw.Dpid)
		}
		seenSw[sw.Dpid] = true
	}
	seenHost := make(map[MacAddr]bool)
	for _, h := range cfg.Hosts {
		mac, err := ParseMac(string(h.Mac))
		if err != nil {
			return fmt.Errorf("host %q: %w", h.Name, err)
		}
		if seenHost[mac] {
			return fmt.Errorf("duplicate host mac %s", mac)
		}
		seenHost[mac] = true
		switch h.Class {
		case "", ClassNode, ClassPLC, ClassHMI, ClassSCADA, ClassHoneypot:
		default:
			return fmt.Errorf("host %q: unknown class %q", h.Name, h.Class)
		}
	}
	for _, lc := range cfg.LinkCosts {
		if lc.A == lc.B {
			return fmt.Errorf("link cost entry with identical endpoints %s", lc.A)
		}
		if lc.Cost == 0 {
			return fmt.Errorf("link %s-%s: cost must be positive", lc.A, lc.B)
		}
	}
	return nil
}

func NodeConfigValidator(cfg *LocalCfg) error {
	if cfg.Id == "" {
		return fmt.Errorf("controller id must not be empty")
	}
	if cfg.ProbeInterval < 0 || cfg.TopologyDebounce < 0 || cfg.HostExpiry < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if cfg.LinkDeadProbes < 0 {
		return fmt.Errorf("link_dead_probes must not be negative")
	}
	return nil
}
