package state

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Dpid is the unique datapath identifier of a switch under controller
// authority. It is rendered in the canonical 16-digit hex form used by the
// management plane.
type Dpid uint64

func (d Dpid) String() string {
	return fmt.Sprintf("%016x", uint64(d))
}

func ParseDpid(s string) (Dpid, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid dpid %q: %w", s, err)
	}
	return Dpid(v), nil
}

func (d Dpid) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Dpid) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseDpid(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// PortNo is a switch port number.
type PortNo uint32

// MacAddr is a MAC address in canonical lower-case colon form. Use ParseMac
// to build one from external input.
type MacAddr string

const BroadcastMac MacAddr = "ff:ff:ff:ff:ff:ff"

func ParseMac(s string) (MacAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", fmt.Errorf("invalid mac %q: %w", s, err)
	}
	return MacAddr(strings.ToLower(hw.String())), nil
}

// Multicast reports whether the address has the group bit set.
func (m MacAddr) Multicast() bool {
	hw, err := net.ParseMAC(string(m))
	if err != nil || len(hw) == 0 {
		return false
	}
	return hw[0]&1 == 1
}

// PortKey identifies one end of a link, or a host attachment point.
type PortKey struct {
	Dpid Dpid
	Port PortNo
}

func (p PortKey) String() string {
	return fmt.Sprintf("%s:%d", p.Dpid, p.Port)
}

// NodeClass categorizes topology nodes. Classes come from the central host
// inventory; unknown hosts default to ClassNode. Honeypot-class hosts are
// eligible redirect decoys for malicious flows.
type NodeClass string

const (
	ClassSwitch   NodeClass = "switch"
	ClassPLC      NodeClass = "plc"
	ClassHMI      NodeClass = "hmi"
	ClassSCADA    NodeClass = "scada"
	ClassHoneypot NodeClass = "honeypot"
	ClassNode     NodeClass = "node"
)
