// Package identity discovers the monitoring host's own addresses on the
// observed interface. It uses gopsutil for cross-platform interface data.
package identity

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"

	psnet "github.com/shirou/gopsutil/v4/net"
)

var (
	// ErrInterfaceNotFound is returned when no interface carries the requested name.
	ErrInterfaceNotFound = errors.New("interface not found")
	// ErrAddressNotFound is returned when the interface lacks an IPv4 or hardware address.
	ErrAddressNotFound = errors.New("interface has no IPv4 and hardware address")
)

// defaultPrefixLen is used when the interface reports a bare address.
const defaultPrefixLen = 24

// Local is the monitoring host's identity on the observed interface.
// It is computed once at startup and never changes afterwards.
type Local struct {
	IP           netip.Addr
	HardwareAddr net.HardwareAddr
	Subnet       netip.Prefix
}

// IsSelf reports whether mac is the host's own hardware address.
func (l Local) IsSelf(mac net.HardwareAddr) bool {
	return bytes.Equal(l.HardwareAddr, mac)
}

// Contains reports whether ip belongs to the local subnet.
func (l Local) Contains(ip netip.Addr) bool {
	return l.Subnet.Contains(ip)
}

// Broadcast returns the directed broadcast address of the local subnet.
func (l Local) Broadcast() netip.Addr {
	if !l.Subnet.Addr().Is4() {
		return netip.Addr{}
	}
	b := l.Subnet.Masked().Addr().As4()
	host := 32 - l.Subnet.Bits()
	for i := 3; i >= 0 && host > 0; i-- {
		n := min(host, 8)
		b[i] |= byte(1<<n - 1)
		host -= n
	}
	return netip.AddrFrom4(b)
}

func (l Local) String() string {
	return fmt.Sprintf("%s/%s on %s", l.IP, l.HardwareAddr, l.Subnet)
}

// Resolve looks up the IPv4 address, hardware address and subnet of the named
// interface. prefixLen > 0 overrides the mask reported by the OS.
func Resolve(name string, prefixLen int) (Local, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return Local{}, fmt.Errorf("listing interfaces: %w", err)
	}
	return fromStats(name, ifaces, prefixLen)
}

func fromStats(name string, ifaces psnet.InterfaceStatList, prefixLen int) (Local, error) {
	idx := slices.IndexFunc(ifaces, func(s psnet.InterfaceStat) bool { return s.Name == name })
	if idx < 0 {
		return Local{}, fmt.Errorf("%w: %q", ErrInterfaceNotFound, name)
	}
	iface := ifaces[idx]

	mac, err := net.ParseMAC(iface.HardwareAddr)
	if err != nil {
		return Local{}, fmt.Errorf("%w: %q has hardware address %q", ErrAddressNotFound, name, iface.HardwareAddr)
	}

	prefix, ok := firstIPv4(iface.Addrs)
	if !ok {
		return Local{}, fmt.Errorf("%w: %q has no IPv4 address", ErrAddressNotFound, name)
	}
	if prefixLen > 0 {
		prefix = netip.PrefixFrom(prefix.Addr(), prefixLen)
	}

	return Local{
		IP:           prefix.Addr(),
		HardwareAddr: mac,
		Subnet:       prefix.Masked(),
	}, nil
}

// firstIPv4 returns the first IPv4 address of the list with its mask.
func firstIPv4(addrs psnet.InterfaceAddrList) (netip.Prefix, bool) {
	for _, a := range addrs {
		if p, err := netip.ParsePrefix(a.Addr); err == nil {
			if p.Addr().Is4() {
				return p, true
			}
			continue
		}
		if ip, err := netip.ParseAddr(a.Addr); err == nil && ip.Is4() {
			return netip.PrefixFrom(ip, defaultPrefixLen), true
		}
	}
	return netip.Prefix{}, false
}

// Interface describes one host interface for the discovery listing.
type Interface struct {
	Name         string
	Up           bool
	IPv4         string
	HardwareAddr string
}

// List returns every interface with its status, IPv4 and hardware address.
func List() ([]Interface, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	return describe(ifaces), nil
}

func describe(ifaces psnet.InterfaceStatList) []Interface {
	out := make([]Interface, 0, len(ifaces))
	for _, s := range ifaces {
		info := Interface{
			Name:         s.Name,
			Up:           slices.Contains(s.Flags, "up"),
			IPv4:         "N/A",
			HardwareAddr: "N/A",
		}
		if p, ok := firstIPv4(s.Addrs); ok {
			info.IPv4 = p.Addr().String()
		}
		if s.HardwareAddr != "" {
			info.HardwareAddr = strings.ToLower(strings.ReplaceAll(s.HardwareAddr, "-", ":"))
		}
		out = append(out, info)
	}
	return out
}
