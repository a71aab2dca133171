// Package classify decides, for each captured frame, whether it is upload or
// download traffic of a client device or noise to be ignored.
package classify

import (
	"net"
	"net/netip"

	"github.com/vesaa/hotspotmon/internal/identity"
)

// Direction of a frame relative to the local subnet.
type Direction uint8

const (
	Ignore Direction = iota
	Upload
	Download
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "ignore"
	}
}

// Frame is the subset of a captured frame the classifier looks at.
type Frame struct {
	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr
	SrcIP  netip.Addr
	DstIP  netip.Addr
	// HasIP is false for frames without a decodable IPv4 header.
	HasIP bool
	// Length is the full frame length in bytes.
	Length int
}

// Verdict is the classification of one frame. HardwareAddr and IP identify
// the client device the bytes are attributed to; both are zero for Ignore.
type Verdict struct {
	Direction    Direction
	HardwareAddr net.HardwareAddr
	IP           netip.Addr
	Length       int
}

var ignored = Verdict{Direction: Ignore}

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// ReservedMAC reports whether mac is a group address (multicast or broadcast).
// Such addresses never identify a single device.
func ReservedMAC(mac net.HardwareAddr) bool {
	return len(mac) == 0 || mac[0]&0x01 != 0
}

// ReservedIP reports whether ip is a multicast or limited broadcast address.
func ReservedIP(ip netip.Addr) bool {
	return ip.IsValid() && (ip.IsMulticast() || ip == limitedBroadcast)
}

// Classifier applies the direction rules against a fixed local identity.
type Classifier struct {
	local     identity.Local
	broadcast netip.Addr
}

// New returns a Classifier for local.
func New(local identity.Local) *Classifier {
	return &Classifier{local: local, broadcast: local.Broadcast()}
}

// Classify is the one-shot form of Classifier.Classify.
func Classify(f Frame, local identity.Local) Verdict {
	return New(local).Classify(f)
}

// Classify returns Upload when a subnet host sends off-subnet, Download when an
// off-subnet host sends to a subnet host, and Ignore otherwise. Frames without
// IPv4, to or from the monitoring host itself, or to group destinations are
// always ignored.
func (c *Classifier) Classify(f Frame) Verdict {
	if !f.HasIP || !f.SrcIP.IsValid() || !f.DstIP.IsValid() {
		return ignored
	}
	if c.local.IsSelf(f.SrcMAC) || c.local.IsSelf(f.DstMAC) {
		return ignored
	}
	if ReservedMAC(f.DstMAC) || ReservedIP(f.DstIP) || f.DstIP == c.broadcast {
		return ignored
	}

	srcIn := c.local.Contains(f.SrcIP)
	dstIn := c.local.Contains(f.DstIP)
	switch {
	case srcIn && !dstIn:
		if ReservedMAC(f.SrcMAC) {
			return ignored
		}
		return Verdict{Direction: Upload, HardwareAddr: f.SrcMAC, IP: f.SrcIP, Length: f.Length}
	case dstIn && !srcIn:
		return Verdict{Direction: Download, HardwareAddr: f.DstMAC, IP: f.DstIP, Length: f.Length}
	default:
		return ignored
	}
}
