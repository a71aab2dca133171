package classify

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Decoder turns raw Ethernet frames into Frames. It reuses its layer buffers
// between calls and must not be shared across goroutines.
type Decoder struct {
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewDecoder returns a Decoder for Ethernet (optionally VLAN-tagged) IPv4 frames.
func NewDecoder() *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &d.eth, &d.dot1q, &d.ip4)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode extracts link and network addresses from data. length is the
// on-the-wire frame length reported by the capture source; when it is not
// positive the captured length is used. Errors in upper layers are ignored:
// a frame whose IPv4 header cannot be decoded comes back with HasIP unset.
func (d *Decoder) Decode(data []byte, length int) Frame {
	f := Frame{Length: length}
	if f.Length <= 0 {
		f.Length = len(data)
	}

	_ = d.parser.DecodeLayers(data, &d.decoded)
	for _, typ := range d.decoded {
		switch typ {
		case layers.LayerTypeEthernet:
			f.SrcMAC = d.eth.SrcMAC
			f.DstMAC = d.eth.DstMAC
		case layers.LayerTypeIPv4:
			src, okSrc := netip.AddrFromSlice(d.ip4.SrcIP)
			dst, okDst := netip.AddrFromSlice(d.ip4.DstIP)
			f.SrcIP = src.Unmap()
			f.DstIP = dst.Unmap()
			f.HasIP = okSrc && okDst
		}
	}
	return f
}
