//go:build !linux || !cgo

package capture

import "fmt"

// OpenLive is only implemented on Linux with cgo (AF_PACKET).
func OpenLive(iface string) (Source, error) {
	return nil, fmt.Errorf("%w: interface %s (use capture_source=pcap)", ErrUnsupported, iface)
}
