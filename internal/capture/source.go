// Package capture reads raw frames from a live interface or a capture file
// and feeds them through the classifier into the aggregator.
package capture

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"

	"github.com/vesaa/hotspotmon/internal/config"
)

var (
	// ErrIdle is returned by a Source when no frame arrived within its poll
	// timeout. It is not a failure.
	ErrIdle = errors.New("capture idle")
	// ErrCaptureFault wraps unrecoverable capture source errors.
	ErrCaptureFault = errors.New("capture fault")
	// ErrUnsupported is returned when live capture is not available on this build.
	ErrUnsupported = errors.New("live capture not supported on this platform")
)

// Source yields raw Ethernet frames restricted to IPv4. ReadPacketData returns
// ErrIdle on poll timeouts and io.EOF when a finite source is exhausted. The
// returned data is only valid until the next call.
type Source interface {
	gopacket.PacketDataSource
	Close() error
}

// Open returns the source selected by cfg.
func Open(cfg *config.Config) (Source, error) {
	switch cfg.CaptureSource {
	case "pcap":
		return OpenFile(cfg.CaptureFile)
	case "afpacket", "":
		return OpenLive(cfg.Interface)
	default:
		return nil, fmt.Errorf("unsupported capture_source %q", cfg.CaptureSource)
	}
}
