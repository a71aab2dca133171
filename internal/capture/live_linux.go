//go:build linux && cgo

package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
)

// Ring geometry aligned to page size; 128 blocks of 512 KiB.
const (
	frameSize   = 4096
	blockSize   = frameSize * 128
	numBlocks   = 128
	pollTimeout = 250 * time.Millisecond
)

type liveSource struct {
	handle *afpacket.TPacket
}

// OpenLive opens an AF_PACKET ring on iface with the "ip" filter attached in
// the kernel. Reads wake up at least every pollTimeout so callers can notice
// cancellation.
func OpenLive(iface string) (Source, error) {
	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(pollTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("opening AF_PACKET on %s: %w", iface, err)
	}
	filter, err := IPFilter()
	if err != nil {
		handle.Close()
		return nil, err
	}
	if err := handle.SetBPF(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("attaching ip filter on %s: %w", iface, err)
	}
	return &liveSource{handle: handle}, nil
}

func (s *liveSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.handle.ZeroCopyReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return nil, ci, ErrIdle
	}
	return data, ci, err
}

// Close must not be called while a read is in progress.
func (s *liveSource) Close() error {
	s.handle.Close()
	return nil
}

// Drops reports kernel ring statistics since the source was opened.
func (s *liveSource) Drops() (packets, drops uint, err error) {
	st, _, err := s.handle.SocketStats()
	if err != nil {
		return 0, 0, err
	}
	return st.Packets(), st.Drops(), nil
}
