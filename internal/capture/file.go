package capture

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapng section header block type.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type frameReader interface {
	ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// fileSource replays a pcap or pcapng capture. Frames the "ip" filter
// rejects are skipped in user space.
type fileSource struct {
	r      frameReader
	closer io.Closer
	filter *matcher
}

// OpenFile opens a pcap or pcapng file of Ethernet frames.
func OpenFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening capture file: %w", err)
	}
	src, err := newFileSource(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	src.closer = f
	return src, nil
}

// NewReader replays frames from r, which must hold a pcap or pcapng stream
// with Ethernet link type.
func NewReader(r io.Reader) (Source, error) {
	src, err := newFileSource(r)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func newFileSource(r io.Reader) (*fileSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("reading capture header: %w", err)
	}

	var fr frameReader
	if bytes.Equal(magic, ngMagic) {
		fr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		fr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("reading capture header: %w", err)
	}
	if lt := fr.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("unsupported link type %s", lt)
	}

	m, err := newMatcher()
	if err != nil {
		return nil, err
	}
	return &fileSource{r: fr, filter: m}, nil
}

func (s *fileSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	for {
		data, ci, err := s.r.ZeroCopyReadPacketData()
		if err != nil {
			return nil, ci, err
		}
		if s.filter.match(data) {
			return data, ci, nil
		}
	}
}

func (s *fileSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
