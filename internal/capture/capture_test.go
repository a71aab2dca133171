package capture_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/vesaa/hotspotmon/internal/aggregate"
	"github.com/vesaa/hotspotmon/internal/capture"
	"github.com/vesaa/hotspotmon/internal/classify"
	"github.com/vesaa/hotspotmon/internal/config"
	"github.com/vesaa/hotspotmon/internal/identity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	hostMAC   = mustMAC("14:d4:24:62:6f:75")
	clientMAC = mustMAC("aa:bb:cc:dd:ee:01")
	routerMAC = mustMAC("aa:bb:cc:dd:ee:fe")

	local = identity.Local{
		IP:           netip.MustParseAddr("172.20.10.7"),
		HardwareAddr: hostMAC,
		Subnet:       netip.MustParsePrefix("172.20.10.0/24"),
	}
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func ipv4Frame(t *testing.T, srcMAC, dstMAC net.HardwareAddr, src, dst string, payload int) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 443}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4},
		ip, udp, gopacket.Payload(make([]byte, payload)),
	)
	require.NoError(t, err)
	return buf.Bytes()
}

func arpFrame(t *testing.T) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{SrcMAC: clientMAC, DstMAC: mustMAC("ff:ff:ff:ff:ff:ff"), EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   clientMAC,
			SourceProtAddress: net.ParseIP("172.20.10.3").To4(),
			DstHwAddress:      make(net.HardwareAddr, 6),
			DstProtAddress:    net.ParseIP("172.20.10.1").To4(),
		},
	)
	require.NoError(t, err)
	return buf.Bytes()
}

func vlanFrame(t *testing.T, inner layers.EthernetType, srcMAC, dstMAC net.HardwareAddr, src, dst string, payload int) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeDot1Q}
	tag := &layers.Dot1Q{VLANIdentifier: 12, Type: inner}
	var err error
	if inner == layers.EthernetTypeIPv4 {
		err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, tag,
			&layers.IPv4{
				Version:  4,
				TTL:      64,
				Protocol: layers.IPProtocolUDP,
				SrcIP:    net.ParseIP(src).To4(),
				DstIP:    net.ParseIP(dst).To4(),
			},
			gopacket.Payload(make([]byte, payload)),
		)
	} else {
		err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, tag,
			gopacket.Payload(make([]byte, 46)),
		)
	}
	require.NoError(t, err)
	return buf.Bytes()
}

type frame struct {
	data   []byte
	length int
}

func writePcap(t *testing.T, frames ...frame) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	for i, f := range frames {
		length := f.length
		if length == 0 {
			length = len(f.data)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(f.data),
			Length:        length,
		}
		require.NoError(t, w.WritePacket(ci, f.data))
	}
	return &buf
}

func TestIPFilterAssembles(t *testing.T) {
	t.Parallel()

	raw, err := capture.IPFilter()
	require.NoError(t, err)
	assert.Len(t, raw, 7)
}

func TestLoopReplaysPcap(t *testing.T) {
	t.Parallel()

	up := ipv4Frame(t, clientMAC, routerMAC, "172.20.10.3", "142.250.72.14", 958)
	down := ipv4Frame(t, routerMAC, clientMAC, "142.250.72.14", "172.20.10.3", 1472)
	buf := writePcap(t,
		frame{data: up},
		frame{data: down},
		frame{data: down},
		frame{data: arpFrame(t)},
		frame{data: ipv4Frame(t, hostMAC, routerMAC, "172.20.10.7", "8.8.8.8", 100)},
		frame{data: ipv4Frame(t, clientMAC, mustMAC("01:00:5e:00:00:fb"), "172.20.10.3", "224.0.0.251", 100)},
		// Snapped frame: the wire length counts, not the captured bytes.
		frame{data: up[:64], length: 9000},
	)

	src, err := capture.NewReader(buf)
	require.NoError(t, err)
	defer src.Close()

	agg := aggregate.New()
	loop := capture.NewLoop(src, local, agg, zaptest.NewLogger(t), nil)
	require.NoError(t, loop.Run(context.Background()))

	snap := agg.DrainAll()
	require.Len(t, snap, 1)
	e := snap[clientMAC.String()]
	assert.Equal(t, uint64(len(up)+9000), e.Uploaded)
	assert.Equal(t, uint64(2*len(down)), e.Downloaded)
	assert.Equal(t, netip.MustParseAddr("172.20.10.3"), e.IP)
}

func TestLoopReplaysVLANTaggedFrames(t *testing.T) {
	t.Parallel()

	up := vlanFrame(t, layers.EthernetTypeIPv4, clientMAC, routerMAC, "172.20.10.3", "142.250.72.14", 500)
	down := vlanFrame(t, layers.EthernetTypeIPv4, routerMAC, clientMAC, "142.250.72.14", "172.20.10.3", 700)
	buf := writePcap(t,
		frame{data: up},
		frame{data: down},
		// Tagged non-IP payload is filtered out.
		frame{data: vlanFrame(t, layers.EthernetTypeARP, clientMAC, routerMAC, "", "", 0)},
	)

	src, err := capture.NewReader(buf)
	require.NoError(t, err)
	defer src.Close()

	agg := aggregate.New()
	require.NoError(t, capture.NewLoop(src, local, agg, zaptest.NewLogger(t), nil).Run(context.Background()))

	snap := agg.DrainAll()
	require.Len(t, snap, 1)
	e := snap[clientMAC.String()]
	assert.Equal(t, uint64(len(up)), e.Uploaded)
	assert.Equal(t, uint64(len(down)), e.Downloaded)
}

func TestOpenFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trace.pcap")
	buf := writePcap(t, frame{data: ipv4Frame(t, clientMAC, routerMAC, "172.20.10.3", "1.1.1.1", 10)})
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	src, err := capture.Open(&config.Config{CaptureSource: "pcap", CaptureFile: path})
	require.NoError(t, err)

	data, ci, err := src.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, len(data), ci.Length)
	require.NoError(t, src.Close())

	_, err = capture.OpenFile(filepath.Join(t.TempDir(), "missing.pcap"))
	require.Error(t, err)
}

func TestNewReaderRejectsOtherLinkTypes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeRaw))
	_, err := capture.NewReader(&buf)
	require.ErrorContains(t, err, "unsupported link type")

	_, err = capture.NewReader(bytes.NewReader([]byte{1, 2}))
	require.Error(t, err)
}

func TestOpenRejectsUnknownSource(t *testing.T) {
	t.Parallel()
	_, err := capture.Open(&config.Config{CaptureSource: "usb"})
	require.Error(t, err)
}

// scriptedSource returns reads in order; once exhausted it calls cancel and
// reports idle. before runs at the start of every read.
type scriptedSource struct {
	reads  []error
	cancel context.CancelFunc
	before func()
}

func (s *scriptedSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if s.before != nil {
		s.before()
	}
	if len(s.reads) == 0 {
		if s.cancel != nil {
			s.cancel()
		}
		return nil, gopacket.CaptureInfo{}, capture.ErrIdle
	}
	err := s.reads[0]
	s.reads = s.reads[1:]
	return nil, gopacket.CaptureInfo{}, err
}

func (s *scriptedSource) Close() error { return nil }

func TestLoopFaultIsFatal(t *testing.T) {
	t.Parallel()

	down := errors.New("network is down")
	src := &scriptedSource{reads: []error{capture.ErrIdle, down}}
	loop := capture.NewLoop(src, local, aggregate.New(), zaptest.NewLogger(t), nil)

	err := loop.Run(context.Background())
	require.ErrorIs(t, err, capture.ErrCaptureFault)
	require.ErrorIs(t, err, down)
}

func TestLoopStopsOnCancelWhileIdle(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{reads: []error{capture.ErrIdle, capture.ErrIdle}, cancel: cancel}
	loop := capture.NewLoop(src, local, aggregate.New(), zaptest.NewLogger(t), nil)

	require.NoError(t, loop.Run(ctx))
}

func TestLoopErrorAfterCancelIsNotAFault(t *testing.T) {
	t.Parallel()

	// The source is torn down while a read is blocked.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{reads: []error{errors.New("bad file descriptor")}, before: cancel}
	loop := capture.NewLoop(src, local, aggregate.New(), zaptest.NewLogger(t), nil)

	require.NoError(t, loop.Run(ctx))
}

type recordingSink struct{ verdicts []classify.Verdict }

func (r *recordingSink) Apply(v classify.Verdict) {
	v.HardwareAddr = slices.Clone(v.HardwareAddr)
	r.verdicts = append(r.verdicts, v)
}

func TestLoopPassesOnlyAttributedVerdicts(t *testing.T) {
	t.Parallel()

	buf := writePcap(t,
		frame{data: ipv4Frame(t, clientMAC, routerMAC, "172.20.10.3", "172.20.10.4", 10)},
		frame{data: ipv4Frame(t, routerMAC, clientMAC, "8.8.8.8", "172.20.10.3", 10)},
	)
	src, err := capture.NewReader(buf)
	require.NoError(t, err)

	sink := &recordingSink{}
	require.NoError(t, capture.NewLoop(src, local, sink, zaptest.NewLogger(t), nil).Run(context.Background()))
	require.Len(t, sink.verdicts, 1)
	assert.Equal(t, classify.Download, sink.verdicts[0].Direction)
	assert.Equal(t, clientMAC, sink.verdicts[0].HardwareAddr)
}
