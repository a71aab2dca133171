package flush_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/vesaa/hotspotmon/internal/aggregate"
	"github.com/vesaa/hotspotmon/internal/classify"
	"github.com/vesaa/hotspotmon/internal/config"
	"github.com/vesaa/hotspotmon/internal/flush"
	"github.com/vesaa/hotspotmon/internal/models"
	"github.com/vesaa/hotspotmon/internal/registry"
	"github.com/vesaa/hotspotmon/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const mb = 1 << 20

var (
	mac1 = mustMAC("aa:bb:cc:dd:ee:01")
	mac2 = mustMAC("aa:bb:cc:dd:ee:02")
	ip1  = netip.MustParseAddr("172.20.10.3")
	ip2  = netip.MustParseAddr("172.20.10.4")
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

type harness struct {
	agg   *aggregate.Aggregator
	store *store.Store
	clock *quartz.Mock
	opts  flush.Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{DBDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "hotspot.db")}
	s, err := store.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &harness{agg: aggregate.New(), store: s, clock: quartz.NewMock(t)}
	h.opts = flush.Options{
		Interval:  30 * time.Second,
		NetworkID: "N001",
		Precision: 4,
		Source:    h.agg,
		Resolver:  registry.New(s, node, "U001", zap.NewNop(), nil),
		Recorder:  s,
		IDs:       node,
		Clock:     h.clock,
		Log:       zaptest.NewLogger(t),
	}
	return h
}

func (h *harness) logs(t *testing.T) []models.ConnectionLog {
	t.Helper()
	logs, err := h.store.LogsWithUsage(context.Background())
	require.NoError(t, err)
	return logs
}

func (h *harness) devices(t *testing.T) []models.Device {
	t.Helper()
	devs, err := h.store.ListDevices(context.Background())
	require.NoError(t, err)
	return devs
}

func TestToMB(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes     uint64
		precision int
		want      float64
	}{
		{1000, 4, 0.001},
		{10, 4, 0},
		{0, 4, 0},
		{50 * mb, 4, 50},
		{mb / 2, 4, 0.5},
		{mb / 2, 0, 1},
		{mb/2 - 1, 0, 0},
		{52, 4, 0},
		{53, 4, 0.0001},
		{3*mb + 1, 2, 3},
		{1000, 12, 0.00095367},
		{1000, -1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, flush.ToMB(tt.bytes, tt.precision), "%d bytes at %d places", tt.bytes, tt.precision)
	}
}

func TestFlushEmptySnapshotIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res := flush.New(h.opts).FlushOnce(context.Background())
	assert.Equal(t, flush.Result{}, res)
	assert.Empty(t, h.logs(t))
}

func TestFlushFirstSightThenReuse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	s := flush.New(h.opts)

	h.agg.Observe(mac1, classify.Upload, 50*mb, ip1)
	want := h.clock.Now().UTC()
	res := s.FlushOnce(ctx)
	assert.Equal(t, flush.Result{Devices: 1, Persisted: 1}, res)

	devs := h.devices(t)
	require.Len(t, devs, 1)
	dev := devs[0]
	assert.Equal(t, "aa:bb:cc:dd:ee:01", dev.HardwareAddress)
	assert.Equal(t, "New Device (172.20.10.3)", dev.Name)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	first := logs[0]
	assert.Equal(t, dev.ID, first.DeviceID)
	assert.Equal(t, "N001", first.NetworkID)
	assert.Equal(t, "172.20.10.3", first.IPAddress)
	assert.WithinDuration(t, want, first.Timestamp, time.Second)
	require.NotNil(t, first.Usage)
	assert.Equal(t, 50.0, first.Usage.MBUploaded)
	assert.Zero(t, first.Usage.MBDownloaded)
	assert.Equal(t, first.ID[1:], first.Usage.ID[1:])

	h.clock.Advance(time.Minute).MustWait(ctx)
	h.agg.Observe(mac1, classify.Download, 2*mb, ip2)
	res = s.FlushOnce(ctx)
	assert.Equal(t, 1, res.Persisted)

	assert.Len(t, h.devices(t), 1)
	logs = h.logs(t)
	require.Len(t, logs, 2)
	second := logs[1]
	assert.Equal(t, dev.ID, second.DeviceID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Usage.ID, second.Usage.ID)
	assert.Equal(t, "172.20.10.4", second.IPAddress)
	assert.Equal(t, 2.0, second.Usage.MBDownloaded)
}

func TestFlushRoundingDiscardsZero(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.agg.Observe(mac1, classify.Upload, 1000, ip1)
	h.agg.Observe(mac2, classify.Download, 10, ip2)
	res := flush.New(h.opts).FlushOnce(context.Background())
	assert.Equal(t, flush.Result{Devices: 2, Persisted: 1, Discarded: 1}, res)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, 0.001, logs[0].Usage.MBUploaded)

	// The discarded address never reaches the registry.
	devs := h.devices(t)
	require.Len(t, devs, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", devs[0].HardwareAddress)
}

func TestFlushTwoNewDevicesSameCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.agg.Observe(mac1, classify.Upload, 3*mb, ip1)
	h.agg.Observe(mac2, classify.Upload, 4*mb, ip2)
	res := flush.New(h.opts).FlushOnce(context.Background())
	assert.Equal(t, 2, res.Persisted)

	devs := h.devices(t)
	require.Len(t, devs, 2)
	assert.NotEqual(t, devs[0].ID, devs[1].ID)
	assert.Len(t, h.logs(t), 2)
}

// failOnce fails the first RecordUsage call; flush visits devices in address order.
type failOnce struct {
	flush.Recorder
	failed bool
}

func (f *failOnce) RecordUsage(ctx context.Context, entry *models.ConnectionLog, usage *models.Usage) error {
	if !f.failed {
		f.failed = true
		return errors.New("disk I/O error")
	}
	return f.Recorder.RecordUsage(ctx, entry, usage)
}

func TestFlushIsolatesPersistFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.opts.Recorder = &failOnce{Recorder: h.store}

	h.agg.Observe(mac1, classify.Upload, mb, ip1)
	h.agg.Observe(mac2, classify.Upload, mb, ip2)
	res := flush.New(h.opts).FlushOnce(context.Background())
	assert.Equal(t, flush.Result{Devices: 2, Persisted: 1, PersistFailed: 1}, res)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	dev, err := h.store.FindDeviceByHardwareAddr(context.Background(), "aa:bb:cc:dd:ee:02")
	require.NoError(t, err)
	assert.Equal(t, dev.ID, logs[0].DeviceID)
}

type failResolver struct {
	flush.Resolver
	bad string
}

func (f failResolver) Resolve(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) (string, error) {
	if mac.String() == f.bad {
		return "", errors.New("store unreachable")
	}
	return f.Resolver.Resolve(ctx, mac, ip)
}

func TestFlushRegistrationFailureDropsCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	opts := h.opts
	opts.Resolver = failResolver{Resolver: h.opts.Resolver, bad: "aa:bb:cc:dd:ee:01"}

	h.agg.Observe(mac1, classify.Upload, mb, ip1)
	h.agg.Observe(mac2, classify.Upload, mb, ip2)
	res := flush.New(opts).FlushOnce(context.Background())
	assert.Equal(t, flush.Result{Devices: 2, Persisted: 1, RegistrationFailed: 1}, res)
	assert.Len(t, h.logs(t), 1)

	// The failed device is retried when it shows up again.
	h.agg.Observe(mac1, classify.Upload, mb, ip1)
	res = flush.New(h.opts).FlushOnce(context.Background())
	assert.Equal(t, 1, res.Persisted)
	assert.Len(t, h.devices(t), 2)
	assert.Len(t, h.logs(t), 2)
}

func TestRunFlushesOnTickAndOnShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	trap := h.clock.Trap().NewTicker("flush")
	defer trap.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- flush.New(h.opts).Run(runCtx) }()

	call := trap.MustWait(ctx)
	assert.Equal(t, 30*time.Second, call.Duration)
	call.MustRelease(ctx)

	h.agg.Observe(mac1, classify.Upload, mb, ip1)
	h.clock.Advance(30 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return len(h.logs(t)) == 1 }, 5*time.Second, 10*time.Millisecond)

	// Traffic counted before shutdown is flushed on the way out.
	h.agg.Observe(mac1, classify.Download, mb, ip1)
	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Run did not return")
	}
	assert.Len(t, h.logs(t), 2)
}
