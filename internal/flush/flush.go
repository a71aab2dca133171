// Package flush periodically drains the aggregator and persists one
// connection log and usage pair per device that produced traffic.
package flush

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/vesaa/hotspotmon/internal/aggregate"
	"github.com/vesaa/hotspotmon/internal/metrics"
	"github.com/vesaa/hotspotmon/internal/models"
)

// Drainer yields the counters accumulated since the previous drain.
type Drainer interface {
	DrainAll() aggregate.Snapshot
}

// Resolver maps a hardware address to its device ID.
type Resolver interface {
	Resolve(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) (string, error)
}

// Recorder persists a log and usage pair atomically.
type Recorder interface {
	RecordUsage(ctx context.Context, entry *models.ConnectionLog, usage *models.Usage) error
}

// Options configures a Scheduler. Clock defaults to the real clock.
type Options struct {
	Interval  time.Duration
	NetworkID string
	// Precision is the number of decimal places kept in megabyte values.
	Precision int

	Source   Drainer
	Resolver Resolver
	Recorder Recorder
	IDs      *snowflake.Node
	Clock    quartz.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

// Result summarises one flush pass.
type Result struct {
	Devices            int
	Persisted          int
	Discarded          int
	RegistrationFailed int
	PersistFailed      int
}

// Scheduler runs flush passes on a fixed period.
type Scheduler struct {
	opts Options
	log  *zap.Logger
}

// New returns a Scheduler.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Scheduler{opts: opts, log: opts.Log.Named("flush")}
}

// Run flushes every interval until ctx is done, then performs one last pass
// so traffic counted before shutdown is not lost. Passes are never cut short
// by ctx cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	t := s.opts.Clock.NewTicker(s.opts.Interval, "flush")
	defer t.Stop()

	s.log.Info("flush scheduler started", zap.Duration("interval", s.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			res := s.FlushOnce(context.WithoutCancel(ctx))
			s.log.Info("final flush done", zap.Int("persisted", res.Persisted))
			return nil
		case <-t.C:
			s.FlushOnce(context.WithoutCancel(ctx))
		}
	}
}

// FlushOnce drains the aggregator and persists every nonzero entry. A
// failure for one device is logged and does not affect the others.
func (s *Scheduler) FlushOnce(ctx context.Context) Result {
	snap := s.opts.Source.DrainAll()
	if len(snap) == 0 {
		return Result{}
	}

	start := s.opts.Clock.Now()
	now := start.UTC()
	res := Result{Devices: len(snap)}

	macs := make([]string, 0, len(snap))
	for mac := range snap {
		macs = append(macs, mac)
	}
	slices.Sort(macs)

	for _, key := range macs {
		e := snap[key]
		up := ToMB(e.Uploaded, s.opts.Precision)
		down := ToMB(e.Downloaded, s.opts.Precision)
		if up == 0 && down == 0 {
			res.Discarded++
			s.opts.Metrics.FlushEntry(metrics.OutcomeDiscarded)
			continue
		}

		mac, err := net.ParseMAC(key)
		if err != nil {
			res.RegistrationFailed++
			s.opts.Metrics.FlushEntry(metrics.OutcomeRegistrationFailed)
			s.log.Error("invalid hardware address in snapshot", zap.String("mac", key), zap.Error(err))
			continue
		}
		deviceID, err := s.opts.Resolver.Resolve(ctx, mac, e.IP)
		if err != nil {
			res.RegistrationFailed++
			s.opts.Metrics.FlushEntry(metrics.OutcomeRegistrationFailed)
			s.log.Warn("device registration failed, dropping cycle",
				zap.String("mac", key),
				zap.Stringer("ip", e.IP),
				zap.Uint64("bytes_up", e.Uploaded),
				zap.Uint64("bytes_down", e.Downloaded),
				zap.Error(err),
			)
			continue
		}

		id := s.opts.IDs.Generate().String()
		entry := &models.ConnectionLog{
			ID:        "L" + id,
			NetworkID: s.opts.NetworkID,
			DeviceID:  deviceID,
			Timestamp: now,
			IPAddress: addrString(e.IP),
		}
		usage := &models.Usage{
			ID:           "U" + id,
			LogID:        entry.ID,
			MBDownloaded: down,
			MBUploaded:   up,
		}
		if err := s.opts.Recorder.RecordUsage(ctx, entry, usage); err != nil {
			res.PersistFailed++
			s.opts.Metrics.FlushEntry(metrics.OutcomePersistFailed)
			s.log.Error("persisting usage failed",
				zap.String("mac", key),
				zap.String("device_id", deviceID),
				zap.String("log_id", entry.ID),
				zap.Error(err),
			)
			continue
		}
		res.Persisted++
		s.opts.Metrics.FlushEntry(metrics.OutcomePersisted)
		s.log.Debug("usage recorded",
			zap.String("device_id", deviceID),
			zap.String("log_id", entry.ID),
			zap.Float64("mb_down", down),
			zap.Float64("mb_up", up),
		)
	}

	elapsed := s.opts.Clock.Since(start)
	s.opts.Metrics.FlushDone(elapsed)
	s.log.Info("flush done",
		zap.Int("devices", res.Devices),
		zap.Int("persisted", res.Persisted),
		zap.Int("discarded", res.Discarded),
		zap.Int("registration_failed", res.RegistrationFailed),
		zap.Int("persist_failed", res.PersistFailed),
		zap.Duration("took", elapsed),
	)
	return res
}

func addrString(ip netip.Addr) string {
	if !ip.IsValid() {
		return "N/A"
	}
	return ip.String()
}
