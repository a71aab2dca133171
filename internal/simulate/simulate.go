// Package simulate writes synthetic connection logs for registered devices so
// the dashboard can be exercised without live traffic.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/vesaa/hotspotmon/internal/models"
)

// ErrNoDevices is returned when there is no device to attribute traffic to.
var ErrNoDevices = errors.New("no devices registered")

// Store is the part of the usage store the simulator writes through.
type Store interface {
	DeviceIDs(ctx context.Context) ([]string, error)
	RecordUsage(ctx context.Context, entry *models.ConnectionLog, usage *models.Usage) error
}

// Options configures a Simulator.
type Options struct {
	NetworkID string
	Store     Store
	IDs       *snowflake.Node

	// Optional.
	Clock quartz.Clock
	Rand  *rand.Rand
	Log   *zap.Logger
}

// Simulator inserts a random log+usage pair every 3 to 8 seconds.
type Simulator struct {
	opts Options
	log  *zap.Logger
}

// New returns a Simulator.
func New(opts Options) *Simulator {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Simulator{opts: opts, log: opts.Log.Named("simulate")}
}

// Run inserts entries until ctx is done. It returns ErrNoDevices as soon as
// the device table is empty.
func (s *Simulator) Run(ctx context.Context) error {
	s.log.Info("simulator started", zap.String("network_id", s.opts.NetworkID))
	for {
		entry, err := s.Step(ctx)
		switch {
		case errors.Is(err, ErrNoDevices):
			return err
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("simulated entry failed", zap.Error(err))
		default:
			s.log.Info("logged connection",
				zap.String("device_id", entry.DeviceID),
				zap.String("ip", entry.IPAddress),
				zap.Float64("mb_down", entry.Usage.MBDownloaded),
				zap.Float64("mb_up", entry.Usage.MBUploaded),
			)
		}

		t := s.opts.Clock.NewTimer(s.delay(), "simulate")
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("simulator stopped")
			return nil
		case <-t.C:
		}
	}
}

// Step records one random entry for a random device.
func (s *Simulator) Step(ctx context.Context) (*models.ConnectionLog, error) {
	ids, err := s.opts.Store.DeviceIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoDevices
	}

	r := s.opts.Rand
	id := s.opts.IDs.Generate().String()
	usage := &models.Usage{
		ID:           "U" + id,
		MBDownloaded: uniform(r, 5, 500),
		MBUploaded:   uniform(r, 1, 100),
	}
	entry := &models.ConnectionLog{
		ID:        "L" + id,
		NetworkID: s.opts.NetworkID,
		DeviceID:  ids[r.IntN(len(ids))],
		Timestamp: s.opts.Clock.Now().UTC(),
		IPAddress: fmt.Sprintf("192.168.1.%d", 10+r.IntN(191)),
	}
	if err := s.opts.Store.RecordUsage(ctx, entry, usage); err != nil {
		return nil, err
	}
	entry.Usage = usage
	return entry, nil
}

func (s *Simulator) delay() time.Duration {
	return time.Duration(3+s.opts.Rand.IntN(6)) * time.Second
}

// uniform returns a value in [lo, hi] rounded to two places.
func uniform(r *rand.Rand, lo, hi float64) float64 {
	return math.Round((lo+r.Float64()*(hi-lo))*100) / 100
}
