// Package monitor wires the capture loop, aggregator, registry and flush
// scheduler into one long-running process.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vesaa/hotspotmon/internal/aggregate"
	"github.com/vesaa/hotspotmon/internal/capture"
	"github.com/vesaa/hotspotmon/internal/config"
	"github.com/vesaa/hotspotmon/internal/flush"
	"github.com/vesaa/hotspotmon/internal/identity"
	"github.com/vesaa/hotspotmon/internal/metrics"
	"github.com/vesaa/hotspotmon/internal/registry"
	"github.com/vesaa/hotspotmon/internal/store"
)

// Monitor is the traffic attribution process for one interface.
type Monitor struct {
	cfg   *config.Config
	log   *zap.Logger
	clock quartz.Clock
	reg   *prometheus.Registry
	met   *metrics.Metrics

	resolveLocal func(name string, prefixLen int) (identity.Local, error)
	openSource   func(cfg *config.Config) (capture.Source, error)
}

// New returns a Monitor for cfg.
func New(cfg *config.Config, log *zap.Logger) *Monitor {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Monitor{
		cfg:          cfg,
		log:          log.Named("monitor"),
		clock:        quartz.NewReal(),
		reg:          reg,
		met:          metrics.New(reg),
		resolveLocal: identity.Resolve,
		openSource:   capture.Open,
	}
}

// Run captures until ctx is done, the capture source is exhausted or fails.
// Counters still held in memory are flushed before Run returns. Identity
// resolution and capture failures are returned; everything else is logged.
func (m *Monitor) Run(ctx context.Context) error {
	cfg := m.cfg

	local, err := m.resolveLocal(cfg.Interface, cfg.SubnetPrefixLen)
	if err != nil {
		return fmt.Errorf("resolving local identity of %s: %w", cfg.Interface, err)
	}
	m.log.Info("local identity",
		zap.String("interface", cfg.Interface),
		zap.Stringer("ip", local.IP),
		zap.Stringer("mac", local.HardwareAddr),
		zap.Stringer("subnet", local.Subnet),
	)

	st, err := store.Open(cfg, m.log)
	if err != nil {
		return err
	}
	defer st.Close()

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("creating id generator: %w", err)
	}

	owner := registry.DefaultOwner(ctx, st, cfg.DefaultOwnerName, cfg.DefaultOwnerID, m.log)
	agg := aggregate.New()
	sched := flush.New(flush.Options{
		Interval:  cfg.FlushInterval(),
		NetworkID: cfg.NetworkID,
		Precision: cfg.MBPrecision,
		Source:    agg,
		Resolver:  registry.New(st, node, owner, m.log, m.met),
		Recorder:  st,
		IDs:       node,
		Clock:     m.clock,
		Log:       m.log,
		Metrics:   m.met,
	})

	src, err := m.openSource(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", capture.ErrCaptureFault, err)
	}
	loop := capture.NewLoop(src, local, agg, m.log, m.met)

	// The scheduler outlives the capture group so it can run the final pass
	// after capture has stopped.
	flushCtx, stopFlush := context.WithCancel(context.WithoutCancel(ctx))
	flushDone := make(chan error, 1)
	go func() { flushDone <- sched.Run(flushCtx) }()

	var purger *cron.Cron
	if cfg.RetentionDays > 0 {
		purger = cron.New()
		if _, err := purger.AddFunc("@daily", func() { m.purge(ctx, st) }); err != nil {
			m.log.Error("scheduling retention job", zap.Error(err))
		} else {
			purger.Start()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// Stop the rest of the group once capture ends for any reason, and
		// close the source only after the loop has stopped reading from it.
		defer cancel()
		defer src.Close()
		return loop.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		// Metrics are optional: a listener failure is logged, capture goes on.
		g.Go(func() error {
			if err := metrics.Serve(gctx, cfg.MetricsAddr, m.reg, m.log); err != nil {
				m.log.Error("metrics server failed", zap.String("addr", cfg.MetricsAddr), zap.Error(err))
			}
			return nil
		})
	}
	runErr := g.Wait()

	if purger != nil {
		<-purger.Stop().Done()
	}
	stopFlush()
	<-flushDone

	if runErr != nil {
		m.log.Error("monitor stopped", zap.Error(runErr))
		return runErr
	}
	m.log.Info("monitor stopped")
	return nil
}

// Gatherer exposes the process metrics.
func (m *Monitor) Gatherer() prometheus.Gatherer { return m.reg }

func (m *Monitor) purge(ctx context.Context, st *store.Store) {
	cutoff := m.clock.Now().UTC().Add(-time.Duration(m.cfg.RetentionDays) * 24 * time.Hour)
	n, err := st.PurgeBefore(ctx, cutoff)
	if err != nil {
		m.log.Error("retention purge failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return
	}
	m.log.Info("retention purge done", zap.Time("cutoff", cutoff), zap.Int64("logs_removed", n))
}
