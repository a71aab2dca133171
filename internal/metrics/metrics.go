// Package metrics instruments the capture and flush pipeline with Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Flush outcome labels.
const (
	OutcomePersisted          = "persisted"
	OutcomeDiscarded          = "discarded"
	OutcomeRegistrationFailed = "registration_failed"
	OutcomePersistFailed      = "persist_failed"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	framesSeen     prometheus.Counter
	framesByDir    *prometheus.CounterVec
	bytesByDir     *prometheus.CounterVec
	flushCycles    prometheus.Counter
	flushEntries   *prometheus.CounterVec
	flushDuration  prometheus.Histogram
	devicesCreated prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		framesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotspot_capture_frames_total",
			Help: "Frames read from the capture source.",
		}),
		framesByDir: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspot_capture_frames_attributed_total",
			Help: "Frames attributed to a client device by direction.",
		}, []string{"direction"}),
		bytesByDir: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspot_capture_bytes_total",
			Help: "Bytes attributed to client devices by direction.",
		}, []string{"direction"}),
		flushCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotspot_flush_cycles_total",
			Help: "Completed flush passes.",
		}),
		flushEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspot_flush_entries_total",
			Help: "Drained device entries by outcome.",
		}, []string{"outcome"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hotspot_flush_duration_seconds",
			Help:    "Duration of one flush pass.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		devicesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotspot_devices_provisioned_total",
			Help: "Devices auto-provisioned from observed traffic.",
		}),
	}
	reg.MustRegister(
		m.framesSeen,
		m.framesByDir,
		m.bytesByDir,
		m.flushCycles,
		m.flushEntries,
		m.flushDuration,
		m.devicesCreated,
	)
	return m
}

// FrameSeen counts one captured frame.
func (m *Metrics) FrameSeen() {
	if m == nil {
		return
	}
	m.framesSeen.Inc()
}

// FrameAttributed counts a frame of n bytes in direction dir.
func (m *Metrics) FrameAttributed(dir string, n int) {
	if m == nil {
		return
	}
	m.framesByDir.WithLabelValues(dir).Inc()
	m.bytesByDir.WithLabelValues(dir).Add(float64(n))
}

// FlushEntry counts one drained entry with its outcome.
func (m *Metrics) FlushEntry(outcome string) {
	if m == nil {
		return
	}
	m.flushEntries.WithLabelValues(outcome).Inc()
}

// FlushDone records a finished flush pass.
func (m *Metrics) FlushDone(d time.Duration) {
	if m == nil {
		return
	}
	m.flushCycles.Inc()
	m.flushDuration.Observe(d.Seconds())
}

// DeviceProvisioned counts a device created by the registry.
func (m *Metrics) DeviceProvisioned() {
	if m == nil {
		return
	}
	m.devicesCreated.Inc()
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
