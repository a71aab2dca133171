package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/vesaa/hotspotmon/internal/classify"
	"github.com/vesaa/hotspotmon/internal/identity"
	"github.com/vesaa/hotspotmon/internal/metrics"
)

// Sink receives attributed verdicts. The verdict's HardwareAddr aliases the
// capture buffer and must be copied if retained past Apply.
type Sink interface {
	Apply(v classify.Verdict)
}

// Loop pulls frames from a Source and feeds non-ignored verdicts to a Sink.
type Loop struct {
	src        Source
	decoder    *classify.Decoder
	classifier *classify.Classifier
	sink       Sink
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewLoop returns a Loop classifying against local.
func NewLoop(src Source, local identity.Local, sink Sink, log *zap.Logger, m *metrics.Metrics) *Loop {
	return &Loop{
		src:        src,
		decoder:    classify.NewDecoder(),
		classifier: classify.New(local),
		sink:       sink,
		log:        log.Named("capture"),
		metrics:    m,
	}
}

// Run reads until ctx is done or the source is exhausted, both of which
// return nil. Any other source error is fatal and wrapped in ErrCaptureFault.
// ctx is checked between reads, so a live source must time out its reads.
func (l *Loop) Run(ctx context.Context) error {
	var frames uint64
	defer func() {
		fields := []zap.Field{zap.Uint64("frames", frames)}
		if st, ok := l.src.(interface {
			Drops() (uint, uint, error)
		}); ok {
			if packets, drops, err := st.Drops(); err == nil {
				fields = append(fields, zap.Uint("kernel_packets", packets), zap.Uint("kernel_drops", drops))
			}
		}
		l.log.Info("capture stopped", fields...)
	}()

	l.log.Info("capture started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		data, ci, err := l.src.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, ErrIdle):
			continue
		case errors.Is(err, io.EOF):
			l.log.Info("capture source exhausted")
			return nil
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrCaptureFault, err)
		}

		frames++
		l.handle(data, ci.Length)
	}
}

func (l *Loop) handle(data []byte, length int) {
	l.metrics.FrameSeen()
	v := l.classifier.Classify(l.decoder.Decode(data, length))
	if v.Direction == classify.Ignore {
		return
	}
	l.sink.Apply(v)
	l.metrics.FrameAttributed(v.Direction.String(), v.Length)
}
