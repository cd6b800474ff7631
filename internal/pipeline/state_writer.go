package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vehicle-blackbox/internal/domain"
	"vehicle-blackbox/internal/metrics"
)

const (
	stateBatchSize     = 100
	stateFlushInterval = 50 * time.Millisecond
)

// DeviceState persists the latest processed reading per device.
type DeviceState interface {
	PipelineStateUpdate(ctx context.Context, r *domain.Reading) error
}

// StateWriter mirrors processed readings into the live device state. It
// sits behind a bounded channel so a slow Redis never stalls the workers.
type StateWriter struct {
	ch     chan *domain.Reading
	state  DeviceState
	logger *zap.Logger
}

func NewStateWriter(size int, state DeviceState, logger *zap.Logger) *StateWriter {
	if size < 1 {
		size = 1
	}
	return &StateWriter{
		ch:     make(chan *domain.Reading, size),
		state:  state,
		logger: logger,
	}
}

// Publish drops the reading when the buffer is full.
func (w *StateWriter) Publish(r *domain.Reading) {
	select {
	case w.ch <- r:
	default:
		metrics.StateChannelDrops.Inc()
	}
}

func (w *StateWriter) Run(ctx context.Context) {
	batch := make([]*domain.Reading, 0, stateBatchSize)
	ticker := time.NewTicker(stateFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-w.ch:
			batch = append(batch, r)
			if len(batch) >= stateBatchSize {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// ctx is already cancelled; the final flush gets a short window of its own
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			w.flushBatch(flushCtx, batch)
			cancel()
			return
		}
	}
}

func (w *StateWriter) flushBatch(ctx context.Context, batch []*domain.Reading) {
	for _, r := range batch {
		if err := w.state.PipelineStateUpdate(ctx, r); err != nil {
			w.logger.Warn("device state update failed",
				zap.String("device_id", r.DeviceID),
				zap.Error(err),
			)
		}
	}
}
