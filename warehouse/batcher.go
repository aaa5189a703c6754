// Package warehouse mirrors stored telemetry events into the ClickHouse
// warehouse in batches. Mirroring is best-effort: a failed batch is logged
// and dropped, and never affects the primary write.
package warehouse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"eventsite/api/metrics"
	"eventsite/api/models"
)

const (
	DefaultBatchSize     = 500
	DefaultFlushInterval = 10 * time.Second

	flushTimeout = 30 * time.Second
)

type Inserter interface {
	InsertEvents(ctx context.Context, events []models.WarehouseEvent) error
}

// Batcher buffers events and flushes them on an interval, when the buffer
// fills, and once more on Close.
type Batcher struct {
	inserter  Inserter
	logger    *slog.Logger
	clock     quartz.Clock
	interval  time.Duration
	batchSize int
	metrics   *metrics.Metrics

	mu     sync.Mutex
	buf    []models.WarehouseEvent
	closed bool

	flushLever chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

type Option func(b *Batcher)

func WithClock(c quartz.Clock) Option {
	return func(b *Batcher) { b.clock = c }
}

func WithInterval(d time.Duration) Option {
	return func(b *Batcher) { b.interval = d }
}

func WithBatchSize(size int) Option {
	return func(b *Batcher) { b.batchSize = size }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Batcher) { b.metrics = m }
}

// New starts a batcher. It is the caller's responsibility to call Close.
func New(inserter Inserter, logger *slog.Logger, opts ...Option) *Batcher {
	b := &Batcher{
		inserter:   inserter,
		logger:     logger.With("component", "warehouse"),
		clock:      quartz.NewReal(),
		interval:   DefaultFlushInterval,
		batchSize:  DefaultBatchSize,
		flushLever: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metrics.New(nil)
	}
	b.buf = make([]models.WarehouseEvent, 0, b.batchSize)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	ticker := b.clock.NewTicker(b.interval, "warehouse", "flush")
	go b.run(ctx, ticker)
	return b
}

// Add queues ev for the next flush. Events added after Close are dropped.
func (b *Batcher) Add(ev models.WarehouseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.buf = append(b.buf, ev)
	if len(b.buf) >= b.batchSize {
		select {
		case b.flushLever <- struct{}{}:
		default:
		}
	}
}

func (b *Batcher) run(ctx context.Context, ticker *quartz.Ticker) {
	defer close(b.done)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush("interval")
		case <-b.flushLever:
			b.flush("full buffer")
		case <-ctx.Done():
			b.flush("shutdown")
			return
		}
	}
}

func (b *Batcher) flush(reason string) {
	b.mu.Lock()
	batch := b.buf
	b.buf = make([]models.WarehouseEvent, 0, b.batchSize)
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	start := b.clock.Now()
	if err := b.inserter.InsertEvents(ctx, batch); err != nil {
		b.metrics.WarehouseBatches.WithLabelValues(metrics.ResultFailure).Inc()
		b.logger.Warn("drop warehouse batch", "count", len(batch), "reason", reason, "error", err)
		return
	}
	b.metrics.WarehouseBatches.WithLabelValues(metrics.ResultSuccess).Inc()
	b.metrics.WarehouseEvents.Add(float64(len(batch)))
	b.logger.Debug("flushed warehouse batch", "count", len(batch), "reason", reason, "duration", b.clock.Since(start))
}

// Close flushes whatever is buffered and stops the batcher.
func (b *Batcher) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	<-b.done
	return nil
}
