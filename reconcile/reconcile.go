// Package reconcile periodically closes sessions that stopped reporting
// without an explicit end, marking them abandoned.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"eventsite/api/metrics"
	"eventsite/api/models"
)

type Store interface {
	AbandonIdleSessions(ctx context.Context, cutoff time.Time) (ids []string, ok bool, err error)
}

// Result describes one reconciliation pass. Skipped is set when another
// replica held the reconcile lock.
type Result struct {
	Abandoned []string `json:"abandoned"`
	Skipped   bool     `json:"skipped"`
}

type Reconciler struct {
	store       Store
	logger      *slog.Logger
	clock       quartz.Clock
	idleTimeout time.Duration
	metrics     *metrics.Metrics

	cancel context.CancelFunc
	loop   quartz.Waiter
}

type Option func(*Reconciler)

func WithClock(c quartz.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New starts a reconciler that runs every interval until Close is called.
// Sessions idle for longer than idleTimeout are abandoned.
// It is the caller's responsibility to call Close on the returned instance.
func New(ctx context.Context, s Store, logger *slog.Logger, idleTimeout, interval time.Duration, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       s,
		logger:      logger.With("component", "reconcile"),
		clock:       quartz.NewReal(),
		idleTimeout: idleTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.loop = r.clock.TickerFunc(ctx, interval, func() error {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile sessions", "error", err)
		}
		return nil
	}, "reconcile")
	return r
}

// RunOnce abandons every open session last seen before now minus the idle
// timeout.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	start := r.clock.Now()
	cutoff := start.Add(-r.idleTimeout)
	ids, ok, err := r.store.AbandonIdleSessions(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("abandon sessions idle since %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if !ok {
		r.logger.Debug("reconcile lock held elsewhere, skipping")
		return Result{Skipped: true}, nil
	}
	if len(ids) > 0 {
		r.metrics.SessionsClosed.WithLabelValues(string(models.OutcomeAbandoned)).Add(float64(len(ids)))
		r.logger.Info("abandoned idle sessions",
			"count", len(ids),
			"cutoff", cutoff,
			"duration", r.clock.Since(start),
		)
	}
	return Result{Abandoned: ids}, nil
}

func (r *Reconciler) Close() error {
	r.cancel()
	if err := r.loop.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
