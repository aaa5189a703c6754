// Package rollup computes the daily aggregates from raw telemetry. A rollup
// always rebuilds the whole row for its day from the raw tables, so running
// it again, concurrently or after a crash, converges on the same row.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"eventsite/api/metrics"
	"eventsite/api/models"
	"eventsite/api/store"
	"eventsite/api/utils"
)

// MaxBackfillDays bounds a single backfill request.
const MaxBackfillDays = 366

var ErrInvalidRange = errors.New("invalid rollup range")

type Store interface {
	WithDayLock(ctx context.Context, day time.Time, fn func(tx store.DayTx) error) error
}

type Engine struct {
	store   Store
	logger  *slog.Logger
	clock   quartz.Clock
	metrics *metrics.Metrics
}

type Option func(*Engine)

func WithClock(c quartz.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(s Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		logger: logger.With("component", "rollup"),
		clock:  quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e
}

// RollupDate recomputes and replaces the aggregate for the UTC day containing day.
func (e *Engine) RollupDate(ctx context.Context, day time.Time) (models.DailyAggregate, error) {
	day = models.Day(day)
	start := e.clock.Now()
	var agg models.DailyAggregate
	err := e.store.WithDayLock(ctx, day, func(tx store.DayTx) error {
		raw, err := tx.RawDay(ctx, day)
		if err != nil {
			return err
		}
		agg = Compute(raw)
		return tx.ReplaceDailyAggregate(ctx, agg)
	})
	elapsed := e.clock.Since(start)
	e.metrics.RollupSeconds.Observe(elapsed.Seconds())
	if err != nil {
		e.metrics.RollupsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return models.DailyAggregate{}, fmt.Errorf("rollup %s: %w", models.FormatDay(day), err)
	}
	e.metrics.RollupsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	e.logger.Info("rolled up day",
		"date", models.FormatDay(day),
		"page_views", agg.TotalPageViews,
		"sessions", agg.TotalSessions,
		"duration", elapsed,
	)
	return agg, nil
}

// Backfill rolls up every day in [start, end]. A failed day does not stop
// the rest; all failures are returned joined.
func (e *Engine) Backfill(ctx context.Context, start, end time.Time) (int, error) {
	start, end = models.Day(start), models.Day(end)
	if end.Before(start) {
		return 0, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, models.FormatDay(start), models.FormatDay(end))
	}
	days := utils.DaysBetween(start, end)
	if len(days) > MaxBackfillDays {
		return 0, fmt.Errorf("%w: %d days exceeds the %d day limit", ErrInvalidRange, len(days), MaxBackfillDays)
	}

	var (
		done int
		errs []error
	)
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := e.RollupDate(ctx, day); err != nil {
			e.logger.Error("backfill day failed", "date", models.FormatDay(day), "error", err)
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// RollupPriorDay rolls up yesterday (UTC) relative to the engine clock.
func (e *Engine) RollupPriorDay(ctx context.Context) (models.DailyAggregate, error) {
	return e.RollupDate(ctx, models.Day(e.clock.Now()).AddDate(0, 0, -1))
}

// Compute is the deterministic function from one day's raw rows to its aggregate.
func Compute(raw store.RawDay) models.DailyAggregate {
	agg := models.DailyAggregate{
		Date:                models.Day(raw.Day),
		TotalSessions:       int64(len(raw.Sessions)),
		TotalPageViews:      int64(len(raw.PageViews)),
		TotalActions:        int64(len(raw.ActionTypes)),
		ContentInteractions: raw.Interactions,
	}

	var durationSum, ended int64
	for _, s := range raw.Sessions {
		if s.Status == models.SessionAbandoned {
			agg.AbandonedSessions++
		}
		if s.DurationSeconds != nil {
			durationSum += int64(*s.DurationSeconds)
			ended++
		}
	}
	if ended > 0 {
		agg.AvgSessionSeconds = durationSum / ended
	}

	visitors := make(map[string]struct{}, len(raw.PageViews))
	for _, pv := range raw.PageViews {
		visitors[models.VisitorKey(models.IdentityFromUserID(pv.UserID), pv.SessionID)] = struct{}{}
	}
	agg.UniqueVisitors = int64(len(visitors))

	for _, actionType := range raw.ActionTypes {
		switch actionType {
		case models.ActionPhotoUpload:
			agg.PhotosUploaded++
		case models.ActionRSVPSubmit:
			agg.RSVPsSubmitted++
		case models.ActionGuestbookPost:
			agg.GuestbookPosts++
		}
	}
	return agg
}
