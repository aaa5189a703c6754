// Package query answers dashboard reads. It never writes and never triggers
// a rollup: days without an aggregate row read as zero.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventsite/api/models"
	"eventsite/api/utils"
)

const (
	// MaxRangeDays bounds every date-range query.
	MaxRangeDays = 366

	DefaultPopularLimit = 10
	MaxPopularLimit     = 100
)

var ErrInvalidRange = errors.New("invalid query range")

type Store interface {
	// ListDailyAggregates returns stored aggregates with dates in [start, end].
	ListDailyAggregates(ctx context.Context, start, end time.Time) ([]models.DailyAggregate, error)
	// PopularPages groups raw page views created in [start, end).
	PopularPages(ctx context.Context, start, end time.Time, limit int) ([]models.PopularPage, error)
}

type Service struct {
	store Store
}

func NewService(s Store) *Service {
	return &Service{store: s}
}

func checkRange(start, end time.Time) (time.Time, time.Time, error) {
	start, end = models.Day(start), models.Day(end)
	if end.Before(start) {
		return start, end, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, models.FormatDay(start), models.FormatDay(end))
	}
	if days := int(end.Sub(start).Hours()/24) + 1; days > MaxRangeDays {
		return start, end, fmt.Errorf("%w: %d days exceeds the %d day limit", ErrInvalidRange, days, MaxRangeDays)
	}
	return start, end, nil
}

// GetSummary returns totals and one bucket per day for [start, end]. Days
// without an aggregate row are zero-filled so the series is contiguous.
func (s *Service) GetSummary(ctx context.Context, start, end time.Time) (models.Summary, error) {
	start, end, err := checkRange(start, end)
	if err != nil {
		return models.Summary{}, err
	}

	rows, err := s.store.ListDailyAggregates(ctx, start, end)
	if err != nil {
		return models.Summary{}, fmt.Errorf("list daily aggregates: %w", err)
	}
	byDay := make(map[string]models.DailyAggregate, len(rows))
	for _, row := range rows {
		byDay[models.FormatDay(row.Date)] = row
	}

	days := utils.DaysBetween(start, end)
	summary := models.Summary{Series: make([]models.SummaryBucket, 0, len(days))}
	for _, day := range days {
		key := models.FormatDay(day)
		agg := byDay[key]
		summary.Series = append(summary.Series, models.SummaryBucket{
			Date:      key,
			Sessions:  agg.TotalSessions,
			PageViews: agg.TotalPageViews,
			Actions:   agg.TotalActions,
		})
		summary.Totals.Sessions += agg.TotalSessions
		summary.Totals.PageViews += agg.TotalPageViews
		summary.Totals.Actions += agg.TotalActions
	}
	return summary, nil
}

// GetPopularPages ranks pages viewed during [start, end] by view count,
// breaking ties by path. A zero limit means DefaultPopularLimit.
func (s *Service) GetPopularPages(ctx context.Context, start, end time.Time, limit int) ([]models.PopularPage, error) {
	start, end, err := checkRange(start, end)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultPopularLimit
	}
	if limit < 0 || limit > MaxPopularLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidRange, MaxPopularLimit)
	}

	pages, err := s.store.PopularPages(ctx, start, end.AddDate(0, 0, 1), limit)
	if err != nil {
		return nil, fmt.Errorf("popular pages: %w", err)
	}
	if pages == nil {
		pages = []models.PopularPage{}
	}
	return pages, nil
}
