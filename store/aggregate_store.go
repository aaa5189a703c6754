package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"eventsite/api/database"
	"eventsite/api/models"
)

// AggregateStore owns daily_aggregates and the raw reads that feed it.
type AggregateStore struct {
	db *sql.DB
}

func NewAggregateStore(db *sql.DB) *AggregateStore {
	return &AggregateStore{db: db}
}

// WithDayLock runs fn inside a transaction holding the advisory lock for day.
// Concurrent rollups of the same day queue behind each other; readers never
// see a partially replaced row because the replace commits with the lock.
func (s *AggregateStore) WithDayLock(ctx context.Context, day time.Time, fn func(tx DayTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollup tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, database.RollupLockID(models.FormatDay(day))); err != nil {
		return fmt.Errorf("acquire rollup lock for %s: %w", models.FormatDay(day), err)
	}
	if err := fn(&dayTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollup for %s: %w", models.FormatDay(day), err)
	}
	return nil
}

type dayTx struct {
	tx *sql.Tx
}

func (d *dayTx) RawDay(ctx context.Context, day time.Time) (RawDay, error) {
	start, end := dayBounds(day)
	raw := RawDay{Day: start}

	rows, err := d.tx.QueryContext(ctx, `
		SELECT id, status, duration_seconds FROM sessions
		WHERE started_at >= $1 AND started_at < $2
		ORDER BY id
	`, start, end)
	if err != nil {
		return RawDay{}, fmt.Errorf("query sessions for rollup: %w", err)
	}
	for rows.Next() {
		var (
			rs       RawSession
			status   string
			duration sql.NullInt64
		)
		if err := rows.Scan(&rs.ID, &status, &duration); err != nil {
			rows.Close()
			return RawDay{}, fmt.Errorf("scan session for rollup: %w", err)
		}
		rs.Status = models.SessionStatus(status)
		if duration.Valid {
			v := int(duration.Int64)
			rs.DurationSeconds = &v
		}
		raw.Sessions = append(raw.Sessions, rs)
	}
	if err := rows.Err(); err != nil {
		return RawDay{}, fmt.Errorf("iterate sessions for rollup: %w", err)
	}
	rows.Close()

	rows, err = d.tx.QueryContext(ctx, `
		SELECT session_id, COALESCE(user_id, '') FROM page_views
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY id
	`, start, end)
	if err != nil {
		return RawDay{}, fmt.Errorf("query page views for rollup: %w", err)
	}
	for rows.Next() {
		var pv RawPageView
		if err := rows.Scan(&pv.SessionID, &pv.UserID); err != nil {
			rows.Close()
			return RawDay{}, fmt.Errorf("scan page view for rollup: %w", err)
		}
		raw.PageViews = append(raw.PageViews, pv)
	}
	if err := rows.Err(); err != nil {
		return RawDay{}, fmt.Errorf("iterate page views for rollup: %w", err)
	}
	rows.Close()

	rows, err = d.tx.QueryContext(ctx, `
		SELECT action_type FROM activity_events
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY id
	`, start, end)
	if err != nil {
		return RawDay{}, fmt.Errorf("query activity events for rollup: %w", err)
	}
	for rows.Next() {
		var actionType string
		if err := rows.Scan(&actionType); err != nil {
			rows.Close()
			return RawDay{}, fmt.Errorf("scan activity event for rollup: %w", err)
		}
		raw.ActionTypes = append(raw.ActionTypes, actionType)
	}
	if err := rows.Err(); err != nil {
		return RawDay{}, fmt.Errorf("iterate activity events for rollup: %w", err)
	}
	rows.Close()

	err = d.tx.QueryRowContext(ctx, `
		SELECT count(*) FROM content_interactions
		WHERE created_at >= $1 AND created_at < $2
	`, start, end).Scan(&raw.Interactions)
	if err != nil {
		return RawDay{}, fmt.Errorf("count content interactions for rollup: %w", err)
	}
	return raw, nil
}

// ReplaceDailyAggregate overwrites every column of the row for agg.Date.
func (d *dayTx) ReplaceDailyAggregate(ctx context.Context, agg models.DailyAggregate) error {
	_, err := d.tx.ExecContext(ctx, `
		INSERT INTO daily_aggregates (date, total_sessions, total_page_views, unique_visitors, total_actions,
			content_interactions, photos_uploaded, rsvps_submitted, guestbook_posts, avg_session_seconds, abandoned_sessions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (date) DO UPDATE SET
			total_sessions = excluded.total_sessions,
			total_page_views = excluded.total_page_views,
			unique_visitors = excluded.unique_visitors,
			total_actions = excluded.total_actions,
			content_interactions = excluded.content_interactions,
			photos_uploaded = excluded.photos_uploaded,
			rsvps_submitted = excluded.rsvps_submitted,
			guestbook_posts = excluded.guestbook_posts,
			avg_session_seconds = excluded.avg_session_seconds,
			abandoned_sessions = excluded.abandoned_sessions
	`, models.FormatDay(agg.Date), agg.TotalSessions, agg.TotalPageViews, agg.UniqueVisitors, agg.TotalActions,
		agg.ContentInteractions, agg.PhotosUploaded, agg.RSVPsSubmitted, agg.GuestbookPosts,
		agg.AvgSessionSeconds, agg.AbandonedSessions)
	if err != nil {
		return fmt.Errorf("replace daily aggregate %s: %w", models.FormatDay(agg.Date), err)
	}
	return nil
}

// ListDailyAggregates returns the stored rows for days in [start, end], ordered by date.
func (s *AggregateStore) ListDailyAggregates(ctx context.Context, start, end time.Time) ([]models.DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, total_sessions, total_page_views, unique_visitors, total_actions, content_interactions,
			photos_uploaded, rsvps_submitted, guestbook_posts, avg_session_seconds, abandoned_sessions
		FROM daily_aggregates
		WHERE date >= $1 AND date <= $2
		ORDER BY date ASC
	`, models.FormatDay(start), models.FormatDay(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily aggregates: %w", err)
	}
	defer rows.Close()

	var results []models.DailyAggregate
	for rows.Next() {
		var agg models.DailyAggregate
		if err := rows.Scan(&agg.Date, &agg.TotalSessions, &agg.TotalPageViews, &agg.UniqueVisitors,
			&agg.TotalActions, &agg.ContentInteractions, &agg.PhotosUploaded, &agg.RSVPsSubmitted,
			&agg.GuestbookPosts, &agg.AvgSessionSeconds, &agg.AbandonedSessions); err != nil {
			return nil, fmt.Errorf("scan daily aggregate: %w", err)
		}
		agg.Date = models.Day(agg.Date)
		results = append(results, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily aggregates: %w", err)
	}
	return results, nil
}

// PopularPages reads raw page views in [start, end) grouped by path. Ties on
// view count are broken by path so the order is deterministic.
func (s *AggregateStore) PopularPages(ctx context.Context, start, end time.Time, limit int) ([]models.PopularPage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_path,
			count(*) AS view_count,
			count(DISTINCT COALESCE('user:' || user_id, 'session:' || session_id)) AS unique_visitors,
			COALESCE(avg(time_on_page), 0)::float8 AS avg_time
		FROM page_views
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY page_path
		ORDER BY view_count DESC, page_path COLLATE "C" ASC
		LIMIT $3
	`, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query popular pages: %w", err)
	}
	defer rows.Close()

	var results []models.PopularPage
	for rows.Next() {
		var p models.PopularPage
		if err := rows.Scan(&p.PagePath, &p.ViewCount, &p.UniqueVisitors, &p.AvgTime); err != nil {
			return nil, fmt.Errorf("scan popular page: %w", err)
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating popular pages: %w", err)
	}
	return results, nil
}
