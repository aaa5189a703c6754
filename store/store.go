package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"eventsite/api/models"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken is returned when signing up with an email already in use.
	ErrEmailTaken = errors.New("email already registered")
)

// PostgreSQL error codes the stores translate.
const (
	pqUniqueViolation = "23505"
)

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

// RawSession is the projection of a session row the daily rollup needs.
type RawSession struct {
	ID              string
	Status          models.SessionStatus
	DurationSeconds *int
}

// RawPageView is the projection of a page view row the daily rollup needs.
type RawPageView struct {
	SessionID string
	UserID    string
}

// RawDay is every raw row whose created_at (started_at for sessions) falls on Day.
type RawDay struct {
	Day          time.Time
	Sessions     []RawSession
	PageViews    []RawPageView
	ActionTypes  []string
	Interactions int64
}

// DayTx is the view of the store a rollup gets while holding the lock for one day.
type DayTx interface {
	RawDay(ctx context.Context, day time.Time) (RawDay, error)
	ReplaceDailyAggregate(ctx context.Context, agg models.DailyAggregate) error
}

// dayBounds returns the half-open interval [day, day+1) in UTC.
func dayBounds(day time.Time) (time.Time, time.Time) {
	start := models.Day(day)
	return start, start.AddDate(0, 0, 1)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func identityColumn(id models.Identity) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	userID, ok := id.UserID()
	if !ok {
		return sql.NullString{}
	}
	return sql.NullString{String: userID, Valid: true}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// touchSession moves a session to active, bumps last_seen_at and adds the
// given deltas to its counters in a single statement.
func touchSession(ctx context.Context, ex execer, sessionID string, seenAt time.Time, pages, actions int) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE sessions
		SET pages_viewed = pages_viewed + $3,
			actions_taken = actions_taken + $4,
			last_seen_at = GREATEST(last_seen_at, $2),
			status = CASE WHEN status = 'created' THEN 'active' ELSE status END
		WHERE id = $1
	`, sessionID, seenAt, pages, actions)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
