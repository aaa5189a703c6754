package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"eventsite/api/database"
	"eventsite/api/models"
)

type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, browser, device_type, os, status, started_at, last_seen_at, pages_viewed, actions_taken)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 0, 0)
	`, sess.ID, identityColumn(sess.Identity), sess.Device.Browser, sess.Device.DeviceType, sess.Device.OS,
		models.SessionCreated, sess.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	var (
		sess     models.Session
		userID   sql.NullString
		status   string
		endedAt  sql.NullTime
		duration sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, browser, device_type, os, status, started_at, last_seen_at,
			ended_at, duration_seconds, pages_viewed, actions_taken
		FROM sessions
		WHERE id = $1
	`, id).Scan(
		&sess.ID, &userID, &sess.Device.Browser, &sess.Device.DeviceType, &sess.Device.OS, &status,
		&sess.StartedAt, &sess.LastSeenAt, &endedAt, &duration, &sess.PagesViewed, &sess.ActionsTaken,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return models.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	sess.Identity = models.IdentityFromUserID(userID.String)
	sess.Status = models.SessionStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		sess.DurationSeconds = &d
	}
	return sess, nil
}

// TouchSession marks the session active and bumps last_seen_at. Counters
// are left alone: they only move when an event row is inserted.
func (s *SessionStore) TouchSession(ctx context.Context, id string, seenAt time.Time) error {
	if err := touchSession(ctx, s.db, id, seenAt, 0, 0); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("session %s: %w", id, err)
		}
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// CloseSession sets ended_at and duration_seconds on an open session. It
// reports false when the session was already closed.
func (s *SessionStore) CloseSession(ctx context.Context, id string, endedAt time.Time, durationSeconds int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET ended_at = $2, duration_seconds = $3, status = 'ended',
			last_seen_at = GREATEST(last_seen_at, $2)
		WHERE id = $1 AND ended_at IS NULL
	`, id, endedAt, durationSeconds)
	if err != nil {
		return false, fmt.Errorf("failed to close session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AbandonIdleSessions closes every open session last seen before cutoff as
// abandoned, ending it at its last activity. Replicas serialize on an
// advisory lock; a replica that loses the race returns ok=false.
func (s *SessionStore) AbandonIdleSessions(ctx context.Context, cutoff time.Time) (ids []string, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, database.LockIDSessionReconcile).Scan(&ok); err != nil {
		return nil, false, fmt.Errorf("acquire reconcile lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE sessions
		SET status = 'abandoned',
			ended_at = last_seen_at,
			duration_seconds = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM (last_seen_at - started_at))))::int
		WHERE ended_at IS NULL AND last_seen_at < $1
		RETURNING id
	`, cutoff)
	if err != nil {
		return nil, false, fmt.Errorf("abandon idle sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false, fmt.Errorf("scan abandoned session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate abandoned sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit reconcile tx: %w", err)
	}
	return ids, true, nil
}
