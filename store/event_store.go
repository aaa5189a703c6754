package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"eventsite/api/models"
)

// EventStore appends page views, activity events and content interactions.
// Each insert also touches the owning session in the same transaction.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *EventStore) InsertPageView(ctx context.Context, pv models.PageView) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSession(ctx, tx, pv.SessionID, pv.CreatedAt, 1, 0); err != nil {
			return fmt.Errorf("session %s: %w", pv.SessionID, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO page_views (id, session_id, user_id, page_path, page_title, referrer,
				viewport_width, viewport_height, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, pv.ID, pv.SessionID, identityColumn(pv.Identity), pv.PagePath, pv.PageTitle, nullString(pv.Referrer),
			pv.Viewport.Width, pv.Viewport.Height, pv.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert page view: %w", err)
	}
	return nil
}

// ClosePageView records the exit of a page view once. It reports false when
// the page view was already closed.
func (s *EventStore) ClosePageView(ctx context.Context, id string, timeOnPage int, exitedAt time.Time) (bool, error) {
	var closed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var sessionID string
		err := tx.QueryRowContext(ctx, `
			UPDATE page_views SET time_on_page = $2, exited_at = $3
			WHERE id = $1 AND time_on_page IS NULL
			RETURNING session_id
		`, id, timeOnPage, exitedAt).Scan(&sessionID)
		if err == sql.ErrNoRows {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM page_views WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("page view %s: %w", id, ErrNotFound)
			}
			return nil
		}
		if err != nil {
			return err
		}
		closed = true
		return touchSession(ctx, tx, sessionID, exitedAt, 0, 0)
	})
	if err != nil {
		return false, fmt.Errorf("failed to close page view: %w", err)
	}
	return closed, nil
}

func (s *EventStore) InsertActivity(ctx context.Context, ev models.ActivityEvent) error {
	details := ev.ActionDetails
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal action details: %w", err)
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSession(ctx, tx, ev.SessionID, ev.CreatedAt, 0, 1); err != nil {
			return fmt.Errorf("session %s: %w", ev.SessionID, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO activity_events (id, session_id, user_id, action_type, action_category, action_details, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, ev.ID, ev.SessionID, identityColumn(ev.Identity), ev.ActionType, ev.ActionCategory, string(payload), ev.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert activity event: %w", err)
	}
	return nil
}

func (s *EventStore) InsertContentInteraction(ctx context.Context, ci models.ContentInteraction) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSession(ctx, tx, ci.SessionID, ci.CreatedAt, 0, 0); err != nil {
			return fmt.Errorf("session %s: %w", ci.SessionID, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO content_interactions (id, session_id, user_id, content_type, content_id,
				interaction_type, interaction_value, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, ci.ID, ci.SessionID, identityColumn(ci.Identity), ci.ContentType, ci.ContentID,
			ci.InteractionType, nullString(ci.InteractionValue), ci.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert content interaction: %w", err)
	}
	return nil
}
