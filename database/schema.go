package database

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		email TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'guest',
		hashed_password BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (lower(email))`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		browser TEXT NOT NULL DEFAULT '',
		device_type TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'created',
		started_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		duration_seconds INTEGER,
		pages_viewed INTEGER NOT NULL DEFAULT 0 CHECK (pages_viewed >= 0),
		actions_taken INTEGER NOT NULL DEFAULT 0 CHECK (actions_taken >= 0),
		CHECK ((ended_at IS NULL) = (duration_seconds IS NULL)),
		CHECK (duration_seconds IS NULL OR duration_seconds >= 0)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions (started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions (last_seen_at) WHERE ended_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS page_views (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions (id),
		user_id TEXT,
		page_path TEXT NOT NULL,
		page_title TEXT NOT NULL DEFAULT '',
		referrer TEXT,
		viewport_width INTEGER NOT NULL DEFAULT 0,
		viewport_height INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		time_on_page INTEGER CHECK (time_on_page IS NULL OR time_on_page >= 0),
		exited_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_page_views_created_at ON page_views (created_at)`,

	`CREATE TABLE IF NOT EXISTS activity_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions (id),
		user_id TEXT,
		action_type TEXT NOT NULL,
		action_category TEXT NOT NULL,
		action_details JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_events_created_at ON activity_events (created_at)`,

	`CREATE TABLE IF NOT EXISTS content_interactions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions (id),
		user_id TEXT,
		content_type TEXT NOT NULL,
		content_id TEXT NOT NULL,
		interaction_type TEXT NOT NULL,
		interaction_value TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_content_interactions_created_at ON content_interactions (created_at)`,

	`CREATE TABLE IF NOT EXISTS daily_aggregates (
		date DATE PRIMARY KEY,
		total_sessions BIGINT NOT NULL,
		total_page_views BIGINT NOT NULL,
		unique_visitors BIGINT NOT NULL,
		total_actions BIGINT NOT NULL,
		content_interactions BIGINT NOT NULL,
		photos_uploaded BIGINT NOT NULL,
		rsvps_submitted BIGINT NOT NULL,
		guestbook_posts BIGINT NOT NULL,
		avg_session_seconds BIGINT NOT NULL,
		abandoned_sessions BIGINT NOT NULL
	)`,
}

// Migrate applies the telemetry schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
