package postgres

import (
	"context"
	"fmt"
)

// schema creates the document tables. Each row keeps the full document in doc
// and copies the fields queries filter or sort on into plain columns.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS targets (
	id       TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	active   BOOLEAN NOT NULL,
	paused   BOOLEAN NOT NULL,
	doc      JSONB NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS change_records (
	seq        BIGSERIAL,
	id         TEXT PRIMARY KEY,
	target_id  TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	page_url   TEXT NOT NULL,
	status     TEXT NOT NULL,
	scraped_at TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS change_records_target_scraped ON change_records (target_id, scraped_at DESC, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS change_records_checking ON change_records (target_id) WHERE status = 'checking'`,
	`CREATE TABLE IF NOT EXISTS crawl_sessions (
	id         TEXT PRIMARY KEY,
	target_id  TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS crawl_sessions_target_status ON crawl_sessions (target_id, status)`,
	`CREATE TABLE IF NOT EXISTS change_alerts (
	id               TEXT PRIMARY KEY,
	target_id        TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	change_record_id TEXT NOT NULL UNIQUE,
	read             BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	doc              JSONB NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS change_alerts_owner ON change_alerts (owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS notification_preferences (
	owner_id TEXT PRIMARY KEY,
	doc      JSONB NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS delivery_records (
	id               TEXT PRIMARY KEY,
	target_id        TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	change_record_id TEXT NOT NULL,
	at               TIMESTAMPTZ NOT NULL,
	doc              JSONB NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS delivery_records_target ON delivery_records (target_id, at DESC)`,
}

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
