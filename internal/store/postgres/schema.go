package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS monitors (
		id                      BIGSERIAL PRIMARY KEY,
		name                    TEXT NOT NULL,
		url                     TEXT NOT NULL,
		selector_kind           TEXT NOT NULL DEFAULT '',
		selector_query          TEXT NOT NULL DEFAULT '',
		frequency               TEXT NOT NULL DEFAULT '',
		status                  TEXT NOT NULL DEFAULT 'active',
		track_links             BOOLEAN NOT NULL DEFAULT FALSE,
		link_scope_kind         TEXT NOT NULL DEFAULT '',
		link_scope_query        TEXT NOT NULL DEFAULT '',
		save_html               BOOLEAN NOT NULL DEFAULT FALSE,
		download_attachments    BOOLEAN NOT NULL DEFAULT FALSE,
		download_from_new_links BOOLEAN NOT NULL DEFAULT FALSE,
		attachment_types        TEXT[] NOT NULL DEFAULT '{}',
		match_kind              TEXT NOT NULL DEFAULT '',
		match_pattern           TEXT NOT NULL DEFAULT '',
		match_case_sensitive    BOOLEAN NOT NULL DEFAULT FALSE,
		notify_mail             BOOLEAN NOT NULL DEFAULT FALSE,
		notify_sms              BOOLEAN NOT NULL DEFAULT FALSE,
		notify_webhook          BOOLEAN NOT NULL DEFAULT FALSE,
		mail_list               TEXT NOT NULL DEFAULT '',
		webhook_url             TEXT NOT NULL DEFAULT '',
		sms_phone_list          TEXT NOT NULL DEFAULT '',
		last_content_hash       TEXT NOT NULL DEFAULT '',
		last_links_hash         TEXT NOT NULL DEFAULT '',
		last_check_time         TIMESTAMPTZ,
		baseline_processed_at   TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS change_records (
		id              BIGSERIAL PRIMARY KEY,
		monitor_id      BIGINT NOT NULL,
		check_time      TIMESTAMPTZ NOT NULL,
		change_type     TEXT NOT NULL,
		content_preview TEXT NOT NULL DEFAULT '',
		screenshot_path TEXT NOT NULL DEFAULT '',
		html_path       TEXT NOT NULL DEFAULT '',
		attachments     JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS change_records_monitor_idx ON change_records (monitor_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS tracked_links (
		id             BIGSERIAL PRIMARY KEY,
		monitor_id     BIGINT NOT NULL,
		url            TEXT NOT NULL,
		normalized_url TEXT NOT NULL,
		url_hash       TEXT NOT NULL,
		first_seen_at  TIMESTAMPTZ NOT NULL,
		last_seen_at   TIMESTAMPTZ NOT NULL,
		UNIQUE (monitor_id, url_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS tracked_attachments (
		id                 BIGSERIAL PRIMARY KEY,
		monitor_id         BIGINT NOT NULL,
		url                TEXT NOT NULL,
		normalized_url     TEXT NOT NULL,
		url_hash           TEXT NOT NULL,
		first_seen_at      TIMESTAMPTZ NOT NULL,
		last_seen_at       TIMESTAMPTZ NOT NULL,
		last_checked_at    TIMESTAMPTZ,
		status             TEXT NOT NULL DEFAULT 'discovered',
		last_status_at     TIMESTAMPTZ,
		etag               TEXT NOT NULL DEFAULT '',
		last_modified_at   TIMESTAMPTZ,
		content_length     BIGINT NOT NULL DEFAULT 0,
		last_downloaded_at TIMESTAMPTZ,
		last_error         TEXT NOT NULL DEFAULT '',
		UNIQUE (monitor_id, url_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id             BIGSERIAL PRIMARY KEY,
		monitor_id     BIGINT NOT NULL,
		attachment_id  BIGINT NOT NULL DEFAULT 0,
		attachment_url TEXT NOT NULL DEFAULT '',
		severity       TEXT NOT NULL,
		event          TEXT NOT NULL,
		message        TEXT NOT NULL DEFAULT '',
		meta           JSONB NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_monitor_idx ON audit_log (monitor_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS notification_log (
		id               BIGSERIAL PRIMARY KEY,
		monitor_id       BIGINT NOT NULL,
		change_record_id BIGINT NOT NULL DEFAULT 0,
		channel          TEXT NOT NULL,
		provider         TEXT NOT NULL DEFAULT '',
		recipient        TEXT NOT NULL DEFAULT '',
		outcome          TEXT NOT NULL,
		request_id       TEXT NOT NULL DEFAULT '',
		error_message    TEXT NOT NULL DEFAULT '',
		payload_preview  TEXT NOT NULL DEFAULT '',
		sent_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runtime_settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
