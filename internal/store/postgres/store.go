// Package postgres provides the Postgres-backed persistence implementation.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagesentry/pagesentry/internal/monitor"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements monitor.Store on Postgres.
type Store struct {
	pool pgxPool
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const monitorColumns = `
	id, name, url, selector_kind, selector_query, frequency, status,
	track_links, link_scope_kind, link_scope_query, save_html,
	download_attachments, download_from_new_links, attachment_types,
	match_kind, match_pattern, match_case_sensitive,
	notify_mail, notify_sms, notify_webhook, mail_list, webhook_url, sms_phone_list,
	last_content_hash, last_links_hash, last_check_time, baseline_processed_at`

func scanMonitor(row pgx.Row) (monitor.Monitor, error) {
	var m monitor.Monitor
	err := row.Scan(
		&m.ID, &m.Name, &m.URL, &m.Selector.Kind, &m.Selector.Query, &m.Frequency, &m.Status,
		&m.TrackLinks, &m.LinkScope.Kind, &m.LinkScope.Query, &m.SaveHTML,
		&m.DownloadAttachments, &m.DownloadFromNewLinks, &m.AttachmentTypes,
		&m.Match.Kind, &m.Match.Pattern, &m.Match.CaseSensitive,
		&m.NotifyMail, &m.NotifySMS, &m.NotifyWebhook, &m.MailList, &m.WebhookURL, &m.SMSPhoneList,
		&m.LastContentHash, &m.LastLinksHash, &m.LastCheckTime, &m.BaselineProcessed,
	)
	if err != nil {
		return monitor.Monitor{}, err
	}
	return m, nil
}

// GetMonitor fetches a monitor by id.
func (s *Store) GetMonitor(ctx context.Context, id int64) (monitor.Monitor, error) {
	query := `SELECT` + monitorColumns + ` FROM monitors WHERE id = $1`
	m, err := scanMonitor(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return monitor.Monitor{}, fmt.Errorf("get monitor %d: %w", id, err)
	}
	return m, nil
}

// ListActiveMonitors returns all monitors with status active.
func (s *Store) ListActiveMonitors(ctx context.Context) ([]monitor.Monitor, error) {
	query := `SELECT` + monitorColumns + ` FROM monitors WHERE status = 'active' ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active monitors: %w", err)
	}
	defer rows.Close()

	var out []monitor.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active monitors: %w", err)
	}
	return out, nil
}

// UpdateMonitorCheckState records hash/timestamp bookkeeping for one check.
// Empty hashes keep the stored values.
func (s *Store) UpdateMonitorCheckState(ctx context.Context, id int64, contentHash, linksHash string, checkedAt time.Time) error {
	query := `
UPDATE monitors SET
	last_content_hash = COALESCE(NULLIF($2, ''), last_content_hash),
	last_links_hash   = COALESCE(NULLIF($3, ''), last_links_hash),
	last_check_time   = $4
WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id, contentHash, linksHash, checkedAt); err != nil {
		return fmt.Errorf("update monitor check state: %w", err)
	}
	return nil
}

// MarkBaselineProcessed stamps the baseline link processing time.
func (s *Store) MarkBaselineProcessed(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE monitors SET baseline_processed_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("mark baseline processed: %w", err)
	}
	return nil
}

// CreateChangeRecord appends an immutable change record and returns its id.
func (s *Store) CreateChangeRecord(ctx context.Context, record monitor.ChangeRecord) (int64, error) {
	attachments, err := json.Marshal(record.Attachments)
	if err != nil {
		return 0, fmt.Errorf("marshal attachments: %w", err)
	}
	query := `
INSERT INTO change_records (monitor_id, check_time, change_type, content_preview, screenshot_path, html_path, attachments)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`
	var id int64
	err = s.pool.QueryRow(ctx, query,
		record.MonitorID, record.CheckTime, record.ChangeType,
		record.ContentPreview, record.ScreenshotPath, record.HTMLPath, attachments,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert change record: %w", err)
	}
	return id, nil
}

// ListChangeRecords returns records for a monitor, newest first.
func (s *Store) ListChangeRecords(ctx context.Context, monitorID int64, limit int) ([]monitor.ChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT id, monitor_id, check_time, change_type, content_preview, screenshot_path, html_path, attachments
FROM change_records WHERE monitor_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list change records: %w", err)
	}
	defer rows.Close()

	var out []monitor.ChangeRecord
	for rows.Next() {
		var r monitor.ChangeRecord
		var attachments []byte
		if err := rows.Scan(&r.ID, &r.MonitorID, &r.CheckTime, &r.ChangeType,
			&r.ContentPreview, &r.ScreenshotPath, &r.HTMLPath, &attachments); err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
				return nil, fmt.Errorf("unmarshal attachments: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list change records: %w", err)
	}
	return out, nil
}

// FindLinkHashes returns the subset of hashes already tracked for the monitor.
func (s *Store) FindLinkHashes(ctx context.Context, monitorID int64, hashes []string) (map[string]bool, error) {
	found := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return found, nil
	}
	query := `SELECT url_hash FROM tracked_links WHERE monitor_id = $1 AND url_hash = ANY($2)`
	rows, err := s.pool.Query(ctx, query, monitorID, hashes)
	if err != nil {
		return nil, fmt.Errorf("find link hashes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan link hash: %w", err)
		}
		found[h] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find link hashes: %w", err)
	}
	return found, nil
}

// InsertLinks adds link rows; a concurrent duplicate degrades to a last-seen
// refresh via the unique (monitor_id, url_hash) constraint.
func (s *Store) InsertLinks(ctx context.Context, links []monitor.TrackedLink) error {
	query := `
INSERT INTO tracked_links (monitor_id, url, normalized_url, url_hash, first_seen_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (monitor_id, url_hash) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`
	for _, l := range links {
		if _, err := s.pool.Exec(ctx, query,
			l.MonitorID, l.URL, l.NormalizedURL, l.URLHash, l.FirstSeenAt, l.LastSeenAt); err != nil {
			return fmt.Errorf("insert link %s: %w", l.URLHash, err)
		}
	}
	return nil
}

// TouchLinks refreshes last-seen on existing rows.
func (s *Store) TouchLinks(ctx context.Context, monitorID int64, hashes []string, seenAt time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	query := `UPDATE tracked_links SET last_seen_at = $3 WHERE monitor_id = $1 AND url_hash = ANY($2)`
	if _, err := s.pool.Exec(ctx, query, monitorID, hashes, seenAt); err != nil {
		return fmt.Errorf("touch links: %w", err)
	}
	return nil
}

// ListLinks returns tracked links for a monitor, most recently seen first.
func (s *Store) ListLinks(ctx context.Context, monitorID int64, limit int) ([]monitor.TrackedLink, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
SELECT id, monitor_id, url, normalized_url, url_hash, first_seen_at, last_seen_at
FROM tracked_links WHERE monitor_id = $1 ORDER BY last_seen_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []monitor.TrackedLink
	for rows.Next() {
		var l monitor.TrackedLink
		if err := rows.Scan(&l.ID, &l.MonitorID, &l.URL, &l.NormalizedURL, &l.URLHash, &l.FirstSeenAt, &l.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return out, nil
}

const attachmentColumns = `
	id, monitor_id, url, normalized_url, url_hash, first_seen_at, last_seen_at,
	last_checked_at, status, last_status_at, etag, last_modified_at,
	content_length, last_downloaded_at, last_error`

func scanAttachment(row pgx.Row) (monitor.TrackedAttachment, error) {
	var a monitor.TrackedAttachment
	err := row.Scan(
		&a.ID, &a.MonitorID, &a.URL, &a.NormalizedURL, &a.URLHash, &a.FirstSeenAt, &a.LastSeenAt,
		&a.LastCheckedAt, &a.Status, &a.LastStatusAt, &a.ETag, &a.LastModifiedAt,
		&a.ContentLength, &a.LastDownloadedAt, &a.LastError,
	)
	return a, err
}

// UpsertAttachment inserts a tracked attachment or refreshes last-seen on the
// existing row. The bool result reports whether a row was created.
func (s *Store) UpsertAttachment(ctx context.Context, att monitor.TrackedAttachment) (monitor.TrackedAttachment, bool, error) {
	query := `
INSERT INTO tracked_attachments (monitor_id, url, normalized_url, url_hash, first_seen_at, last_seen_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (monitor_id, url_hash) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
RETURNING` + attachmentColumns + `, (xmax = 0) AS inserted`
	var a monitor.TrackedAttachment
	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		att.MonitorID, att.URL, att.NormalizedURL, att.URLHash, att.FirstSeenAt, att.LastSeenAt, att.Status,
	).Scan(
		&a.ID, &a.MonitorID, &a.URL, &a.NormalizedURL, &a.URLHash, &a.FirstSeenAt, &a.LastSeenAt,
		&a.LastCheckedAt, &a.Status, &a.LastStatusAt, &a.ETag, &a.LastModifiedAt,
		&a.ContentLength, &a.LastDownloadedAt, &a.LastError, &inserted,
	)
	if err != nil {
		return monitor.TrackedAttachment{}, false, fmt.Errorf("upsert attachment: %w", err)
	}
	return a, inserted, nil
}

// UpdateAttachment replaces the mutable fields of a tracked attachment row.
func (s *Store) UpdateAttachment(ctx context.Context, att monitor.TrackedAttachment) error {
	query := `
UPDATE tracked_attachments SET
	last_seen_at = $3, last_checked_at = $4, status = $5, last_status_at = $6,
	etag = $7, last_modified_at = $8, content_length = $9,
	last_downloaded_at = $10, last_error = $11
WHERE monitor_id = $1 AND url_hash = $2`
	if _, err := s.pool.Exec(ctx, query,
		att.MonitorID, att.URLHash, att.LastSeenAt, att.LastCheckedAt, att.Status, att.LastStatusAt,
		att.ETag, att.LastModifiedAt, att.ContentLength, att.LastDownloadedAt, att.LastError,
	); err != nil {
		return fmt.Errorf("update attachment: %w", err)
	}
	return nil
}

// ListAttachments returns all tracked attachments for a monitor.
func (s *Store) ListAttachments(ctx context.Context, monitorID int64) ([]monitor.TrackedAttachment, error) {
	query := `SELECT` + attachmentColumns + ` FROM tracked_attachments WHERE monitor_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, monitorID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []monitor.TrackedAttachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return out, nil
}

// AppendAuditEntry appends one audit row.
func (s *Store) AppendAuditEntry(ctx context.Context, entry monitor.AuditEntry) error {
	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return fmt.Errorf("marshal audit meta: %w", err)
	}
	query := `
INSERT INTO audit_log (monitor_id, attachment_id, attachment_url, severity, event, message, meta, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.pool.Exec(ctx, query,
		entry.MonitorID, entry.AttachmentID, entry.AttachmentURL,
		entry.Severity, entry.Event, entry.Message, meta, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns audit rows at or above the given severity, newest first.
func (s *Store) ListAuditEntries(ctx context.Context, monitorID int64, minSeverity monitor.Severity, limit int) ([]monitor.AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	allowed := make([]string, 0, 4)
	for _, sev := range []monitor.Severity{monitor.SeverityError, monitor.SeverityWarn, monitor.SeverityInfo, monitor.SeverityDebug} {
		if sev.Rank() <= minSeverity.Rank() {
			allowed = append(allowed, string(sev))
		}
	}
	query := `
SELECT id, monitor_id, attachment_id, attachment_url, severity, event, message, meta, created_at
FROM audit_log WHERE monitor_id = $1 AND severity = ANY($2) ORDER BY id DESC LIMIT $3`
	rows, err := s.pool.Query(ctx, query, monitorID, allowed, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []monitor.AuditEntry
	for rows.Next() {
		var e monitor.AuditEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.MonitorID, &e.AttachmentID, &e.AttachmentURL,
			&e.Severity, &e.Event, &e.Message, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal audit meta: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return out, nil
}

// AppendNotificationRecord appends one delivery attempt row.
func (s *Store) AppendNotificationRecord(ctx context.Context, record monitor.NotificationRecord) error {
	query := `
INSERT INTO notification_log (monitor_id, change_record_id, channel, provider, recipient, outcome, request_id, error_message, payload_preview, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := s.pool.Exec(ctx, query,
		record.MonitorID, record.ChangeRecordID, record.Channel, record.Provider,
		record.Recipient, record.Outcome, record.RequestID, record.ErrorMessage,
		record.PayloadPreview, record.SentAt,
	); err != nil {
		return fmt.Errorf("insert notification record: %w", err)
	}
	return nil
}

// GetRuntimeSettings returns all settings key/value rows.
func (s *Store) GetRuntimeSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM runtime_settings`)
	if err != nil {
		return nil, fmt.Errorf("get runtime settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get runtime settings: %w", err)
	}
	return out, nil
}

// PutRuntimeSetting upserts one settings row.
func (s *Store) PutRuntimeSetting(ctx context.Context, key, value string) error {
	query := `
INSERT INTO runtime_settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("put runtime setting: %w", err)
	}
	return nil
}
