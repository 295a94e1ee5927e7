// Package memory provides an in-memory store for development and testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pagesentry/pagesentry/internal/monitor"
)

// ErrMonitorNotFound is returned for lookups of unknown monitor ids.
var ErrMonitorNotFound = errors.New("monitor not found")

// Store implements monitor.Store entirely in memory. The (monitorID, urlHash)
// uniqueness constraints are enforced the same way the Postgres schema does,
// so the check pipeline behaves identically against either backend.
type Store struct {
	mu sync.RWMutex

	monitors      map[int64]monitor.Monitor
	changes       []monitor.ChangeRecord
	links         map[int64]map[string]monitor.TrackedLink
	attachments   map[int64]map[string]monitor.TrackedAttachment
	audit         []monitor.AuditEntry
	notifications []monitor.NotificationRecord
	settings      map[string]string

	nextChangeID     int64
	nextLinkID       int64
	nextAttachmentID int64
	nextAuditID      int64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		monitors:    make(map[int64]monitor.Monitor),
		links:       make(map[int64]map[string]monitor.TrackedLink),
		attachments: make(map[int64]map[string]monitor.TrackedAttachment),
		settings:    make(map[string]string),
	}
}

// PutMonitor inserts or replaces a monitor row. Configuration CRUD lives
// outside the core; this exists for wiring and tests.
func (s *Store) PutMonitor(_ context.Context, m monitor.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[m.ID] = m
}

// GetMonitor fetches a monitor by id.
func (s *Store) GetMonitor(_ context.Context, id int64) (monitor.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monitors[id]
	if !ok {
		return monitor.Monitor{}, ErrMonitorNotFound
	}
	return m, nil
}

// ListActiveMonitors returns all monitors with status active.
func (s *Store) ListActiveMonitors(_ context.Context) ([]monitor.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Monitor
	for _, m := range s.monitors {
		if m.Status == monitor.StatusActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateMonitorCheckState records the hash/timestamp bookkeeping of one check.
// An empty linksHash leaves the stored links hash untouched.
func (s *Store) UpdateMonitorCheckState(_ context.Context, id int64, contentHash, linksHash string, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		return ErrMonitorNotFound
	}
	if contentHash != "" {
		m.LastContentHash = contentHash
	}
	if linksHash != "" {
		m.LastLinksHash = linksHash
	}
	t := checkedAt
	m.LastCheckTime = &t
	s.monitors[id] = m
	return nil
}

// MarkBaselineProcessed stamps the monitor's baseline link processing time.
func (s *Store) MarkBaselineProcessed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		return ErrMonitorNotFound
	}
	t := at
	m.BaselineProcessed = &t
	s.monitors[id] = m
	return nil
}

// CreateChangeRecord appends an immutable change record.
func (s *Store) CreateChangeRecord(_ context.Context, record monitor.ChangeRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChangeID++
	record.ID = s.nextChangeID
	s.changes = append(s.changes, record)
	return record.ID, nil
}

// ListChangeRecords returns records for a monitor, newest first.
func (s *Store) ListChangeRecords(_ context.Context, monitorID int64, limit int) ([]monitor.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.ChangeRecord
	for i := len(s.changes) - 1; i >= 0; i-- {
		if s.changes[i].MonitorID != monitorID {
			continue
		}
		out = append(out, s.changes[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FindLinkHashes returns the subset of hashes already tracked for the monitor.
func (s *Store) FindLinkHashes(_ context.Context, monitorID int64, hashes []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.links[monitorID]
	found := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		if _, ok := rows[h]; ok {
			found[h] = true
		}
	}
	return found, nil
}

// InsertLinks adds link rows, ignoring duplicates (the losing writer keeps
// the existing row and its first-seen timestamp).
func (s *Store) InsertLinks(_ context.Context, links []monitor.TrackedLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range links {
		rows, ok := s.links[l.MonitorID]
		if !ok {
			rows = make(map[string]monitor.TrackedLink)
			s.links[l.MonitorID] = rows
		}
		if existing, dup := rows[l.URLHash]; dup {
			existing.LastSeenAt = l.LastSeenAt
			rows[l.URLHash] = existing
			continue
		}
		s.nextLinkID++
		l.ID = s.nextLinkID
		rows[l.URLHash] = l
	}
	return nil
}

// TouchLinks refreshes last-seen on existing rows.
func (s *Store) TouchLinks(_ context.Context, monitorID int64, hashes []string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.links[monitorID]
	for _, h := range hashes {
		if l, ok := rows[h]; ok {
			l.LastSeenAt = seenAt
			rows[h] = l
		}
	}
	return nil
}

// ListLinks returns tracked links for a monitor ordered by last seen, newest
// first.
func (s *Store) ListLinks(_ context.Context, monitorID int64, limit int) ([]monitor.TrackedLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.TrackedLink
	for _, l := range s.links[monitorID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertAttachment inserts a tracked attachment or refreshes last-seen on the
// existing (monitorID, urlHash) row. The bool result is true on insert.
func (s *Store) UpsertAttachment(_ context.Context, att monitor.TrackedAttachment) (monitor.TrackedAttachment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.attachments[att.MonitorID]
	if !ok {
		rows = make(map[string]monitor.TrackedAttachment)
		s.attachments[att.MonitorID] = rows
	}
	if existing, dup := rows[att.URLHash]; dup {
		existing.LastSeenAt = att.LastSeenAt
		rows[att.URLHash] = existing
		return existing, false, nil
	}
	s.nextAttachmentID++
	att.ID = s.nextAttachmentID
	rows[att.URLHash] = att
	return att, true, nil
}

// UpdateAttachment replaces a tracked attachment row by (monitorID, urlHash).
func (s *Store) UpdateAttachment(_ context.Context, att monitor.TrackedAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.attachments[att.MonitorID]
	if !ok {
		return errors.New("attachment not tracked")
	}
	if _, exists := rows[att.URLHash]; !exists {
		return errors.New("attachment not tracked")
	}
	rows[att.URLHash] = att
	return nil
}

// ListAttachments returns all tracked attachments for a monitor.
func (s *Store) ListAttachments(_ context.Context, monitorID int64) ([]monitor.TrackedAttachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.TrackedAttachment
	for _, a := range s.attachments[monitorID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendAuditEntry appends one audit row.
func (s *Store) AppendAuditEntry(_ context.Context, entry monitor.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuditID++
	entry.ID = s.nextAuditID
	s.audit = append(s.audit, entry)
	return nil
}

// ListAuditEntries returns audit rows for a monitor at or above the given
// severity, newest first.
func (s *Store) ListAuditEntries(_ context.Context, monitorID int64, minSeverity monitor.Severity, limit int) ([]monitor.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if e.MonitorID != monitorID || e.Severity.Rank() > minSeverity.Rank() {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AppendNotificationRecord appends one delivery attempt row.
func (s *Store) AppendNotificationRecord(_ context.Context, record monitor.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = int64(len(s.notifications) + 1)
	s.notifications = append(s.notifications, record)
	return nil
}

// NotificationRecords returns a copy of all recorded delivery attempts.
func (s *Store) NotificationRecords() []monitor.NotificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.NotificationRecord, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// GetRuntimeSettings returns the raw settings key/value rows.
func (s *Store) GetRuntimeSettings(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

// PutRuntimeSetting upserts one settings row.
func (s *Store) PutRuntimeSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}
