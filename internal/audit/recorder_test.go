package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesentry/pagesentry/internal/monitor"
)

type captureStore struct {
	entries []monitor.AuditEntry
	err     error
}

func (s *captureStore) AppendAuditEntry(ctx context.Context, entry monitor.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

type fixedSettings struct {
	level monitor.Severity
}

func (s fixedSettings) Get(ctx context.Context) (monitor.RuntimeSettings, error) {
	return monitor.RuntimeSettings{AuditLogLevel: s.level}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestRecordRespectsSeverityThreshold(t *testing.T) {
	t.Parallel()

	store := &captureStore{}
	rec := New(store, fixedSettings{level: monitor.SeverityWarn}, fixedClock{now: time.Unix(1700000000, 0)}, nil)

	rec.Event(context.Background(), monitor.SeverityError, 1, "download_failed", "boom", nil)
	rec.Event(context.Background(), monitor.SeverityWarn, 1, "attachment_missing", "404", nil)
	rec.Event(context.Background(), monitor.SeverityInfo, 1, "link_added", "", nil)
	rec.Event(context.Background(), monitor.SeverityDebug, 1, "probe_ok", "", nil)

	require.Len(t, store.entries, 2)
	require.Equal(t, "download_failed", store.entries[0].Event)
	require.Equal(t, "attachment_missing", store.entries[1].Event)
}

func TestRecordStampsTimeAndDefaultSeverity(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	store := &captureStore{}
	rec := New(store, fixedSettings{level: monitor.SeverityDebug}, fixedClock{now: now}, nil)

	rec.Record(context.Background(), monitor.AuditEntry{MonitorID: 2, Event: "attachment_discovered"})

	require.Len(t, store.entries, 1)
	require.Equal(t, now, store.entries[0].CreatedAt)
	require.Equal(t, monitor.SeverityInfo, store.entries[0].Severity)
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	t.Parallel()

	store := &captureStore{err: errors.New("db down")}
	rec := New(store, fixedSettings{level: monitor.SeverityDebug}, fixedClock{now: time.Unix(1700000000, 0)}, nil)

	rec.Event(context.Background(), monitor.SeverityError, 3, "download_failed", "x", nil)
}

func TestAttachmentEntryCarriesContext(t *testing.T) {
	t.Parallel()

	store := &captureStore{}
	rec := New(store, fixedSettings{level: monitor.SeverityDebug}, fixedClock{now: time.Unix(1700000000, 0)}, nil)

	att := monitor.TrackedAttachment{ID: 9, MonitorID: 4, URL: "https://example.gov/a.pdf"}
	rec.Attachment(context.Background(), monitor.SeverityInfo, att, "attachment_available", "", map[string]any{"status_code": 200})

	require.Len(t, store.entries, 1)
	require.Equal(t, int64(9), store.entries[0].AttachmentID)
	require.Equal(t, int64(4), store.entries[0].MonitorID)
	require.Equal(t, "https://example.gov/a.pdf", store.entries[0].AttachmentURL)
}
