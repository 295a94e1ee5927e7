package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesentry/pagesentry/internal/monitor"
)

func TestStore_MonitorCheckState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	s.PutMonitor(ctx, monitor.Monitor{ID: 1, Status: monitor.StatusActive})

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateMonitorCheckState(ctx, 1, "hash-a", "links-a", at))

	m, err := s.GetMonitor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "hash-a", m.LastContentHash)
	require.Equal(t, "links-a", m.LastLinksHash)
	require.Equal(t, at, *m.LastCheckTime)

	// Empty links hash leaves the previous value.
	require.NoError(t, s.UpdateMonitorCheckState(ctx, 1, "hash-b", "", at.Add(time.Hour)))
	m, err = s.GetMonitor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "links-a", m.LastLinksHash)

	require.ErrorIs(t, s.UpdateMonitorCheckState(ctx, 99, "x", "", at), ErrMonitorNotFound)
}

func TestStore_ListActiveMonitors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	s.PutMonitor(ctx, monitor.Monitor{ID: 2, Status: monitor.StatusActive})
	s.PutMonitor(ctx, monitor.Monitor{ID: 1, Status: monitor.StatusActive})
	s.PutMonitor(ctx, monitor.Monitor{ID: 3, Status: monitor.StatusPaused})

	active, err := s.ListActiveMonitors(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, int64(1), active[0].ID)
	require.Equal(t, int64(2), active[1].ID)
}

func TestStore_LinkUniqueness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(24 * time.Hour)

	link := monitor.TrackedLink{
		MonitorID: 7, URL: "https://example.com/a", NormalizedURL: "https://example.com/a",
		URLHash: monitor.URLHash("https://example.com/a"), FirstSeenAt: first, LastSeenAt: first,
	}
	require.NoError(t, s.InsertLinks(ctx, []monitor.TrackedLink{link}))

	// Repeated discovery only refreshes last-seen.
	dup := link
	dup.FirstSeenAt = later
	dup.LastSeenAt = later
	require.NoError(t, s.InsertLinks(ctx, []monitor.TrackedLink{dup}))

	rows, err := s.ListLinks(ctx, 7, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, first, rows[0].FirstSeenAt)
	require.Equal(t, later, rows[0].LastSeenAt)

	found, err := s.FindLinkHashes(ctx, 7, []string{link.URLHash, "missing"})
	require.NoError(t, err)
	require.True(t, found[link.URLHash])
	require.False(t, found["missing"])
}

func TestStore_TouchLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := monitor.URLHash("https://example.com/b")
	require.NoError(t, s.InsertLinks(ctx, []monitor.TrackedLink{{
		MonitorID: 1, URLHash: h, FirstSeenAt: first, LastSeenAt: first,
	}}))

	later := first.Add(time.Hour)
	require.NoError(t, s.TouchLinks(ctx, 1, []string{h}, later))
	rows, err := s.ListLinks(ctx, 1, 0)
	require.NoError(t, err)
	require.Equal(t, later, rows[0].LastSeenAt)
	require.Equal(t, first, rows[0].FirstSeenAt)
}

func TestStore_AttachmentUpsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	att := monitor.TrackedAttachment{
		MonitorID: 3, URL: "https://example.com/f.pdf", NormalizedURL: "https://example.com/f.pdf",
		URLHash: monitor.URLHash("https://example.com/f.pdf"),
		Status:  monitor.AttachmentDiscovered, FirstSeenAt: now, LastSeenAt: now,
	}

	created, inserted, err := s.UpsertAttachment(ctx, att)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NotZero(t, created.ID)

	again := att
	again.LastSeenAt = now.Add(time.Hour)
	existing, inserted, err := s.UpsertAttachment(ctx, again)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, created.ID, existing.ID)
	require.Equal(t, now, existing.FirstSeenAt)
	require.Equal(t, now.Add(time.Hour), existing.LastSeenAt)

	existing.Status = monitor.AttachmentAvailable
	require.NoError(t, s.UpdateAttachment(ctx, existing))
	rows, err := s.ListAttachments(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, monitor.AttachmentAvailable, rows[0].Status)
}

func TestStore_AuditSeverityFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	for _, sev := range []monitor.Severity{monitor.SeverityDebug, monitor.SeverityInfo, monitor.SeverityError} {
		require.NoError(t, s.AppendAuditEntry(ctx, monitor.AuditEntry{MonitorID: 1, Severity: sev, Event: "e"}))
	}

	rows, err := s.ListAuditEntries(ctx, 1, monitor.SeverityInfo, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, e := range rows {
		require.LessOrEqual(t, e.Severity.Rank(), monitor.SeverityInfo.Rank())
	}
}

func TestStore_Settings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.PutRuntimeSetting(ctx, "maxNewLinksPerCheck", "30"))
	require.NoError(t, s.PutRuntimeSetting(ctx, "maxNewLinksPerCheck", "40"))

	got, err := s.GetRuntimeSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "40", got["maxNewLinksPerCheck"])
}
