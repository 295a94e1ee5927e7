package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesentry/pagesentry/internal/metrics"
	"github.com/pagesentry/pagesentry/internal/monitor"
	"github.com/pagesentry/pagesentry/internal/settings"
	memstore "github.com/pagesentry/pagesentry/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeTrigger struct {
	calls   []int64
	dropped bool
}

func (f *fakeTrigger) Trigger(monitorID int64) bool {
	f.calls = append(f.calls, monitorID)
	return !f.dropped
}

func newTestServer(t *testing.T) (*Server, *memstore.Store, *fakeTrigger) {
	t.Helper()
	store := memstore.NewStore()
	trigger := &fakeTrigger{}
	srv, err := New(Config{
		Addr:      ":0",
		Store:     store,
		Scheduler: trigger,
		Settings:  settings.New(store, fixedClock{now: time.Unix(1700000000, 0).UTC()}),
	})
	require.NoError(t, err)
	return srv, store, trigger
}

func doRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerCheck(t *testing.T) {
	t.Parallel()

	t.Run("Queued", func(t *testing.T) {
		srv, store, trigger := newTestServer(t)
		store.PutMonitor(context.Background(), monitor.Monitor{ID: 7, Status: monitor.StatusActive})

		rec := doRequest(t, srv, http.MethodPost, "/v1/monitors/7/check", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Equal(t, []int64{7}, trigger.calls)
	})

	t.Run("UnknownMonitor", func(t *testing.T) {
		srv, _, trigger := newTestServer(t)
		rec := doRequest(t, srv, http.MethodPost, "/v1/monitors/99/check", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Empty(t, trigger.calls)
	})

	t.Run("Dropped", func(t *testing.T) {
		srv, store, trigger := newTestServer(t)
		store.PutMonitor(context.Background(), monitor.Monitor{ID: 7, Status: monitor.StatusActive})
		trigger.dropped = true

		rec := doRequest(t, srv, http.MethodPost, "/v1/monitors/7/check", "")
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("InvalidID", func(t *testing.T) {
		srv, _, _ := newTestServer(t)
		rec := doRequest(t, srv, http.MethodPost, "/v1/monitors/abc/check", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetMonitor(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	store.PutMonitor(context.Background(), monitor.Monitor{
		ID:     3,
		Name:   "tenders",
		URL:    "https://example.com/tenders",
		Status: monitor.StatusActive,
	})

	rec := doRequest(t, srv, http.MethodGet, "/v1/monitors/3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got monitor.Monitor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "tenders", got.Name)
}

func TestHistoryEmptyIsList(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	store.PutMonitor(context.Background(), monitor.Monitor{ID: 3, Status: monitor.StatusActive})

	rec := doRequest(t, srv, http.MethodGet, "/v1/monitors/3/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"history":[]`)
}

func TestHistoryReturnsRecords(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	store.PutMonitor(ctx, monitor.Monitor{ID: 3, Status: monitor.StatusActive})
	_, err := store.CreateChangeRecord(ctx, monitor.ChangeRecord{
		MonitorID:      3,
		ChangeType:     monitor.ChangeInitial,
		ContentPreview: "first capture",
		CheckTime:      time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodGet, "/v1/monitors/3/history?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "first capture")
}

func TestHistoryLimitClamped(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	store.PutMonitor(ctx, monitor.Monitor{ID: 3, Status: monitor.StatusActive})
	for i := 0; i < 3; i++ {
		_, err := store.CreateChangeRecord(ctx, monitor.ChangeRecord{
			MonitorID:      3,
			ChangeType:     monitor.ChangeUpdate,
			ContentPreview: fmt.Sprintf("capture %d", i),
			CheckTime:      time.Unix(1700000000+int64(i), 0).UTC(),
		})
		require.NoError(t, err)
	}

	type historyResponse struct {
		History []monitor.ChangeRecord `json:"history"`
	}

	// limit=1 caps the page size.
	rec := doRequest(t, srv, http.MethodGet, "/v1/monitors/3/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.History, 1)

	// Garbage and out-of-range values fall back to sane defaults.
	for _, limit := range []string{"abc", "-5", "0", "999999"} {
		rec := doRequest(t, srv, http.MethodGet, "/v1/monitors/3/history?limit="+limit, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got historyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got.History, 3)
	}
}

func TestAuditLevelFilter(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	store.PutMonitor(ctx, monitor.Monitor{ID: 3, Status: monitor.StatusActive})
	require.NoError(t, store.AppendAuditEntry(ctx, monitor.AuditEntry{
		MonitorID: 3, Severity: monitor.SeverityError, Event: "head_failed",
	}))
	require.NoError(t, store.AppendAuditEntry(ctx, monitor.AuditEntry{
		MonitorID: 3, Severity: monitor.SeverityDebug, Event: "dedup",
	}))

	rec := doRequest(t, srv, http.MethodGet, "/v1/monitors/3/audit?level=error", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "head_failed")
	require.NotContains(t, rec.Body.String(), "dedup")
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg monitor.RuntimeSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	require.False(t, cfg.AutoDownloadFromNewLinks)
	require.Equal(t, 20, cfg.MaxNewLinksPerCheck)

	rec = doRequest(t, srv, http.MethodPut, "/v1/settings",
		`{"auto_download_from_new_links":"true","max_new_links_per_check":"900"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	require.True(t, cfg.AutoDownloadFromNewLinks)
	require.Equal(t, 500, cfg.MaxNewLinksPerCheck)
}

func TestSettingsRejectsUnknownKey(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPut, "/v1/settings", `{"bogus":"1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pagesentry_queued_checks")
}
