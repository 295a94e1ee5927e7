// Package audit appends the per-monitor diagnostic event trail.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/pagesentry/pagesentry/internal/monitor"
)

// Store persists audit rows.
type Store interface {
	AppendAuditEntry(ctx context.Context, entry monitor.AuditEntry) error
}

// Settings supplies the runtime minimum severity.
type Settings interface {
	Get(ctx context.Context) (monitor.RuntimeSettings, error)
}

// Recorder writes audit entries at or above the configured severity.
// Audit persistence is best-effort: failures are logged, never propagated,
// so a broken audit trail cannot fail a check.
type Recorder struct {
	store    Store
	settings Settings
	clock    monitor.Clock
	logger   *zap.Logger
}

// New creates an audit recorder.
func New(store Store, settings Settings, clock monitor.Clock, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:    store,
		settings: settings,
		clock:    clock,
		logger:   logger.Named("audit"),
	}
}

// Record appends one entry if its severity passes the runtime threshold.
func (r *Recorder) Record(ctx context.Context, entry monitor.AuditEntry) {
	minLevel := monitor.SeverityInfo
	if r.settings != nil {
		if cfg, err := r.settings.Get(ctx); err == nil {
			minLevel = cfg.AuditLogLevel
		}
	}
	if entry.Severity == "" {
		entry.Severity = monitor.SeverityInfo
	}
	if entry.Severity.Rank() > minLevel.Rank() {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.clock.Now()
	}
	if err := r.store.AppendAuditEntry(ctx, entry); err != nil {
		r.logger.Warn("audit write failed",
			zap.Int64("monitor_id", entry.MonitorID),
			zap.String("event", entry.Event),
			zap.Error(err))
	}
}

// Event records a monitor-level entry.
func (r *Recorder) Event(ctx context.Context, sev monitor.Severity, monitorID int64, event, message string, meta map[string]any) {
	r.Record(ctx, monitor.AuditEntry{
		MonitorID: monitorID,
		Severity:  sev,
		Event:     event,
		Message:   message,
		Meta:      meta,
	})
}

// Attachment records an entry tied to a tracked attachment.
func (r *Recorder) Attachment(ctx context.Context, sev monitor.Severity, att monitor.TrackedAttachment, event, message string, meta map[string]any) {
	r.Record(ctx, monitor.AuditEntry{
		MonitorID:     att.MonitorID,
		AttachmentID:  att.ID,
		AttachmentURL: att.URL,
		Severity:      sev,
		Event:         event,
		Message:       message,
		Meta:          meta,
	})
}
