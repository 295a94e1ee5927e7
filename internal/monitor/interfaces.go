package monitor

import (
	"context"
	"io"
	"time"
)

// Store persists monitors and everything the check pipeline produces.
// Uniqueness of (monitor id, url hash) for links and attachments is enforced
// at the store level; a losing concurrent insert degrades to a last-seen
// touch rather than an error.
type Store interface {
	GetMonitor(ctx context.Context, id int64) (Monitor, error)
	ListActiveMonitors(ctx context.Context) ([]Monitor, error)
	UpdateMonitorCheckState(ctx context.Context, id int64, contentHash, linksHash string, checkedAt time.Time) error
	MarkBaselineProcessed(ctx context.Context, id int64, at time.Time) error

	CreateChangeRecord(ctx context.Context, record ChangeRecord) (int64, error)
	ListChangeRecords(ctx context.Context, monitorID int64, limit int) ([]ChangeRecord, error)

	// FindLinkHashes returns the subset of hashes already tracked for the monitor.
	FindLinkHashes(ctx context.Context, monitorID int64, hashes []string) (map[string]bool, error)
	InsertLinks(ctx context.Context, links []TrackedLink) error
	TouchLinks(ctx context.Context, monitorID int64, hashes []string, seenAt time.Time) error
	ListLinks(ctx context.Context, monitorID int64, limit int) ([]TrackedLink, error)

	// UpsertAttachment inserts a tracked attachment or, when the (monitor id,
	// url hash) row already exists, refreshes last-seen and returns the
	// existing row. The second result reports whether a row was created.
	UpsertAttachment(ctx context.Context, att TrackedAttachment) (TrackedAttachment, bool, error)
	UpdateAttachment(ctx context.Context, att TrackedAttachment) error
	ListAttachments(ctx context.Context, monitorID int64) ([]TrackedAttachment, error)

	AppendAuditEntry(ctx context.Context, entry AuditEntry) error
	ListAuditEntries(ctx context.Context, monitorID int64, minSeverity Severity, limit int) ([]AuditEntry, error)

	AppendNotificationRecord(ctx context.Context, record NotificationRecord) error

	GetRuntimeSettings(ctx context.Context) (map[string]string, error)
	PutRuntimeSetting(ctx context.Context, key, value string) error
}

// Browser opens rendering sessions against live pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one rendering session scoped to a single check (or link visit).
// Implementations release all browser resources on Close; Close must be safe
// on every exit path.
type Page interface {
	Navigate(ctx context.Context, url string) error
	ExtractText(ctx context.Context, sel Selector) (string, error)
	// Links returns the href targets of anchors inside the scoped region,
	// resolved against the page base URL.
	Links(ctx context.Context, scope Selector) ([]string, error)
	// AssetURLs returns candidate attachment URLs from anchor, media, embed
	// and link-tag attributes across the whole page.
	AssetURLs(ctx context.Context) ([]string, error)
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// ProbeResult carries the metadata read by a lightweight existence probe.
type ProbeResult struct {
	StatusCode    int
	ETag          string
	LastModified  *time.Time
	ContentLength int64
}

// Prober issues HEAD (or ranged GET fallback) requests for attachment metadata.
type Prober interface {
	Probe(ctx context.Context, url string) (ProbeResult, error)
}

// Downloader streams an attachment body to the given writer.
type Downloader interface {
	Download(ctx context.Context, url string, dst io.Writer) (int64, error)
}

// ArtifactStore persists evidence files (screenshots, archives, downloads).
type ArtifactStore interface {
	Put(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes change events to an external topic. Implementations must
// tolerate being nil-checked by callers; publishing is best-effort.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (injected for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces check correlation IDs.
type IDGenerator interface {
	NewID() (string, error)
}
