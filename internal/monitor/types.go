// Package monitor defines core types shared across subsystems.
package monitor

import "time"

// Status represents the lifecycle state of a monitor.
type Status string

// Monitor status values persisted in the store.
const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusError  Status = "error"
)

// SelectorKind distinguishes CSS queries from XPath queries.
type SelectorKind string

// Selector kinds supported by the rendering engine.
const (
	SelectorCSS   SelectorKind = "css"
	SelectorXPath SelectorKind = "xpath"
)

// Selector locates a region of a rendered page.
type Selector struct {
	Kind  SelectorKind `json:"kind"`
	Query string       `json:"query"`
}

// IsZero reports whether the selector is unset.
func (s Selector) IsZero() bool {
	return s.Query == ""
}

// Monitor is the persisted configuration for one watched page.
type Monitor struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Selector Selector `json:"selector"`

	// Frequency is a cron expression interpreted by the scheduler.
	Frequency string `json:"frequency"`
	Status    Status `json:"status"`

	TrackLinks           bool     `json:"track_links"`
	LinkScope            Selector `json:"link_scope"`
	SaveHTML             bool     `json:"save_html"`
	DownloadAttachments  bool     `json:"download_attachments"`
	DownloadFromNewLinks bool     `json:"download_from_new_links"`
	AttachmentTypes      []string `json:"attachment_types"`

	Match MatchRule `json:"match"`

	NotifyMail    bool   `json:"notify_mail"`
	NotifySMS     bool   `json:"notify_sms"`
	NotifyWebhook bool   `json:"notify_webhook"`
	MailList      string `json:"mail_list"`
	WebhookURL    string `json:"webhook_url"`
	SMSPhoneList  string `json:"sms_phone_list"`

	LastContentHash   string     `json:"last_content_hash,omitempty"`
	LastLinksHash     string     `json:"last_links_hash,omitempty"`
	LastCheckTime     *time.Time `json:"last_check_time,omitempty"`
	BaselineProcessed *time.Time `json:"baseline_processed_at,omitempty"`
}

// ChangeType classifies a recorded change.
type ChangeType string

// Change classifications persisted on change records.
const (
	ChangeInitial ChangeType = "initial"
	ChangeUpdate  ChangeType = "update"
)

// AttachmentFile describes one downloaded attachment inside a change record.
type AttachmentFile struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	SourceLink  string `json:"source_link,omitempty"`
	SourceTitle string `json:"source_title,omitempty"`
}

// ChangeRecord is the append-only evidence of a qualifying change.
type ChangeRecord struct {
	ID             int64            `json:"id"`
	MonitorID      int64            `json:"monitor_id"`
	CheckTime      time.Time        `json:"check_time"`
	ChangeType     ChangeType       `json:"change_type"`
	ContentPreview string           `json:"content_preview"`
	ScreenshotPath string           `json:"screenshot_path,omitempty"`
	HTMLPath       string           `json:"html_path,omitempty"`
	Attachments    []AttachmentFile `json:"attachments,omitempty"`
}

// TrackedLink is one deduplicated link sighted within a monitor's link scope.
type TrackedLink struct {
	ID            int64     `json:"id"`
	MonitorID     int64     `json:"monitor_id"`
	URL           string    `json:"url"`
	NormalizedURL string    `json:"normalized_url"`
	URLHash       string    `json:"url_hash"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// AttachmentStatus is the lifecycle state of a tracked attachment.
type AttachmentStatus string

// Attachment lifecycle states.
const (
	AttachmentDiscovered AttachmentStatus = "discovered"
	AttachmentAvailable  AttachmentStatus = "available"
	AttachmentMissing    AttachmentStatus = "missing"
	AttachmentError      AttachmentStatus = "error"
	AttachmentFiltered   AttachmentStatus = "filtered"
	AttachmentIgnored    AttachmentStatus = "ignored"
)

// TrackedAttachment is one deduplicated attachment candidate for a monitor.
// Rows are never deleted, only re-classified.
type TrackedAttachment struct {
	ID               int64            `json:"id"`
	MonitorID        int64            `json:"monitor_id"`
	URL              string           `json:"url"`
	NormalizedURL    string           `json:"normalized_url"`
	URLHash          string           `json:"url_hash"`
	FirstSeenAt      time.Time        `json:"first_seen_at"`
	LastSeenAt       time.Time        `json:"last_seen_at"`
	LastCheckedAt    *time.Time       `json:"last_checked_at,omitempty"`
	Status           AttachmentStatus `json:"status"`
	LastStatusAt     *time.Time       `json:"last_status_at,omitempty"`
	ETag             string           `json:"etag,omitempty"`
	LastModifiedAt   *time.Time       `json:"last_modified_at,omitempty"`
	ContentLength    int64            `json:"content_length,omitempty"`
	LastDownloadedAt *time.Time       `json:"last_downloaded_at,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
}

// Severity orders audit entries from most to least urgent.
type Severity string

// Audit severities, most urgent first.
const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
	SeverityInfo  Severity = "info"
	SeverityDebug Severity = "debug"
)

var severityRank = map[Severity]int{
	SeverityError: 0,
	SeverityWarn:  1,
	SeverityInfo:  2,
	SeverityDebug: 3,
}

// Rank returns the numeric urgency of a severity; unknown values rank as info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[SeverityInfo]
}

// AuditEntry is one append-only audit trail row.
type AuditEntry struct {
	ID            int64          `json:"id"`
	MonitorID     int64          `json:"monitor_id"`
	AttachmentID  int64          `json:"attachment_id,omitempty"`
	AttachmentURL string         `json:"attachment_url,omitempty"`
	Severity      Severity       `json:"severity"`
	Event         string         `json:"event"`
	Message       string         `json:"message"`
	Meta          map[string]any `json:"meta,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NotificationOutcome is the terminal state of one delivery attempt.
type NotificationOutcome string

// Notification outcomes.
const (
	NotificationSuccess NotificationOutcome = "success"
	NotificationFailed  NotificationOutcome = "failed"
)

// NotificationRecord is the append-only audit row for one delivery attempt.
type NotificationRecord struct {
	ID             int64               `json:"id"`
	MonitorID      int64               `json:"monitor_id"`
	ChangeRecordID int64               `json:"change_record_id,omitempty"`
	Channel        string              `json:"channel"`
	Provider       string              `json:"provider,omitempty"`
	Recipient      string              `json:"recipient"`
	Outcome        NotificationOutcome `json:"outcome"`
	RequestID      string              `json:"request_id,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	PayloadPreview string              `json:"payload_preview,omitempty"`
	SentAt         time.Time           `json:"sent_at"`
}

// RuntimeSettings are the global knobs read by every check.
type RuntimeSettings struct {
	AutoDownloadFromNewLinks bool     `json:"auto_download_from_new_links"`
	AttachmentDateAfter      string   `json:"attachment_date_after"`
	AuditLogLevel            Severity `json:"audit_log_level"`
	MaxNewLinksPerCheck      int      `json:"max_new_links_per_check"`
}

// CheckOutcome summarizes one completed check for callers of the orchestrator.
type CheckOutcome struct {
	MonitorID   int64       `json:"monitor_id"`
	CheckID     string      `json:"check_id"`
	Changed     bool        `json:"changed"`
	ChangeType  ChangeType  `json:"change_type,omitempty"`
	ContentHash string      `json:"content_hash"`
	RecordID    int64       `json:"record_id,omitempty"`
	Downloads   int         `json:"downloads"`
	AddedLinks  int         `json:"added_links"`
	Duration    time.Duration `json:"-"`
}
