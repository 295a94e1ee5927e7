// Package attachments manages the discovery, probing and download lifecycle
// of files referenced by monitored pages.
package attachments

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pagesentry/pagesentry/internal/monitor"
)

type auditLog interface {
	Record(ctx context.Context, entry monitor.AuditEntry)
}

// Manager owns tracked-attachment state transitions. Every per-item failure
// is isolated: one broken attachment or link page never aborts the pass.
type Manager struct {
	store      monitor.Store
	browser    monitor.Browser
	prober     monitor.Prober
	downloader monitor.Downloader
	artifacts  monitor.ArtifactStore
	audit      auditLog
	clock      monitor.Clock
	logger     *zap.Logger
}

// New creates an attachment lifecycle manager.
func New(
	store monitor.Store,
	browser monitor.Browser,
	prober monitor.Prober,
	downloader monitor.Downloader,
	artifacts monitor.ArtifactStore,
	audit auditLog,
	clock monitor.Clock,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      store,
		browser:    browser,
		prober:     prober,
		downloader: downloader,
		artifacts:  artifacts,
		audit:      audit,
		clock:      clock,
		logger:     logger.Named("attachments"),
	}
}

// RefreshTracked sweeps every tracked attachment of the monitor: rows whose
// extension left the allow-list become ignored, the rest get a metadata probe
// with status derivation and change auditing.
func (mgr *Manager) RefreshTracked(ctx context.Context, m monitor.Monitor, cutoff *time.Time) error {
	tracked, err := mgr.store.ListAttachments(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	allowed := m.AllowedExtensions()

	for _, att := range tracked {
		ext := monitor.URLExtension(att.NormalizedURL)
		if ext == "" || !allowed[ext] {
			if att.Status != monitor.AttachmentIgnored {
				now := mgr.clock.Now()
				att.Status = monitor.AttachmentIgnored
				att.LastStatusAt = &now
				att.LastError = ""
				if err := mgr.store.UpdateAttachment(ctx, att); err != nil {
					mgr.logger.Warn("ignore reclassification failed",
						zap.Int64("monitor_id", m.ID), zap.String("url", att.URL), zap.Error(err))
				}
			}
			continue
		}
		if att.Status == monitor.AttachmentIgnored {
			continue
		}
		mgr.probeTracked(ctx, att, cutoff)
	}
	return nil
}

func (mgr *Manager) probeTracked(ctx context.Context, att monitor.TrackedAttachment, cutoff *time.Time) {
	res, err := mgr.prober.Probe(ctx, att.NormalizedURL)
	now := mgr.clock.Now()
	att.LastCheckedAt = &now
	if err != nil {
		att.Status = monitor.AttachmentError
		att.LastStatusAt = &now
		att.LastError = err.Error()
		mgr.update(ctx, att)
		mgr.audit.Record(ctx, attachmentEntry(att, monitor.SeverityError, "head_failed",
			"attachment metadata probe failed", map[string]any{"error": err.Error()}))
		return
	}

	filtered := isFiltered(res.LastModified, cutoff)
	status := monitor.AttachmentAvailable
	switch {
	case filtered:
		status = monitor.AttachmentFiltered
	case res.StatusCode == 404:
		status = monitor.AttachmentMissing
	case res.StatusCode >= 400:
		status = monitor.AttachmentError
	}

	metaChanged := (res.ETag != "" && res.ETag != att.ETag) ||
		(res.LastModified != nil && (att.LastModifiedAt == nil || !att.LastModifiedAt.Equal(*res.LastModified))) ||
		(res.ContentLength > 0 && att.ContentLength != res.ContentLength)
	statusChanged := status != att.Status

	if statusChanged {
		att.LastStatusAt = &now
	}
	att.Status = status
	if res.ETag != "" {
		att.ETag = res.ETag
	}
	if res.LastModified != nil {
		att.LastModifiedAt = res.LastModified
	}
	if res.ContentLength > 0 {
		att.ContentLength = res.ContentLength
	}
	if status == monitor.AttachmentError {
		att.LastError = fmt.Sprintf("http_%d", res.StatusCode)
	} else {
		att.LastError = ""
	}
	mgr.update(ctx, att)

	if statusChanged || metaChanged {
		mgr.audit.Record(ctx, attachmentEntry(att, monitor.SeverityInfo, "status_change",
			"attachment status or metadata changed", map[string]any{
				"status":      string(status),
				"http_status": res.StatusCode,
			}))
	}
}

// DiscoverFromLinks opens each link's target page in its own render session,
// collects referenced assets, and tracks plus downloads the new ones. The
// returned files describe successful first-time downloads.
func (mgr *Manager) DiscoverFromLinks(ctx context.Context, m monitor.Monitor, linkURLs []string, cutoff *time.Time, stamp int64) []monitor.AttachmentFile {
	allowed := m.AllowedExtensions()
	var files []monitor.AttachmentFile
	for _, linkURL := range linkURLs {
		files = append(files, mgr.processLinkPage(ctx, m, linkURL, allowed, cutoff, stamp)...)
	}
	return files
}

func (mgr *Manager) processLinkPage(ctx context.Context, m monitor.Monitor, linkURL string, allowed map[string]bool, cutoff *time.Time, stamp int64) []monitor.AttachmentFile {
	mgr.audit.Record(ctx, linkEntry(m.ID, linkURL, monitor.SeverityInfo, "link_fetch_start", "fetching new link page", nil))

	page, err := mgr.browser.NewPage(ctx)
	if err != nil {
		mgr.audit.Record(ctx, linkEntry(m.ID, linkURL, monitor.SeverityError, "link_fetch_failed", "link page fetch failed",
			map[string]any{"error": err.Error()}))
		return nil
	}
	defer page.Close()

	if err := page.Navigate(ctx, linkURL); err != nil {
		mgr.audit.Record(ctx, linkEntry(m.ID, linkURL, monitor.SeverityError, "link_fetch_failed", "link page fetch failed",
			map[string]any{"error": err.Error()}))
		return nil
	}
	sourceTitle, _ := page.Title(ctx)

	raw, err := page.AssetURLs(ctx)
	if err != nil {
		mgr.audit.Record(ctx, linkEntry(m.ID, linkURL, monitor.SeverityError, "link_fetch_failed", "link page fetch failed",
			map[string]any{"error": err.Error()}))
		return nil
	}

	var files []monitor.AttachmentFile
	for _, candidate := range dedupCandidates(raw, allowed) {
		if file, ok := mgr.trackAndDownload(ctx, m, candidate, linkURL, sourceTitle, cutoff, stamp); ok {
			files = append(files, file)
		}
	}

	mgr.audit.Record(ctx, linkEntry(m.ID, linkURL, monitor.SeverityInfo, "link_fetch_success", "link page fetched", nil))
	return files
}

func (mgr *Manager) trackAndDownload(ctx context.Context, m monitor.Monitor, attachmentURL, sourceLink, sourceTitle string, cutoff *time.Time, stamp int64) (monitor.AttachmentFile, bool) {
	now := mgr.clock.Now()
	row, created, err := mgr.store.UpsertAttachment(ctx, monitor.TrackedAttachment{
		MonitorID:     m.ID,
		URL:           attachmentURL,
		NormalizedURL: attachmentURL,
		URLHash:       monitor.URLHash(attachmentURL),
		FirstSeenAt:   now,
		LastSeenAt:    now,
		Status:        monitor.AttachmentDiscovered,
	})
	if err != nil {
		mgr.logger.Warn("track attachment failed",
			zap.Int64("monitor_id", m.ID), zap.String("url", attachmentURL), zap.Error(err))
		return monitor.AttachmentFile{}, false
	}

	if !created {
		mgr.audit.Record(ctx, attachmentEntry(row, monitor.SeverityDebug, "dedup",
			"attachment already tracked, skip download", map[string]any{"source_link": sourceLink}))
		return monitor.AttachmentFile{}, false
	}

	mgr.audit.Record(ctx, attachmentEntry(row, monitor.SeverityInfo, "discovered",
		"attachment discovered from link page", map[string]any{"source_link": sourceLink}))

	res, err := mgr.prober.Probe(ctx, attachmentURL)
	checkedAt := mgr.clock.Now()
	row.LastCheckedAt = &checkedAt
	if err != nil {
		row.Status = monitor.AttachmentError
		row.LastStatusAt = &checkedAt
		row.LastError = err.Error()
		mgr.update(ctx, row)
		mgr.audit.Record(ctx, attachmentEntry(row, monitor.SeverityError, "head_failed",
			"attachment metadata probe failed", map[string]any{"error": err.Error(), "source_link": sourceLink}))
		return monitor.AttachmentFile{}, false
	}

	filtered := isFiltered(res.LastModified, cutoff)
	if filtered {
		row.Status = monitor.AttachmentFiltered
		row.LastStatusAt = &checkedAt
	}
	if res.ETag != "" {
		row.ETag = res.ETag
	}
	if res.LastModified != nil {
		row.LastModifiedAt = res.LastModified
	}
	if res.ContentLength > 0 {
		row.ContentLength = res.ContentLength
	}
	row.LastError = ""
	mgr.update(ctx, row)

	if filtered {
		mgr.audit.Record(ctx, attachmentEntry(row, monitor.SeverityInfo, "filtered",
			"attachment filtered by date", map[string]any{"source_link": sourceLink}))
		return monitor.AttachmentFile{}, false
	}

	mgr.audit.Record(ctx, attachmentEntry(row, monitor.SeverityInfo, "download_attempt",
		"attempting attachment download", map[string]any{"source_link": sourceLink}))

	file, err := mgr.download(ctx, m, attachmentURL, stamp)
	if err != nil {
		failedAt := mgr.clock.Now()
		row.Status = monitor.AttachmentError
		row.LastStatusAt = &failedAt
		row.LastError = err.Error()
		mgr.update(ctx, row)
		mgr.audit.Record(ctx, attachmentEntry(row, monitor.SeverityError, "download_failed",
			"attachment download failed", map[string]any{"error": err.Error(), "source_link": sourceLink}))
		return monitor.AttachmentFile{}, false
	}

	downloadedAt := mgr.clock.Now()
	row.Status = monitor.AttachmentAvailable
	row.LastStatusAt = &downloadedAt
	row.LastDownloadedAt = &downloadedAt
	row.LastError = ""
	mgr.update(ctx, row)

	file.SourceLink = sourceLink
	file.SourceTitle = sourceTitle
	mgr.audit.Record(ctx, attachmentEntry(row, monitor.SeverityInfo, "download_success",
		"attachment downloaded", map[string]any{
			"filename":     file.Path,
			"size":         file.Size,
			"source_link":  sourceLink,
			"source_title": sourceTitle,
		}))
	return file, true
}

// DownloadFromPage downloads allow-listed files linked directly from the
// rendered page. Unlike link-page discovery this honors only the monitor's
// explicitly configured extensions.
func (mgr *Manager) DownloadFromPage(ctx context.Context, m monitor.Monitor, page monitor.Page, stamp int64) []monitor.AttachmentFile {
	if !m.DownloadAttachments || len(m.AttachmentTypes) == 0 {
		return nil
	}
	allowed := monitor.NormalizeExtensions(m.AttachmentTypes)
	if len(allowed) == 0 {
		return nil
	}

	targets, err := page.Links(ctx, monitor.Selector{})
	if err != nil {
		mgr.logger.Warn("page anchor scan failed", zap.Int64("monitor_id", m.ID), zap.Error(err))
		return nil
	}

	var files []monitor.AttachmentFile
	for _, fileURL := range targets {
		ext := monitor.URLExtension(fileURL)
		if ext == "" || !allowed[ext] {
			continue
		}

		mgr.audit.Record(ctx, linkEntry(m.ID, fileURL, monitor.SeverityInfo, "download_attempt",
			"attempting attachment download from current page", nil))

		file, err := mgr.download(ctx, m, fileURL, stamp)
		if err != nil {
			mgr.audit.Record(ctx, linkEntry(m.ID, fileURL, monitor.SeverityError, "download_failed",
				"attachment download failed from current page", map[string]any{"error": err.Error()}))
			continue
		}
		files = append(files, file)
		mgr.audit.Record(ctx, linkEntry(m.ID, fileURL, monitor.SeverityInfo, "download_success",
			"attachment downloaded from current page", map[string]any{"filename": file.Path}))
	}
	return files
}

func (mgr *Manager) download(ctx context.Context, m monitor.Monitor, fileURL string, stamp int64) (monitor.AttachmentFile, error) {
	base := monitor.URLBasename(fileURL)
	filename := fmt.Sprintf("monitor_%d_%d_%s", m.ID, stamp, base)

	// Pipe the body straight into the artifact store so large files
	// are never held in memory.
	pr, pw := io.Pipe()
	sizeCh := make(chan int64, 1)
	go func() {
		size, err := mgr.downloader.Download(ctx, fileURL, pw)
		sizeCh <- size
		pw.CloseWithError(err)
	}()

	contentType := mime.TypeByExtension("." + monitor.URLExtension(fileURL))
	_, err := mgr.artifacts.Put(ctx, path.Join("downloads", filename), contentType, pr)
	if err != nil {
		pr.CloseWithError(err)
		<-sizeCh
		return monitor.AttachmentFile{}, err
	}

	return monitor.AttachmentFile{Name: base, Path: filename, Size: <-sizeCh}, nil
}

func (mgr *Manager) update(ctx context.Context, att monitor.TrackedAttachment) {
	if err := mgr.store.UpdateAttachment(ctx, att); err != nil {
		mgr.logger.Warn("attachment update failed",
			zap.Int64("monitor_id", att.MonitorID), zap.String("url", att.URL), zap.Error(err))
	}
}

// dedupCandidates normalizes raw asset URLs, keeps those whose extension is
// allowed, and preserves first-seen order without duplicates.
func dedupCandidates(raw []string, allowed map[string]bool) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, u := range raw {
		normalized, err := monitor.NormalizeURL(u)
		if err != nil {
			continue
		}
		ext := monitor.URLExtension(normalized)
		if ext == "" || !allowed[ext] {
			continue
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	return out
}

func isFiltered(lastModified, cutoff *time.Time) bool {
	return cutoff != nil && lastModified != nil && !lastModified.After(*cutoff)
}

func attachmentEntry(att monitor.TrackedAttachment, sev monitor.Severity, event, message string, meta map[string]any) monitor.AuditEntry {
	return monitor.AuditEntry{
		MonitorID:     att.MonitorID,
		AttachmentID:  att.ID,
		AttachmentURL: att.NormalizedURL,
		Severity:      sev,
		Event:         event,
		Message:       message,
		Meta:          meta,
	}
}

func linkEntry(monitorID int64, url string, sev monitor.Severity, event, message string, meta map[string]any) monitor.AuditEntry {
	return monitor.AuditEntry{
		MonitorID:     monitorID,
		AttachmentURL: url,
		Severity:      sev,
		Event:         event,
		Message:       message,
		Meta:          meta,
	}
}

var (
	epochPattern = regexp.MustCompile(`^\d+$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// ParseDateCutoff interprets the attachment date filter setting: a unix epoch
// (seconds or milliseconds), a YYYY-MM-DD date, or an RFC 3339 timestamp.
// Unparseable input yields nil, which disables the cutoff.
func ParseDateCutoff(value string) *time.Time {
	if value == "" {
		return nil
	}
	if epochPattern.MatchString(value) {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil
		}
		var t time.Time
		if len(value) <= 10 {
			t = time.Unix(n, 0).UTC()
		} else {
			t = time.UnixMilli(n).UTC()
		}
		return &t
	}
	if datePattern.MatchString(value) {
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			return nil
		}
		t = t.UTC()
		return &t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}
