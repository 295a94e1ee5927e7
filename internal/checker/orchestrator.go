// Package checker orchestrates a single monitor check end to end.
package checker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pagesentry/pagesentry/internal/attachments"
	"github.com/pagesentry/pagesentry/internal/htmlutil"
	"github.com/pagesentry/pagesentry/internal/links"
	"github.com/pagesentry/pagesentry/internal/metrics"
	"github.com/pagesentry/pagesentry/internal/monitor"
	"github.com/pagesentry/pagesentry/internal/render"
)

const contentPreviewLimit = 500

type linkTracker interface {
	Process(ctx context.Context, m monitor.Monitor, page monitor.Page) (links.Result, error)
}

type attachmentManager interface {
	RefreshTracked(ctx context.Context, m monitor.Monitor, cutoff *time.Time) error
	DiscoverFromLinks(ctx context.Context, m monitor.Monitor, linkURLs []string, cutoff *time.Time, stamp int64) []monitor.AttachmentFile
	DownloadFromPage(ctx context.Context, m monitor.Monitor, page monitor.Page, stamp int64) []monitor.AttachmentFile
}

type settingsSource interface {
	Get(ctx context.Context) (monitor.RuntimeSettings, error)
}

type notifier interface {
	Dispatch(ctx context.Context, m monitor.Monitor, record monitor.ChangeRecord, content string)
}

// Orchestrator runs the full check pipeline for one monitor at a time:
// render, extract, compare, track links, maintain attachments, record
// evidence, notify.
type Orchestrator struct {
	store       monitor.Store
	browser     monitor.Browser
	tracker     linkTracker
	attachments attachmentManager
	settings    settingsSource
	notifier    notifier
	artifacts   monitor.ArtifactStore
	events      monitor.Publisher
	eventTopic  string
	ids         monitor.IDGenerator
	clock       monitor.Clock
	logger      *zap.Logger
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store       monitor.Store
	Browser     monitor.Browser
	Tracker     linkTracker
	Attachments attachmentManager
	Settings    settingsSource
	Notifier    notifier
	Artifacts   monitor.ArtifactStore
	Events      monitor.Publisher
	EventTopic  string
	IDs         monitor.IDGenerator
	Clock       monitor.Clock
	Logger      *zap.Logger
}

// New creates a check orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Browser == nil || cfg.Tracker == nil ||
		cfg.Attachments == nil || cfg.Settings == nil || cfg.Artifacts == nil ||
		cfg.Clock == nil || cfg.IDs == nil {
		return nil, fmt.Errorf("checker: missing required collaborator")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:       cfg.Store,
		browser:     cfg.Browser,
		tracker:     cfg.Tracker,
		attachments: cfg.Attachments,
		settings:    cfg.Settings,
		notifier:    cfg.Notifier,
		artifacts:   cfg.Artifacts,
		events:      cfg.Events,
		eventTopic:  cfg.EventTopic,
		ids:         cfg.IDs,
		clock:       cfg.Clock,
		logger:      logger.Named("checker"),
	}, nil
}

// ChangeEvent is published after every recorded change.
type ChangeEvent struct {
	CheckID     string             `json:"check_id"`
	MonitorID   int64              `json:"monitor_id"`
	MonitorName string             `json:"monitor_name"`
	URL         string             `json:"url"`
	ChangeType  monitor.ChangeType `json:"change_type"`
	RecordID    int64              `json:"record_id"`
	ContentHash string             `json:"content_hash"`
	CheckedAt   time.Time          `json:"checked_at"`
}

// Check runs one complete check for the monitor.
func (o *Orchestrator) Check(ctx context.Context, monitorID int64) (monitor.CheckOutcome, error) {
	start := o.clock.Now()

	m, err := o.store.GetMonitor(ctx, monitorID)
	if err != nil {
		return monitor.CheckOutcome{}, fmt.Errorf("load monitor: %w", err)
	}

	checkID, err := o.ids.NewID()
	if err != nil {
		return monitor.CheckOutcome{}, fmt.Errorf("generate check id: %w", err)
	}
	logger := o.logger.With(
		zap.String("check_id", checkID),
		zap.Int64("monitor_id", m.ID),
		zap.String("url", m.URL),
	)

	if m.Status != monitor.StatusActive {
		logger.Info("monitor not active, skipping check", zap.String("status", string(m.Status)))
		return monitor.CheckOutcome{MonitorID: m.ID, CheckID: checkID}, nil
	}

	cfg, err := o.settings.Get(ctx)
	if err != nil {
		return monitor.CheckOutcome{}, fmt.Errorf("load settings: %w", err)
	}
	cutoff := attachments.ParseDateCutoff(cfg.AttachmentDateAfter)

	page, err := o.browser.NewPage(ctx)
	if err != nil {
		return monitor.CheckOutcome{}, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if err := page.Navigate(ctx, m.URL); err != nil {
		return monitor.CheckOutcome{}, err
	}

	collectLinks := m.TrackLinks || m.DownloadFromNewLinks
	var linkResult links.Result
	addedLinks := 0
	if collectLinks {
		linkResult, err = o.tracker.Process(ctx, m, page)
		if err != nil {
			return monitor.CheckOutcome{}, fmt.Errorf("track links: %w", err)
		}
		// The baseline pass records the existing link set; nothing on
		// the page is new yet.
		if !linkResult.Baseline {
			addedLinks = len(linkResult.New)
			metrics.AddTrackedLinks(addedLinks)
		}
	}

	content, err := o.watchedContent(ctx, m, page, linkResult, logger)
	if err != nil {
		return monitor.CheckOutcome{}, err
	}
	content = strings.TrimSpace(content)
	currentHash := monitor.ContentHash(content)

	changeType := monitor.ChangeUpdate
	changed := false
	switch {
	case m.LastContentHash == "":
		changed = true
		changeType = monitor.ChangeInitial
	case m.LastContentHash != currentHash:
		changed = true
	}

	if err := o.attachments.RefreshTracked(ctx, m, cutoff); err != nil {
		logger.Warn("tracked attachment refresh failed", zap.Error(err))
	}

	stamp := start.UnixMilli()
	linkDownloads := o.newLinkDownloads(ctx, m, cfg, linkResult, cutoff, stamp, logger)

	linksHash := ""
	if collectLinks {
		linksHash = linkResult.Hash
	}

	outcome := monitor.CheckOutcome{
		MonitorID:   m.ID,
		CheckID:     checkID,
		Changed:     changed,
		ContentHash: currentHash,
		AddedLinks:  addedLinks,
		Downloads:   len(linkDownloads),
	}

	if !changed {
		if len(linkDownloads) > 0 {
			recordID, err := o.store.CreateChangeRecord(ctx, monitor.ChangeRecord{
				MonitorID:      m.ID,
				CheckTime:      o.clock.Now(),
				ChangeType:     monitor.ChangeUpdate,
				ContentPreview: "attachments downloaded from link pages",
				Attachments:    linkDownloads,
			})
			if err != nil {
				return monitor.CheckOutcome{}, fmt.Errorf("record link downloads: %w", err)
			}
			outcome.RecordID = recordID
		}
		if err := o.store.UpdateMonitorCheckState(ctx, m.ID, "", linksHash, o.clock.Now()); err != nil {
			return monitor.CheckOutcome{}, fmt.Errorf("update check state: %w", err)
		}
		outcome.Duration = o.clock.Now().Sub(start)
		return outcome, nil
	}

	if !m.Match.Matches(content) {
		logger.Debug("change suppressed by match rule")
		if err := o.store.UpdateMonitorCheckState(ctx, m.ID, currentHash, linksHash, o.clock.Now()); err != nil {
			return monitor.CheckOutcome{}, fmt.Errorf("update check state: %w", err)
		}
		outcome.Changed = false
		outcome.Duration = o.clock.Now().Sub(start)
		return outcome, nil
	}

	logger.Info("change detected", zap.String("change_type", string(changeType)))

	record := monitor.ChangeRecord{
		MonitorID:      m.ID,
		CheckTime:      o.clock.Now(),
		ChangeType:     changeType,
		ContentPreview: preview(content),
	}

	shot, err := page.Screenshot(ctx)
	if err != nil {
		return monitor.CheckOutcome{}, fmt.Errorf("capture screenshot: %w", err)
	}
	shotName := fmt.Sprintf("monitor_%d_%d.png", m.ID, stamp)
	if _, err := o.artifacts.Put(ctx, path.Join("screenshots", shotName), "image/png", bytes.NewReader(shot)); err != nil {
		return monitor.CheckOutcome{}, fmt.Errorf("store screenshot: %w", err)
	}
	record.ScreenshotPath = shotName

	if m.SaveHTML {
		html, err := page.HTML(ctx)
		if err != nil {
			return monitor.CheckOutcome{}, fmt.Errorf("serialize page: %w", err)
		}
		archived := htmlutil.InjectBaseHref(html, m.URL)
		htmlName := fmt.Sprintf("monitor_%d_%d.html", m.ID, stamp)
		if _, err := o.artifacts.Put(ctx, path.Join("archives", htmlName), "text/html; charset=utf-8", strings.NewReader(archived)); err != nil {
			return monitor.CheckOutcome{}, fmt.Errorf("store html archive: %w", err)
		}
		record.HTMLPath = htmlName
	}

	record.Attachments = append(linkDownloads, o.attachments.DownloadFromPage(ctx, m, page, stamp)...)
	outcome.Downloads = len(record.Attachments)

	recordID, err := o.store.CreateChangeRecord(ctx, record)
	if err != nil {
		return monitor.CheckOutcome{}, fmt.Errorf("create change record: %w", err)
	}
	record.ID = recordID
	outcome.RecordID = recordID
	outcome.ChangeType = changeType

	if err := o.store.UpdateMonitorCheckState(ctx, m.ID, currentHash, linksHash, o.clock.Now()); err != nil {
		return monitor.CheckOutcome{}, fmt.Errorf("update check state: %w", err)
	}

	metrics.ObserveChange(string(changeType))

	if o.notifier != nil {
		o.notifier.Dispatch(ctx, m, record, content)
	}
	o.publishChange(ctx, checkID, m, record, currentHash, logger)

	outcome.Duration = o.clock.Now().Sub(start)
	return outcome, nil
}

// watchedContent resolves what the monitor compares between checks: the
// serialized link set for link-tracking monitors, otherwise the extracted
// selector text. A missing selector degrades to empty content.
func (o *Orchestrator) watchedContent(ctx context.Context, m monitor.Monitor, page monitor.Page, linkResult links.Result, logger *zap.Logger) (string, error) {
	if m.TrackLinks {
		sorted := append([]string(nil), linkResult.All...)
		sort.Strings(sorted)
		return strings.Join(sorted, "\n"), nil
	}
	content, err := page.ExtractText(ctx, m.Selector)
	if err != nil {
		if errors.Is(err, render.ErrSelectorNotFound) {
			logger.Warn("selector not found, treating content as empty",
				zap.String("selector", m.Selector.Query))
			return "", nil
		}
		return "", fmt.Errorf("extract content: %w", err)
	}
	return content, nil
}

// newLinkDownloads runs the auto-download flow over newly added links, or
// over the whole current link set on the first eligible pass.
func (o *Orchestrator) newLinkDownloads(ctx context.Context, m monitor.Monitor, cfg monitor.RuntimeSettings, linkResult links.Result, cutoff *time.Time, stamp int64, logger *zap.Logger) []monitor.AttachmentFile {
	enabled := cfg.AutoDownloadFromNewLinks && m.DownloadFromNewLinks
	if !enabled || cfg.MaxNewLinksPerCheck <= 0 {
		return nil
	}

	processBaseline := m.BaselineProcessed == nil
	candidates := linkResult.New
	if len(candidates) == 0 && processBaseline {
		candidates = linkResult.All
	}
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) > cfg.MaxNewLinksPerCheck {
		candidates = candidates[:cfg.MaxNewLinksPerCheck]
	}

	files := o.attachments.DiscoverFromLinks(ctx, m, candidates, cutoff, stamp)
	for range files {
		metrics.ObserveDownload("success")
	}

	if processBaseline {
		if err := o.store.MarkBaselineProcessed(ctx, m.ID, o.clock.Now()); err != nil {
			logger.Warn("mark baseline processed failed", zap.Error(err))
		}
	}
	return files
}

func (o *Orchestrator) publishChange(ctx context.Context, checkID string, m monitor.Monitor, record monitor.ChangeRecord, contentHash string, logger *zap.Logger) {
	if o.events == nil {
		return
	}
	event := ChangeEvent{
		CheckID:     checkID,
		MonitorID:   m.ID,
		MonitorName: m.Name,
		URL:         m.URL,
		ChangeType:  record.ChangeType,
		RecordID:    record.ID,
		ContentHash: contentHash,
		CheckedAt:   record.CheckTime,
	}
	if _, err := o.events.Publish(ctx, o.eventTopic, event); err != nil {
		logger.Warn("change event publish failed", zap.Error(err))
	}
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= contentPreviewLimit {
		return content
	}
	return string(runes[:contentPreviewLimit])
}
