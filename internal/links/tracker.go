// Package links discovers and tracks outbound links on monitored pages.
package links

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pagesentry/pagesentry/internal/monitor"
	"github.com/pagesentry/pagesentry/internal/render"
)

// maxLinksPerPass bounds how many links one pass will consider.
const maxLinksPerPass = 5000

type auditLog interface {
	Event(ctx context.Context, sev monitor.Severity, monitorID int64, event, message string, meta map[string]any)
}

// Tracker maintains the per-monitor set of observed links.
type Tracker struct {
	store  monitor.Store
	audit  auditLog
	clock  monitor.Clock
	logger *zap.Logger
}

// New creates a link tracker.
func New(store monitor.Store, audit auditLog, clock monitor.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		audit:  audit,
		clock:  clock,
		logger: logger.Named("links"),
	}
}

// Result summarizes one tracking pass.
type Result struct {
	// All holds every normalized link seen in this pass, deduplicated and capped.
	All []string
	// New holds the normalized links that were not tracked before this pass.
	New []string
	// Hash is the aggregate hash over the sorted link set.
	Hash string
	// Baseline is true when this pass established the initial link set.
	Baseline bool
}

// Process collects links from the page, normalizes and deduplicates them,
// persists new rows, refreshes last-seen on known ones, and computes the
// aggregate hash. The first pass for a monitor is a baseline: links are
// recorded but not reported as new.
func (t *Tracker) Process(ctx context.Context, m monitor.Monitor, page monitor.Page) (Result, error) {
	raw, err := t.collect(ctx, m, page)
	if err != nil {
		return Result{}, err
	}

	now := t.clock.Now()
	seen := make(map[string]bool, len(raw))
	var normalized []string
	hashes := make(map[string]string, len(raw))
	for _, u := range raw {
		nu, err := monitor.NormalizeURL(u)
		if err != nil {
			continue
		}
		h := monitor.URLHash(nu)
		if seen[h] {
			continue
		}
		seen[h] = true
		normalized = append(normalized, nu)
		hashes[nu] = h
		if len(normalized) >= maxLinksPerPass {
			t.logger.Warn("link cap reached",
				zap.Int64("monitor_id", m.ID),
				zap.Int("cap", maxLinksPerPass))
			break
		}
	}

	result := Result{
		All:      normalized,
		Hash:     aggregateHash(normalized),
		Baseline: m.LastLinksHash == "",
	}

	allHashes := make([]string, 0, len(normalized))
	for _, nu := range normalized {
		allHashes = append(allHashes, hashes[nu])
	}
	known, err := t.store.FindLinkHashes(ctx, m.ID, allHashes)
	if err != nil {
		return Result{}, err
	}

	var inserts []monitor.TrackedLink
	var touch []string
	for _, nu := range normalized {
		h := hashes[nu]
		if known[h] {
			touch = append(touch, h)
			continue
		}
		result.New = append(result.New, nu)
		inserts = append(inserts, monitor.TrackedLink{
			MonitorID:     m.ID,
			URL:           nu,
			NormalizedURL: nu,
			URLHash:       h,
			FirstSeenAt:   now,
			LastSeenAt:    now,
		})
	}

	if len(inserts) > 0 {
		if err := t.store.InsertLinks(ctx, inserts); err != nil {
			return Result{}, err
		}
	}
	if len(touch) > 0 {
		if err := t.store.TouchLinks(ctx, m.ID, touch, now); err != nil {
			return Result{}, err
		}
	}

	if !result.Baseline && t.audit != nil {
		for _, nu := range result.New {
			t.audit.Event(ctx, monitor.SeverityInfo, m.ID, "link_added", nu, nil)
		}
	}
	return result, nil
}

// collect resolves the link scope: explicit scope first, then the content
// selector region, then the whole page.
func (t *Tracker) collect(ctx context.Context, m monitor.Monitor, page monitor.Page) ([]string, error) {
	scopes := []monitor.Selector{}
	if !m.LinkScope.IsZero() {
		scopes = append(scopes, m.LinkScope)
	}
	if !m.Selector.IsZero() {
		scopes = append(scopes, m.Selector)
	}
	scopes = append(scopes, monitor.Selector{})

	var lastErr error
	for _, scope := range scopes {
		urls, err := page.Links(ctx, scope)
		if err == nil {
			return urls, nil
		}
		if !errors.Is(err, render.ErrSelectorNotFound) {
			return nil, err
		}
		lastErr = err
		if !scope.IsZero() {
			t.logger.Debug("link scope did not match, widening",
				zap.Int64("monitor_id", m.ID),
				zap.String("scope", scope.Query))
		}
	}
	return nil, lastErr
}

// aggregateHash hashes the sorted link set so ordering on the page does not
// affect change detection.
func aggregateHash(normalized []string) string {
	if len(normalized) == 0 {
		return monitor.ContentHash("")
	}
	sorted := append([]string(nil), normalized...)
	sort.Strings(sorted)
	return monitor.ContentHash(strings.Join(sorted, "\n"))
}
