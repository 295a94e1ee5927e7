// Package settings serves global runtime settings with a short-lived cache.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pagesentry/pagesentry/internal/monitor"
)

// Store persists settings key/value rows.
type Store interface {
	GetRuntimeSettings(ctx context.Context) (map[string]string, error)
	PutRuntimeSetting(ctx context.Context, key, value string) error
}

// Persisted settings keys.
const (
	KeyAutoDownloadFromNewLinks = "auto_download_from_new_links"
	KeyAttachmentDateAfter      = "attachment_date_after"
	KeyAuditLogLevel            = "audit_log_level"
	KeyMaxNewLinksPerCheck      = "max_new_links_per_check"
)

const (
	defaultTTL             = 30 * time.Second
	defaultMaxNewLinks     = 20
	maxNewLinksUpperBound  = 500
	defaultAuditLogLevel   = monitor.SeverityInfo
	defaultDateAfterFormat = "2006-01-02"
)

// Service caches the settings row set with a bounded staleness window.
// Writes invalidate the cache synchronously.
type Service struct {
	store Store
	clock monitor.Clock
	ttl   time.Duration

	mu       sync.Mutex
	cached   monitor.RuntimeSettings
	cachedAt time.Time
}

// New creates a settings service over the given store.
func New(store Store, clock monitor.Clock) *Service {
	return &Service{
		store: store,
		clock: clock,
		ttl:   defaultTTL,
	}
}

// Get returns the current settings, served from cache while the TTL holds.
func (s *Service) Get(ctx context.Context) (monitor.RuntimeSettings, error) {
	now := s.clock.Now()

	s.mu.Lock()
	if !s.cachedAt.IsZero() && now.Sub(s.cachedAt) < s.ttl {
		cached := s.cached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	raw, err := s.store.GetRuntimeSettings(ctx)
	if err != nil {
		return monitor.RuntimeSettings{}, fmt.Errorf("load runtime settings: %w", err)
	}
	parsed := parse(raw)

	s.mu.Lock()
	s.cached = parsed
	s.cachedAt = now
	s.mu.Unlock()
	return parsed, nil
}

// Update persists the provided key/value pairs and invalidates the cache.
// Values are normalized before storage; unknown keys are rejected.
func (s *Service) Update(ctx context.Context, updates map[string]string) (monitor.RuntimeSettings, error) {
	for key, value := range updates {
		normalized, err := normalize(key, value)
		if err != nil {
			return monitor.RuntimeSettings{}, err
		}
		if err := s.store.PutRuntimeSetting(ctx, key, normalized); err != nil {
			return monitor.RuntimeSettings{}, fmt.Errorf("store setting %s: %w", key, err)
		}
	}

	s.Invalidate()
	return s.Get(ctx)
}

// Invalidate drops the cached snapshot so the next Get reloads from the store.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cachedAt = time.Time{}
	s.mu.Unlock()
}

func normalize(key, value string) (string, error) {
	switch key {
	case KeyAutoDownloadFromNewLinks:
		return strconv.FormatBool(parseBool(value)), nil
	case KeyAttachmentDateAfter:
		if value == "" {
			return "", nil
		}
		if _, err := time.Parse(defaultDateAfterFormat, value); err != nil {
			return "", fmt.Errorf("invalid date %q: expected YYYY-MM-DD", value)
		}
		return value, nil
	case KeyAuditLogLevel:
		switch monitor.Severity(value) {
		case monitor.SeverityError, monitor.SeverityWarn, monitor.SeverityInfo, monitor.SeverityDebug:
			return value, nil
		}
		return string(defaultAuditLogLevel), nil
	case KeyMaxNewLinksPerCheck:
		return strconv.Itoa(clampMaxNewLinks(value)), nil
	}
	return "", fmt.Errorf("unknown setting %q", key)
}

func parse(raw map[string]string) monitor.RuntimeSettings {
	out := monitor.RuntimeSettings{
		AutoDownloadFromNewLinks: false,
		AttachmentDateAfter:      "",
		AuditLogLevel:            defaultAuditLogLevel,
		MaxNewLinksPerCheck:      defaultMaxNewLinks,
	}
	if v, ok := raw[KeyAutoDownloadFromNewLinks]; ok {
		out.AutoDownloadFromNewLinks = parseBool(v)
	}
	if v, ok := raw[KeyAttachmentDateAfter]; ok {
		out.AttachmentDateAfter = v
	}
	if v, ok := raw[KeyAuditLogLevel]; ok {
		switch sev := monitor.Severity(v); sev {
		case monitor.SeverityError, monitor.SeverityWarn, monitor.SeverityInfo, monitor.SeverityDebug:
			out.AuditLogLevel = sev
		}
	}
	if v, ok := raw[KeyMaxNewLinksPerCheck]; ok {
		out.MaxNewLinksPerCheck = clampMaxNewLinks(v)
	}
	return out
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func clampMaxNewLinks(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultMaxNewLinks
	}
	if n < 0 {
		return 0
	}
	if n > maxNewLinksUpperBound {
		return maxNewLinksUpperBound
	}
	return n
}
