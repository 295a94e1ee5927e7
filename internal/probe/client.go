// Package probe checks remote file metadata and streams downloads.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pagesentry/pagesentry/internal/monitor"
)

// Config controls probe and download behavior.
type Config struct {
	UserAgent       string
	ProbeTimeout    time.Duration
	DownloadTimeout time.Duration
	MaxRedirects    int
}

// Client implements monitor.Prober and monitor.Downloader over net/http.
type Client struct {
	cfg        Config
	probeHTTP  *http.Client
	streamHTTP *http.Client
	logger     *zap.Logger
}

// New creates an HTTP probe client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 15 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	redirectPolicy := func(req *http.Request, via []*http.Request) error {
		if len(via) >= cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
		}
		return nil
	}
	return &Client{
		cfg: cfg,
		probeHTTP: &http.Client{
			Timeout:       cfg.ProbeTimeout,
			CheckRedirect: redirectPolicy,
		},
		streamHTTP: &http.Client{
			Timeout:       cfg.DownloadTimeout,
			CheckRedirect: redirectPolicy,
		},
		logger: logger.Named("probe"),
	}
}

// Probe issues a HEAD request for the URL. Servers that reject HEAD get a
// second chance via a zero-length ranged GET.
func (c *Client) Probe(ctx context.Context, url string) (monitor.ProbeResult, error) {
	res, err := c.do(ctx, http.MethodHead, url, false)
	if err == nil && res.StatusCode != http.StatusMethodNotAllowed && res.StatusCode != http.StatusNotImplemented {
		return res, nil
	}
	if err != nil {
		c.logger.Debug("head probe failed, retrying with ranged get",
			zap.String("url", url), zap.Error(err))
	}
	return c.do(ctx, http.MethodGet, url, true)
}

func (c *Client) do(ctx context.Context, method, url string, ranged bool) (monitor.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return monitor.ProbeResult{}, fmt.Errorf("build probe request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if ranged {
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := c.probeHTTP.Do(req)
	if err != nil {
		return monitor.ProbeResult{}, fmt.Errorf("probe %s: %w", url, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
	}()

	status := resp.StatusCode
	if status == http.StatusPartialContent {
		status = http.StatusOK
	}
	return monitor.ProbeResult{
		StatusCode:    status,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  parseLastModified(resp.Header.Get("Last-Modified")),
		ContentLength: contentLength(resp),
	}, nil
}

// Download streams the response body for the URL into dst and returns the
// number of bytes written. Non-2xx responses are errors.
func (c *Client) Download(ctx context.Context, url string, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("stream download %s: %w", url, err)
	}
	return n, nil
}

// contentLength prefers Content-Range totals over Content-Length so ranged
// probes still report the full file size.
func contentLength(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				return total
			}
		}
	}
	if resp.ContentLength >= 0 {
		return resp.ContentLength
	}
	return 0
}

func parseLastModified(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
