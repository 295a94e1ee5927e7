// Package render drives headless Chrome page sessions via chromedp.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/pagesentry/pagesentry/internal/monitor"
)

// ErrSelectorNotFound reports that a selector did not match within its wait
// window. Callers decide whether that is fatal or a fallback trigger.
var ErrSelectorNotFound = errors.New("selector not found")

// Config controls the behavior of the browser and its pages.
type Config struct {
	UserAgent         string
	NavTimeout        time.Duration
	SelectorWait      time.Duration
	LinkScopeWait     time.Duration
	ScreenshotQuality int
}

// Browser owns a shared Chrome allocator and opens one tab per check.
type Browser struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless browser backed by chromedp.
func New(cfg Config) (*Browser, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}
	if cfg.SelectorWait <= 0 {
		cfg.SelectorWait = 10 * time.Second
	}
	if cfg.LinkScopeWait <= 0 {
		cfg.LinkScopeWait = 3 * time.Second
	}
	if cfg.ScreenshotQuality <= 0 || cfg.ScreenshotQuality > 100 {
		cfg.ScreenshotQuality = 90
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// NewPage opens a fresh tab. The tab is torn down when the page is closed or
// the caller's context is canceled.
func (b *Browser) NewPage(ctx context.Context) (monitor.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	p := &page{
		cfg:    b.cfg,
		ctx:    tabCtx,
		cancel: tabCancel,
		closed: make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			tabCancel()
		case <-p.closed:
		}
	}()
	return p, nil
}

// Close cancels the allocator context, shutting the browser down.
func (b *Browser) Close() error {
	b.allocCancel()
	return nil
}

type page struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
}

func (p *page) Close() error {
	close(p.closed)
	p.cancel()
	return nil
}

// Navigate loads the URL and waits for the document body to be ready.
func (p *page) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(p.ctx, p.cfg.NavTimeout)
	defer cancel()

	actions := []chromedp.Action{
		p.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
	}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *page) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// ExtractText returns the visible text of the selector region, or of the whole
// body when the selector is empty. A selector that never matches yields
// ErrSelectorNotFound.
func (p *page) ExtractText(ctx context.Context, sel monitor.Selector) (string, error) {
	var text string
	if sel.IsZero() {
		if err := chromedp.Run(p.ctx, chromedp.Text("body", &text, chromedp.ByQuery)); err != nil {
			return "", fmt.Errorf("extract body text: %w", err)
		}
		return text, nil
	}

	by := byOption(sel.Kind)
	if err := p.waitFor(sel, p.cfg.SelectorWait); err != nil {
		return "", err
	}
	if err := chromedp.Run(p.ctx, chromedp.Text(sel.Query, &text, by)); err != nil {
		return "", fmt.Errorf("extract text %q: %w", sel.Query, err)
	}
	return text, nil
}

// waitFor blocks until the selector matches or the wait window elapses.
func (p *page) waitFor(sel monitor.Selector, wait time.Duration) error {
	waitCtx, cancel := context.WithTimeout(p.ctx, wait)
	defer cancel()
	err := chromedp.Run(waitCtx, chromedp.WaitReady(sel.Query, byOption(sel.Kind)))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrSelectorNotFound, sel.Query)
	}
	return fmt.Errorf("wait for %q: %w", sel.Query, err)
}

// Links collects absolute anchor URLs under the scope selector. An empty
// scope scans the entire document. A scope that never matches yields
// ErrSelectorNotFound so callers can widen the scope.
func (p *page) Links(ctx context.Context, scope monitor.Selector) ([]string, error) {
	var script string
	if scope.IsZero() {
		script = allAnchorsScript
	} else {
		if err := p.waitFor(scope, p.cfg.LinkScopeWait); err != nil {
			return nil, err
		}
		switch scope.Kind {
		case monitor.SelectorXPath:
			script = fmt.Sprintf(xpathAnchorsScript, jsString(scope.Query))
		default:
			script = fmt.Sprintf(cssAnchorsScript, jsString(scope.Query))
		}
	}

	var urls []string
	if err := chromedp.Run(p.ctx, chromedp.Evaluate(script, &urls)); err != nil {
		return nil, fmt.Errorf("collect links: %w", err)
	}
	return urls, nil
}

// AssetURLs scans the document for downloadable resource references across
// anchor, link, media, embed and object elements.
func (p *page) AssetURLs(ctx context.Context) ([]string, error) {
	var urls []string
	if err := chromedp.Run(p.ctx, chromedp.Evaluate(assetURLsScript, &urls)); err != nil {
		return nil, fmt.Errorf("collect asset urls: %w", err)
	}
	return urls, nil
}

func (p *page) Title(ctx context.Context) (string, error) {
	var title string
	if err := chromedp.Run(p.ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}

func (p *page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(p.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("serialize html: %w", err)
	}
	return html, nil
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := chromedp.Run(p.ctx, chromedp.FullScreenshot(&buf, p.cfg.ScreenshotQuality)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func byOption(kind monitor.SelectorKind) chromedp.QueryOption {
	if kind == monitor.SelectorXPath {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// jsString quotes a Go string as a JavaScript string literal.
func jsString(s string) string {
	return fmt.Sprintf("%q", s)
}

const allAnchorsScript = `
(() => Array.from(document.querySelectorAll('a[href]'), a => a.href))()
`

const cssAnchorsScript = `
(() => {
	const out = [];
	for (const root of document.querySelectorAll(%s)) {
		if (root.matches('a[href]')) out.push(root.href);
		for (const a of root.querySelectorAll('a[href]')) out.push(a.href);
	}
	return out;
})()
`

const xpathAnchorsScript = `
(() => {
	const out = [];
	const result = document.evaluate(%s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
	for (let i = 0; i < result.snapshotLength; i++) {
		const node = result.snapshotItem(i);
		if (!(node instanceof Element)) continue;
		if (node.matches('a[href]')) out.push(node.href);
		for (const a of node.querySelectorAll('a[href]')) out.push(a.href);
	}
	return out;
})()
`

const assetURLsScript = `
(() => {
	const out = [];
	const push = (u) => { if (u) out.push(u); };
	for (const a of document.querySelectorAll('a[href]')) push(a.href);
	for (const l of document.querySelectorAll('link[href]')) push(l.href);
	for (const el of document.querySelectorAll('img[src], source[src], video[src], audio[src], embed[src]')) push(el.src);
	for (const o of document.querySelectorAll('object[data]')) push(o.data);
	return out;
})()
`
