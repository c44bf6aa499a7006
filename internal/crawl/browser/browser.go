// Package browser implements the browser fetch path: a pool of
// headless-browser pages used to render JavaScript-heavy content. The
// actual browser driver (Playwright, chromedp, or a remote CDP endpoint)
// is an injected capability -- this package only owns the pool, the
// render contract, and the extension skip-list, never a concrete driver.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RenderResult is the outcome of rendering one URL through a browser page.
type RenderResult struct {
	HTML       string
	StatusCode int
	Error      string
}

// Page is a single pooled browser page/tab capable of navigating to a URL
// and returning its rendered DOM. Implementations wrap a concrete driver
// (Playwright, chromedp, a remote CDP session); none is fabricated here.
type Page interface {
	// Goto navigates to rawURL, waits waitTime for JS to settle, and
	// returns the rendered HTML and response status.
	Goto(ctx context.Context, rawURL string, waitTime time.Duration) (html string, statusCode int, err error)
	// Close releases any resources held by the page.
	Close() error
}

// PageFactory constructs a new Page, e.g. a new browser context + tab.
type PageFactory func(ctx context.Context) (Page, error)

// Config configures a Pool.
type Config struct {
	MaxConcurrentPages int
	NavigationTimeout  time.Duration
	WaitTime           time.Duration
	RemoteCDPURL       string // mutually exclusive with a local launch
}

// Pool manages N pages, handed out and returned via a buffered channel so
// Render blocks until a page is available rather than over-subscribing
// the underlying browser.
type Pool struct {
	cfg     Config
	factory PageFactory
	pages   chan Page
	size    int
}

// NewPool creates an empty Pool sized for cfg.MaxConcurrentPages pages;
// Initialize builds them via factory. Initialization and teardown are idempotent:
// calling Close on an unopened or already-closed Pool is a no-op.
func NewPool(cfg Config, factory PageFactory) (*Pool, error) {
	if cfg.MaxConcurrentPages <= 0 {
		cfg.MaxConcurrentPages = 3
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.WaitTime == 0 {
		cfg.WaitTime = 3 * time.Second
	}

	return &Pool{
		cfg:     cfg,
		factory: factory,
		pages:   make(chan Page, cfg.MaxConcurrentPages),
		size:    cfg.MaxConcurrentPages,
	}, nil
}

// Initialize eagerly fills the pool with cfg.MaxConcurrentPages pages.
// Safe to call more than once; only the first call has any effect.
func (p *Pool) Initialize(ctx context.Context) error {
	if len(p.pages) == p.size {
		return nil
	}
	for i := 0; i < p.size; i++ {
		page, err := p.factory(ctx)
		if err != nil {
			return fmt.Errorf("browser: failed to initialize page %d/%d: %w", i+1, p.size, err)
		}
		p.pages <- page
	}
	return nil
}

// Render acquires a page from the pool, navigates to rawURL, waits for
// the configured settle time, and returns the rendered HTML. The page is
// always returned to the pool before Render returns.
func (p *Pool) Render(ctx context.Context, rawURL string) RenderResult {
	var page Page
	select {
	case page = <-p.pages:
	case <-ctx.Done():
		return RenderResult{Error: ctx.Err().Error()}
	}
	defer func() { p.pages <- page }()

	navCtx, cancel := context.WithTimeout(ctx, p.cfg.NavigationTimeout)
	defer cancel()

	html, status, err := page.Goto(navCtx, rawURL, p.cfg.WaitTime)
	if err != nil {
		return RenderResult{Error: err.Error()}
	}
	return RenderResult{HTML: html, StatusCode: status}
}

// Close tears down every pooled page. Idempotent: calling Close twice, or
// on a Pool that was never Initialized, returns nil.
func (p *Pool) Close() error {
	var firstErr error
	for {
		select {
		case page := <-p.pages:
			if err := page.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}

var skipExtensions = []string{
	".pdf", ".jpg", ".jpeg", ".png", ".gif", ".css", ".js", ".xml", ".txt", ".zip",
}

// ShouldRender reports whether rawURL is a JS-rendering candidate: not a
// clearly non-HTML static resource by file extension.
func ShouldRender(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	lower := strings.ToLower(u.Path)
	for _, ext := range skipExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	return true
}

// ValidateRemoteExclusivity enforces that a remote CDP endpoint and a
// local browser launch are never configured together: the original
// implementation silently let a remote connection get overwritten by a
// subsequent local launch, which this crawler treats as a configuration
// error instead.
func ValidateRemoteExclusivity(remoteCDPURL string, localLaunchRequested bool) error {
	if remoteCDPURL != "" && localLaunchRequested {
		return fmt.Errorf("browser: remote_browser and a local browser launch are mutually exclusive")
	}
	return nil
}
