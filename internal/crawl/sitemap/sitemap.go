// Package sitemap discovers seed URLs by probing the conventional sitemap
// locations and following sitemap indexes, bounded in depth and total
// file count so a misbehaving site cannot stall a crawl's startup.
package sitemap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	sitemapxml "github.com/oxffaa/gopher-parse-sitemap"
)

const (
	maxRecursionDepth = 3
	maxSitemapFiles   = 50
)

// Fetcher is the minimal page-fetch capability sitemap retrieval needs.
type Fetcher interface {
	FetchRaw(ctx context.Context, rawURL string) (statusCode int, body []byte, err error)
}

// RobotsSource supplies Sitemap: directives discovered in robots.txt.
type RobotsSource interface {
	Sitemaps(ctx context.Context, host string) ([]string, error)
}

// Parser discovers and parses sitemaps for a base host.
type Parser struct {
	fetcher Fetcher
	robots  RobotsSource
	logger  *slog.Logger
}

// New creates a sitemap Parser. robots may be nil if robots.txt-declared
// sitemaps should not be probed.
func New(fetcher Fetcher, robots RobotsSource, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{fetcher: fetcher, robots: robots, logger: logger}
}

// Discover probes /sitemap.xml, /sitemap_index.xml, and any robots.txt
// Sitemap: directives for baseURL, returning a deduplicated URL set. A
// failed individual sitemap does not abort the others.
func (p *Parser) Discover(ctx context.Context, baseURL string) []string {
	baseURL = strings.TrimRight(baseURL, "/")

	candidates := []string{baseURL + "/sitemap.xml", baseURL + "/sitemap_index.xml"}
	if p.robots != nil {
		if extra, err := p.robots.Sitemaps(ctx, baseURL); err == nil {
			candidates = append(candidates, extra...)
		}
	}

	seen := make(map[string]struct{})
	var out []string
	budget := &fileBudget{max: maxSitemapFiles}

	for _, c := range candidates {
		urls, err := p.fetchOne(ctx, c, 0, budget)
		if err != nil {
			p.logger.Debug("sitemap probe failed", "url", c, "err", err)
			continue
		}
		for _, u := range urls {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}

	return out
}

// fileBudget bounds the total number of sitemap files fetched across a
// single Discover call, guarded for concurrent recursive use.
type fileBudget struct {
	mu    sync.Mutex
	count int
	max   int
}

func (b *fileBudget) consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count >= b.max {
		return false
	}
	b.count++
	return true
}

// fetchOne fetches a single sitemap or sitemap index URL and returns its
// <loc> entries, recursing into nested indexes up to maxRecursionDepth.
func (p *Parser) fetchOne(ctx context.Context, sitemapURL string, depth int, budget *fileBudget) ([]string, error) {
	if depth > maxRecursionDepth {
		return nil, fmt.Errorf("sitemap: max recursion depth exceeded at %s", sitemapURL)
	}
	if !budget.consume() {
		return nil, fmt.Errorf("sitemap: file budget exhausted before %s", sitemapURL)
	}

	status, body, err := p.fetcher.FetchRaw(ctx, sitemapURL)
	if err != nil {
		return nil, fmt.Errorf("sitemap: fetch error: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("sitemap: bad status %d", status)
	}

	var urls []string
	parseErr := sitemapxml.Parse(bytes.NewReader(body), func(e sitemapxml.Entry) error {
		urls = append(urls, e.GetLocation())
		return nil
	})

	if parseErr != nil || len(urls) == 0 {
		var nested []string
		indexErr := sitemapxml.ParseIndex(bytes.NewReader(body), func(e sitemapxml.IndexEntry) error {
			nested = append(nested, e.GetLocation())
			return nil
		})

		if indexErr != nil || (len(urls) == 0 && len(nested) == 0) {
			return nil, fmt.Errorf("sitemap: failed to parse as sitemap or index: %w", parseErr)
		}

		for _, n := range nested {
			nestedURLs, err := p.fetchOne(ctx, n, depth+1, budget)
			if err != nil {
				p.logger.Debug("nested sitemap failed", "url", n, "err", err)
				continue
			}
			urls = append(urls, nestedURLs...)
		}
	}

	return urls, nil
}
