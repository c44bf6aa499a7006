// Package robots fetches and caches per-host robots.txt and answers
// allow/deny decisions for a configured user agent.
package robots

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
)

// Fetcher is the minimal page-fetch capability robots.txt retrieval needs.
// internal/crawl/fetch.Client satisfies this.
type Fetcher interface {
	FetchRaw(ctx context.Context, rawURL string) (statusCode int, body []byte, err error)
}

// Cache manages robots.txt fetching and enforcement. It lives for the
// duration of one crawl.
type Cache struct {
	fetcher Fetcher
	logger  *slog.Logger
	mu      sync.RWMutex
	data    map[string]*robotstxt.RobotsData
}

// New creates a robots.txt cache backed by fetcher.
func New(fetcher Fetcher, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fetcher: fetcher,
		logger:  logger,
		data:    make(map[string]*robotstxt.RobotsData),
	}
}

// CanFetch reports whether userAgent may fetch targetURL. On any fetch or
// parse error, it defaults to allow.
func (c *Cache) CanFetch(ctx context.Context, targetURL string, userAgent string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("robots: invalid url: %w", err)
	}

	host := u.Scheme + "://" + u.Host
	data, err := c.getOrFetch(ctx, host)
	if err != nil {
		c.logger.Debug("robots.txt fetch failed, defaulting to allow", "host", host, "err", err)
		return true, nil
	}
	if data == nil {
		return true, nil
	}

	group := data.FindGroup(userAgent)
	return group.Test(u.Path), nil
}

// Sitemaps returns sitemap URLs declared by the cached robots.txt for host.
func (c *Cache) Sitemaps(ctx context.Context, host string) ([]string, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	data, err := c.getOrFetch(ctx, host)
	if err != nil || data == nil {
		return nil, nil
	}
	return data.Sitemaps, nil
}

func (c *Cache) getOrFetch(ctx context.Context, host string) (*robotstxt.RobotsData, error) {
	c.mu.RLock()
	data, exists := c.data[host]
	c.mu.RUnlock()
	if exists {
		return data, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, exists = c.data[host]
	if exists {
		return data, nil
	}

	robotsURL := host + "/robots.txt"
	status, body, err := c.fetcher.FetchRaw(ctx, robotsURL)
	if err != nil {
		c.data[host] = nil
		return nil, fmt.Errorf("robots: fetch error: %w", err)
	}
	if status >= 400 {
		c.data[host] = nil
		return nil, nil
	}

	parsed, err := robotstxt.FromBytes(body)
	if err != nil {
		c.data[host] = nil
		return nil, fmt.Errorf("robots: parse error: %w", err)
	}

	c.data[host] = parsed
	return parsed, nil
}
