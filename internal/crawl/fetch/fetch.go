// Package fetch implements the HTTP fetch path: an optional HEAD
// size check, a GET with linear-backoff retries, and response decoding
// into a storage.URLRecord shell. HTML bodies are handed to the SEO
// extractor by the orchestrator, not by this package.
package fetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/seoauditor/crawler/internal/storage"
	"github.com/seoauditor/crawler/pkg/httpclient"
)

// Config configures a Client shared across one crawl's fetches.
type Config struct {
	Timeout          time.Duration
	MaxRedirects     int
	UseCookieJar     bool
	UserAgent        string
	AcceptLanguage   string
	CustomHeaders    map[string]string
	Retries          int
	MaxFileSizeBytes int64 // 0 = no HEAD size check
	ProxyURL         string
}

// Client performs fetches for one crawl, reusing a single underlying
// http.Client so cookie jars (if configured) persist across requests.
type Client struct {
	cfg        Config
	httpClient *httpclient.Client

	mu        sync.Mutex
	redirects []string
}

// New constructs a fetch Client.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "seoauditor-crawler/1.0"
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	c := &Client{cfg: cfg}

	var transport http.RoundTripper
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("fetch: invalid proxy url: %w", err)
		}
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	httpClient, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    transport,
		OnRedirect: func(req *http.Request) {
			c.mu.Lock()
			c.redirects = append(c.redirects, req.URL.String())
			c.mu.Unlock()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: failed to create client: %w", err)
	}
	c.httpClient = httpClient

	return c, nil
}

// FetchRaw performs a single unconditional GET and returns the raw status
// and body, with no retries or size checks. It satisfies the Fetcher
// interfaces used by internal/crawl/robots and internal/crawl/sitemap.
func (c *Client) FetchRaw(ctx context.Context, rawURL string) (int, []byte, error) {
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// headResult is the outcome of the optional pre-flight HEAD check.
type headResult struct {
	oversize bool
	details  string
}

// Fetch executes the full fetch procedure for one URL at the given crawl
// depth: optional HEAD size check, GET with retries, and a URLRecord
// shell populated with transport-level fields. It also returns the
// decoded response body so the caller can hand HTML content to the SEO
// extractor; the body is not part of storage.URLRecord because that type
// is the persisted, serializable row.
func (c *Client) Fetch(ctx context.Context, rawURL string, depth int) (*storage.URLRecord, []byte) {
	start := time.Now()
	rec := &storage.URLRecord{
		URL:       rawURL,
		Depth:     depth,
		CrawledAt: start.UTC(),
	}

	if c.cfg.MaxFileSizeBytes > 0 {
		if hr, err := c.headCheck(ctx, rawURL); err == nil && hr.oversize {
			rec.StatusCode = 0
			rec.Error = hr.details
			rec.ResponseTimeMs = time.Since(start).Milliseconds()
			return rec, nil
		}
	}

	c.mu.Lock()
	c.redirects = nil
	c.mu.Unlock()

	var lastErr error
	attempts := c.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				rec.Error = ctx.Err().Error()
				rec.ResponseTimeMs = time.Since(start).Milliseconds()
				return rec, nil
			}
		}

		resp, body, err := c.doGet(ctx, rawURL)
		if err != nil {
			lastErr = err
			continue
		}

		rec.StatusCode = resp.StatusCode
		rec.ContentType = stripCharset(resp.Header.Get("Content-Type"))
		rec.SizeBytes = int64(len(body))
		rec.ResponseTimeMs = time.Since(start).Milliseconds()

		c.mu.Lock()
		rec.Redirects = append([]string(nil), c.redirects...)
		c.mu.Unlock()

		// 4xx are not retried; 5xx and transport errors are.
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return rec, body
	}

	rec.Error = fmt.Sprintf("%v", lastErr)
	rec.StatusCode = 0
	rec.ResponseTimeMs = time.Since(start).Milliseconds()
	return rec, nil
}

func (c *Client) headCheck(ctx context.Context, rawURL string) (headResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return headResult{}, err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		return headResult{}, err
	}
	defer resp.Body.Close()

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > c.cfg.MaxFileSizeBytes {
			return headResult{
				oversize: true,
				details:  fmt.Sprintf("content-length %d exceeds max_file_size %d", n, c.cfg.MaxFileSizeBytes),
			}, nil
		}
	}
	return headResult{}, nil
}

func (c *Client) doGet(ctx context.Context, rawURL string) (*http.Response, []byte, error) {
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read body: %w", err)
	}
	return resp, body, nil
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.applyHeaders(req)
	return req, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, br")
	if c.cfg.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", c.cfg.AcceptLanguage)
	}
	for k, v := range c.cfg.CustomHeaders {
		req.Header.Set(k, v)
	}
}

func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(reader)
}

func stripCharset(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		return strings.TrimSpace(contentType[:idx])
	}
	return contentType
}
