// Package crawl implements the crawl engine: config validation, the
// link policy gate, batched persistence, the worker-pool run loop, and
// the per-session registry that keeps tenants isolated.
package crawl

import (
	"fmt"
	"regexp"
	"time"
)

// Config is the full set of tunables accepted by start_crawl /
// update_config, with the bounds given in the external interface.
type Config struct {
	MaxDepth   int           `json:"max_depth" mapstructure:"max_depth"`
	MaxURLs    int           `json:"max_urls" mapstructure:"max_urls"`
	Delay      time.Duration `json:"delay" mapstructure:"delay"`
	FollowRedirects bool     `json:"follow_redirects" mapstructure:"follow_redirects"`
	CrawlExternal   bool     `json:"crawl_external" mapstructure:"crawl_external"`
	UserAgent       string   `json:"user_agent" mapstructure:"user_agent"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	Retries         int      `json:"retries" mapstructure:"retries"`
	AcceptLanguage  string   `json:"accept_language" mapstructure:"accept_language"`
	RespectRobots   bool     `json:"respect_robots" mapstructure:"respect_robots"`
	AllowCookies    bool     `json:"allow_cookies" mapstructure:"allow_cookies"`

	IncludeExtensions []string `json:"include_extensions" mapstructure:"include_extensions"`
	ExcludeExtensions []string `json:"exclude_extensions" mapstructure:"exclude_extensions"`
	IncludePatterns   []string `json:"include_patterns" mapstructure:"include_patterns"`
	ExcludePatterns   []string `json:"exclude_patterns" mapstructure:"exclude_patterns"`

	MaxFileSizeBytes int64 `json:"max_file_size_bytes" mapstructure:"max_file_size_bytes"`
	Concurrency      int   `json:"concurrency" mapstructure:"concurrency"`
	MemoryLimitMB    int   `json:"memory_limit_mb" mapstructure:"memory_limit_mb"`

	EnableProxy bool   `json:"enable_proxy" mapstructure:"enable_proxy"`
	ProxyURL    string `json:"proxy_url" mapstructure:"proxy_url"`

	CustomHeaders map[string]string `json:"custom_headers" mapstructure:"custom_headers"`

	DiscoverSitemaps bool `json:"discover_sitemaps" mapstructure:"discover_sitemaps"`

	EnablePageSpeed bool   `json:"enable_pagespeed" mapstructure:"enable_pagespeed"`
	GoogleAPIKey    string `json:"google_api_key" mapstructure:"google_api_key"`

	EnableJavaScript      bool   `json:"enable_javascript" mapstructure:"enable_javascript"`
	JSWaitTime            time.Duration `json:"js_wait_time" mapstructure:"js_wait_time"`
	JSTimeout             time.Duration `json:"js_timeout" mapstructure:"js_timeout"`
	JSBrowser             string `json:"js_browser" mapstructure:"js_browser"`
	JSHeadless            bool   `json:"js_headless" mapstructure:"js_headless"`
	JSUserAgent           string `json:"js_user_agent" mapstructure:"js_user_agent"`
	JSViewportWidth       int    `json:"js_viewport_width" mapstructure:"js_viewport_width"`
	JSViewportHeight      int    `json:"js_viewport_height" mapstructure:"js_viewport_height"`
	JSMaxConcurrentPages  int    `json:"js_max_concurrent_pages" mapstructure:"js_max_concurrent_pages"`
	RemoteBrowserURL      string `json:"remote_browser_url" mapstructure:"remote_browser_url"`

	IssueExclusionPatterns []string `json:"issue_exclusion_patterns" mapstructure:"issue_exclusion_patterns"`
	EnableDuplicationCheck bool     `json:"enable_duplication_check" mapstructure:"enable_duplication_check"`
	DuplicationThreshold   float64  `json:"duplication_threshold" mapstructure:"duplication_threshold"`
}

// DefaultConfig returns the configuration used when the caller supplies
// no overrides.
func DefaultConfig() Config {
	return Config{
		MaxDepth:               3,
		MaxURLs:                1000,
		Delay:                  0,
		FollowRedirects:        true,
		Timeout:                30 * time.Second,
		Retries:                2,
		RespectRobots:          true,
		MaxFileSizeBytes:       10 * 1024 * 1024,
		Concurrency:            5,
		MemoryLimitMB:          512,
		DiscoverSitemaps:       true,
		JSWaitTime:             3 * time.Second,
		JSTimeout:              30 * time.Second,
		JSBrowser:              "chromium",
		JSHeadless:             true,
		JSMaxConcurrentPages:   3,
		EnableDuplicationCheck: true,
		DuplicationThreshold:   0.85,
	}
}

// Validate checks every bounded field against the ranges in the external
// interface, returning the first violation found.
func (c *Config) Validate() error {
	if c.MaxDepth < 1 || c.MaxDepth > 10 {
		return fmt.Errorf("crawl: max_depth must be in 1..10, got %d", c.MaxDepth)
	}
	if c.MaxURLs < 1 || c.MaxURLs > 5_000_000 {
		return fmt.Errorf("crawl: max_urls must be in 1..5000000, got %d", c.MaxURLs)
	}
	if c.Delay < 0 || c.Delay > 60*time.Second {
		return fmt.Errorf("crawl: delay must be in 0..60s, got %s", c.Delay)
	}
	if c.Timeout < time.Second || c.Timeout > 120*time.Second {
		return fmt.Errorf("crawl: timeout must be in 1..120s, got %s", c.Timeout)
	}
	if c.Retries < 0 || c.Retries > 10 {
		return fmt.Errorf("crawl: retries must be in 0..10, got %d", c.Retries)
	}
	if c.MaxFileSizeBytes < 1024*1024 || c.MaxFileSizeBytes > 1000*1024*1024 {
		return fmt.Errorf("crawl: max_file_size must be in 1..1000 MB, got %d bytes", c.MaxFileSizeBytes)
	}
	if c.Concurrency < 1 || c.Concurrency > 50 {
		return fmt.Errorf("crawl: concurrency must be in 1..50, got %d", c.Concurrency)
	}
	if c.MemoryLimitMB < 64 || c.MemoryLimitMB > 4096 {
		return fmt.Errorf("crawl: memory_limit must be in 64..4096 MB, got %d", c.MemoryLimitMB)
	}
	if c.EnableJavaScript {
		if c.JSWaitTime < 0 || c.JSWaitTime > 30*time.Second {
			return fmt.Errorf("crawl: js_wait_time must be in 0..30s, got %s", c.JSWaitTime)
		}
		if c.JSTimeout < 5*time.Second || c.JSTimeout > 120*time.Second {
			return fmt.Errorf("crawl: js_timeout must be in 5..120s, got %s", c.JSTimeout)
		}
		switch c.JSBrowser {
		case "chromium", "firefox", "webkit":
		default:
			return fmt.Errorf("crawl: js_browser must be chromium, firefox, or webkit, got %q", c.JSBrowser)
		}
		if c.JSMaxConcurrentPages < 1 || c.JSMaxConcurrentPages > 10 {
			return fmt.Errorf("crawl: js_max_concurrent_pages must be in 1..10, got %d", c.JSMaxConcurrentPages)
		}
	}
	if c.DuplicationThreshold < 0 || c.DuplicationThreshold > 1 {
		return fmt.Errorf("crawl: duplication_threshold must be in 0..1, got %f", c.DuplicationThreshold)
	}
	for _, pattern := range c.IncludePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("crawl: invalid include_pattern %q: %w", pattern, err)
		}
	}
	for _, pattern := range c.ExcludePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("crawl: invalid exclude_pattern %q: %w", pattern, err)
		}
	}
	return nil
}
