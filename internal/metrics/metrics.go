// Package metrics exposes Prometheus counters and histograms for crawl
// activity: pages fetched, response latency, and issues found, labeled by
// host, status, and issue category/type rather than by detection heuristics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seoauditor/crawler/internal/storage"
)

var (
	PagesCrawledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seoauditor_pages_crawled_total",
			Help: "Total number of pages fetched per crawl host and status",
		},
		[]string{"host", "status"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seoauditor_fetch_duration_seconds",
			Help:    "Duration of page fetches in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	BytesCrawledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seoauditor_bytes_crawled_total",
			Help: "Total bytes downloaded across all crawled pages",
		},
		[]string{"host"},
	)

	IssuesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seoauditor_issues_detected_total",
			Help: "Total number of issues detected, by category and severity",
		},
		[]string{"category", "type"},
	)

	ActiveCrawls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seoauditor_active_crawls",
			Help: "Number of crawls currently running or paused",
		},
	)
)

// RecordFetch updates the fetch-path metrics for one completed URLRecord.
func RecordFetch(host string, rec *storage.URLRecord) {
	if rec == nil {
		return
	}

	statusStr := strconv.Itoa(rec.StatusCode)
	if rec.Error != "" {
		statusStr = "error"
	}

	PagesCrawledTotal.WithLabelValues(host, statusStr).Inc()
	FetchDuration.WithLabelValues(host).Observe(float64(rec.ResponseTimeMs) / 1000)
	BytesCrawledTotal.WithLabelValues(host).Add(float64(rec.SizeBytes))
}

// RecordIssues updates the issue-detection metrics for a batch of issues.
func RecordIssues(issues []*storage.IssueRecord) {
	for _, issue := range issues {
		IssuesDetectedTotal.WithLabelValues(issue.Category, string(issue.Type)).Inc()
	}
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
// The server runs in a background goroutine and must be stopped via
// Server.Stop() to release resources and avoid leaks.
func Start(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server failed: %v\n", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
