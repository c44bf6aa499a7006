package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seoauditor/crawler/internal/crawl/browser"
	"github.com/seoauditor/crawler/internal/crawl/fetch"
	"github.com/seoauditor/crawler/internal/crawl/issues"
	"github.com/seoauditor/crawler/internal/crawl/linkgraph"
	"github.com/seoauditor/crawler/internal/crawl/ratelimiter"
	"github.com/seoauditor/crawler/internal/crawl/robots"
	"github.com/seoauditor/crawler/internal/crawl/seo"
	"github.com/seoauditor/crawler/internal/crawl/sitemap"
	"github.com/seoauditor/crawler/internal/storage"
)

// ErrCrawlNotFound is returned when a resume targets an unknown crawl ID.
var ErrCrawlNotFound = errors.New("crawl: not found")

// ErrInvalidTransition is returned when a lifecycle method is called from
// a state that does not permit it (e.g. pause on an idle crawl).
var ErrInvalidTransition = errors.New("crawl: invalid status transition")

// PageSpeedRunner is the side-call made once the crawl queue drains, if
// the Engine holds one; no concrete implementation ships in this module
// (an external PageSpeed/Lighthouse client is out of scope), and Engine
// exposes no exported way to set one, so the call is skipped.
type PageSpeedRunner interface {
	Run(ctx context.Context, urls []string) error
}

// Status is a read-only snapshot of a running or finished crawl, as
// returned by Engine.GetStatus.
type Status struct {
	CrawlID        string
	Status         storage.Status
	Stats          storage.Stats
	URLs           []*storage.URLRecord
	Links          []*storage.LinkRecord
	Issues         []*storage.IssueRecord
	ProgressPct    float64
	IsRunningPageSpeed bool
}

// Engine is one crawl's orchestrator: lifecycle, worker pool, and
// result assembly. An Engine is created per session by the registry and
// is not reused across crawls.
type Engine struct {
	logger  *slog.Logger
	backend storage.Backend

	cfgMu sync.RWMutex
	cfg   Config

	crawlID    string
	baseURL    string
	baseDomain string
	userID     string
	sessionID  string

	statusMu sync.RWMutex
	status   storage.Status

	paused atomic.Bool
	stopped atomic.Bool
	inFlight atomic.Int64
	budgetUsed atomic.Int64

	graph       *linkgraph.Graph
	robotsCache *robots.Cache
	limiter     *ratelimiter.Limiter
	fetchClient *fetch.Client
	browserPool *browser.Pool
	gate        *policyGate
	exclMatcher *issues.ExclusionMatcher
	persist     *persister
	pageSpeed   PageSpeedRunner

	resultsMu sync.Mutex
	results   []*storage.URLRecord
	allIssues []*storage.IssueRecord

	statsMu sync.Mutex
	stats   storage.Stats

	startedAt time.Time
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewEngine constructs an Engine for one session. backend may be nil to
// disable persistence entirely (in-memory only).
func NewEngine(backend storage.Backend, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{backend: backend, logger: logger}
}

// Start begins a new crawl at seedURL. It never blocks: the worker pool
// runs in background goroutines and Start returns as soon as they are
// spawned.
func (e *Engine) Start(ctx context.Context, seedURL string, userID, sessionID string, cfg Config) (ok bool, message string) {
	u, err := url.Parse(strings.TrimSpace(seedURL))
	if err != nil || u.Host == "" {
		e.setStatus(storage.StatusFailed)
		return false, fmt.Sprintf("invalid seed url: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		e.setStatus(storage.StatusFailed)
		return false, err.Error()
	}

	// Non-root seed path clamps to single-page mode.
	if u.Path != "" && u.Path != "/" {
		cfg.MaxDepth = 0
	}

	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	e.baseURL = u.String()
	e.baseDomain = strings.ToLower(u.Hostname())
	e.userID = userID
	e.sessionID = sessionID
	e.crawlID = uuid.NewString()
	e.startedAt = time.Now()
	e.stats = storage.Stats{StartTime: e.startedAt}

	if err := e.wireComponents(cfg); err != nil {
		e.setStatus(storage.StatusFailed)
		return false, err.Error()
	}

	if e.backend != nil {
		snapshot, err := json.Marshal(cfg)
		if err != nil {
			return false, fmt.Sprintf("failed to snapshot config: %v", err)
		}
		header := &storage.CrawlHeader{
			CrawlID:        e.crawlID,
			UserID:         userID,
			SessionID:      sessionID,
			BaseURL:        e.baseURL,
			BaseDomain:     e.baseDomain,
			Status:         storage.StatusRunning,
			ConfigSnapshot: string(snapshot),
			StartedAt:      e.startedAt,
		}
		if _, err := e.backend.CreateCrawl(ctx, header); err != nil {
			e.logger.Warn("failed to persist crawl header", "err", err)
		}
	}

	e.graph.AddURL(e.baseURL, 0)
	if cfg.DiscoverSitemaps {
		e.seedFromSitemaps(ctx)
	}

	e.setStatus(storage.StatusRunning)
	e.spawnWorkers(ctx, cfg.Concurrency)

	return true, "crawl started"
}

// ResumeFromStore reloads a previously started crawl from its persisted
// header, URL/link/issue rows, and checkpoint, then resumes the worker
// pool from exactly where the checkpoint left off. The config snapshot
// saved at Start time is used verbatim, even if process-wide defaults
// have since changed.
func (e *Engine) ResumeFromStore(ctx context.Context, crawlID string) (ok bool, message string) {
	if e.backend == nil {
		return false, "resume requires a persistence backend"
	}

	header, err := e.backend.LoadHeader(ctx, crawlID)
	if err != nil {
		return false, ErrCrawlNotFound.Error()
	}
	if !header.CanResume || header.ResumeCheckpoint == nil {
		return false, "crawl has no resume checkpoint"
	}

	var cfg Config
	if err := json.Unmarshal([]byte(header.ConfigSnapshot), &cfg); err != nil {
		return false, fmt.Sprintf("failed to decode config snapshot: %v", err)
	}

	e.crawlID = crawlID
	e.baseURL = header.BaseURL
	e.baseDomain = header.BaseDomain
	e.userID = header.UserID
	e.sessionID = header.SessionID
	e.startedAt = header.StartedAt

	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	if err := e.wireComponents(cfg); err != nil {
		e.setStatus(storage.StatusFailed)
		return false, err.Error()
	}

	urls, err := e.backend.LoadURLs(ctx, crawlID)
	if err != nil {
		return false, fmt.Sprintf("failed to load prior results: %v", err)
	}
	e.resultsMu.Lock()
	e.results = urls
	e.resultsMu.Unlock()
	e.stats = header.Stats
	e.budgetUsed.Store(int64(len(urls)))

	if issuesRows, err := e.backend.LoadIssues(ctx, crawlID); err == nil {
		e.resultsMu.Lock()
		e.allIssues = issuesRows
		e.resultsMu.Unlock()
	}

	for _, v := range header.ResumeCheckpoint.VisitedURLs {
		e.graph.MarkVisited(v)
	}
	for _, p := range header.ResumeCheckpoint.DiscoveredURLs {
		if !e.graph.IsVisited(p) {
			e.graph.AddURL(p, 0)
		}
	}

	e.setStatus(storage.StatusRunning)
	e.spawnWorkers(ctx, cfg.Concurrency)

	return true, "crawl resumed"
}

func (e *Engine) wireComponents(cfg Config) error {
	e.graph = linkgraph.New(e.baseDomain)

	fetchClient, err := fetch.New(fetch.Config{
		Timeout:          cfg.Timeout,
		MaxRedirects:     redirectLimit(cfg.FollowRedirects),
		UseCookieJar:     cfg.AllowCookies,
		UserAgent:        cfg.UserAgent,
		AcceptLanguage:   cfg.AcceptLanguage,
		CustomHeaders:    cfg.CustomHeaders,
		Retries:          cfg.Retries,
		MaxFileSizeBytes: cfg.MaxFileSizeBytes,
		ProxyURL:         proxyURLOrEmpty(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to build fetch client: %w", err)
	}
	e.fetchClient = fetchClient
	e.robotsCache = robots.New(fetchClient, e.logger)
	e.limiter = ratelimiter.NewLimiter(delayToRPS(cfg.Delay), 0.1)
	e.gate = newPolicyGate(e.graph, e.robotsCache, cfg)
	e.exclMatcher = issues.NewExclusionMatcher(cfg.IssueExclusionPatterns)
	e.persist = newPersister(e.backend, e.crawlID, e.logger)

	if cfg.EnableJavaScript {
		// No concrete browser driver ships in this module, and Engine
		// exposes no way to set a browser.PageFactory, so browserPool
		// stays nil and every page goes through the HTTP fetch path.
		e.logger.Warn("enable_javascript requested but no browser.PageFactory was injected; falling back to HTTP fetch path")
	}

	return nil
}

func redirectLimit(follow bool) int {
	if !follow {
		return -1
	}
	return 10
}

func proxyURLOrEmpty(cfg Config) string {
	if !cfg.EnableProxy {
		return ""
	}
	return cfg.ProxyURL
}

func delayToRPS(delay time.Duration) float64 {
	if delay <= 0 {
		return 0 // ratelimiter.NewLimiter treats <=0 as fast-path
	}
	return 1.0 / delay.Seconds()
}

func (e *Engine) seedFromSitemaps(ctx context.Context) {
	parser := sitemap.New(e.fetchClient, e.robotsCache, e.logger)
	for _, u := range parser.Discover(ctx, e.baseURL) {
		e.graph.AddURL(u, 0)
	}
}

// spawnWorkers launches n worker goroutines and a goroutine that waits
// for them all to finish the queue and then runs the completion pass.
func (e *Engine) spawnWorkers(ctx context.Context, n int) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			e.workerLoop(gctx)
			return nil
		})
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = g.Wait()
		e.onQueueDrained(context.Background())
	}()
}

// workerLoop is the per-slot loop described in the orchestrator's worker
// pool: pause-aware, cooperative-stop, rate-limited fetch/extract cycle.
func (e *Engine) workerLoop(ctx context.Context) {
	for {
		if e.stopped.Load() {
			return
		}
		if e.paused.Load() {
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		targetURL, depth, ok := e.graph.GetNext()
		if !ok {
			if e.inFlight.Load() == 0 {
				return
			}
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		cfg := e.currentConfig()
		if depth > cfg.MaxDepth {
			continue
		}

		if !e.reserveBudget(cfg.MaxURLs) {
			return
		}

		e.inFlight.Add(1)
		e.processURL(ctx, targetURL, depth, cfg)
		e.inFlight.Add(-1)
	}
}

// reserveBudget atomically claims one slot against max_urls before a
// worker commits to fetching it, so concurrent workers dequeuing at once
// can never push crawled past the configured budget.
func (e *Engine) reserveBudget(maxURLs int) bool {
	for {
		used := e.budgetUsed.Load()
		if int(used) >= maxURLs {
			return false
		}
		if e.budgetUsed.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

func (e *Engine) currentConfig() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// processURL performs one fetch-extract-detect cycle for a single
// frontier entry.
func (e *Engine) processURL(ctx context.Context, targetURL string, depth int, cfg Config) {
	if !e.limiter.FastPath() {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
	}

	useBrowser := cfg.EnableJavaScript && e.browserPool != nil && browser.ShouldRender(targetURL)

	var rec *storage.URLRecord
	var body []byte
	if useBrowser {
		result := e.browserPool.Render(ctx, targetURL)
		rec = &storage.URLRecord{URL: targetURL, Depth: depth, StatusCode: result.StatusCode, Error: result.Error, JavaScriptRendered: true, CrawledAt: time.Now().UTC()}
		body = []byte(result.HTML)
	} else {
		rec, body = e.fetchClient.Fetch(ctx, targetURL, depth)
	}

	rec.IsInternal = e.graph.IsInternal(targetURL)

	var doc *goquery.Document
	if rec.StatusCode == 200 && strings.Contains(strings.ToLower(rec.ContentType), "text/html") && len(body) > 0 {
		if parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			doc = parsed
			seo.Extract(doc, targetURL, body, rec)
		}
	}

	e.graph.MarkVisited(targetURL)
	e.appendResult(rec, depth)

	var links []*storage.LinkRecord
	var pageIssues []*storage.IssueRecord
	if doc != nil {
		e.graph.CollectAllLinks(doc, targetURL)
		links = linksForSource(e.graph, targetURL)
		pageIssues = issues.DetectPerPage(rec, e.exclMatcher)

		if (rec.IsInternal || cfg.CrawlExternal) && depth < cfg.MaxDepth {
			e.graph.ExtractLinks(ctx, doc, targetURL, depth+1, e.gate.shouldCrawl)
		}
	}

	e.appendIssues(pageIssues)
	e.persist.Enqueue(rec, links, pageIssues)
}

// linksForSource returns the link rows recorded for a single fetch, used
// to forward only this cycle's new rows to the persister.
func linksForSource(graph *linkgraph.Graph, sourceURL string) []*storage.LinkRecord {
	var out []*storage.LinkRecord
	for _, l := range graph.AllLinks() {
		if l.SourceURL == sourceURL {
			out = append(out, l)
		}
	}
	return out
}

func (e *Engine) appendResult(rec *storage.URLRecord, depth int) {
	e.resultsMu.Lock()
	e.results = append(e.results, rec)
	e.resultsMu.Unlock()

	e.statsMu.Lock()
	e.stats.Crawled++
	e.stats.Discovered = e.graph.PendingLen() + e.stats.Crawled
	if depth > e.stats.MaxDepthReached {
		e.stats.MaxDepthReached = depth
	}
	if elapsed := time.Since(e.stats.StartTime).Seconds(); elapsed > 0 {
		e.stats.SpeedRPS = float64(e.stats.Crawled) / elapsed
	}
	e.statsMu.Unlock()
}

func (e *Engine) appendIssues(found []*storage.IssueRecord) {
	if len(found) == 0 {
		return
	}
	e.resultsMu.Lock()
	e.allIssues = append(e.allIssues, found...)
	e.resultsMu.Unlock()
}

// onQueueDrained runs the completion pass once every worker has exited:
// optional PageSpeed, link-status backfill, duplicate-content pass,
// persistence finalize, status -> completed.
func (e *Engine) onQueueDrained(ctx context.Context) {
	if e.stopped.Load() {
		e.finish(ctx, storage.StatusStopped)
		return
	}

	results := e.snapshotResults()

	if e.currentConfig().EnablePageSpeed && e.pageSpeed != nil {
		urls := make([]string, len(results))
		for i, r := range results {
			urls[i] = r.URL
		}
		if err := e.pageSpeed.Run(ctx, urls); err != nil {
			e.logger.Warn("pagespeed pass failed", "err", err)
		}
	}

	e.graph.UpdateLinkStatuses(results)

	for _, r := range results {
		r.LinkedFrom = e.graph.GetSourcePages(r.URL)
	}

	cfg := e.currentConfig()
	if cfg.EnableDuplicationCheck {
		dupIssues := issues.DetectDuplicates(results, e.exclMatcher, cfg.DuplicationThreshold)
		e.appendIssues(dupIssues)
		e.persist.Enqueue(nil, nil, dupIssues)
	}

	e.finish(ctx, storage.StatusCompleted)
}

func (e *Engine) finish(ctx context.Context, final storage.Status) {
	e.persist.Flush(ctx)
	if e.backend != nil {
		if err := e.backend.SetStatus(ctx, e.crawlID, final); err != nil {
			e.logger.Warn("failed to persist final status", "err", err)
		}
	}
	e.persist.Close()
	if e.browserPool != nil {
		_ = e.browserPool.Close()
	}
	e.limiter.Stop()
	e.setStatus(final)
}

// Pause cooperatively suspends the worker pool: in-flight fetches finish
// their current page before workers begin sleeping.
func (e *Engine) Pause(ctx context.Context) (bool, string) {
	if e.getStatus() != storage.StatusRunning {
		return false, ErrInvalidTransition.Error()
	}
	e.paused.Store(true)
	e.setStatus(storage.StatusPaused)
	e.persist.Flush(ctx)
	e.persist.SaveCheckpoint(ctx, e.pendingSnapshot(), e.visitedSnapshot())
	return true, "paused"
}

// Resume clears the pause flag.
func (e *Engine) Resume() (bool, string) {
	if e.getStatus() != storage.StatusPaused {
		return false, ErrInvalidTransition.Error()
	}
	e.paused.Store(false)
	e.setStatus(storage.StatusRunning)
	return true, "resumed"
}

// Stop signals every worker to exit at its next check and tears down the
// crawl's resources once they do.
func (e *Engine) Stop(ctx context.Context) (bool, string) {
	status := e.getStatus()
	if status != storage.StatusRunning && status != storage.StatusPaused {
		return false, ErrInvalidTransition.Error()
	}
	e.stopped.Store(true)
	e.paused.Store(false)
	if e.cancel != nil {
		e.cancel()
	}
	return true, "stop requested"
}

// UpdateConfig atomically replaces the live config; only new fetches and
// enqueues are affected. In-flight requests finish under the prior config.
func (e *Engine) UpdateConfig(partial Config) error {
	if err := partial.Validate(); err != nil {
		return err
	}
	e.cfgMu.Lock()
	e.cfg = partial
	e.cfgMu.Unlock()
	e.limiter.UpdateRate(delayToRPS(partial.Delay))
	return nil
}

// GetStatus returns a copy-on-read snapshot of the crawl's progress.
func (e *Engine) GetStatus() Status {
	e.statsMu.Lock()
	stats := e.stats
	e.statsMu.Unlock()

	cfg := e.currentConfig()
	var progress float64
	if cfg.MaxURLs > 0 {
		progress = float64(stats.Crawled) / float64(cfg.MaxURLs) * 100
		if progress > 100 {
			progress = 100
		}
	}

	return Status{
		CrawlID:     e.crawlID,
		Status:      e.getStatus(),
		Stats:       stats,
		URLs:        e.snapshotResults(),
		Links:       e.graph.AllLinks(),
		Issues:      e.snapshotIssues(),
		ProgressPct: progress,
	}
}

func (e *Engine) snapshotResults() []*storage.URLRecord {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	out := make([]*storage.URLRecord, len(e.results))
	copy(out, e.results)
	return out
}

func (e *Engine) snapshotIssues() []*storage.IssueRecord {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	out := make([]*storage.IssueRecord, len(e.allIssues))
	copy(out, e.allIssues)
	return out
}

func (e *Engine) pendingSnapshot() []string {
	return e.graph.PeekPending()
}

func (e *Engine) visitedSnapshot() []string {
	results := e.snapshotResults()
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.URL)
	}
	return out
}

func (e *Engine) setStatus(s storage.Status) {
	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()
}

func (e *Engine) getStatus() storage.Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// Wait blocks until the crawl's worker pool and completion pass have
// fully finished. Intended for tests and CLI "run to completion" use;
// the Engine API itself never blocks on it.
func (e *Engine) Wait() {
	e.wg.Wait()
}
