package crawl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seoauditor/crawler/internal/storage"
)

const (
	flushBatchSize     = 50
	flushInterval      = 30 * time.Second
	checkpointMaxPending = 1000
)

// persister batches URL/link/issue rows for one crawl and flushes them to
// a storage.Backend either when the unsaved count crosses flushBatchSize
// or when flushInterval has elapsed, whichever comes first.
type persister struct {
	backend storage.Backend
	crawlID string
	logger  *slog.Logger

	mu      sync.Mutex
	urls    []*storage.URLRecord
	links   []*storage.LinkRecord
	issues  []*storage.IssueRecord
	lastSave time.Time

	stopTimer chan struct{}
	wg        sync.WaitGroup
}

func newPersister(backend storage.Backend, crawlID string, logger *slog.Logger) *persister {
	if logger == nil {
		logger = slog.Default()
	}
	p := &persister{
		backend:   backend,
		crawlID:   crawlID,
		logger:    logger,
		lastSave:  time.Now(),
		stopTimer: make(chan struct{}),
	}
	if backend != nil {
		p.wg.Add(1)
		go p.timerLoop()
	}
	return p
}

func (p *persister) timerLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.maybeFlush(context.Background(), false)
		case <-p.stopTimer:
			return
		}
	}
}

// Enqueue stages one fetch's results. If backend is nil, persistence is
// disabled and rows are discarded after any in-memory callers have used
// them (in-memory stats/snapshots are tracked elsewhere).
func (p *persister) Enqueue(url *storage.URLRecord, links []*storage.LinkRecord, issues []*storage.IssueRecord) {
	if p.backend == nil {
		return
	}
	p.mu.Lock()
	if url != nil {
		p.urls = append(p.urls, url)
	}
	p.links = append(p.links, links...)
	p.issues = append(p.issues, issues...)
	shouldFlush := len(p.urls) >= flushBatchSize
	p.mu.Unlock()

	if shouldFlush {
		p.maybeFlush(context.Background(), false)
	}
}

// maybeFlush flushes unconditionally if force is true, or if the batch
// size or time threshold has been crossed.
func (p *persister) maybeFlush(ctx context.Context, force bool) {
	p.mu.Lock()
	if !force && len(p.urls) < flushBatchSize && time.Since(p.lastSave) < flushInterval {
		p.mu.Unlock()
		return
	}
	urls, links, issues := p.urls, p.links, p.issues
	p.urls, p.links, p.issues = nil, nil, nil
	p.lastSave = time.Now()
	p.mu.Unlock()

	if len(urls) > 0 {
		if err := p.backend.SaveURLBatch(ctx, p.crawlID, urls); err != nil {
			p.logger.Error("failed to save url batch", "crawl_id", p.crawlID, "err", err)
		}
	}
	if len(links) > 0 {
		if err := p.backend.SaveLinkBatch(ctx, p.crawlID, links); err != nil {
			p.logger.Error("failed to save link batch", "crawl_id", p.crawlID, "err", err)
		}
	}
	if len(issues) > 0 {
		if err := p.backend.SaveIssueBatch(ctx, p.crawlID, issues); err != nil {
			p.logger.Error("failed to save issue batch", "crawl_id", p.crawlID, "err", err)
		}
	}
}

// Flush forces an immediate flush, used on pause/stop/completion.
func (p *persister) Flush(ctx context.Context) {
	if p.backend == nil {
		return
	}
	p.maybeFlush(ctx, true)
}

// SaveCheckpoint persists a resume checkpoint: up to the first 1000
// pending URLs plus the full visited set.
func (p *persister) SaveCheckpoint(ctx context.Context, pending []string, visited []string) {
	if p.backend == nil {
		return
	}
	if len(pending) > checkpointMaxPending {
		pending = pending[:checkpointMaxPending]
	}
	cp := storage.Checkpoint{DiscoveredURLs: pending, VisitedURLs: visited}
	if err := p.backend.SaveCheckpoint(ctx, p.crawlID, cp); err != nil {
		p.logger.Error("failed to save checkpoint", "crawl_id", p.crawlID, "err", err)
	}
}

// Close stops the background flush timer. It does not flush; call Flush
// first if a final flush is required.
func (p *persister) Close() {
	if p.backend == nil {
		return
	}
	close(p.stopTimer)
	p.wg.Wait()
}
