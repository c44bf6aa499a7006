// Package ndjson is a file-based storage.Backend for local development
// and tests: one directory per crawl holding a JSON header and three
// append-only NDJSON logs (urls, links, issues). Filesystem access goes
// through afero.Fs so tests can run against an in-memory filesystem
// instead of touching disk.
package ndjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/seoauditor/crawler/internal/storage"
)

var _ storage.Backend = (*Backend)(nil)

// Backend stores each crawl under basePath/<crawl_id>/.
type Backend struct {
	fs       afero.Fs
	basePath string

	mu sync.Mutex
}

// New creates an ndjson Backend rooted at basePath on fs. Pass
// afero.NewMemMapFs() for an in-memory backend, or afero.NewOsFs() for a
// real directory tree.
func New(fs afero.Fs, basePath string) (*Backend, error) {
	if err := fs.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("ndjson: create base dir: %w", err)
	}
	return &Backend{fs: fs, basePath: basePath}, nil
}

func (b *Backend) crawlDir(crawlID string) string {
	return b.basePath + "/" + crawlID
}

func (b *Backend) headerPath(crawlID string) string { return b.crawlDir(crawlID) + "/header.json" }
func (b *Backend) urlsPath(crawlID string) string   { return b.crawlDir(crawlID) + "/urls.ndjson" }
func (b *Backend) linksPath(crawlID string) string  { return b.crawlDir(crawlID) + "/links.ndjson" }
func (b *Backend) issuesPath(crawlID string) string { return b.crawlDir(crawlID) + "/issues.ndjson" }

func (b *Backend) CreateCrawl(ctx context.Context, h *storage.CrawlHeader) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fs.MkdirAll(b.crawlDir(h.CrawlID), 0o755); err != nil {
		return "", fmt.Errorf("ndjson: create crawl dir: %w", err)
	}
	if err := b.writeHeaderLocked(h); err != nil {
		return "", err
	}
	return h.CrawlID, nil
}

func (b *Backend) writeHeaderLocked(h *storage.CrawlHeader) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("ndjson: marshal header: %w", err)
	}
	if err := afero.WriteFile(b.fs, b.headerPath(h.CrawlID), data, 0o644); err != nil {
		return fmt.Errorf("ndjson: write header: %w", err)
	}
	return nil
}

func (b *Backend) readHeaderLocked(crawlID string) (*storage.CrawlHeader, error) {
	data, err := afero.ReadFile(b.fs, b.headerPath(crawlID))
	if err != nil {
		return nil, fmt.Errorf("ndjson: crawl %s not found: %w", crawlID, err)
	}
	var h storage.CrawlHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("ndjson: unmarshal header: %w", err)
	}
	return &h, nil
}

func (b *Backend) appendLines(path string, values []any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ndjson: open %s: %w", path, err)
	}
	defer f.Close()

	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("ndjson: marshal row: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("ndjson: write row: %w", err)
		}
	}
	return nil
}

func (b *Backend) SaveURLBatch(ctx context.Context, crawlID string, rows []*storage.URLRecord) error {
	values := make([]any, len(rows))
	for i, r := range rows {
		values[i] = r
	}
	return b.appendLines(b.urlsPath(crawlID), values)
}

func (b *Backend) SaveLinkBatch(ctx context.Context, crawlID string, rows []*storage.LinkRecord) error {
	values := make([]any, len(rows))
	for i, r := range rows {
		values[i] = r
	}
	return b.appendLines(b.linksPath(crawlID), values)
}

func (b *Backend) SaveIssueBatch(ctx context.Context, crawlID string, rows []*storage.IssueRecord) error {
	values := make([]any, len(rows))
	for i, r := range rows {
		values[i] = r
	}
	return b.appendLines(b.issuesPath(crawlID), values)
}

func (b *Backend) UpdateCrawlStats(ctx context.Context, crawlID string, stats storage.Stats) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, err := b.readHeaderLocked(crawlID)
	if err != nil {
		return err
	}
	h.Stats = stats
	return b.writeHeaderLocked(h)
}

func (b *Backend) SaveCheckpoint(ctx context.Context, crawlID string, cp storage.Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, err := b.readHeaderLocked(crawlID)
	if err != nil {
		return err
	}
	h.ResumeCheckpoint = &cp
	h.CanResume = true
	return b.writeHeaderLocked(h)
}

func (b *Backend) SetStatus(ctx context.Context, crawlID string, status storage.Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, err := b.readHeaderLocked(crawlID)
	if err != nil {
		return err
	}
	h.Status = status
	return b.writeHeaderLocked(h)
}

func (b *Backend) LoadHeader(ctx context.Context, crawlID string) (*storage.CrawlHeader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readHeaderLocked(crawlID)
}

func (b *Backend) LoadURLs(ctx context.Context, crawlID string) ([]*storage.URLRecord, error) {
	var out []*storage.URLRecord
	err := b.scanLines(b.urlsPath(crawlID), func(line []byte) error {
		var r storage.URLRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

func (b *Backend) LoadLinks(ctx context.Context, crawlID string) ([]*storage.LinkRecord, error) {
	var out []*storage.LinkRecord
	err := b.scanLines(b.linksPath(crawlID), func(line []byte) error {
		var r storage.LinkRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

func (b *Backend) LoadIssues(ctx context.Context, crawlID string) ([]*storage.IssueRecord, error) {
	var out []*storage.IssueRecord
	err := b.scanLines(b.issuesPath(crawlID), func(line []byte) error {
		var r storage.IssueRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

func (b *Backend) scanLines(path string, handle func(line []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := afero.Exists(b.fs, path)
	if err != nil {
		return fmt.Errorf("ndjson: stat %s: %w", path, err)
	}
	if !exists {
		return nil
	}

	f, err := b.fs.Open(path)
	if err != nil {
		return fmt.Errorf("ndjson: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := handle(line); err != nil {
			return fmt.Errorf("ndjson: unmarshal row in %s: %w", path, err)
		}
	}
	return scanner.Err()
}

func (b *Backend) ListResumable(ctx context.Context) ([]*storage.CrawlHeader, error) {
	b.mu.Lock()
	entries, err := afero.ReadDir(b.fs, b.basePath)
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ndjson: list crawl dirs: %w", err)
	}

	var out []*storage.CrawlHeader
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		h, err := b.LoadHeader(ctx, e.Name())
		if err != nil {
			continue
		}
		switch h.Status {
		case storage.StatusRunning, storage.StatusPaused, storage.StatusFailed:
			out = append(out, h)
		}
	}
	return out, nil
}

func (b *Backend) Query(ctx context.Context, filter storage.Filter) ([]*storage.URLRecord, error) {
	all, err := b.LoadURLs(ctx, filter.CrawlID)
	if err != nil {
		return nil, err
	}

	var filtered []*storage.URLRecord
	for _, r := range all {
		if filter.URL != "" && r.URL != filter.URL {
			continue
		}
		if filter.StatusCode != nil && r.StatusCode != *filter.StatusCode {
			continue
		}
		if filter.Since != nil && r.CrawledAt.Before(*filter.Since) {
			continue
		}
		filtered = append(filtered, r)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(filtered) {
			return nil, nil
		}
		filtered = filtered[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(filtered) {
		filtered = filtered[:filter.Limit]
	}
	return filtered, nil
}

func (b *Backend) Close() error {
	return nil
}
