package storage

import (
	"context"
	"testing"
	"time"
)

// ensure URLRecord/LinkRecord/IssueRecord compile with the full field set
// a backend is expected to persist and reload.
func TestRecordTypes(t *testing.T) {
	_ = URLRecord{
		URL:        "http://example.com",
		StatusCode: 200,
		Depth:      0,
		Title:      "Example",
		H2:         []string{"a", "b"},
		MetaTags:   map[string]string{"x": "y"},
		OGTags:     map[string]string{"og:title": "t"},
		JSONLD:     []any{map[string]any{"@type": "Article"}},
		Analytics:  Analytics{GA4: true, GA4ID: "G-ABC"},
		Images:     []Image{{Src: "http://example.com/a.png", Alt: "a"}},
		Redirects:  []string{"http://example.com/old"},
		CrawledAt:  time.Now(),
	}

	_ = LinkRecord{
		SourceURL: "http://example.com/",
		TargetURL: "http://example.com/b",
		Placement: PlacementNav,
	}

	_ = IssueRecord{
		URL:  "http://example.com",
		Type: IssueWarning,
	}

	status := 200
	now := time.Now()
	_ = Filter{
		CrawlID:    "crawl-1",
		URL:        "http://example.com",
		StatusCode: &status,
		Since:      &now,
		Limit:      10,
	}
}

// mockBackend is a minimal in-memory Backend used to ensure the interface
// is implementable end to end.
type mockBackend struct {
	headers map[string]*CrawlHeader
	urls    map[string][]*URLRecord
}

func newMockBackend() *mockBackend {
	return &mockBackend{headers: make(map[string]*CrawlHeader), urls: make(map[string][]*URLRecord)}
}

func (m *mockBackend) CreateCrawl(ctx context.Context, h *CrawlHeader) (string, error) {
	m.headers[h.CrawlID] = h
	return h.CrawlID, nil
}
func (m *mockBackend) SaveURLBatch(ctx context.Context, crawlID string, rows []*URLRecord) error {
	m.urls[crawlID] = append(m.urls[crawlID], rows...)
	return nil
}
func (m *mockBackend) SaveLinkBatch(ctx context.Context, crawlID string, rows []*LinkRecord) error {
	return nil
}
func (m *mockBackend) SaveIssueBatch(ctx context.Context, crawlID string, rows []*IssueRecord) error {
	return nil
}
func (m *mockBackend) UpdateCrawlStats(ctx context.Context, crawlID string, stats Stats) error {
	if h, ok := m.headers[crawlID]; ok {
		h.Stats = stats
	}
	return nil
}
func (m *mockBackend) SaveCheckpoint(ctx context.Context, crawlID string, cp Checkpoint) error {
	if h, ok := m.headers[crawlID]; ok {
		h.ResumeCheckpoint = &cp
	}
	return nil
}
func (m *mockBackend) SetStatus(ctx context.Context, crawlID string, status Status) error {
	if h, ok := m.headers[crawlID]; ok {
		h.Status = status
	}
	return nil
}
func (m *mockBackend) LoadHeader(ctx context.Context, crawlID string) (*CrawlHeader, error) {
	return m.headers[crawlID], nil
}
func (m *mockBackend) LoadURLs(ctx context.Context, crawlID string) ([]*URLRecord, error) {
	return m.urls[crawlID], nil
}
func (m *mockBackend) LoadLinks(ctx context.Context, crawlID string) ([]*LinkRecord, error) {
	return nil, nil
}
func (m *mockBackend) LoadIssues(ctx context.Context, crawlID string) ([]*IssueRecord, error) {
	return nil, nil
}
func (m *mockBackend) ListResumable(ctx context.Context) ([]*CrawlHeader, error) {
	var out []*CrawlHeader
	for _, h := range m.headers {
		if h.Status == StatusRunning || h.Status == StatusPaused || h.Status == StatusFailed {
			out = append(out, h)
		}
	}
	return out, nil
}
func (m *mockBackend) Query(ctx context.Context, filter Filter) ([]*URLRecord, error) {
	return m.urls[filter.CrawlID], nil
}
func (m *mockBackend) Close() error { return nil }

func TestBackendInterface(t *testing.T) {
	var b Backend = newMockBackend()
	ctx := context.Background()

	id, err := b.CreateCrawl(ctx, &CrawlHeader{CrawlID: "c1", Status: StatusRunning})
	if err != nil || id != "c1" {
		t.Fatalf("CreateCrawl: id=%q err=%v", id, err)
	}
	if err := b.SaveURLBatch(ctx, "c1", []*URLRecord{{URL: "http://example.com"}}); err != nil {
		t.Fatalf("SaveURLBatch: %v", err)
	}
	rows, err := b.LoadURLs(ctx, "c1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("LoadURLs: rows=%d err=%v", len(rows), err)
	}
	if err := b.SetStatus(ctx, "c1", StatusCompleted); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	header, err := b.LoadHeader(ctx, "c1")
	if err != nil || header.Status != StatusCompleted {
		t.Fatalf("LoadHeader: status=%v err=%v", header.Status, err)
	}
}
