// Package linkgraph implements the link manager: the crawl frontier
// (pending/discovered/visited sets) and the append-only link graph used
// for inbound-link lookups. All mutations
// are guarded by a single lock; reads return copies so callers never race
// against an in-progress write.
package linkgraph

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/seoauditor/crawler/internal/storage"
	"github.com/seoauditor/crawler/pkg/urlnorm"
)

// pendingEntry is one frontier item awaiting a fetch.
type pendingEntry struct {
	url   string
	depth int
}

// ShouldCrawlFunc decides whether a freshly discovered anchor should be
// enqueued, e.g. extension/domain/regex/robots filtering (the crawl
// policy gate).
type ShouldCrawlFunc func(ctx context.Context, targetURL string) bool

// Graph is the crawl frontier and link graph for a single crawl.
type Graph struct {
	baseDomain string

	mu            sync.Mutex
	pending       []pendingEntry
	allDiscovered map[string]struct{}
	visited       map[string]struct{}
	allLinks      []*storage.LinkRecord
	linkKeys      map[string]struct{} // "source|target" dedup set
	sourcePages   map[string]map[string]struct{}
}

// New creates a Graph scoped to baseDomain (used by IsInternal).
func New(baseDomain string) *Graph {
	return &Graph{
		baseDomain:    strings.ToLower(baseDomain),
		allDiscovered: make(map[string]struct{}),
		visited:       make(map[string]struct{}),
		linkKeys:      make(map[string]struct{}),
		sourcePages:   make(map[string]map[string]struct{}),
	}
}

// AddURL normalizes url and enqueues it at depth if it has never been
// discovered before in this crawl. Returns false if the URL was already
// known (duplicate) or fails to normalize.
func (g *Graph) AddURL(rawURL string, depth int) bool {
	norm, err := urlnorm.Normalize(rawURL)
	if err != nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.allDiscovered[norm]; ok {
		return false
	}
	g.allDiscovered[norm] = struct{}{}
	g.pending = append(g.pending, pendingEntry{url: norm, depth: depth})
	return true
}

// GetNext dequeues the next frontier entry, FIFO. The caller is
// responsible for calling MarkVisited once the fetch completes.
func (g *Graph) GetNext() (targetURL string, depth int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pending) == 0 {
		return "", 0, false
	}
	next := g.pending[0]
	g.pending = g.pending[1:]
	return next.url, next.depth, true
}

// MarkVisited records that url's fetch has returned.
func (g *Graph) MarkVisited(rawURL string) {
	norm, err := urlnorm.Normalize(rawURL)
	if err != nil {
		norm = rawURL
	}
	g.mu.Lock()
	g.visited[norm] = struct{}{}
	g.mu.Unlock()
}

// IsVisited reports whether url's fetch has already returned.
func (g *Graph) IsVisited(rawURL string) bool {
	norm, err := urlnorm.Normalize(rawURL)
	if err != nil {
		norm = rawURL
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.visited[norm]
	return ok
}

// PendingLen reports the current frontier size.
func (g *Graph) PendingLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// PeekPending returns a snapshot of the URLs still waiting in the
// frontier, in FIFO order, without removing them. Used for checkpointing
// the queue across a pause, where the live frontier must survive intact.
func (g *Graph) PeekPending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.pending))
	for i, e := range g.pending {
		out[i] = e.url
	}
	return out
}

// IsInternal reports whether targetURL's host exactly matches the crawl's
// base domain (subdomain-sensitive: "blog.example.com" != "example.com").
func (g *Graph) IsInternal(targetURL string) bool {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), g.baseDomain)
}

// CollectAllLinks walks every anchor in doc, resolves it against
// sourceURL, classifies it internal/external, and records it in the link
// graph (deduped by source|target, with a source_pages reverse entry).
func (g *Graph) CollectAllLinks(doc *goquery.Document, sourceURL string) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil || !strings.HasPrefix(resolved.Scheme, "http") {
			return
		}
		target := resolved.String()
		norm, err := urlnorm.Normalize(target)
		if err != nil {
			norm = target
		}

		rec := &storage.LinkRecord{
			SourceURL:    sourceURL,
			TargetURL:    norm,
			AnchorText:   strings.TrimSpace(s.Text()),
			IsInternal:   g.IsInternal(norm),
			TargetDomain: resolved.Hostname(),
			Placement:    placementOf(s),
		}

		g.mu.Lock()
		key := sourceURL + "|" + norm
		if _, dup := g.linkKeys[key]; !dup {
			g.linkKeys[key] = struct{}{}
			g.allLinks = append(g.allLinks, rec)
		}
		if g.sourcePages[norm] == nil {
			g.sourcePages[norm] = make(map[string]struct{})
		}
		g.sourcePages[norm][sourceURL] = struct{}{}
		g.mu.Unlock()
	})
}

// placementOf classifies where on the page an anchor was found, based on
// its nearest structural ancestor.
func placementOf(s *goquery.Selection) storage.Placement {
	if s.Closest("nav").Length() > 0 {
		return storage.PlacementNav
	}
	if s.Closest("footer").Length() > 0 {
		return storage.PlacementFooter
	}
	if s.Closest("head").Length() > 0 {
		return storage.PlacementHead
	}
	return storage.PlacementBody
}

// ExtractLinks walks doc's anchors and enqueues any that pass shouldCrawl
// and have not yet been discovered, at nextDepth.
func (g *Graph) ExtractLinks(ctx context.Context, doc *goquery.Document, sourceURL string, nextDepth int, shouldCrawl ShouldCrawlFunc) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil || !strings.HasPrefix(resolved.Scheme, "http") {
			return
		}
		target := resolved.String()
		if shouldCrawl != nil && !shouldCrawl(ctx, target) {
			return
		}
		g.AddURL(target, nextDepth)
	})
}

// GetSourcePages returns a snapshot of the URLs known to link to url.
func (g *Graph) GetSourcePages(rawURL string) []string {
	norm, err := urlnorm.Normalize(rawURL)
	if err != nil {
		norm = rawURL
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	sources, ok := g.sourcePages[norm]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sources))
	for s := range sources {
		out = append(out, s)
	}
	return out
}

// UpdateLinkStatuses back-fills TargetStatus on every recorded link whose
// target appears among results, keyed by URLRecord.URL.
func (g *Graph) UpdateLinkStatuses(results []*storage.URLRecord) {
	statusByURL := make(map[string]int, len(results))
	for _, r := range results {
		statusByURL[r.URL] = r.StatusCode
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, link := range g.allLinks {
		if status, ok := statusByURL[link.TargetURL]; ok {
			link.TargetStatus = status
		}
	}
}

// AllLinks returns a snapshot copy of the full link graph.
func (g *Graph) AllLinks() []*storage.LinkRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*storage.LinkRecord, len(g.allLinks))
	copy(out, g.allLinks)
	return out
}
