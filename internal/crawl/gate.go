package crawl

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/seoauditor/crawler/internal/crawl/linkgraph"
	"github.com/seoauditor/crawler/internal/crawl/robots"
)

// policyGate decides, for a freshly resolved outbound link, whether it
// should be enqueued: external-crawl policy, robots.txt, extension
// allow/deny lists (deny wins), and include/exclude regex (exclude wins).
type policyGate struct {
	graph         *linkgraph.Graph
	robotsCache   *robots.Cache
	respectRobots bool
	crawlExternal bool
	userAgent     string

	includeExt map[string]struct{}
	excludeExt map[string]struct{}
	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
}

func newPolicyGate(graph *linkgraph.Graph, robotsCache *robots.Cache, cfg Config) *policyGate {
	g := &policyGate{
		graph:         graph,
		robotsCache:   robotsCache,
		respectRobots: cfg.RespectRobots,
		crawlExternal: cfg.CrawlExternal,
		userAgent:     cfg.UserAgent,
		includeExt:    toExtSet(cfg.IncludeExtensions),
		excludeExt:    toExtSet(cfg.ExcludeExtensions),
	}
	for _, p := range cfg.IncludePatterns {
		if re, err := regexp.Compile(p); err == nil {
			g.include = append(g.include, re)
		}
	}
	for _, p := range cfg.ExcludePatterns {
		if re, err := regexp.Compile(p); err == nil {
			g.exclude = append(g.exclude, re)
		}
	}
	return g
}

func toExtSet(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return set
}

// shouldCrawl implements linkgraph.ShouldCrawlFunc.
func (g *policyGate) shouldCrawl(ctx context.Context, targetURL string) bool {
	if !g.crawlExternal && !g.graph.IsInternal(targetURL) {
		return false
	}

	if g.respectRobots && g.robotsCache != nil {
		allowed, err := g.robotsCache.CanFetch(ctx, targetURL, g.userAgent)
		if err == nil && !allowed {
			return false
		}
	}

	u, err := url.Parse(targetURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	if ext != "" {
		if _, denied := g.excludeExt[ext]; denied {
			return false
		}
		if len(g.includeExt) > 0 {
			if _, allowed := g.includeExt[ext]; !allowed {
				return false
			}
		}
	}

	for _, re := range g.exclude {
		if re.MatchString(targetURL) {
			return false
		}
	}
	if len(g.include) > 0 {
		matched := false
		for _, re := range g.include {
			if re.MatchString(targetURL) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}
