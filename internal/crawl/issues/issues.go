// Package issues implements the issue detector: a per-page rule
// engine plus a cross-page duplicate-content pass that runs once a crawl
// finishes. Detected issues are plain storage.IssueRecord values; this
// package never mutates the records it inspects.
package issues

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/seoauditor/crawler/internal/storage"
)

// ExclusionMatcher decides whether a URL's path is excluded from issue
// generation, by glob (`*`, matched with path.Match semantics) or plain
// prefix, mirroring the exclusion-pattern semantics of the settings layer.
// A pattern containing `*` that fails the glob match is also tried as a
// prefix with its trailing `*` removed, so "/admin/*" matches "/admin/a/b".
type ExclusionMatcher struct {
	patterns []string
}

// NewExclusionMatcher builds a matcher from a pattern list. Blank lines
// and lines starting with '#' are ignored, matching the config file's
// comment convention.
func NewExclusionMatcher(patterns []string) *ExclusionMatcher {
	m := &ExclusionMatcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Excludes reports whether rawURL's path matches any exclusion pattern.
func (m *ExclusionMatcher) Excludes(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := u.Path

	for _, pattern := range m.patterns {
		if strings.Contains(pattern, "*") {
			if ok, _ := path.Match(pattern, p); ok {
				return true
			}
		}
		if p == pattern || strings.HasPrefix(p, strings.TrimRight(pattern, "*")) {
			return true
		}
	}
	return false
}

// DetectPerPage runs every per-page rule against rec, skipping rules
// entirely if rec's URL matches the exclusion matcher.
func DetectPerPage(rec *storage.URLRecord, excl *ExclusionMatcher) []*storage.IssueRecord {
	if excl != nil && excl.Excludes(rec.URL) {
		return nil
	}

	var out []*storage.IssueRecord
	add := func(typ storage.IssueType, category, issue, details string) {
		out = append(out, &storage.IssueRecord{
			URL: rec.URL, Type: typ, Category: category, Issue: issue, Details: details,
		})
	}

	checkTitle(rec, add)
	checkMetaDescription(rec, add)
	checkHeadings(rec, add)
	checkContent(rec, add)
	checkTechnical(rec, add)
	checkMobile(rec, add)
	checkAccessibility(rec, add)
	checkSocial(rec, add)
	checkStructuredData(rec, add)
	checkPerformance(rec, add)
	checkIndexability(rec, add)

	return out
}

type addFunc func(typ storage.IssueType, category, issue, details string)

func checkTitle(rec *storage.URLRecord, add addFunc) {
	switch n := len(rec.Title); {
	case n == 0:
		add(storage.IssueError, "SEO", "Missing Title Tag", "Page has no title tag")
	case n > 60:
		add(storage.IssueWarning, "SEO", "Title Too Long", fmt.Sprintf("Title is %d characters (recommended: <=60)", n))
	case n < 30:
		add(storage.IssueWarning, "SEO", "Title Too Short", fmt.Sprintf("Title is %d characters (recommended: 30-60)", n))
	}
}

func checkMetaDescription(rec *storage.URLRecord, add addFunc) {
	switch n := len(rec.MetaDescription); {
	case n == 0:
		add(storage.IssueError, "SEO", "Missing Meta Description", "Page has no meta description")
	case n > 160:
		add(storage.IssueWarning, "SEO", "Meta Description Too Long", fmt.Sprintf("Description is %d characters (recommended: <=160)", n))
	case n < 120:
		add(storage.IssueWarning, "SEO", "Meta Description Too Short", fmt.Sprintf("Description is %d characters (recommended: 120-160)", n))
	}
}

func checkHeadings(rec *storage.URLRecord, add addFunc) {
	if rec.H1 == "" {
		add(storage.IssueError, "SEO", "Missing H1 Tag", "Page has no H1 heading")
	}
}

func checkContent(rec *storage.URLRecord, add addFunc) {
	if rec.WordCount < 300 {
		add(storage.IssueWarning, "Content", "Thin Content", fmt.Sprintf("Page has only %d words (recommended: >=300)", rec.WordCount))
	}
}

func checkTechnical(rec *storage.URLRecord, add addFunc) {
	switch {
	case rec.StatusCode >= 400 && rec.StatusCode < 500:
		add(storage.IssueError, "Technical", fmt.Sprintf("%d Client Error", rec.StatusCode), statusCodeMessage(rec.StatusCode))
	case rec.StatusCode >= 500:
		add(storage.IssueError, "Technical", fmt.Sprintf("%d Server Error", rec.StatusCode), statusCodeMessage(rec.StatusCode))
	case rec.StatusCode >= 300 && rec.StatusCode < 400:
		add(storage.IssueInfo, "Technical", fmt.Sprintf("%d Redirect", rec.StatusCode), "URL redirects to another location")
	}

	switch {
	case rec.CanonicalURL == "":
		add(storage.IssueWarning, "Technical", "Missing Canonical URL", "Page has no canonical URL specified")
	case rec.CanonicalURL != rec.URL:
		add(storage.IssueWarning, "Technical", "Canonical URL Different", "Canonical points to: "+rec.CanonicalURL)
	}
}

func checkMobile(rec *storage.URLRecord, add addFunc) {
	if rec.Viewport == "" {
		add(storage.IssueError, "Mobile", "Missing Viewport Meta Tag", "Page is not mobile-optimized")
	}
}

func checkAccessibility(rec *storage.URLRecord, add addFunc) {
	if rec.Lang == "" {
		add(storage.IssueWarning, "Accessibility", "Missing Language Attribute", "HTML tag has no lang attribute")
	}

	missing := 0
	for _, img := range rec.Images {
		if img.Alt == "" {
			missing++
		}
	}
	if missing > 0 {
		add(storage.IssueWarning, "Accessibility", "Images Without Alt Text",
			fmt.Sprintf("%d of %d images lack alt text", missing, len(rec.Images)))
	}
}

func checkSocial(rec *storage.URLRecord, add addFunc) {
	if len(rec.OGTags) == 0 {
		add(storage.IssueWarning, "Social", "Missing OpenGraph Tags", "Page has no OpenGraph tags for social sharing")
	}
	if len(rec.TwitterTags) == 0 {
		add(storage.IssueWarning, "Social", "Missing Twitter Card Tags", "Page has no Twitter Card tags")
	}
}

func checkStructuredData(rec *storage.URLRecord, add addFunc) {
	if len(rec.JSONLD) == 0 && len(rec.SchemaOrg) == 0 {
		add(storage.IssueInfo, "Structured Data", "No Structured Data", "Page has no JSON-LD or Schema.org markup")
	}
}

func checkPerformance(rec *storage.URLRecord, add addFunc) {
	switch {
	case !rec.JavaScriptRendered && rec.ResponseTimeMs > 3000:
		add(storage.IssueError, "Performance", "Slow Response Time",
			fmt.Sprintf("Page took %dms to respond (recommended: <3000ms)", rec.ResponseTimeMs))
	case !rec.JavaScriptRendered && rec.ResponseTimeMs > 1000:
		add(storage.IssueWarning, "Performance", "Moderate Response Time",
			fmt.Sprintf("Page took %dms to respond (recommended: <1000ms)", rec.ResponseTimeMs))
	}

	const mb = 1024 * 1024
	switch {
	case rec.SizeBytes > 3*mb:
		add(storage.IssueError, "Performance", "Large Page Size",
			fmt.Sprintf("Page size is %.1fMB (recommended: <3MB)", float64(rec.SizeBytes)/mb))
	case rec.SizeBytes > 1*mb:
		add(storage.IssueWarning, "Performance", "Moderate Page Size",
			fmt.Sprintf("Page size is %.1fMB (recommended: <1MB)", float64(rec.SizeBytes)/mb))
	}
}

func checkIndexability(rec *storage.URLRecord, add addFunc) {
	robots := strings.ToLower(rec.Robots)
	if strings.Contains(robots, "noindex") {
		add(storage.IssueError, "Indexability", "Noindex Tag Present", "Page is blocked from search engines: has noindex directive")
	}
	if strings.Contains(robots, "nofollow") {
		add(storage.IssueError, "Indexability", "Nofollow Tag Present", "Links on this page are not followed by search engines: has nofollow directive")
	}
}

func statusCodeMessage(code int) string {
	messages := map[int]string{
		400: "Bad Request", 401: "Unauthorized", 403: "Forbidden", 404: "Not Found",
		405: "Method Not Allowed", 406: "Not Acceptable", 408: "Request Timeout",
		410: "Gone", 429: "Too Many Requests",
		500: "Internal Server Error", 501: "Not Implemented", 502: "Bad Gateway",
		503: "Service Unavailable", 504: "Gateway Timeout",
	}
	if msg, ok := messages[code]; ok {
		return msg
	}
	return fmt.Sprintf("HTTP %d", code)
}

// DetectDuplicates runs the cross-page duplicate-content pass over every
// result once a crawl finishes, emitting a warning on both URLs of each
// unordered pair whose similarity meets or exceeds threshold (the
// configured duplication_threshold).
func DetectDuplicates(results []*storage.URLRecord, excl *ExclusionMatcher, threshold float64) []*storage.IssueRecord {
	var out []*storage.IssueRecord

	for i := 0; i < len(results); i++ {
		r1 := results[i]
		if excl != nil && excl.Excludes(r1.URL) {
			continue
		}
		for j := i + 1; j < len(results); j++ {
			r2 := results[j]
			if excl != nil && excl.Excludes(r2.URL) {
				continue
			}

			sim := contentSimilarity(r1, r2)
			if sim < threshold {
				continue
			}

			out = append(out,
				&storage.IssueRecord{
					URL: r1.URL, Type: storage.IssueWarning, Category: "Duplication",
					Issue:   "Duplicate Content Detected",
					Details: fmt.Sprintf("Content is %.1f%% similar to %s", sim*100, r2.URL),
				},
				&storage.IssueRecord{
					URL: r2.URL, Type: storage.IssueWarning, Category: "Duplication",
					Issue:   "Duplicate Content Detected",
					Details: fmt.Sprintf("Content is %.1f%% similar to %s", sim*100, r1.URL),
				},
			)
		}
	}

	return out
}

// contentSimilarity is a weighted blend of title/description/H1 text
// similarity and word-count closeness: 0.35*title + 0.35*desc + 0.20*h1 +
// 0.10*word-count-ratio.
func contentSimilarity(r1, r2 *storage.URLRecord) float64 {
	title1, title2 := normalizeText(r1.Title), normalizeText(r2.Title)
	desc1, desc2 := normalizeText(r1.MetaDescription), normalizeText(r2.MetaDescription)
	h1a, h1b := normalizeText(r1.H1), normalizeText(r2.H1)

	titleSim := textSimilarity(title1, title2)
	descSim := textSimilarity(desc1, desc2)
	h1Sim := textSimilarity(h1a, h1b)

	var wcSim float64
	if r1.WordCount > 0 && r2.WordCount > 0 {
		max, min := r1.WordCount, r2.WordCount
		if min > max {
			max, min = min, max
		}
		wcSim = float64(min) / float64(max)
	}

	return titleSim*0.35 + descSim*0.35 + h1Sim*0.20 + wcSim*0.10
}

func normalizeText(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

// textSimilarity is a longest-common-subsequence-based ratio in [0, 1],
// standing in for Python's difflib.SequenceMatcher.ratio(): 2*lcs/(len(a)+len(b)).
// Any empty side yields 0.
func textSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	lcs := longestCommonSubsequenceLen(a, b)
	return 2 * float64(lcs) / float64(len(a)+len(b))
}

func longestCommonSubsequenceLen(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
