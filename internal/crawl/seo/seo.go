// Package seo implements the SEO extractor: a pure function from a
// parsed HTML document and its absolute base URL to a storage.URLRecord's
// content fields. It never fetches anything and never mutates shared state.
package seo

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/seoauditor/crawler/internal/storage"
)

var (
	gaMeasurementID = regexp.MustCompile(`G-\w+`)
	gtmContainerID  = regexp.MustCompile(`GTM-\w+`)
)

// Extract populates the SEO content fields of rec from the parsed document.
// rec must already carry its transport-level fields (URL, StatusCode, etc.)
// from the fetch path; Extract only touches the content fields.
func Extract(doc *goquery.Document, baseURL string, rawBody []byte, rec *storage.URLRecord) {
	base, err := url.Parse(baseURL)
	if err != nil {
		rec.Error = "seo: invalid base url: " + err.Error()
		return
	}

	rec.Title = strings.TrimSpace(doc.Find("title").First().Text())
	rec.MetaDescription = metaContent(doc, "description")
	rec.Keywords = metaContent(doc, "keywords")
	rec.Author = metaContent(doc, "author")
	rec.Generator = metaContent(doc, "generator")
	rec.ThemeColor = metaContent(doc, "theme-color")
	rec.Robots = metaContent(doc, "robots")
	rec.Viewport = metaContent(doc, "viewport")

	if h1 := doc.Find("h1").First(); h1.Length() > 0 {
		rec.H1 = strings.TrimSpace(h1.Text())
	}
	doc.Find("h2").Each(func(_ int, s *goquery.Selection) {
		rec.H2 = append(rec.H2, strings.TrimSpace(s.Text()))
	})
	doc.Find("h3").Each(func(_ int, s *goquery.Selection) {
		rec.H3 = append(rec.H3, strings.TrimSpace(s.Text()))
	})

	rec.WordCount = wordCount(doc)

	if href, ok := doc.Find("link[rel='canonical']").Attr("href"); ok {
		rec.CanonicalURL = resolve(base, href)
	}

	if lang, ok := doc.Find("html").Attr("lang"); ok {
		rec.Lang = lang
	}
	if charset, ok := doc.Find("meta[charset]").Attr("charset"); ok {
		rec.Charset = charset
	} else if content, ok := doc.Find("meta[http-equiv='Content-Type']").Attr("content"); ok {
		if idx := strings.Index(strings.ToLower(content), "charset="); idx >= 0 {
			rec.Charset = strings.TrimSpace(content[idx+len("charset="):])
		}
	}

	rec.OGTags = propertyTags(doc, "meta[property]", "og:")
	rec.TwitterTags = propertyTags(doc, "meta[name]", "twitter:")

	rec.JSONLD = extractJSONLD(doc)

	rec.Analytics = detectAnalytics(doc, rawBody)

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			return
		}
		alt, _ := s.Attr("alt")
		rec.Images = append(rec.Images, storage.Image{Src: resolve(base, src), Alt: alt})
	})

	doc.Find("link[rel='alternate'][hreflang]").Each(func(_ int, s *goquery.Selection) {
		if hl, ok := s.Attr("hreflang"); ok {
			rec.Hreflang = append(rec.Hreflang, hl)
		}
	})

	seenSchema := make(map[string]struct{})
	doc.Find("[itemtype]").Each(func(_ int, s *goquery.Selection) {
		it, _ := s.Attr("itemtype")
		if it == "" {
			return
		}
		if _, ok := seenSchema[it]; ok {
			return
		}
		seenSchema[it] = struct{}{}
		rec.SchemaOrg = append(rec.SchemaOrg, it)
	})

	internal, external := countLinks(doc, base)
	rec.InternalLinks = internal
	rec.ExternalLinks = external
}

func metaContent(doc *goquery.Document, name string) string {
	content, _ := doc.Find("meta[name='" + name + "']").Attr("content")
	return content
}

func propertyTags(doc *goquery.Document, selector, prefix string) map[string]string {
	tags := make(map[string]string)
	attr := "property"
	if strings.HasPrefix(selector, "meta[name]") {
		attr = "name"
	}
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		key, ok := s.Attr(attr)
		if !ok || !strings.HasPrefix(key, prefix) {
			return
		}
		content, _ := s.Attr("content")
		tags[key] = content
	})
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func extractJSONLD(doc *goquery.Document) []any {
	var blocks []any
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		var parsed any
		if err := json.Unmarshal([]byte(s.Text()), &parsed); err != nil {
			return
		}
		blocks = append(blocks, parsed)
	})
	return blocks
}

func detectAnalytics(doc *goquery.Document, rawBody []byte) storage.Analytics {
	text := string(rawBody)
	var a storage.Analytics

	if strings.Contains(text, "gtag(") || gaMeasurementID.MatchString(text) {
		a.GA4 = true
		a.GA4ID = gaMeasurementID.FindString(text)
	}
	if m := gtmContainerID.FindString(text); m != "" {
		a.GTM = true
		a.GTMID = m
	}
	if strings.Contains(text, "connect.facebook.net") || strings.Contains(text, "fbq(") {
		a.FBPixel = true
	}
	if strings.Contains(text, "static.hotjar.com") || strings.Contains(text, "hjid") {
		a.Hotjar = true
	}
	if strings.Contains(text, "cdn.mxpnl.com") || strings.Contains(text, "mixpanel.init") {
		a.Mixpanel = true
	}
	if strings.Contains(text, "googleadservices.com") || strings.Contains(text, "googlesyndication.com") {
		a.GoogleAds = true
	}
	return a
}

func wordCount(doc *goquery.Document) int {
	clone := doc.Clone()
	clone.Find("script, style").Remove()
	text := clone.Find("body").Text()
	return len(strings.Fields(text))
}

func countLinks(doc *goquery.Document, base *url.URL) (internal, external int) {
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		if !strings.HasPrefix(resolved.Scheme, "http") {
			return
		}
		if strings.EqualFold(resolved.Hostname(), base.Hostname()) {
			internal++
		} else {
			external++
		}
	})
	return internal, external
}

func resolve(base *url.URL, href string) string {
	ref, err := base.Parse(href)
	if err != nil {
		return href
	}
	return ref.String()
}
