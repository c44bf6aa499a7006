package sitemap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testFetcher struct{}

func (testFetcher) FetchRaw(ctx context.Context, rawURL string) (int, []byte, error) {
	resp, err := http.Get(rawURL)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func TestParser_Discover_FlatSitemap(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
   <url><loc>http://example.com/</loc></url>
   <url><loc>http://example.com/page1</loc></url>
</urlset>`))
	})
	mux.HandleFunc("/sitemap_index.xml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	p := New(testFetcher{}, nil, nil)
	urls := p.Discover(context.Background(), ts.URL)

	if len(urls) != 2 {
		t.Fatalf("expected 2 urls, got %d: %v", len(urls), urls)
	}
}

func TestParser_Discover_SitemapIndexRecursion(t *testing.T) {
	var baseURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/sitemap_index.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
   <sitemap><loc>` + baseURL + `/s1.xml</loc></sitemap>
   <sitemap><loc>` + baseURL + `/s2.xml</loc></sitemap>
</sitemapindex>`))
	})
	mux.HandleFunc("/s1.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"><url><loc>http://example.com/s1-a</loc></url></urlset>`))
	})
	mux.HandleFunc("/s2.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"><url><loc>http://example.com/s2-a</loc></url></urlset>`))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()
	baseURL = ts.URL

	p := New(testFetcher{}, nil, nil)
	urls := p.Discover(context.Background(), ts.URL)

	if len(urls) != 2 {
		t.Fatalf("expected 2 urls from nested sitemaps, got %d: %v", len(urls), urls)
	}
}

func TestParser_Discover_OneFailureDoesNotAbortOthers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/sitemap_index.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"><url><loc>http://example.com/ok</loc></url></urlset>`))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	p := New(testFetcher{}, nil, nil)
	urls := p.Discover(context.Background(), ts.URL)

	if len(urls) != 1 || urls[0] != "http://example.com/ok" {
		t.Fatalf("expected the surviving sitemap's single url, got %v", urls)
	}
}
