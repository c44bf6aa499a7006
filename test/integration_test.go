//go:build integration

package test

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seoauditor/crawler/internal/crawl"
	"github.com/seoauditor/crawler/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseTestConfig() crawl.Config {
	cfg := crawl.DefaultConfig()
	cfg.Concurrency = 2
	cfg.Timeout = 5 * time.Second
	cfg.DiscoverSitemaps = false
	cfg.EnableDuplicationCheck = false
	return cfg
}

func TestIntegration_BasicBFSCrawl(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Home</title></head><body>
			<h1>Welcome</h1>
			<a href="/page1">Page 1</a>
			<a href="/page2">Page 2</a>
		</body></html>`)
	})
	mux.HandleFunc("/page1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Page One</title></head><body><h1>One</h1></body></html>`)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `<html><body>not found</body></html>`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	engine := crawl.NewEngine(nil, quietLogger())
	cfg := baseTestConfig()
	cfg.MaxDepth = 2
	cfg.RespectRobots = false

	ok, msg := engine.Start(t.Context(), srv.URL, "u1", "s1", cfg)
	if !ok {
		t.Fatalf("start failed: %s", msg)
	}
	engine.Wait()

	status := engine.GetStatus()
	if status.Status != storage.StatusCompleted {
		t.Fatalf("expected completed status, got %s", status.Status)
	}
	if len(status.URLs) != 3 {
		t.Fatalf("expected 3 crawled urls (root, page1, page2), got %d", len(status.URLs))
	}

	var page2Status int
	for _, u := range status.URLs {
		if strings.HasSuffix(u.URL, "/page2") {
			page2Status = u.StatusCode
		}
	}
	if page2Status != http.StatusNotFound {
		t.Fatalf("expected page2 status 404, got %d", page2Status)
	}
}

func TestIntegration_RobotsDisallowExcludesPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/private">Private</a><a href="/public">Public</a></body></html>`)
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>should not be fetched</body></html>`)
	})
	mux.HandleFunc("/public", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>public page</body></html>`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	engine := crawl.NewEngine(nil, quietLogger())
	cfg := baseTestConfig()
	cfg.MaxDepth = 1
	cfg.RespectRobots = true

	ok, msg := engine.Start(t.Context(), srv.URL, "u1", "s1", cfg)
	if !ok {
		t.Fatalf("start failed: %s", msg)
	}
	engine.Wait()

	status := engine.GetStatus()
	for _, u := range status.URLs {
		if strings.HasSuffix(u.URL, "/private") {
			t.Fatalf("expected /private to be excluded by robots.txt, but it was fetched")
		}
	}
}

func TestIntegration_CookieJarPersistsAcrossFetches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "123456", Path: "/"})
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/protected">Protected</a></body></html>`)
	})
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session_id")
		if err != nil || cookie.Value != "123456" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `<html><body>protected content</body></html>`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	engine := crawl.NewEngine(nil, quietLogger())
	cfg := baseTestConfig()
	cfg.MaxDepth = 1
	cfg.Concurrency = 1
	cfg.RespectRobots = false
	cfg.AllowCookies = true

	ok, msg := engine.Start(t.Context(), srv.URL+"/login", "u1", "s1", cfg)
	if !ok {
		t.Fatalf("start failed: %s", msg)
	}
	engine.Wait()

	status := engine.GetStatus()
	var protectedStatus int
	for _, u := range status.URLs {
		if strings.HasSuffix(u.URL, "/protected") {
			protectedStatus = u.StatusCode
		}
	}
	if protectedStatus != http.StatusOK {
		t.Fatalf("expected 200 for /protected via shared cookie jar, got %d", protectedStatus)
	}
}

func TestIntegration_NonRootSeedClampsToSinglePage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/article/42", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/other">Other</a></body></html>`)
	})
	mux.HandleFunc("/other", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>should not be reached</body></html>`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	engine := crawl.NewEngine(nil, quietLogger())
	cfg := baseTestConfig()
	cfg.MaxDepth = 5
	cfg.RespectRobots = false

	ok, msg := engine.Start(t.Context(), srv.URL+"/article/42", "u1", "s1", cfg)
	if !ok {
		t.Fatalf("start failed: %s", msg)
	}
	engine.Wait()

	status := engine.GetStatus()
	if len(status.URLs) != 1 {
		t.Fatalf("expected single-page crawl for non-root seed, got %d urls", len(status.URLs))
	}
}
