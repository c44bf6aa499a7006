package crawl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/seoauditor/crawler/internal/storage/ndjson"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReserveBudget_LimitsConcurrentReservationsToMaxURLs(t *testing.T) {
	e := &Engine{}

	const workers = 20
	const maxURLs = 3

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.reserveBudget(maxURLs) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != maxURLs {
		t.Fatalf("expected exactly %d reservations granted under concurrent load, got %d", maxURLs, granted)
	}
}

// linkedSite serves a root page linking to n child pages, each a dead end.
func linkedSite(n int, perPageDelay time.Duration) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if perPageDelay > 0 {
			time.Sleep(perPageDelay)
		}
		w.Header().Set("Content-Type", "text/html")
		var links strings.Builder
		for i := 0; i < n; i++ {
			fmt.Fprintf(&links, `<a href="/page%d">p%d</a>`, i, i)
		}
		fmt.Fprintf(w, `<html><head><title>Home</title></head><body>%s</body></html>`, links.String())
	})
	for i := 0; i < n; i++ {
		mux.HandleFunc(fmt.Sprintf("/page%d", i), func(w http.ResponseWriter, r *http.Request) {
			if perPageDelay > 0 {
				time.Sleep(perPageDelay)
			}
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><head><title>Page</title></head><body>leaf</body></html>`)
		})
	}
	return httptest.NewServer(mux)
}

func TestPauseResume_PreservesFrontierAcrossPause(t *testing.T) {
	srv := linkedSite(5, 30*time.Millisecond)
	defer srv.Close()

	backend, err := ndjson.New(afero.NewMemMapFs(), "/crawls")
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	defer backend.Close()

	engine := NewEngine(backend, testLogger())
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	cfg.MaxDepth = 1
	cfg.RespectRobots = false
	cfg.DiscoverSitemaps = false
	cfg.EnableDuplicationCheck = false

	ok, msg := engine.Start(context.Background(), srv.URL, "u1", "s1", cfg)
	if !ok {
		t.Fatalf("start failed: %s", msg)
	}

	// Wait until the root page has been fetched and its links discovered,
	// but the crawl is nowhere near done.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if engine.graph.PendingLen() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if engine.graph.PendingLen() == 0 {
		t.Fatal("expected pending frontier entries before pause")
	}

	pendingBeforePause := engine.graph.PendingLen()

	if ok, msg := engine.Pause(context.Background()); !ok {
		t.Fatalf("pause failed: %s", msg)
	}

	if got := engine.graph.PendingLen(); got == 0 {
		t.Fatalf("expected frontier to survive Pause intact, got 0 pending (had %d before pause)", pendingBeforePause)
	}

	if ok, msg := engine.Resume(); !ok {
		t.Fatalf("resume failed: %s", msg)
	}

	engine.Wait()

	status := engine.GetStatus()
	if len(status.URLs) != 6 { // root + 5 children
		t.Fatalf("expected all 6 pages crawled after resume, got %d", len(status.URLs))
	}
}

func TestWorkerLoop_NeverExceedsMaxURLsBudget(t *testing.T) {
	srv := linkedSite(10, 0)
	defer srv.Close()

	engine := NewEngine(nil, testLogger())
	cfg := DefaultConfig()
	cfg.Concurrency = 4
	cfg.MaxDepth = 1
	cfg.MaxURLs = 3
	cfg.RespectRobots = false
	cfg.DiscoverSitemaps = false
	cfg.EnableDuplicationCheck = false

	ok, msg := engine.Start(context.Background(), srv.URL, "u1", "s1", cfg)
	if !ok {
		t.Fatalf("start failed: %s", msg)
	}
	engine.Wait()

	status := engine.GetStatus()
	if len(status.URLs) != cfg.MaxURLs {
		t.Fatalf("expected crawled count to land exactly on max_urls=%d budget, got %d", cfg.MaxURLs, len(status.URLs))
	}
}

func TestOnQueueDrained_BackfillsLinkedFrom(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Home</title></head><body><a href="/child">Child</a></body></html>`)
	})
	mux.HandleFunc("/child", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Child</title></head><body>leaf</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	engine := NewEngine(nil, testLogger())
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	cfg.MaxDepth = 1
	cfg.RespectRobots = false
	cfg.DiscoverSitemaps = false
	cfg.EnableDuplicationCheck = false

	ok, msg := engine.Start(context.Background(), srv.URL, "u1", "s1", cfg)
	if !ok {
		t.Fatalf("start failed: %s", msg)
	}
	engine.Wait()

	status := engine.GetStatus()
	found := false
	for _, u := range status.URLs {
		if strings.HasSuffix(u.URL, "/child") {
			found = true
			if len(u.LinkedFrom) != 1 || u.LinkedFrom[0] != srv.URL {
				t.Fatalf("expected /child's linked_from to contain the root page, got %v", u.LinkedFrom)
			}
		}
	}
	if !found {
		t.Fatal("expected /child in crawl results")
	}
}

func TestOnQueueDrained_HonorsConfiguredDuplicationThreshold(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Home</title></head><body><a href="/a">a</a><a href="/b">b</a></body></html>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><head><title>Same Title</title><meta name="description" content="same description"></head><body><h1>Same Heading</h1>%s</body></html>`, strings.Repeat("lorem ", 5))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><head><title>Same Title</title><meta name="description" content="same description"></head><body><h1>Same Heading</h1>%s</body></html>`, strings.Repeat("lorem ", 500))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	run := func(threshold float64) int {
		engine := NewEngine(nil, testLogger())
		cfg := DefaultConfig()
		cfg.Concurrency = 1
		cfg.MaxDepth = 1
		cfg.RespectRobots = false
		cfg.DiscoverSitemaps = false
		cfg.EnableDuplicationCheck = true
		cfg.DuplicationThreshold = threshold

		ok, msg := engine.Start(context.Background(), srv.URL, "u1", "s1", cfg)
		if !ok {
			t.Fatalf("start failed: %s", msg)
		}
		engine.Wait()
		dupCount := 0
		for _, iss := range engine.GetStatus().Issues {
			if iss.Category == "Duplication" {
				dupCount++
			}
		}
		return dupCount
	}

	// title/description/h1 identical (weight 0.9) but word counts differ
	// sharply, so similarity lands around 0.90: above a low threshold,
	// below a threshold near 1.
	if n := run(0.5); n == 0 {
		t.Fatal("expected duplicate-content issues at a low threshold")
	}
	if n := run(0.99); n != 0 {
		t.Fatalf("expected no duplicate-content issues at a near-1 threshold, got %d", n)
	}
}
