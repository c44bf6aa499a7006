package fetch

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"context"
)

func TestClient_Fetch_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>hi</body></html>"))
	}))
	defer ts.Close()

	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec, body := c.Fetch(context.Background(), ts.URL, 0)
	if rec.StatusCode != 200 {
		t.Fatalf("expected 200, got %d (err=%s)", rec.StatusCode, rec.Error)
	}
	if rec.ContentType != "text/html" {
		t.Errorf("expected stripped content type, got %q", rec.ContentType)
	}
	if string(body) != "<html><body>hi</body></html>" {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestClient_Fetch_HeadSizeCheckRejectsOversize(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c, err := New(Config{MaxFileSizeBytes: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec, body := c.Fetch(context.Background(), ts.URL, 0)
	if rec.StatusCode != 0 || rec.Error == "" {
		t.Fatalf("expected rejected oversize fetch, got status=%d err=%q", rec.StatusCode, rec.Error)
	}
	if body != nil {
		t.Errorf("expected nil body for rejected fetch")
	}
}

func TestClient_Fetch_RetriesOn5xxNotOn4xx(t *testing.T) {
	var serverHits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serverHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c, err := New(Config{Retries: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Now()
	rec, _ := c.Fetch(context.Background(), ts.URL, 0)
	elapsed := time.Since(start)

	if serverHits.Load() != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", serverHits.Load())
	}
	if rec.StatusCode != 0 {
		t.Errorf("expected final failure status 0, got %d", rec.StatusCode)
	}
	// Backoff is 1s + 2s between the 3 attempts.
	if elapsed < 3*time.Second {
		t.Errorf("expected linear backoff delay, elapsed only %v", elapsed)
	}

	var clientHits atomic.Int32
	ts2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientHits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts2.Close()

	c2, err := New(Config{Retries: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec2, _ := c2.Fetch(context.Background(), ts2.URL, 0)
	if clientHits.Load() != 1 {
		t.Fatalf("expected no retries on 4xx, got %d attempts", clientHits.Load())
	}
	if rec2.StatusCode != 404 {
		t.Errorf("expected 404 recorded, got %d", rec2.StatusCode)
	}
}

func TestClient_Fetch_DecodesGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte("<html><body>compressed</body></html>"))
	_ = gz.Close()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		_, _ = w.Write(buf.Bytes())
	}))
	defer ts.Close()

	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, body := c.Fetch(context.Background(), ts.URL, 0)
	if string(body) != "<html><body>compressed</body></html>" {
		t.Errorf("expected decompressed body, got %q", body)
	}
}

func TestClient_Fetch_CapturesRedirectChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("done"))
	})
	var ts *httptest.Server
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, ts.URL+"/mid", http.StatusFound)
	})
	mux.HandleFunc("/mid", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, ts.URL+"/final", http.StatusFound)
	})
	ts = httptest.NewServer(mux)
	defer ts.Close()

	c, err := New(Config{MaxRedirects: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec, body := c.Fetch(context.Background(), ts.URL+"/start", 0)
	if rec.StatusCode != 200 {
		t.Fatalf("expected final 200, got %d", rec.StatusCode)
	}
	if len(rec.Redirects) != 2 {
		t.Fatalf("expected 2 recorded redirects, got %d: %v", len(rec.Redirects), rec.Redirects)
	}
	if string(body) != "done" {
		t.Errorf("unexpected final body: %s", body)
	}
}

func TestClient_FetchRaw_SatisfiesFetcherInterfaces(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	status, body, err := c.FetchRaw(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("FetchRaw: %v", err)
	}
	if status != 200 || string(body) != "ok" {
		t.Errorf("unexpected FetchRaw result: status=%d body=%s", status, body)
	}
}
