package document

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func TestFetcherReusesFreshFile(t *testing.T) {
	t.Setenv(cacheEnvVar, t.TempDir())

	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Etag", `"v1"`)
		_, _ = w.Write([]byte("%PDF-1.4\nHello"))
	}))
	t.Cleanup(server.Close)

	fetcher, err := NewFetcher(server.Client(), nil)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	ctx := context.Background()

	path, err := fetcher.Fetch(ctx, server.URL+"/files/report.pdf")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cached file missing: %v", err)
	}
	path2, err := fetcher.Fetch(ctx, server.URL+"/files/report.pdf")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if path != path2 {
		t.Fatalf("paths differ: %s vs %s", path, path2)
	}
	if hits != 1 {
		t.Fatalf("expected a single download, got %d hits", hits)
	}
}

func TestFetcherRevalidatesStaleFile(t *testing.T) {
	t.Setenv(cacheEnvVar, t.TempDir())

	var conditional string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inm := r.Header.Get("If-None-Match"); inm != "" {
			conditional = inm
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", `"v2"`)
		_, _ = w.Write([]byte("%PDF-1.4\nUpdated"))
	}))
	t.Cleanup(server.Close)

	fetcher, err := NewFetcher(server.Client(), nil)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	ctx := context.Background()

	path, err := fetcher.Fetch(ctx, server.URL+"/stale.pdf")
	if err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	old := time.Now().Add(-(cacheTTL + time.Hour))
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if _, err := fetcher.Fetch(ctx, server.URL+"/stale.pdf"); err != nil {
		t.Fatalf("conditional fetch: %v", err)
	}
	if conditional != `"v2"` {
		t.Fatalf("expected If-None-Match with stored etag, got %q", conditional)
	}
}

func TestFetcherResumesPartialDownload(t *testing.T) {
	t.Setenv(cacheEnvVar, t.TempDir())

	var rangeHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader = r.Header.Get("Range")
		w.Header().Set("Etag", `"resume"`)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("world"))
	}))
	t.Cleanup(server.Close)

	fetcher, err := NewFetcher(server.Client(), nil)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	target := server.URL + "/resume.pdf"
	pdfPath, metaPath, partPath := fetcher.pathsFor(cacheKey(target))

	if err := os.WriteFile(partPath, []byte("hello "), 0o644); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	if err := writeMeta(metaPath, cacheMeta{ETag: `"resume"`}); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	path, err := fetcher.Fetch(context.Background(), target)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if path != pdfPath {
		t.Fatalf("unexpected path: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cached pdf: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("resume failed, got %q", string(data))
	}
	if rangeHeader != fmt.Sprintf("bytes=%d-", len("hello ")) {
		t.Fatalf("expected range header, got %q", rangeHeader)
	}
	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Fatalf("partial file should be gone, err=%v", err)
	}
}

func TestFetcherReportsHTTPErrors(t *testing.T) {
	t.Setenv(cacheEnvVar, t.TempDir())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	fetcher, err := NewFetcher(server.Client(), nil)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	_, err = fetcher.Fetch(context.Background(), server.URL+"/missing.pdf")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestCacheKeyFallsBackToHash(t *testing.T) {
	t.Parallel()
	key := cacheKey("https://example.com/foo.pdf")
	if len(key) != 40 {
		t.Fatalf("expected sha1 hex key, got %q", key)
	}
	if got := cacheKey("https://arxiv.org/pdf/2101.00001.pdf"); got != "2101.00001" {
		t.Fatalf("arxiv key = %q", got)
	}
}
