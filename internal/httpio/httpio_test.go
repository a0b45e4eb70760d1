package httpio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/tile3d/internal/cache"
)

func TestAccessorGetSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "model/gltf-binary")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("tile-bytes"))
	}))
	defer server.Close()

	accessor := New(DefaultConfig())
	resp, err := accessor.Get(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Data) != "tile-bytes" {
		t.Fatalf("Get response = %+v", resp)
	}
}

func TestAccessorGetRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			// Close the connection to force a client-side transport error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.RetryConfig = RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, BackoffMultiplier: 2}
	accessor := New(cfg)

	resp, err := accessor.Get(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Data) != "ok" {
		t.Fatalf("Get response = %+v", resp)
	}
	if attempts.Load() < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", attempts.Load())
	}
}

func TestAccessorGetUsesCache(t *testing.T) {
	var serverHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serverHits.Add(1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("cached-bytes"))
	}))
	defer server.Close()

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	defer store.Close()

	cfg := DefaultConfig()
	cfg.Cache = store
	accessor := New(cfg)

	ctx := context.Background()
	if _, err := accessor.Get(ctx, server.URL, nil); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := accessor.Get(ctx, server.URL, nil); err != nil {
		t.Fatalf("second Get: %v", err)
	}

	if serverHits.Load() != 1 {
		t.Fatalf("expected exactly one server hit, got %d", serverHits.Load())
	}
}
