// Package httpio implements a concrete iface.AssetAccessor over net/http,
// with retry/backoff configuration and an internal/cache.Store in front of
// it so repeated fetches of the same URL are served from the persistent
// cache (spec §4.1/§6).
package httpio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/MeKo-Tech/tile3d/internal/cache"
	"github.com/MeKo-Tech/tile3d/internal/iface"
)

// RetryConfig configures exponential backoff retries, mirroring the shape
// of the teacher's Overpass retry configuration.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryConfig returns sensible defaults for a public tile server.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Config configures an Accessor.
type Config struct {
	HTTPClient  *http.Client
	RetryConfig RetryConfig
	Logger      *slog.Logger
	// Cache, if non-nil, is consulted before every fetch and populated
	// after every successful one.
	Cache *cache.Store
	// DefaultTTL is the lifetime of every entry this accessor stores; the
	// response's Cache-Control header (including max-age) is not consulted.
	DefaultTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTPClient:  http.DefaultClient,
		RetryConfig: DefaultRetryConfig(),
		Logger:      slog.Default(),
		DefaultTTL:  time.Hour,
	}
}

// Accessor is a concrete iface.AssetAccessor backed by net/http.
type Accessor struct {
	client *http.Client
	retry  RetryConfig
	log    *slog.Logger
	cache  *cache.Store
	ttl    time.Duration
}

// New creates an Accessor. A nil Cache disables the persistent response
// cache; Accessor still functions, just without caching.
func New(cfg Config) *Accessor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	return &Accessor{
		client: cfg.HTTPClient,
		retry:  cfg.RetryConfig,
		log:    cfg.Logger,
		cache:  cfg.Cache,
		ttl:    cfg.DefaultTTL,
	}
}

var _ iface.AssetAccessor = (*Accessor)(nil)

// Get fetches url with headers, consulting and populating the cache when
// one is configured, and retrying transient failures with exponential
// backoff.
func (a *Accessor) Get(ctx context.Context, url string, headers map[string]string) (iface.AssetResponse, error) {
	key := cache.Key(http.MethodGet, url, headers)

	if a.cache != nil {
		entry, found, err := a.cache.GetEntry(ctx, key, func(e cache.Entry) bool {
			return time.Now().Before(e.ExpiryTime)
		})
		if err != nil {
			a.log.Warn("cache lookup failed, falling through to network", "url", url, "error", err)
		} else if found {
			a.log.Debug("asset served from cache", "url", url)
			return iface.AssetResponse{
				StatusCode:  entry.Response.StatusCode,
				Headers:     entry.Response.Headers,
				ContentType: entry.Response.ContentType,
				Data:        entry.Response.Body,
			}, nil
		}
	}

	resp, err := a.getWithRetry(ctx, url, headers)
	if err != nil {
		return iface.AssetResponse{}, err
	}

	if a.cache != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if _, err := a.cache.StoreResponse(ctx, key, time.Now().Add(a.ttl),
			cache.Request{Method: http.MethodGet, URL: url, Headers: headers},
			cache.Response{
				StatusCode:  resp.StatusCode,
				Headers:     resp.Headers,
				ContentType: resp.ContentType,
				Body:        resp.Data,
			}); err != nil {
			a.log.Warn("cache store failed", "url", url, "error", err)
		}
	}

	return resp, nil
}

func (a *Accessor) getWithRetry(ctx context.Context, url string, headers map[string]string) (iface.AssetResponse, error) {
	backoff := a.retry.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff
			if a.retry.Jitter {
				wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
			}
			a.log.Warn("retrying asset fetch", "url", url, "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return iface.AssetResponse{}, ctx.Err()
			}
			backoff = time.Duration(float64(backoff) * a.retry.BackoffMultiplier)
			if backoff > a.retry.MaxBackoff {
				backoff = a.retry.MaxBackoff
			}
		}

		resp, err := a.doGet(ctx, url, headers)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		a.log.Error("asset fetch failed", "url", url, "attempt", attempt, "error", err)
	}

	return iface.AssetResponse{}, fmt.Errorf("httpio: fetch %s failed after %d attempts: %w", url, a.retry.MaxRetries+1, lastErr)
}

func (a *Accessor) doGet(ctx context.Context, url string, headers map[string]string) (iface.AssetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return iface.AssetResponse{}, fmt.Errorf("httpio: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return iface.AssetResponse{}, fmt.Errorf("httpio: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return iface.AssetResponse{}, fmt.Errorf("httpio: read body: %w", err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return iface.AssetResponse{
		StatusCode:   resp.StatusCode,
		Headers:      respHeaders,
		ContentType:  resp.Header.Get("Content-Type"),
		CacheControl: resp.Header.Get("Cache-Control"),
		Data:         body,
	}, nil
}
