package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/tile3d/internal/cache"
	"github.com/MeKo-Tech/tile3d/internal/geom"
	"github.com/MeKo-Tech/tile3d/internal/httpio"
	"github.com/MeKo-Tech/tile3d/internal/iface"
	"github.com/MeKo-Tech/tile3d/internal/overlay"
	"github.com/MeKo-Tech/tile3d/internal/tileset"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tileset update loop and serve its status over HTTP",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().String("root-url", "", "URL of the tileset root tile content (required)")
	serveCmd.Flags().String("bounds", "-180,-90,180,90", "Root tile bounds: minLon,minLat,maxLon,maxLat (degrees)")
	serveCmd.Flags().Float64("root-geometric-error", 512, "Root tile's geometric error")
	serveCmd.Flags().Int("max-loaded-tiles", 1024, "Maximum tiles kept in the loaded-tile LRU")
	serveCmd.Flags().Int("worker-count", 4, "Number of concurrent content-loading workers")
	serveCmd.Flags().Duration("update-interval", 200*time.Millisecond, "How often the tileset's Update loop runs")
	serveCmd.Flags().String("overlay-mbtiles", "", "Path to an MBTiles file to drape as a raster overlay")
	serveCmd.Flags().Bool("disable-cache", false, "Disable the persistent HTTP response cache")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("serve.root_url", "root-url")
	mustBind("serve.bounds", "bounds")
	mustBind("serve.root_geometric_error", "root-geometric-error")
	mustBind("serve.max_loaded_tiles", "max-loaded-tiles")
	mustBind("serve.worker_count", "worker-count")
	mustBind("serve.update_interval", "update-interval")
	mustBind("serve.overlay_mbtiles", "overlay-mbtiles")
	mustBind("serve.disable_cache", "disable-cache")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	rootURL := viper.GetString("serve.root_url")
	if rootURL == "" {
		return fmt.Errorf("--root-url is required")
	}

	bounds, err := parseBounds(viper.GetString("serve.bounds"))
	if err != nil {
		return fmt.Errorf("invalid --bounds: %w", err)
	}

	var store *cache.Store
	if !viper.GetBool("serve.disable_cache") {
		store, err = cache.Open(viper.GetString("cache-path"))
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer store.Close()
	}

	accessor := httpio.New(httpio.Config{
		Logger: logger,
		Cache:  store,
	})

	var overlays []overlay.Provider
	if path := viper.GetString("serve.overlay_mbtiles"); path != "" {
		limiter := overlay.NewThrottleCounter(4)
		provider, err := overlay.OpenMBTilesProvider("overlay", path, limiter)
		if err != nil {
			return fmt.Errorf("open overlay mbtiles: %w", err)
		}
		overlays = append(overlays, provider)
	}

	root := tileset.NewTile(
		geom.QuadtreeTileID{Level: 0, X: 0, Y: 0},
		geom.BoundingRegion{Rectangle: bounds},
		viper.GetFloat64("serve.root_geometric_error"),
		tileset.Replace,
		geom.Identity(),
	)
	root.URL = rootURL

	ts := tileset.New(root, tileset.Config{
		Accessor:       accessor,
		Overlays:       overlays,
		MaxLoadedTiles: viper.GetInt("serve.max_loaded_tiles"),
		WorkerCount:    viper.GetInt("serve.worker_count"),
		Logger:         logger,
		FailedCallback: func(tile iface.TileHandle) iface.RetryDecision { return iface.Retry },
	})

	if err := ts.LoadContent(cmd.Context(), root); err != nil {
		return fmt.Errorf("load root tile: %w", err)
	}

	interval := viper.GetDuration("serve.update_interval")
	stop := runUpdateLoop(cmd.Context(), ts, interval)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", statusHandler(ts, root))
	mux.HandleFunc("/status/stream", statusStreamHandler(ts, root))

	addr := viper.GetString("serve.addr")
	logger.Info("tile3d serve listening", "addr", addr, "root_url", rootURL, "worker_count", viper.GetInt("serve.worker_count"))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}

// runUpdateLoop drives Tileset.Update on a fixed interval, the headless
// stand-in for the per-frame caller a renderer would otherwise provide. The
// returned func stops the loop.
func runUpdateLoop(ctx context.Context, ts *tileset.Tileset, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var frame int64
		for {
			select {
			case <-ticker.C:
				frame++
				ts.Update(frame-1, frame)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// tileStats is one tile's contribution to a /status snapshot.
type tileStats struct {
	Key            string `json:"key"`
	State          string `json:"state"`
	IsUpsampled    bool   `json:"is_upsampled"`
	HTTPStatusCode int    `json:"http_status_code"`
	ByteSize       int64  `json:"byte_size"`
	Children       int    `json:"children"`
}

func snapshot(ts *tileset.Tileset, root *tileset.Tile) []tileStats {
	var out []tileStats
	var walk func(t *tileset.Tile)
	walk = func(t *tileset.Tile) {
		out = append(out, tileStats{
			Key:            t.Key(),
			State:          t.State().String(),
			IsUpsampled:    t.IsUpsampled(),
			HTTPStatusCode: t.HTTPStatusCode(),
			ByteSize:       ts.ComputeByteSize(t),
			Children:       len(t.Children()),
		})
		for _, c := range t.Children() {
			walk(c)
		}
	}
	walk(root)
	return out
}

func statusHandler(ts *tileset.Tileset, root *tileset.Tile) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot(ts, root))
	}
}

// statusStreamHandler serves the same snapshot as a server-sent-events
// stream, one event every 500ms (independent of the update interval), for a
// browser-side live view.
func statusStreamHandler(ts *tileset.Tileset, root *tileset.Tile) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				data, err := json.Marshal(snapshot(ts, root))
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}

func parseBounds(s string) (geom.GlobeRectangle, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geom.GlobeRectangle{}, fmt.Errorf("expected minLon,minLat,maxLon,maxLat, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geom.GlobeRectangle{}, fmt.Errorf("component %d (%q): %w", i, p, err)
		}
		v[i] = f
	}
	return geom.FromDegrees(v[0], v[1], v[2], v[3]), nil
}
