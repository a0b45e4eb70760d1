package overlay

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"math"

	_ "modernc.org/sqlite"

	"github.com/MeKo-Tech/tile3d/internal/geom"
)

// MBTilesProvider is a raster overlay Provider backed by an MBTiles
// database: the same read-only, immutable-mode SQLite access the teacher's
// mbtiles.Reader uses, repurposed from a PNG basemap source into a raster
// overlay feed. It becomes Ready once its database handle and zoom range
// have been established; until then every MapRegion call reports a
// placeholder binding.
type MBTilesProvider struct {
	name    string
	db      *sql.DB
	minZoom int
	maxZoom int
	ready   bool
	limiter *ThrottleCounter
}

// OpenMBTilesProvider opens path read-only and validates it carries a
// tiles table, exactly as mbtiles.OpenReader does.
func OpenMBTilesProvider(name, path string, limiter *ThrottleCounter) (*MBTilesProvider, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("overlay: open mbtiles %s: %w", path, err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='tiles'`).Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("overlay: verify mbtiles schema: %w", err)
	}
	if count == 0 {
		db.Close()
		return nil, fmt.Errorf("overlay: %s has no tiles table", path)
	}

	minZoom, maxZoom := readZoomRange(db)

	return &MBTilesProvider{
		name:    name,
		db:      db,
		minZoom: minZoom,
		maxZoom: maxZoom,
		ready:   true,
		limiter: limiter,
	}, nil
}

func readZoomRange(db *sql.DB) (minZoom, maxZoom int) {
	maxZoom = 18
	row := db.QueryRow(`SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles`)
	var min, max sql.NullInt64
	if err := row.Scan(&min, &max); err == nil {
		if min.Valid {
			minZoom = int(min.Int64)
		}
		if max.Valid {
			maxZoom = int(max.Int64)
		}
	}
	return minZoom, maxZoom
}

func (p *MBTilesProvider) Name() string { return p.name }

func (p *MBTilesProvider) Ready() bool { return p.ready }

// levelForGeometricError picks the shallowest zoom level whose nominal
// ground resolution is at least as fine as targetGeometricError demands,
// clamped to the provider's available zoom range.
func (p *MBTilesProvider) levelForGeometricError(targetGeometricError float64) int {
	if targetGeometricError <= 0 {
		return p.maxZoom
	}
	// Each zoom level halves the nominal tile span; level 0 spans the
	// whole globe width (360 degrees). Solve for the level whose span is
	// <= targetGeometricError (both in degrees, an approximation
	// appropriate for overlay level selection, not geodesy -- see spec §1
	// Non-goals).
	level := int(math.Ceil(math.Log2(360.0 / targetGeometricError)))
	if level < p.minZoom {
		level = p.minZoom
	}
	if level > p.maxZoom {
		level = p.maxZoom
	}
	return level
}

// MapRegion returns the MBTiles tiles covering region at the level
// levelForGeometricError selects, and whether that level was clamped to the
// provider's maxZoom (i.e. the provider has no finer data to offer).
func (p *MBTilesProvider) MapRegion(region geom.GlobeRectangle, targetGeometricError float64) ([]RasterTileHandle, bool, bool) {
	if !p.ready {
		return nil, false, false
	}

	level := p.levelForGeometricError(targetGeometricError)
	atMax := level >= p.maxZoom
	tilesPerAxis := 1 << level

	west := region.West * 180 / math.Pi
	east := region.East * 180 / math.Pi
	south := region.South * 180 / math.Pi
	north := region.North * 180 / math.Pi

	minX := lonToTileX(west, tilesPerAxis)
	maxX := lonToTileX(east, tilesPerAxis)
	minY := latToTileY(north, tilesPerAxis)
	maxY := latToTileY(south, tilesPerAxis)

	var handles []RasterTileHandle
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			handles = append(handles, RasterTileHandle{
				Key: fmt.Sprintf("%s/%d/%d/%d", p.name, level, x, y),
			})
		}
	}
	return handles, atMax, true
}

func lonToTileX(lon float64, tilesPerAxis int) int {
	x := int((lon + 180.0) / 360.0 * float64(tilesPerAxis))
	return clampTile(x, tilesPerAxis)
}

func latToTileY(lat float64, tilesPerAxis int) int {
	latRad := lat * math.Pi / 180
	y := int((1 - math.Log(math.Tan(math.Pi/4+latRad/2))/math.Pi) / 2 * float64(tilesPerAxis))
	return clampTile(y, tilesPerAxis)
}

func clampTile(v, tilesPerAxis int) int {
	if v < 0 {
		return 0
	}
	if v >= tilesPerAxis {
		return tilesPerAxis - 1
	}
	return v
}

// LoadThrottled loads handle's tile data from the MBTiles database if the
// shared throttle counter has budget, decoding the gzip-compressed blob
// mbtiles.Writer produces.
func (p *MBTilesProvider) LoadThrottled(handle *RasterTileHandle) bool {
	if p.limiter != nil && !p.limiter.TryAcquire() {
		return false
	}
	if p.limiter != nil {
		defer p.limiter.Release()
	}

	var level, x, y int
	if _, err := fmt.Sscanf(handle.Key, p.name+"/%d/%d/%d", &level, &x, &y); err != nil {
		handle.Failed = true
		return true
	}

	tmsY := (1 << level) - 1 - y
	var compressed []byte
	err := p.db.QueryRow(
		`SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?`,
		level, x, tmsY,
	).Scan(&compressed)
	if err != nil {
		handle.Failed = true
		return true
	}

	data, err := gunzip(compressed)
	if err != nil {
		handle.Failed = true
		return true
	}

	handle.Data = data
	return true
}

// Close releases the underlying database handle.
func (p *MBTilesProvider) Close() error {
	return p.db.Close()
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

var _ Provider = (*MBTilesProvider)(nil)
