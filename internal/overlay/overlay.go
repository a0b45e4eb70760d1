// Package overlay implements raster overlay mapping: per-tile overlay
// bindings with placeholder→real promotion, globally throttled concurrent
// loading, and the "more detail available" signal that drives subdivision
// (spec §4.3).
package overlay

import (
	"sync/atomic"

	"github.com/MeKo-Tech/tile3d/internal/geom"
)

// MoreDetail is the tri-state signal an overlay binding reports after an
// update pass.
type MoreDetail int

const (
	MoreDetailUnknown MoreDetail = iota
	MoreDetailNo
	MoreDetailYes
)

// BindingState is the lifecycle stage of one RasterMapping.
type BindingState int

const (
	StatePlaceholder BindingState = iota
	StateLoading
	StateReady
	StateFailed
)

// RasterTileHandle is an opaque reference to one fetched overlay image
// tile, returned by a Provider when it maps a 3D tile region to raster
// tiles.
type RasterTileHandle struct {
	Key    string
	Data   []byte
	Failed bool
}

// Provider computes which raster tiles cover a geographic rectangle at a
// level matching a requested geometric error, and loads individual raster
// tiles. A provider that is still initializing asynchronously reports
// Ready()==false and every Map call returns a placeholder binding.
type Provider interface {
	// Name identifies the overlay projection this provider serves.
	Name() string
	// Ready reports whether the provider has finished async initialization.
	Ready() bool
	// MapRegion picks a raster tiling level matching targetGeometricError
	// and returns the tile handles covering region. atMaxResolution reports
	// whether the chosen level was clamped to the provider's finest
	// available level -- the signal detailFor uses to stop claiming more
	// detail is available once a provider is already maxed out (spec §4.5,
	// "raster tiles that are not the most detailed available"). Returns
	// ok=false if the provider cannot yet service the request (e.g. not
	// ready).
	MapRegion(region geom.GlobeRectangle, targetGeometricError float64) (handles []RasterTileHandle, atMaxResolution bool, ok bool)
	// LoadThrottled attempts to begin loading handle's bytes if the global
	// in-flight budget allows it, reporting whether loading was started.
	LoadThrottled(handle *RasterTileHandle) (started bool)
}

// Mapping is one RasterMapping binding a single overlay provider to a 3D
// tile, per spec §3.
type Mapping struct {
	Overlay         Provider
	Handle          RasterTileHandle
	Projection      string
	UVRectangle     geom.Rectangle2D
	State           BindingState
	AtMaxResolution bool
}

// Bindings is the ordered list of overlay bindings carried by one tile.
type Bindings struct {
	items []*Mapping
}

// Get returns the binding for the named overlay, if one exists.
func (b *Bindings) Get(overlayName string) (*Mapping, bool) {
	for _, m := range b.items {
		if m.Overlay.Name() == overlayName {
			return m, true
		}
	}
	return nil, false
}

// All returns every binding, in mapping order.
func (b *Bindings) All() []*Mapping {
	return b.items
}

// Remove drops the binding for overlayName, if present.
func (b *Bindings) Remove(overlayName string) {
	for i, m := range b.items {
		if m.Overlay.Name() == overlayName {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return
		}
	}
}

// MapTile runs one mapping pass (spec §4.3 step 1-2) against providers for
// a tile's region and current geometric error, appending any newly
// attached overlay name to missingProjections so the caller can regenerate
// texture coordinates. It returns true if the tile must be forced back to
// Unloaded (a real provider replaced a placeholder and introduced a
// projection the mesh has no UVs for).
func (b *Bindings) MapTile(providers []Provider, region geom.GlobeRectangle, geometricError float64, hasUVFor func(projection string) bool) (missingProjections []string, forceReload bool) {
	for _, p := range providers {
		existing, has := b.Get(p.Name())

		if !has {
			handles, atMax, ok := p.MapRegion(region, geometricError)
			m := &Mapping{Overlay: p, Projection: p.Name(), AtMaxResolution: atMax}
			if !p.Ready() || !ok {
				m.State = StatePlaceholder
			} else {
				m.State = StateLoading
				if len(handles) > 0 {
					m.Handle = handles[0]
				}
			}
			b.items = append(b.items, m)
			missingProjections = append(missingProjections, p.Name())
			continue
		}

		if existing.State == StatePlaceholder && p.Ready() {
			handles, atMax, ok := p.MapRegion(region, geometricError)
			b.Remove(p.Name())
			m := &Mapping{Overlay: p, Projection: p.Name(), State: StateLoading, AtMaxResolution: atMax}
			if ok && len(handles) > 0 {
				m.Handle = handles[0]
			}
			b.items = append(b.items, m)

			if !hasUVFor(p.Name()) {
				missingProjections = append(missingProjections, p.Name())
				forceReload = true
			}
		}
	}
	return missingProjections, forceReload
}

// Update advances every non-placeholder binding's load (respecting
// throttling) and aggregates the tri-state MoreDetailAvailable signal
// across all bindings: Yes if any binding reports Yes, else Unknown if any
// reports Unknown, else No.
func (b *Bindings) Update() MoreDetail {
	result := MoreDetailNo
	sawUnknown := false

	for _, m := range b.items {
		if m.State == StatePlaceholder {
			continue
		}
		if m.State == StateLoading {
			m.Overlay.LoadThrottled(&m.Handle)
			if m.Handle.Failed {
				m.State = StateFailed
				continue
			}
			if m.Handle.Data != nil {
				m.State = StateReady
			}
		}

		switch detailFor(m) {
		case MoreDetailYes:
			result = MoreDetailYes
		case MoreDetailUnknown:
			sawUnknown = true
		}
	}

	if result == MoreDetailYes {
		return MoreDetailYes
	}
	if sawUnknown {
		return MoreDetailUnknown
	}
	return MoreDetailNo
}

// detailFor reports whether m's provider has resolution beyond what has
// already been fetched: a ready binding only claims more detail is
// available when its provider was not already clamped to its finest level,
// mirroring Cesium-native's Tile::update check for "raster tiles that are
// not the most detailed available". A provider already at max resolution
// reports No instead of Yes so updateOverlays stops synthesizing upsampled
// children once the overlay itself has nothing finer to offer.
func detailFor(m *Mapping) MoreDetail {
	switch m.State {
	case StateReady:
		if m.AtMaxResolution {
			return MoreDetailNo
		}
		return MoreDetailYes
	case StateFailed:
		return MoreDetailNo
	default:
		return MoreDetailUnknown
	}
}

// ThrottleCounter is a global in-flight-load budget shared by every
// Provider in a Tileset, grounded on the teacher's semaphore-channel
// pattern in server.OnDemandTiles.
type ThrottleCounter struct {
	limit  int32
	active atomic.Int32
}

// NewThrottleCounter creates a counter allowing up to limit concurrent
// loads.
func NewThrottleCounter(limit int) *ThrottleCounter {
	if limit <= 0 {
		limit = 1
	}
	return &ThrottleCounter{limit: int32(limit)}
}

// TryAcquire attempts to reserve one in-flight load slot, returning false
// if the budget is exhausted.
func (c *ThrottleCounter) TryAcquire() bool {
	for {
		cur := c.active.Load()
		if cur >= c.limit {
			return false
		}
		if c.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot reserved by a successful TryAcquire.
func (c *ThrottleCounter) Release() {
	c.active.Add(-1)
}
