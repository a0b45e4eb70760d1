package tileset

import (
	"sync"
	"sync/atomic"

	"github.com/MeKo-Tech/tile3d/internal/content"
	"github.com/MeKo-Tech/tile3d/internal/geom"
	"github.com/MeKo-Tech/tile3d/internal/overlay"
)

// Tile is one node of the tile tree (spec §3's Tile). Parent pointers are
// non-owning -- the tree is built with ordinary Go pointers rather than an
// arena, since Go's garbage collector makes the arena-of-indices pattern spec
// §9 mentions an implementation detail rather than a memory-safety
// requirement; cycles remain impossible by construction because children are
// only ever appended by this package's own expansion logic.
type Tile struct {
	id        geom.TileID
	URL       string
	Headers   map[string]string
	Transform geom.Matrix4

	BoundingVolume        geom.BoundingVolume
	ContentBoundingVolume geom.BoundingVolume
	ViewerRequestVolume   geom.BoundingVolume
	GeometricError        float64
	Refine                Refine

	state      atomic.Int32
	httpStatus atomic.Int32

	unconditionallyRefine atomic.Bool
	isUpsampled           bool

	mu                 sync.RWMutex
	parent             *Tile
	children           []*Tile
	content            *content.Result
	mainThreadResource any
	overlays           *overlay.Bindings
}

// NewTile builds a Tile in the Unloaded state.
func NewTile(id geom.TileID, bv geom.BoundingVolume, geometricError float64, refine Refine, transform geom.Matrix4) *Tile {
	t := &Tile{
		id:             id,
		BoundingVolume: bv,
		GeometricError: geometricError,
		Refine:         refine,
		Transform:      transform,
	}
	t.state.Store(int32(Unloaded))
	return t
}

// ID returns the tile's identifier.
func (t *Tile) ID() geom.TileID { return t.id }

// Key implements iface.TileHandle.
func (t *Tile) Key() string { return t.id.Key() }

// HTTPStatusCode implements iface.TileHandle: the status code of the tile's
// most recent content response, or 0 if none was ever fetched.
func (t *Tile) HTTPStatusCode() int { return int(t.httpStatus.Load()) }

// State returns the tile's current state, acquired atomically.
func (t *Tile) State() LoadState { return LoadState(t.state.Load()) }

func (t *Tile) setState(s LoadState) { t.state.Store(int32(s)) }

// IsUpsampled reports whether this tile was synthesized from its parent's
// content rather than loaded from the tileset.
func (t *Tile) IsUpsampled() bool { return t.isUpsampled }

// UnconditionallyRefine reports whether the tile's content declared it has no
// model of its own and selection should always descend past it.
func (t *Tile) UnconditionallyRefine() bool { return t.unconditionallyRefine.Load() }

// Parent returns the tile's parent, or nil at the root.
func (t *Tile) Parent() *Tile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.parent
}

// Children returns a snapshot of the tile's children.
func (t *Tile) Children() []*Tile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Tile, len(t.children))
	copy(out, t.children)
	return out
}

func (t *Tile) addChild(child *Tile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	child.parent = t
	t.children = append(t.children, child)
}

// HasChildren reports whether the tile has any children attached.
func (t *Tile) HasChildren() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.children) > 0
}

// Content returns the tile's loaded content result, or nil if none.
func (t *Tile) Content() *content.Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.content
}

// Overlays returns the tile's overlay bindings, creating an empty set on
// first use.
func (t *Tile) Overlays() *overlay.Bindings {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.overlays == nil {
		t.overlays = &overlay.Bindings{}
	}
	return t.overlays
}

// IsRenderable reports whether the tile is Done with a non-empty model,
// i.e. is safe for the selection layer to draw (spec §8 scenario 1/2).
func (t *Tile) IsRenderable() bool {
	if t.State() != Done {
		return false
	}
	c := t.Content()
	return c != nil && len(c.Model) > 0
}
