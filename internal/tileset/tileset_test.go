package tileset

import (
	"context"
	"testing"

	"github.com/MeKo-Tech/tile3d/internal/availability"
	"github.com/MeKo-Tech/tile3d/internal/geom"
	"github.com/MeKo-Tech/tile3d/internal/iface"
	"github.com/MeKo-Tech/tile3d/internal/overlay"
)

type scriptedAccessor struct {
	statusCode int
	data       []byte
	err        error
}

func (a scriptedAccessor) Get(ctx context.Context, url string, headers map[string]string) (iface.AssetResponse, error) {
	if a.err != nil {
		return iface.AssetResponse{}, a.err
	}
	return iface.AssetResponse{StatusCode: a.statusCode, Data: a.data}, nil
}

func rootBoundingVolume() geom.BoundingVolume {
	return geom.BoundingRegion{Rectangle: geom.FromDegrees(-10, -10, 10, 10)}
}

func TestHappyPathReachesDoneAndIsRenderable(t *testing.T) {
	root := NewTile(geom.StringTileID("root"), rootBoundingVolume(), 10, Replace, geom.Identity())
	root.URL = "https://example.test/root.glb"

	ts := New(root, Config{
		Accessor:    scriptedAccessor{statusCode: 200, data: []byte("glb-bytes")},
		WorkerCount: 1,
	})

	if err := ts.LoadContent(context.Background(), root); err != nil {
		t.Fatalf("LoadContent: %v", err)
	}
	ts.WaitForWorkers()
	ts.Update(0, 1)

	if root.State() != Done {
		t.Fatalf("state after Update = %v, want Done", root.State())
	}
	if !root.IsRenderable() {
		t.Fatalf("expected root to be renderable once Done with a model")
	}
	if ts.ComputeByteSize(root) <= 0 {
		t.Fatalf("ComputeByteSize() = %d, want > 0", ts.ComputeByteSize(root))
	}
}

func TestHTTP404LeadsToFailedViaGiveUpCallback(t *testing.T) {
	root := NewTile(geom.StringTileID("root"), rootBoundingVolume(), 10, Replace, geom.Identity())
	root.URL = "https://example.test/missing.glb"

	ts := New(root, Config{
		Accessor:       scriptedAccessor{statusCode: 404},
		WorkerCount:    1,
		FailedCallback: func(tile iface.TileHandle) iface.RetryDecision { return iface.GiveUp },
	})

	if err := ts.LoadContent(context.Background(), root); err != nil {
		t.Fatalf("LoadContent: %v", err)
	}
	ts.WaitForWorkers()
	ts.Update(0, 1)

	// mainQueue.Drain() lands the tile in FailedTemporarily, and the same
	// Update call's tree walk immediately invokes the failed-tile callback
	// on it, so a single call carries it all the way to Failed.
	if root.State() != Failed {
		t.Fatalf("state after Update = %v, want Failed", root.State())
	}
	if root.HTTPStatusCode() != 404 {
		t.Fatalf("HTTPStatusCode = %d, want 404", root.HTTPStatusCode())
	}
	if root.IsRenderable() {
		t.Fatalf("expected a Failed tile to be non-renderable")
	}
}

func TestUpsampledChildBlocksParentUnloadWhileLoading(t *testing.T) {
	parent := NewTile(geom.QuadtreeTileID{Level: 0, X: 0, Y: 0}, rootBoundingVolume(), 10, Replace, geom.Identity())
	parent.URL = "https://example.test/root.glb"

	ts := New(parent, Config{
		Accessor:    scriptedAccessor{statusCode: 200, data: []byte("0123456789abcdef")},
		WorkerCount: 1,
	})

	if err := ts.LoadContent(context.Background(), parent); err != nil {
		t.Fatalf("LoadContent(parent): %v", err)
	}
	ts.WaitForWorkers()
	ts.Update(0, 1)
	if parent.State() != Done {
		t.Fatalf("parent state = %v, want Done", parent.State())
	}

	childID := geom.UpsampledQuadtreeNode{TileID: geom.QuadtreeTileID{Level: 1, X: 1, Y: 0}}
	child := NewTile(childID, rootBoundingVolume(), 0, Replace, geom.Identity())
	child.isUpsampled = true
	parent.addChild(child)

	if err := ts.LoadContent(context.Background(), child); err != nil {
		t.Fatalf("LoadContent(child): %v", err)
	}

	// The child is still ContentLoading until WaitForWorkers/Update runs, so
	// the parent must refuse to unload.
	if ts.UnloadContent(parent) {
		t.Fatalf("expected UnloadContent(parent) to refuse while child is upsampling")
	}

	ts.WaitForWorkers()
	ts.Update(2, 3)
	if child.State() != Done {
		t.Fatalf("child state = %v, want Done", child.State())
	}

	if !ts.UnloadContent(parent) {
		t.Fatalf("expected UnloadContent(parent) to succeed once child is no longer ContentLoading")
	}
}

func TestImplicitExpansionCreatesFourChildrenMixingLoadedAndUpsampled(t *testing.T) {
	idx := availability.New(1, 4)
	idx.AddSubtree(geom.QuadtreeTileID{Level: 0, X: 0, Y: 0}, availability.Subtree{
		TileAvailability: availability.BitBuffer{Buffer: []byte{0b00000101}}, // bits 0 and 2 set
	})

	parent := NewTile(geom.QuadtreeTileID{Level: 0, X: 0, Y: 0}, rootBoundingVolume(), 10, Replace, geom.Identity())
	parent.URL = "https://example.test/root.glb"

	ts := New(parent, Config{
		Accessor:     scriptedAccessor{statusCode: 200, data: []byte("glb-bytes")},
		WorkerCount:  1,
		Availability: idx,
	})

	if err := ts.LoadContent(context.Background(), parent); err != nil {
		t.Fatalf("LoadContent: %v", err)
	}
	ts.WaitForWorkers()
	ts.Update(0, 1)

	children := parent.Children()
	if len(children) != 4 {
		t.Fatalf("len(children) = %d, want 4", len(children))
	}
	// SW (index 0) and NW (index 2) are marked available in the subtree
	// bitstream above; SE (index 1) and NE (index 3) are not.
	if children[0].IsUpsampled() {
		t.Fatalf("child 0 (SW, available) should not be upsampled")
	}
	if !children[1].IsUpsampled() {
		t.Fatalf("child 1 (SE, unavailable) should be upsampled")
	}
	if children[2].IsUpsampled() {
		t.Fatalf("child 2 (NW, available) should not be upsampled")
	}
	if !children[3].IsUpsampled() {
		t.Fatalf("child 3 (NE, unavailable) should be upsampled")
	}
}

// fakeOverlayProvider starts not-ready (so MapTile attaches a placeholder
// binding) and becomes ready once the test flips its field, mirroring the
// promotion path overlay_test.go exercises at the Bindings level directly.
type fakeOverlayProvider struct {
	ready bool
}

func (p *fakeOverlayProvider) Name() string { return "osm" }
func (p *fakeOverlayProvider) Ready() bool  { return p.ready }
func (p *fakeOverlayProvider) MapRegion(region geom.GlobeRectangle, targetGeometricError float64) ([]overlay.RasterTileHandle, bool, bool) {
	if !p.ready {
		return nil, false, false
	}
	return []overlay.RasterTileHandle{{Key: "osm/0/0/0"}}, false, true
}
func (p *fakeOverlayProvider) LoadThrottled(h *overlay.RasterTileHandle) bool {
	h.Data = []byte{1}
	return true
}

func TestOverlayForcedReloadReturnsTileToUnloaded(t *testing.T) {
	root := NewTile(geom.QuadtreeTileID{Level: 0, X: 0, Y: 0}, rootBoundingVolume(), 10, Replace, geom.Identity())
	root.URL = "https://example.test/root.glb"

	provider := &fakeOverlayProvider{ready: false}
	ts := New(root, Config{
		Accessor:    scriptedAccessor{statusCode: 200, data: []byte("glb-bytes")},
		WorkerCount: 1,
		Overlays:    []overlay.Provider{provider},
	})

	if err := ts.LoadContent(context.Background(), root); err != nil {
		t.Fatalf("LoadContent: %v", err)
	}
	ts.WaitForWorkers()
	ts.Update(0, 1)

	// A single Update call drains the load result to ContentLoaded, merges it
	// to Done, and (since the tile is already Done with a model by the time
	// the post-switch overlay check runs) attaches the not-yet-ready overlay
	// placeholder, all within this one call.
	if root.State() != Done {
		t.Fatalf("state after Update = %v, want Done", root.State())
	}

	// Provider becomes ready; the model never requested a "osm" UV, so
	// promoting the placeholder must force the tile back to Unloaded.
	provider.ready = true
	ts.Update(1, 2)
	if root.State() != Unloaded {
		t.Fatalf("state after promotion pass = %v, want Unloaded (forced reload)", root.State())
	}
}
