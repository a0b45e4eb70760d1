package availability

import (
	"testing"

	"github.com/MeKo-Tech/tile3d/internal/geom"
)

func TestComputeAvailabilityEmptyIndex(t *testing.T) {
	idx := New(2, 10)
	id := geom.QuadtreeTileID{Level: 0, X: 0, Y: 0}
	if got := idx.ComputeAvailability(id); got != 0 {
		t.Fatalf("ComputeAvailability on empty index = %v, want 0", got)
	}
}

func TestAddSubtreeRootOnlyOnce(t *testing.T) {
	idx := New(2, 10)
	root := Subtree{
		TileAvailability:    BitBuffer{Constant: true},
		ContentAvailability: BitBuffer{Constant: true},
		SubtreeAvailability: BitBuffer{Constant: false},
	}
	if !idx.AddSubtree(geom.QuadtreeTileID{Level: 0}, root) {
		t.Fatalf("first AddSubtree at the root failed")
	}
	if idx.AddSubtree(geom.QuadtreeTileID{Level: 0}, root) {
		t.Fatalf("second AddSubtree at the root should fail")
	}
}

func TestComputeAvailabilityConstantRootSubtree(t *testing.T) {
	idx := New(2, 10)
	root := Subtree{
		TileAvailability:    BitBuffer{Constant: true},
		ContentAvailability: BitBuffer{Constant: true},
		SubtreeAvailability: BitBuffer{Constant: false},
	}
	idx.AddSubtree(geom.QuadtreeTileID{Level: 0}, root)

	got := idx.ComputeAvailability(geom.QuadtreeTileID{Level: 1, X: 1, Y: 0})
	if !got.Has(FlagTileAvailable) || !got.Has(FlagContentAvailable) {
		t.Fatalf("ComputeAvailability = %v, want tile+content available", got)
	}
	if !got.Has(FlagReachable) {
		t.Fatalf("ComputeAvailability = %v, want reachable", got)
	}
}

func TestComputeAvailabilityUnavailableChildSubtree(t *testing.T) {
	idx := New(2, 10)
	root := Subtree{
		TileAvailability:    BitBuffer{Constant: true},
		ContentAvailability: BitBuffer{Constant: true},
		SubtreeAvailability: BitBuffer{Constant: false},
	}
	idx.AddSubtree(geom.QuadtreeTileID{Level: 0}, root)

	// Level 2 is outside the root subtree's 2 levels, and no child subtree
	// was ever marked available, so the tile is reachable but nothing more
	// is known about it.
	got := idx.ComputeAvailability(geom.QuadtreeTileID{Level: 2, X: 2, Y: 2})
	if got != FlagReachable {
		t.Fatalf("ComputeAvailability = %v, want only FlagReachable", got)
	}
}

func TestAddSubtreeRequiresAvailableParentSlot(t *testing.T) {
	idx := New(1, 10)
	root := Subtree{
		TileAvailability:    BitBuffer{Constant: true},
		ContentAvailability: BitBuffer{Constant: true},
		// No child subtree is marked available.
		SubtreeAvailability: BitBuffer{Constant: false},
	}
	idx.AddSubtree(geom.QuadtreeTileID{Level: 0}, root)

	child := Subtree{
		TileAvailability:    BitBuffer{Constant: true},
		ContentAvailability: BitBuffer{Constant: true},
		SubtreeAvailability: BitBuffer{Constant: false},
	}
	if idx.AddSubtree(geom.QuadtreeTileID{Level: 1, X: 0, Y: 0}, child) {
		t.Fatalf("AddSubtree should fail when the parent marks no child subtree available")
	}
}

func TestAddSubtreeChildWithAvailableSlot(t *testing.T) {
	idx := New(1, 10)
	// Mark only the (0,0) child subtree available via an explicit buffer.
	root := Subtree{
		TileAvailability:    BitBuffer{Constant: true},
		ContentAvailability: BitBuffer{Constant: true},
		SubtreeAvailability: BitBuffer{Buffer: []byte{0x01}},
	}
	idx.AddSubtree(geom.QuadtreeTileID{Level: 0}, root)

	child := Subtree{
		TileAvailability:    BitBuffer{Constant: true},
		ContentAvailability: BitBuffer{Constant: false},
		SubtreeAvailability: BitBuffer{Constant: false},
	}
	if !idx.AddSubtree(geom.QuadtreeTileID{Level: 1, X: 0, Y: 0}, child) {
		t.Fatalf("AddSubtree should succeed for the available (0,0) child subtree slot")
	}

	got := idx.ComputeAvailability(geom.QuadtreeTileID{Level: 1, X: 0, Y: 0})
	if !got.Has(FlagSubtreeAvailable) || !got.Has(FlagSubtreeLoaded) {
		t.Fatalf("ComputeAvailability = %v, want subtree available+loaded at its own root", got)
	}
}

func TestMortonIndexInterleaving(t *testing.T) {
	if got := mortonIndex(0, 0); got != 0 {
		t.Fatalf("mortonIndex(0,0) = %d, want 0", got)
	}
	if got := mortonIndex(1, 0); got != 1 {
		t.Fatalf("mortonIndex(1,0) = %d, want 1", got)
	}
	if got := mortonIndex(0, 1); got != 2 {
		t.Fatalf("mortonIndex(0,1) = %d, want 2", got)
	}
	if got := mortonIndex(1, 1); got != 3 {
		t.Fatalf("mortonIndex(1,1) = %d, want 3", got)
	}
}
