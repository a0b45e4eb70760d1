// Package availability implements the quadtree availability index: a tree
// of fixed-depth subtrees, each carrying tile/content/child-subtree
// availability bitstreams, queried by tile id without requiring every
// subtree along the path to be loaded.
package availability

import (
	"math/bits"

	"github.com/MeKo-Tech/tile3d/internal/geom"
)

// Flags reports what computeAvailability learned about a tile id. Several
// bits may be set at once.
type Flags uint8

const (
	// FlagReachable is set whenever the query reached a loaded subtree
	// covering the requested tile id, even if the tile itself turns out to
	// be unavailable.
	FlagReachable Flags = 1 << iota
	// FlagTileAvailable means the tile itself exists in the tileset.
	FlagTileAvailable
	// FlagContentAvailable means the tile has content (as opposed to being
	// a structural placeholder).
	FlagContentAvailable
	// FlagSubtreeAvailable means the subtree rooted at this tile id exists.
	FlagSubtreeAvailable
	// FlagSubtreeLoaded means the subtree rooted at this tile id has already
	// been loaded into the tree.
	FlagSubtreeLoaded
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// BitBuffer is a bitstream backing one of a subtree's three availability
// fields: either a constant (every tile has/lacks the property) or an
// explicit per-tile bit buffer.
type BitBuffer struct {
	// Constant is used when Buffer is nil: every tile in the subtree is
	// considered available (true) or unavailable (false).
	Constant bool
	// Buffer holds one bit per tile, index order matching the subtree's
	// Morton order. Nil means Constant applies uniformly.
	Buffer []byte
}

// bit returns the boolean value of bit index i, honoring Constant when
// Buffer is nil.
func (b BitBuffer) bit(i uint32) bool {
	if b.Buffer == nil {
		return b.Constant
	}
	byteIndex := i >> 3
	if int(byteIndex) >= len(b.Buffer) {
		return false
	}
	bitIndex := uint8(i & 7)
	return b.Buffer[byteIndex]&(1<<bitIndex) != 0
}

// countOnesBefore returns the number of set bits at indices < i, used to
// compute the storage slot of the i'th available child subtree when the
// buffer form is in use.
func (b BitBuffer) countOnesBefore(i uint32) uint32 {
	if b.Buffer == nil {
		if b.Constant {
			return i
		}
		return 0
	}
	byteIndex := i >> 3
	var count uint32
	for j := uint32(0); j < byteIndex && int(j) < len(b.Buffer); j++ {
		count += uint32(bits.OnesCount8(b.Buffer[j]))
	}
	if int(byteIndex) < len(b.Buffer) {
		remaining := uint8(i & 7)
		mask := uint8(0xFF) >> (8 - remaining)
		count += uint32(bits.OnesCount8(b.Buffer[byteIndex] & mask))
	}
	return count
}

// Subtree holds the tile, content, and child-subtree availability
// bitstreams for one fixed-depth block of the quadtree, per spec §3's
// AvailabilitySubtree.
type Subtree struct {
	TileAvailability    BitBuffer
	ContentAvailability BitBuffer
	SubtreeAvailability BitBuffer
}

// node is one loaded subtree plus its (possibly not-yet-loaded) children.
type node struct {
	subtree  Subtree
	children []*node
}

// Index is a quadtree availability index: a root subtree plus however many
// descendant subtrees have been loaded via AddSubtree.
type Index struct {
	subtreeLevels       uint32
	maximumLevel        uint32
	maxChildrenSubtrees uint32
	root                *node
}

// New creates an empty availability index. subtreeLevels is the fixed depth
// of every subtree block (spec §4.2); maximumLevel bounds how deep queries
// are answered.
func New(subtreeLevels, maximumLevel uint32) *Index {
	return &Index{
		subtreeLevels:       subtreeLevels,
		maximumLevel:        maximumLevel,
		maxChildrenSubtrees: uint32(1) << (subtreeLevels << 1),
	}
}

// mortonIndex interleaves the low bits of x and y, x in the even bit
// positions and y in the odd ones, matching
// CesiumGeometry::QuadtreeAvailability::getMortonIndex.
func mortonIndex(x, y uint32) uint32 {
	return uint32(spreadBits(uint16(x)))<<0 | uint32(spreadBits(uint16(y)))<<1
}

// spreadBits spreads the 16 bits of v so each occupies every other bit
// position of the returned 32-bit value (bits 0,2,4,... carry v's bits).
func spreadBits(v uint16) uint32 {
	x := uint32(v)
	x = (x | (x << 8)) & 0x00FF00FF
	x = (x | (x << 4)) & 0x0F0F0F0F
	x = (x | (x << 2)) & 0x33333333
	x = (x | (x << 1)) & 0x55555555
	return x
}

// subtreeOffset returns (4^levels - 1) / 3, the number of availability bits
// consumed by all levels above levels within one subtree.
func subtreeOffset(levels uint32) uint32 {
	return ((uint32(1) << (levels << 1)) - 1) / 3
}

// ComputeAvailability reports what is known about id without requiring
// every subtree on the path from the root to be loaded.
func (idx *Index) ComputeAvailability(id geom.QuadtreeTileID) Flags {
	if idx.root == nil || id.Level > idx.maximumLevel {
		return 0
	}

	var relativeMask uint32 = 0xFFFFFFFF
	level := uint32(0)
	n := idx.root

	for n != nil && id.Level >= level {
		levelDifference := id.Level - level
		if levelDifference > idx.subtreeLevels {
			levelDifference = idx.subtreeLevels
		}
		nextLevel := level + levelDifference
		levelsLeftAfterNext := id.Level - nextLevel

		if levelDifference < idx.subtreeLevels {
			availability := FlagReachable

			relativeMorton := mortonIndex(id.X&relativeMask, id.Y&relativeMask)
			offset := subtreeOffset(levelDifference)
			availabilityIndex := relativeMorton + offset

			if n.subtree.TileAvailability.bit(availabilityIndex) {
				availability |= FlagTileAvailable
			}
			if n.subtree.ContentAvailability.bit(availabilityIndex) {
				availability |= FlagContentAvailable
			}
			if levelDifference == 0 {
				// This tile is itself the root of n's subtree, which is by
				// definition available and already loaded.
				availability |= FlagSubtreeAvailable
				availability |= FlagSubtreeLoaded
			}

			return availability
		}

		childMorton := mortonIndex(
			(id.X&relativeMask)>>levelsLeftAfterNext,
			(id.Y&relativeMask)>>levelsLeftAfterNext,
		)

		if !n.subtree.SubtreeAvailability.bit(childMorton) {
			return FlagReachable
		}

		childIndex := n.subtree.SubtreeAvailability.countOnesBefore(childMorton)
		var child *node
		if int(childIndex) < len(n.children) {
			child = n.children[childIndex]
		}

		n = child
		level = nextLevel
		relativeMask = ^(uint32(0xFFFFFFFF) << levelsLeftAfterNext)
	}

	// The loop only exits with n == nil when a subtree we know is available
	// has not yet been loaded.
	if id.Level == level {
		return FlagTileAvailable | FlagSubtreeAvailable
	}
	return 0
}

// AddSubtree attaches a loaded subtree at id. id.Level 0 sets the root
// (fails if already set); any other level must land exactly on a subtree
// boundary below an already-available, not-yet-occupied slot of an
// existing ancestor subtree.
func (idx *Index) AddSubtree(id geom.QuadtreeTileID, subtree Subtree) bool {
	if id.Level == 0 {
		if idx.root != nil {
			return false
		}
		idx.root = &node{subtree: subtree, children: make([]*node, idx.maxChildrenSubtrees)}
		return true
	}

	if idx.root == nil {
		return false
	}

	var relativeMask uint32 = 0xFFFFFFFF
	n := idx.root
	level := uint32(0)

	for n != nil && id.Level > level {
		nextLevel := level + idx.subtreeLevels
		if id.Level < nextLevel {
			return false
		}

		levelsLeftAfterChildren := id.Level - nextLevel
		childMorton := mortonIndex(
			(id.X&relativeMask)>>levelsLeftAfterChildren,
			(id.Y&relativeMask)>>levelsLeftAfterChildren,
		)

		if !n.subtree.SubtreeAvailability.bit(childMorton) {
			return false
		}
		childIndex := n.subtree.SubtreeAvailability.countOnesBefore(childMorton)
		if int(childIndex) >= len(n.children) {
			return false
		}

		if id.Level == nextLevel {
			if n.children[childIndex] != nil {
				return false
			}
			n.children[childIndex] = &node{subtree: subtree, children: make([]*node, idx.maxChildrenSubtrees)}
			return true
		}

		n = n.children[childIndex]
		level = nextLevel
		relativeMask = ^(uint32(0xFFFFFFFF) << levelsLeftAfterChildren)
	}

	return false
}
