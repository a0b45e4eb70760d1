package tileset

import "errors"

// LoadState is a tile's position in the state graph of spec §4.5:
// Unloaded -> ContentLoading -> ContentLoaded -> Done, with FailedTemporarily
// and Failed as the two failure states. It is read and written only through
// Tile's atomic accessors so the main thread can observe a worker's progress
// without a lock.
type LoadState int32

const (
	Unloaded LoadState = iota
	ContentLoading
	ContentLoaded
	Done
	FailedTemporarily
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Unloaded:
		return "Unloaded"
	case ContentLoading:
		return "ContentLoading"
	case ContentLoaded:
		return "ContentLoaded"
	case Done:
		return "Done"
	case FailedTemporarily:
		return "FailedTemporarily"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Refine is a tile's refinement strategy: Add means children augment the
// parent's own content; Replace means children supersede it once loaded.
type Refine int

const (
	Add Refine = iota
	Replace
)

func (r Refine) String() string {
	if r == Replace {
		return "Replace"
	}
	return "Add"
}

// ErrBoundingVolumeContractViolation is returned by getEffectiveBoundingVolume
// when content has supplied an updated content bounding volume for a tile
// that was never given a tile bounding volume of its own -- the developer-
// contract violation spec §7/§9 calls out explicitly rather than letting it
// pass silently.
var ErrBoundingVolumeContractViolation = errors.New("tileset: content bounding volume updated without a tile bounding volume")

// ErrAlreadyLoading is returned by LoadContent when the tile is not in
// Unloaded or FailedTemporarily.
var ErrAlreadyLoading = errors.New("tileset: tile is not eligible to start loading")
