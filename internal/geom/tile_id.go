package geom

import "fmt"

// TileID identifies a tile's position in whatever subdivision scheme its
// tileset uses. Like BoundingVolume this stands in for a tagged union:
// StringTileID, QuadtreeTileID, OctreeTileID, and UpsampledQuadtreeNode all
// satisfy it.
type TileID interface {
	// Key returns a string uniquely identifying this tile id within its
	// tileset, used as the lookup key for per-tile bookkeeping (LRU, locks,
	// overlay bindings).
	Key() string
}

// StringTileID names a tile by an opaque, externally-defined identifier --
// the case where a tileset.json "content.uri" or similar string is the only
// addressing scheme available.
type StringTileID string

func (id StringTileID) Key() string { return "s:" + string(id) }

// QuadtreeTileID addresses a tile in an implicit quadtree by level and 2D
// grid coordinate, the scheme the availability index is built around.
type QuadtreeTileID struct {
	Level uint32
	X     uint32
	Y     uint32
}

func (id QuadtreeTileID) Key() string {
	return fmt.Sprintf("q:%d/%d/%d", id.Level, id.X, id.Y)
}

// Parent returns the tile id one level up, or ok=false at the root.
func (id QuadtreeTileID) Parent() (parent QuadtreeTileID, ok bool) {
	if id.Level == 0 {
		return QuadtreeTileID{}, false
	}
	return QuadtreeTileID{Level: id.Level - 1, X: id.X >> 1, Y: id.Y >> 1}, true
}

// Children returns the four child tile ids in SW, SE, NW, NE order.
func (id QuadtreeTileID) Children() [4]QuadtreeTileID {
	level := id.Level + 1
	x, y := id.X*2, id.Y*2
	return [4]QuadtreeTileID{
		{Level: level, X: x, Y: y},
		{Level: level, X: x + 1, Y: y},
		{Level: level, X: x, Y: y + 1},
		{Level: level, X: x + 1, Y: y + 1},
	}
}

// OctreeTileID addresses a tile in an implicit octree by level and 3D grid
// coordinate.
type OctreeTileID struct {
	Level uint32
	X     uint32
	Y     uint32
	Z     uint32
}

func (id OctreeTileID) Key() string {
	return fmt.Sprintf("o:%d/%d/%d/%d", id.Level, id.X, id.Y, id.Z)
}

// UpsampledQuadtreeNode identifies a tile synthesized by subdividing a
// parent's own content rather than loaded from the tileset, per the
// "upsampling" path of the content pipeline.
type UpsampledQuadtreeNode struct {
	TileID QuadtreeTileID
}

func (id UpsampledQuadtreeNode) Key() string {
	return "u:" + id.TileID.Key()
}

// QuadtreeTilingScheme maps between a root GlobeRectangle and the grid
// coordinates of a QuadtreeTileID, generalizing the teacher's Web-Mercator
// only tile/coords.go into an arbitrary projection root rectangle.
type QuadtreeTilingScheme struct {
	Root       GlobeRectangle
	RootTilesX uint32
	RootTilesY uint32
}

// NewQuadtreeTilingScheme builds a tiling scheme whose level-0 grid is
// rootTilesX by rootTilesY tiles covering root.
func NewQuadtreeTilingScheme(root GlobeRectangle, rootTilesX, rootTilesY uint32) QuadtreeTilingScheme {
	return QuadtreeTilingScheme{Root: root, RootTilesX: rootTilesX, RootTilesY: rootTilesY}
}

// Rectangle returns the geographic rectangle covered by id.
func (s QuadtreeTilingScheme) Rectangle(id QuadtreeTileID) GlobeRectangle {
	tilesX := float64(s.RootTilesX) * float64(uint32(1)<<id.Level)
	tilesY := float64(s.RootTilesY) * float64(uint32(1)<<id.Level)

	lonSpan := (s.Root.East - s.Root.West) / tilesX
	latSpan := (s.Root.North - s.Root.South) / tilesY

	west := s.Root.West + float64(id.X)*lonSpan
	south := s.Root.South + float64(id.Y)*latSpan

	return GlobeRectangle{
		West:  west,
		South: south,
		East:  west + lonSpan,
		North: south + latSpan,
	}
}

// TileAt returns the tile id at the given level containing the given point.
func (s QuadtreeTilingScheme) TileAt(level uint32, lon, lat float64) QuadtreeTileID {
	tilesX := float64(s.RootTilesX) * float64(uint32(1)<<level)
	tilesY := float64(s.RootTilesY) * float64(uint32(1)<<level)

	lonSpan := (s.Root.East - s.Root.West) / tilesX
	latSpan := (s.Root.North - s.Root.South) / tilesY

	x := uint32((lon - s.Root.West) / lonSpan)
	y := uint32((lat - s.Root.South) / latSpan)

	return QuadtreeTileID{Level: level, X: x, Y: y}
}
