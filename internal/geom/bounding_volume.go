package geom

import "math"

// BoundingVolume is the tagged-union bounding volume carried by every tile:
// an oriented box, a geodetic region, a sphere, a region with loose-fitting
// heights, or an S2 cell. Go has no sum type, so dispatch goes through this
// interface instead of the visitor pattern a tagged union would need.
type BoundingVolume interface {
	// Transform returns the bounding volume obtained by applying m to this
	// one. Geographic regions and S2 cells are not transformed: they return
	// themselves unchanged.
	Transform(m Matrix4) BoundingVolume

	// Center returns the volume's center in the coordinate system it was
	// expressed in.
	Center() Vector3

	// EstimateGlobeRectangle returns a geographic rectangle that contains the
	// volume, used by the overlay mapping to intersect against raster tiling
	// schemes.
	EstimateGlobeRectangle() GlobeRectangle
}

// OrientedBoundingBox is a box with an arbitrary orientation, described by a
// center and three half-axis vectors (the columns of a 3x3 scale-rotation).
type OrientedBoundingBox struct {
	CenterPoint Vector3
	HalfAxes    [3]Vector3
}

func (b OrientedBoundingBox) Center() Vector3 { return b.CenterPoint }

func (b OrientedBoundingBox) Transform(m Matrix4) BoundingVolume {
	center := m.TransformPoint(b.CenterPoint)
	var axes [3]Vector3
	for i, axis := range b.HalfAxes {
		tip := m.TransformPoint(b.CenterPoint.Add(axis))
		axes[i] = Vector3{tip.X - center.X, tip.Y - center.Y, tip.Z - center.Z}
	}
	return OrientedBoundingBox{CenterPoint: center, HalfAxes: axes}
}

func (b OrientedBoundingBox) EstimateGlobeRectangle() GlobeRectangle {
	var maxExtent float64
	for _, axis := range b.HalfAxes {
		maxExtent = math.Max(maxExtent, vectorLength(axis))
	}
	return pointRadiusRectangle(b.CenterPoint, maxExtent)
}

// BoundingRegion is a geographic rectangle extruded between a minimum and
// maximum height, the most common bounding volume for terrain-like content.
type BoundingRegion struct {
	Rectangle     GlobeRectangle
	MinimumHeight float64
	MaximumHeight float64
}

func (r BoundingRegion) Center() Vector3 {
	lon, lat := r.Rectangle.Center()
	return Vector3{X: lon, Y: lat, Z: (r.MinimumHeight + r.MaximumHeight) / 2}
}

// Transform returns r unchanged: a geographic region is expressed directly
// in the fixed globe frame and is not re-expressed by a tile transform.
func (r BoundingRegion) Transform(m Matrix4) BoundingVolume {
	return r
}

func (r BoundingRegion) EstimateGlobeRectangle() GlobeRectangle { return r.Rectangle }

// BoundingRegionWithLooseFittingHeights wraps a BoundingRegion whose height
// bounds are only a conservative estimate (e.g. raised from an upsampled
// parent); content loading tightens such a region once the model is known.
type BoundingRegionWithLooseFittingHeights struct {
	BoundingRegion
}

func (r BoundingRegionWithLooseFittingHeights) Transform(m Matrix4) BoundingVolume {
	return BoundingRegionWithLooseFittingHeights{r.BoundingRegion.Transform(m).(BoundingRegion)}
}

// BoundingSphere is a sphere described by a center and radius.
type BoundingSphere struct {
	CenterPoint Vector3
	Radius      float64
}

func (s BoundingSphere) Center() Vector3 { return s.CenterPoint }

func (s BoundingSphere) Transform(m Matrix4) BoundingVolume {
	center := m.TransformPoint(s.CenterPoint)
	scale := math.Cbrt(math.Abs(m[0]*(m[5]*m[10]-m[6]*m[9]) -
		m[1]*(m[4]*m[10]-m[6]*m[8]) +
		m[2]*(m[4]*m[9]-m[5]*m[8])))
	return BoundingSphere{CenterPoint: center, Radius: s.Radius * scale}
}

func (s BoundingSphere) EstimateGlobeRectangle() GlobeRectangle {
	return pointRadiusRectangle(s.CenterPoint, s.Radius)
}

// S2CellBoundingVolume approximates an S2 cell as a center and a face-level
// bound. Precise S2 cell geometry is out of scope (non-goal, spec §1); this
// carries enough information for subdivision and overlay intersection.
type S2CellBoundingVolume struct {
	CellID            uint64
	MinimumHeight     float64
	MaximumHeight     float64
	ApproximateCenter Vector3
	ApproximateRadius float64
}

func (s S2CellBoundingVolume) Center() Vector3 { return s.ApproximateCenter }

// Transform returns s unchanged: an S2 cell is defined directly on the
// globe and is not re-expressed by a tile transform.
func (s S2CellBoundingVolume) Transform(m Matrix4) BoundingVolume {
	return s
}

func (s S2CellBoundingVolume) EstimateGlobeRectangle() GlobeRectangle {
	return pointRadiusRectangle(s.ApproximateCenter, s.ApproximateRadius)
}

func vectorLength(v Vector3) float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// pointRadiusRectangle treats Vector3.X/Y as lon/lat radians, the convention
// every BoundingVolume in this package uses when its center sits on or near
// the globe surface, and pads by a radius expressed in the same units.
func pointRadiusRectangle(center Vector3, radius float64) GlobeRectangle {
	return GlobeRectangle{
		West:  center.X - radius,
		South: center.Y - radius,
		East:  center.X + radius,
		North: center.Y + radius,
	}
}
