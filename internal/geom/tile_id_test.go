package geom

import "testing"

func TestQuadtreeTileIDParentChild(t *testing.T) {
	id := QuadtreeTileID{Level: 3, X: 5, Y: 2}
	children := id.Children()

	for _, child := range children {
		parent, ok := child.Parent()
		if !ok {
			t.Fatalf("child %+v reported no parent", child)
		}
		if parent != id {
			t.Fatalf("child %+v parent = %+v, want %+v", child, parent, id)
		}
	}
}

func TestQuadtreeTileIDRootHasNoParent(t *testing.T) {
	root := QuadtreeTileID{Level: 0, X: 0, Y: 0}
	if _, ok := root.Parent(); ok {
		t.Fatalf("root tile reported a parent")
	}
}

func TestQuadtreeTilingSchemeRectangleCoversRoot(t *testing.T) {
	root := FromDegrees(-180, -90, 180, 90)
	scheme := NewQuadtreeTilingScheme(root, 2, 1)

	full := scheme.Rectangle(QuadtreeTileID{Level: 0, X: 0, Y: 0})
	if full.West != root.West || full.South != root.South {
		t.Fatalf("level-0 tile (0,0) rectangle = %+v, want origin at %+v", full, root)
	}

	second := scheme.Rectangle(QuadtreeTileID{Level: 0, X: 1, Y: 0})
	if second.West != full.East {
		t.Fatalf("adjacent root tiles do not share an edge: %+v vs %+v", full, second)
	}
}

func TestQuadtreeTilingSchemeTileAtRoundTrip(t *testing.T) {
	root := FromDegrees(-180, -90, 180, 90)
	scheme := NewQuadtreeTilingScheme(root, 2, 1)

	id := QuadtreeTileID{Level: 4, X: 10, Y: 3}
	rect := scheme.Rectangle(id)
	lon, lat := rect.Center()

	found := scheme.TileAt(id.Level, lon, lat)
	if found != id {
		t.Fatalf("TileAt(center of %+v) = %+v, want %+v", id, found, id)
	}
}

func TestGlobeRectangleSplit(t *testing.T) {
	r := FromDegrees(0, 0, 2, 2)
	sw, se, nw, ne := r.Split()

	if sw.West != r.West || sw.South != r.South {
		t.Fatalf("sw quadrant = %+v, want origin at %+v", sw, r)
	}
	if se.East != r.East || se.South != r.South {
		t.Fatalf("se quadrant = %+v", se)
	}
	if nw.West != r.West || nw.North != r.North {
		t.Fatalf("nw quadrant = %+v", nw)
	}
	if ne.East != r.East || ne.North != r.North {
		t.Fatalf("ne quadrant = %+v", ne)
	}
}

func TestBoundingSphereTransformScalesRadius(t *testing.T) {
	sphere := BoundingSphere{CenterPoint: Vector3{}, Radius: 2}
	scaled := Matrix4{
		2, 0, 0, 0,
		0, 2, 0, 0,
		0, 0, 2, 0,
		0, 0, 0, 1,
	}

	out := sphere.Transform(scaled).(BoundingSphere)
	if out.Radius != 4 {
		t.Fatalf("scaled radius = %v, want 4", out.Radius)
	}
}
