package content

import (
	"context"
	"testing"

	"github.com/MeKo-Tech/tile3d/internal/geom"
	"github.com/MeKo-Tech/tile3d/internal/iface"
)

type fakeAccessor struct {
	resp iface.AssetResponse
	err  error
}

func (a fakeAccessor) Get(ctx context.Context, url string, headers map[string]string) (iface.AssetResponse, error) {
	return a.resp, a.err
}

type fakeRenderer struct {
	prepareErr error
}

func (r fakeRenderer) PrepareInLoadThread(ctx context.Context, modelBytes []byte, transform [16]float64) (any, error) {
	if r.prepareErr != nil {
		return nil, r.prepareErr
	}
	return "opaque-handle", nil
}
func (r fakeRenderer) PrepareInMainThread(tile iface.TileHandle, loadThreadResult any) (any, error) {
	return loadThreadResult, nil
}
func (r fakeRenderer) Free(tile iface.TileHandle, loadThreadResult, mainThreadResult any) {}

func TestLoadContentHappyPath(t *testing.T) {
	accessor := fakeAccessor{resp: iface.AssetResponse{StatusCode: 200, Data: []byte("glb-bytes-here")}}
	p := New(accessor, fakeRenderer{}, nil)

	result := p.LoadContent(context.Background(), Request{URL: "https://example.test/tile.glb"})

	if result.FailureKind != FailureNone {
		t.Fatalf("FailureKind = %v, want FailureNone", result.FailureKind)
	}
	if result.HTTPStatusCode != 200 {
		t.Fatalf("HTTPStatusCode = %d, want 200", result.HTTPStatusCode)
	}
	if result.LoadThreadResource != "opaque-handle" {
		t.Fatalf("LoadThreadResource = %v, want opaque-handle", result.LoadThreadResource)
	}
	if result.ByteSize() <= 0 {
		t.Fatalf("ByteSize() = %d, want > 0", result.ByteSize())
	}
}

func TestLoadContent404IsFailureTemporary(t *testing.T) {
	accessor := fakeAccessor{resp: iface.AssetResponse{StatusCode: 404}}
	p := New(accessor, fakeRenderer{}, nil)

	result := p.LoadContent(context.Background(), Request{URL: "https://example.test/missing.glb"})

	if result.FailureKind != FailureTemporary {
		t.Fatalf("FailureKind = %v, want FailureTemporary", result.FailureKind)
	}
	if result.HTTPStatusCode != 404 {
		t.Fatalf("HTTPStatusCode = %d, want 404", result.HTTPStatusCode)
	}
}

func TestLoadContentStatusZeroTrustsBody(t *testing.T) {
	accessor := fakeAccessor{resp: iface.AssetResponse{StatusCode: 0, Data: []byte("local-file-bytes")}}
	p := New(accessor, fakeRenderer{}, nil)

	result := p.LoadContent(context.Background(), Request{URL: "file:///local.glb"})
	if result.FailureKind != FailureNone {
		t.Fatalf("FailureKind = %v, want FailureNone for status 0", result.FailureKind)
	}
}

func TestLoadContentRendererFailureIsPermanent(t *testing.T) {
	accessor := fakeAccessor{resp: iface.AssetResponse{StatusCode: 200, Data: []byte("glb")}}
	p := New(accessor, fakeRenderer{prepareErr: errBoom{}}, nil)

	result := p.LoadContent(context.Background(), Request{URL: "https://example.test/tile.glb"})
	if result.FailureKind != FailurePermanent {
		t.Fatalf("FailureKind = %v, want FailurePermanent", result.FailureKind)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestUpsampleProducesChildInCorrectQuadrant(t *testing.T) {
	p := New(fakeAccessor{}, fakeRenderer{}, nil)
	parentRegion := geom.FromDegrees(0, 0, 2, 2)

	result := p.Upsample(context.Background(), UpsampleRequest{
		ParentModel:    []byte("0123456789abcdef"),
		ParentQuadrant: geom.QuadtreeTileID{Level: 0, X: 0, Y: 0},
		ChildQuadrant:  geom.QuadtreeTileID{Level: 1, X: 1, Y: 0},
	}, parentRegion, geom.Identity())

	if result.TightenedRegion == nil {
		t.Fatalf("expected a tightened region for the upsampled child")
	}
	se := geom.GlobeRectangle{West: 1 * 3.141592653589793 / 180, South: 0, East: 2 * 3.141592653589793 / 180, North: 1 * 3.141592653589793 / 180}
	if result.TightenedRegion.West != se.West {
		t.Fatalf("child region = %+v, want SE quadrant starting at %+v", result.TightenedRegion, se)
	}
	if len(result.Model) == 0 {
		t.Fatalf("expected a non-empty synthesized model")
	}
}

func TestQuadrantForIdentifiesAllFourChildren(t *testing.T) {
	parent := geom.QuadtreeTileID{Level: 2, X: 3, Y: 5}
	children := parent.Children()
	want := []int{0, 1, 2, 3}
	for i, child := range children {
		if got := quadrantFor(parent, child); got != want[i] {
			t.Fatalf("quadrantFor(child %d) = %d, want %d", i, got, want[i])
		}
	}
}
