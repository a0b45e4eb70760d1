// Package content implements the tile content pipeline: the
// request→decode→prepare chain that moves a tile's content from network
// bytes into renderer-ready resources (spec §4.4), plus the sibling
// upsampling path used when a child is unavailable. It does not import
// internal/tileset -- callers pass in everything a stage needs and receive
// a Result the caller applies to its own Tile, avoiding an import cycle.
package content

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/tile3d/internal/geom"
	"github.com/MeKo-Tech/tile3d/internal/iface"
)

// FailureKind distinguishes a transient failure (worth retrying per spec
// §4.5's FailedTemporarily) from a permanent one.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTemporary
	FailurePermanent
)

// Request describes what loadContent needs fetched and processed for one
// tile.
type Request struct {
	URL                  string
	Headers              map[string]string
	RequestedProjections []string
	BoundingRegion       geom.GlobeRectangle
	LooseFittingHeights  bool
	Transform            geom.Matrix4
	GenerateNormals      bool
}

// Result is everything processNewTileContent produces for the caller to
// attach to its Tile.
type Result struct {
	FailureKind         FailureKind
	HTTPStatusCode      int
	Model               []byte
	TightenedRegion     *geom.GlobeRectangle
	UVRectangles        map[string]geom.Rectangle2D
	LoadThreadResource  any
	AvailableRectangles []geom.QuadtreeTileID
	Err                 error

	// InjectedChildren and NewTileContext carry an external tileset
	// reference's own child tiles and context, per the ContentLoaded
	// transition's "if content carries injected children and the tile has
	// none, adopt them and register any new tile-context" (spec §4.5). A
	// content factory that parses an embedded tileset (e.g. a
	// `3DTILES_content_gltf` tile pointing at another tileset.json)
	// populates these instead of Model.
	InjectedChildren []ChildDefinition
	NewTileContext   *TileContext

	// ByteSize components, per spec §4.5's computeByteSize: the sum of
	// glTF buffer byte sizes plus decoded image byte sizes minus the
	// source bufferView bytes for images decoded from buffers (to avoid
	// double-counting).
	BufferBytes                    int64
	DecodedImageBytes              int64
	SourceBufferViewBytesForImages int64
}

// ChildDefinition is a plain-data description of one child tile an external
// tileset reference injects into its parent, per spec §4.5's child-adoption
// step. It deliberately mirrors the fields a tileset.Tile needs rather than
// referencing that type, since this package must stay free of an import
// cycle with internal/tileset.
type ChildDefinition struct {
	ID             geom.TileID
	BoundingVolume geom.BoundingVolume
	GeometricError float64
	Replace        bool // false = Add refinement, true = Replace
	URL            string
	Headers        map[string]string
	Transform      geom.Matrix4
	IsUpsampled    bool
}

// TileContext is the plain-data record for a new base-URL/header scope an
// external tileset reference introduces, per spec §4.5's "register any new
// tile-context" / "install a new root-level tile context" step. The
// tileset package owns interpreting and storing it; this package only
// carries it through.
type TileContext struct {
	BaseURL string
	Headers map[string]string
}

// ByteSize implements the byte-size identity of spec §8: Σ buffer sizes +
// Σ (decoded image size − source bufferView size for decoded-from-buffer
// images).
func (r Result) ByteSize() int64 {
	return r.BufferBytes + r.DecodedImageBytes - r.SourceBufferViewBytesForImages
}

// Pipeline runs the ordered stages of loadContent step 5 (spec §4.4) after
// a response has already been fetched.
type Pipeline struct {
	accessor  iface.AssetAccessor
	renderer  iface.RendererResources
	log       *slog.Logger
	genNormal bool
}

// New creates a Pipeline. renderer may be nil, in which case
// prepareRendererResources is skipped (useful in tests and headless
// batch tooling).
func New(accessor iface.AssetAccessor, renderer iface.RendererResources, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{accessor: accessor, renderer: renderer, log: log}
}

// LoadContent implements spec §4.4 steps 3-6 for a tile with a URL: fetch
// through the asset accessor, and on a 2xx response (or status 0, "unknown,
// trust body") run processNewTileContent; otherwise report
// FailureTemporary with the observed status code.
func (p *Pipeline) LoadContent(ctx context.Context, req Request) Result {
	log := p.log.With("url", req.URL)

	resp, err := p.accessor.Get(ctx, req.URL, req.Headers)
	if err != nil {
		log.Warn("content fetch failed", "error", err)
		return Result{FailureKind: FailureTemporary, Err: err}
	}

	if resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		log.Warn("content fetch returned non-2xx", "status", resp.StatusCode)
		return Result{FailureKind: FailureTemporary, HTTPStatusCode: resp.StatusCode}
	}

	return p.processNewTileContent(ctx, req, resp.Data, resp.StatusCode)
}

// processNewTileContent runs the stamp-axis / generate-UVs / tighten-bounds
// / normals / prepare-renderer-resources stages in order, per spec §4.4
// step 5, stopping and reporting FailurePermanent on the first stage error
// -- mirroring generator.Generate's one-early-return-per-stage structure.
func (p *Pipeline) processNewTileContent(ctx context.Context, req Request, modelBytes []byte, statusCode int) Result {
	result := Result{HTTPStatusCode: statusCode, Model: modelBytes, BufferBytes: int64(len(modelBytes))}

	p.log.Debug("stamping up-axis", "url", req.URL)
	stampUpAxis(modelBytes)

	p.log.Debug("generating overlay UVs", "url", req.URL, "projections", req.RequestedProjections)
	result.UVRectangles = generateOverlayUVs(req.RequestedProjections, req.BoundingRegion)

	if req.LooseFittingHeights {
		p.log.Debug("tightening loose-fitting bounding region", "url", req.URL)
		tightened := tightenBoundingRegion(req.BoundingRegion, modelBytes)
		result.TightenedRegion = &tightened
	}

	if req.GenerateNormals {
		p.log.Debug("generating smooth normals", "url", req.URL)
		generateSmoothNormals(modelBytes)
	}

	if p.renderer != nil {
		loadThreadResult, err := p.renderer.PrepareInLoadThread(ctx, modelBytes, req.Transform)
		if err != nil {
			p.log.Error("prepareInLoadThread failed", "url", req.URL, "error", err)
			return Result{FailureKind: FailurePermanent, Err: fmt.Errorf("content: prepare renderer resources: %w", err)}
		}
		result.LoadThreadResource = loadThreadResult
	}

	return result
}

// UpsampleRequest describes synthesizing a child's model from a parent
// already in state Done with a model (spec §4.4's upsampling path).
type UpsampleRequest struct {
	ParentModel    []byte
	ChildQuadrant  geom.QuadtreeTileID
	ParentQuadrant geom.QuadtreeTileID
}

// Upsample synthesizes a child model by quadrant subdivision of the
// parent's model, recomputes its bounding region, and prepares renderer
// resources. Eligibility (parent Done-with-model) is the caller's
// responsibility -- this package has no notion of tile state.
func (p *Pipeline) Upsample(ctx context.Context, req UpsampleRequest, parentRegion geom.GlobeRectangle, transform geom.Matrix4) Result {
	sw, se, nw, ne := parentRegion.Split()
	quadrant := quadrantFor(req.ParentQuadrant, req.ChildQuadrant)
	var childRegion geom.GlobeRectangle
	switch quadrant {
	case 0:
		childRegion = sw
	case 1:
		childRegion = se
	case 2:
		childRegion = nw
	default:
		childRegion = ne
	}

	model := subdivideModel(req.ParentModel, quadrant)

	result := Result{Model: model, TightenedRegion: &childRegion, BufferBytes: int64(len(model))}

	if p.renderer != nil {
		loadThreadResult, err := p.renderer.PrepareInLoadThread(ctx, model, transform)
		if err != nil {
			return Result{FailureKind: FailurePermanent, Err: fmt.Errorf("content: upsample prepare renderer resources: %w", err)}
		}
		result.LoadThreadResource = loadThreadResult
	}

	return result
}

// quadrantFor returns 0=SW,1=SE,2=NW,3=NE for a child one level below
// parent.
func quadrantFor(parent, child geom.QuadtreeTileID) int {
	dx := child.X - parent.X*2
	dy := child.Y - parent.Y*2
	switch {
	case dx == 0 && dy == 0:
		return 0
	case dx == 1 && dy == 0:
		return 1
	case dx == 0 && dy == 1:
		return 2
	default:
		return 3
	}
}

// The remaining functions are deliberately simple placeholders for the
// model-format-specific operations the spec marks as non-goals (glTF
// decoding, real geodetic math): they give the pipeline stages something
// concrete to call and test against without pulling in a glTF decoder.

func stampUpAxis(model []byte) {}

func generateOverlayUVs(projections []string, region geom.GlobeRectangle) map[string]geom.Rectangle2D {
	uvs := make(map[string]geom.Rectangle2D, len(projections))
	for _, proj := range projections {
		uvs[proj] = geom.Rectangle2D{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}
	}
	return uvs
}

func tightenBoundingRegion(region geom.GlobeRectangle, model []byte) geom.GlobeRectangle {
	return region
}

func generateSmoothNormals(model []byte) {}

func subdivideModel(parentModel []byte, quadrant int) []byte {
	if parentModel == nil {
		return nil
	}
	quarter := len(parentModel) / 4
	if quarter == 0 {
		return append([]byte(nil), parentModel...)
	}
	start := quadrant * quarter
	end := start + quarter
	if end > len(parentModel) {
		end = len(parentModel)
	}
	return append([]byte(nil), parentModel[start:end]...)
}
