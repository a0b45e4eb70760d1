// Package tileset implements the tile state machine (spec §4.5): the
// per-tile lifecycle Unloaded -> ContentLoading -> ContentLoaded -> Done,
// the two failure states, implicit quadtree expansion driven by
// internal/availability, and overlay-driven upsampled-child synthesis driven
// by internal/overlay. It is the one package allowed to mutate the tile
// tree, grounded on internal/server/ondemand_tiles.go's keyed-lock/atomic-
// counter/status-aggregation shape and internal/worker/pool.go's bounded
// dispatch.
package tileset

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MeKo-Tech/tile3d/internal/availability"
	"github.com/MeKo-Tech/tile3d/internal/content"
	"github.com/MeKo-Tech/tile3d/internal/future"
	"github.com/MeKo-Tech/tile3d/internal/geom"
	"github.com/MeKo-Tech/tile3d/internal/iface"
	"github.com/MeKo-Tech/tile3d/internal/overlay"
)

// geometricErrorEpsilon is the ε below which a tile's own geometric error is
// treated as absent, per spec §4.5's getNonZeroGeometricError.
const geometricErrorEpsilon = 1e-9

// Config configures a Tileset.
type Config struct {
	Accessor       iface.AssetAccessor
	Renderer       iface.RendererResources // may be nil (headless/tests)
	FailedCallback iface.FailedTileCallback
	Overlays       []overlay.Provider
	Availability   *availability.Index // nil disables implicit expansion
	TilingScheme   *geom.QuadtreeTilingScheme

	MaxLoadedTiles int
	WorkerCount    int
	Logger         *slog.Logger
}

// Tileset owns one tile tree plus the shared infrastructure its tiles load
// and expand through: the content pipeline, the worker pool and main-thread
// queue, the availability index, and the LRU of loaded tiles the selection
// layer consumes (spec §6 "Produced by the core").
type Tileset struct {
	root     *Tile
	cfg      Config
	pipeline *content.Pipeline
	// pool is concrete so WaitForWorkers can join it, but task submission
	// (LoadContent, loadUpsampled) goes through iface.TaskProcessor's
	// StartTask rather than Pool.Go directly.
	pool      *future.Pool
	mainQueue *future.MainThreadQueue
	lru       *lru.Cache[string, *Tile]
	log       *slog.Logger

	tctxMu       sync.RWMutex
	tileContexts map[string]*content.TileContext
}

// New creates a Tileset rooted at root.
func New(root *Tile, cfg Config) *Tileset {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxLoadedTiles <= 0 {
		cfg.MaxLoadedTiles = 1024
	}

	cache, _ := lru.New[string, *Tile](cfg.MaxLoadedTiles)

	return &Tileset{
		root:      root,
		cfg:       cfg,
		pipeline:  content.New(cfg.Accessor, cfg.Renderer, cfg.Logger),
		pool:      future.NewPool(cfg.WorkerCount),
		mainQueue: future.NewMainThreadQueue(256),
		lru:       cache,
		log:       cfg.Logger,
	}
}

// Root returns the tileset's root tile.
func (ts *Tileset) Root() *Tile { return ts.root }

// WaitForWorkers blocks until every dispatched worker task has finished and
// posted its continuation. Callers that need deterministic ordering (tests,
// batch CLI tools) call this before Update; a live frame loop generally does
// not, since draining is naturally rate-limited by Update's own cadence.
func (ts *Tileset) WaitForWorkers() { ts.pool.Wait() }

// LoadContent starts loading tile's content on the worker pool, per spec
// §4.4/§5: a CAS from Unloaded (or FailedTemporarily, for a retried tile)
// into ContentLoading guards against a double-submit, and the result is
// merged back into the tile only from inside Update's main-thread queue
// drain -- worker continuations never touch the tile tree directly.
func (ts *Tileset) LoadContent(ctx context.Context, tile *Tile) error {
	cur := tile.State()
	if cur != Unloaded && cur != FailedTemporarily {
		return ErrAlreadyLoading
	}
	if !tile.state.CompareAndSwap(int32(cur), int32(ContentLoading)) {
		return ErrAlreadyLoading
	}

	if tile.isUpsampled {
		return ts.loadUpsampled(ctx, tile)
	}

	req := content.Request{
		URL:                 tile.URL,
		Headers:             tile.Headers,
		Transform:           tile.Transform,
		LooseFittingHeights: isLooseFitting(tile.BoundingVolume),
	}
	if tile.BoundingVolume != nil {
		req.BoundingRegion = tile.BoundingVolume.EstimateGlobeRectangle()
	}
	if overlays := tile.Overlays(); overlays != nil {
		for _, m := range overlays.All() {
			req.RequestedProjections = append(req.RequestedProjections, m.Projection)
		}
	}

	ts.pool.StartTask(func() {
		defer ts.recoverWorkerPanic(tile)
		result := ts.pipeline.LoadContent(ctx, req)
		ts.mainQueue.Post(func() { ts.mergeLoadResult(tile, result) })
	})
	return nil
}

func isLooseFitting(bv geom.BoundingVolume) bool {
	_, ok := bv.(geom.BoundingRegionWithLooseFittingHeights)
	return ok
}

// loadUpsampled synthesizes tile's content from its parent, which must be
// Done with a model (spec §8 scenario 3).
func (ts *Tileset) loadUpsampled(ctx context.Context, tile *Tile) error {
	parent := tile.Parent()
	if parent == nil || parent.State() != Done {
		tile.setState(Failed)
		return fmt.Errorf("tileset: upsampled tile %s has no Done parent", tile.Key())
	}
	parentContent := parent.Content()
	if parentContent == nil || len(parentContent.Model) == 0 {
		tile.setState(Failed)
		return fmt.Errorf("tileset: upsampled tile %s parent has no model", tile.Key())
	}

	childQID, ok := tile.id.(geom.UpsampledQuadtreeNode)
	if !ok {
		tile.setState(Failed)
		return fmt.Errorf("tileset: upsampled tile %s does not carry an UpsampledQuadtreeNode id", tile.Key())
	}
	parentQID, ok := parent.id.(geom.QuadtreeTileID)
	if !ok {
		tile.setState(Failed)
		return fmt.Errorf("tileset: upsampled tile %s parent is not a quadtree tile", tile.Key())
	}

	parentRegion := parent.BoundingVolume.EstimateGlobeRectangle()
	req := content.UpsampleRequest{
		ParentModel:    parentContent.Model,
		ChildQuadrant:  childQID.TileID,
		ParentQuadrant: parentQID,
	}

	ts.pool.StartTask(func() {
		defer ts.recoverWorkerPanic(tile)
		result := ts.pipeline.Upsample(ctx, req, parentRegion, tile.Transform)
		ts.mainQueue.Post(func() { ts.mergeLoadResult(tile, result) })
	})
	return nil
}

// recoverWorkerPanic catches a panic inside a worker-pool task and posts a
// Failed transition for tile onto the main-thread queue instead of letting
// it escape to conc/pool's Wait() -- spec §7's "worker exceptions are caught
// at the main-thread join, the tile is marked Failed." The tile mutation
// itself stays off the panicking goroutine, preserving the single-writer
// discipline mergeLoadResult relies on.
func (ts *Tileset) recoverWorkerPanic(tile *Tile) {
	if r := recover(); r != nil {
		ts.log.Error("recovered panic in tile worker task", "tile", tile.Key(), "panic", r)
		ts.mainQueue.Post(func() {
			if tile.State() == ContentLoading {
				tile.setState(Failed)
			}
		})
	}
}

// mergeLoadResult is the single atomic main-thread merge point for one
// worker completion (spec §9's "single atomic state transition per
// completion"). It drops stale results for tiles no longer ContentLoading,
// implementing the cancellation-by-state-reset policy of §5.
func (ts *Tileset) mergeLoadResult(tile *Tile, result content.Result) {
	if tile.State() != ContentLoading {
		ts.log.Debug("dropping stale content result", "tile", tile.Key())
		return
	}

	tile.httpStatus.Store(int32(result.HTTPStatusCode))

	switch result.FailureKind {
	case content.FailureTemporary:
		ts.log.Warn("tile content fetch failed transiently", "tile", tile.Key(), "status", result.HTTPStatusCode)
		tile.setState(FailedTemporarily)
		return
	case content.FailurePermanent:
		ts.log.Error("tile content fetch failed permanently", "tile", tile.Key(), "error", result.Err)
		tile.setState(Failed)
		return
	}

	r := result
	tile.mu.Lock()
	tile.content = &r
	tile.mu.Unlock()
	tile.setState(ContentLoaded)
}

// Update drains the main-thread queue (merging any worker completions that
// arrived since the last call) and then walks the tile tree applying the
// per-state behavior of spec §4.5. prevFrame/curFrame are accepted to match
// the source's update(prevFrame, curFrame) signature; this port has no
// frame-relative behavior of its own yet, so they are currently unused by
// the walk itself.
func (ts *Tileset) Update(prevFrame, curFrame int64) {
	ts.mainQueue.Drain()
	if ts.root != nil {
		ts.updateTile(ts.root)
	}
}

func (ts *Tileset) updateTile(tile *Tile) {
	switch tile.State() {
	case FailedTemporarily:
		ts.updateFailedTemporarily(tile)
	case ContentLoaded:
		ts.mergeContentLoaded(tile)
	}

	if !tile.HasChildren() {
		ts.expandImplicitChildren(tile)
	}

	if tile.State() == Done {
		c := tile.Content()
		if c != nil && len(c.Model) > 0 && len(ts.cfg.Overlays) > 0 {
			ts.updateOverlays(tile)
		}
	}

	if tile.State() != Unloaded {
		ts.lru.Add(tile.Key(), tile)
	}

	for _, child := range tile.Children() {
		ts.updateTile(child)
	}
}

func (ts *Tileset) updateFailedTemporarily(tile *Tile) {
	if ts.cfg.FailedCallback == nil {
		return
	}
	switch ts.cfg.FailedCallback(tile) {
	case iface.GiveUp:
		tile.setState(Failed)
	case iface.Retry:
		// A full unload resets overlay bindings cleanly before the caller
		// is expected to call LoadContent again.
		ts.UnloadContent(tile)
	case iface.Wait:
		// Leave the tile exactly as it is for another frame.
	}
}

// mergeContentLoaded implements spec §4.5's ContentLoaded transition: upload
// GPU resources, adopt any injected children and install a new tile-context,
// detect a model-less tile (unconditional refine), apply the content's
// tightened bounding region, and transition to Done. Content that declares
// newly available rectangles (content.Result.AvailableRectangles) is not fed
// into availability.Index here -- that index is subtree-addressed with no
// single-rectangle insertion primitive (spec §4.2) -- but remains on the
// stored Result for a caller integrating an external tileset.json-style
// availability source to consult.
func (ts *Tileset) mergeContentLoaded(tile *Tile) {
	c := tile.Content()
	if c == nil {
		tile.setState(Failed)
		return
	}

	if ts.cfg.Renderer != nil && c.LoadThreadResource != nil {
		mainRes, err := ts.cfg.Renderer.PrepareInMainThread(tile, c.LoadThreadResource)
		if err != nil {
			ts.log.Error("prepareInMainThread failed", "tile", tile.Key(), "error", err)
			tile.setState(Failed)
			return
		}
		tile.mu.Lock()
		tile.mainThreadResource = mainRes
		tile.mu.Unlock()
	}

	if len(c.InjectedChildren) > 0 && !tile.HasChildren() {
		ts.adoptInjectedChildren(tile, c)
	}

	if len(c.Model) == 0 {
		tile.unconditionallyRefine.Store(true)
	}

	if c.TightenedRegion != nil {
		if _, err := ts.getEffectiveBoundingVolume(tile, *c.TightenedRegion); err != nil {
			ts.log.Error("bounding volume contract violation", "tile", tile.Key(), "error", err)
			tile.setState(Failed)
			return
		}
		region := *c.TightenedRegion
		tile.mu.Lock()
		tile.ContentBoundingVolume = geom.BoundingRegion{Rectangle: region}
		tile.mu.Unlock()
	}

	tile.setState(Done)
}

// adoptInjectedChildren adopts a childless tile's content-supplied child
// tiles and installs any new tile-context the content carries, mirroring
// Cesium-native's Tile::update childTiles/pNewTileContext handling. A new
// tile context's BaseURL is joined onto any relative child URL so content
// that references its own external tileset resolves against that tileset's
// own root rather than the parent's.
func (ts *Tileset) adoptInjectedChildren(tile *Tile, c *content.Result) {
	for _, def := range c.InjectedChildren {
		refine := Add
		if def.Replace {
			refine = Replace
		}
		child := NewTile(def.ID, def.BoundingVolume, def.GeometricError, refine, def.Transform)
		child.Headers = def.Headers
		child.isUpsampled = def.IsUpsampled
		if c.NewTileContext != nil {
			child.URL = joinBaseURL(c.NewTileContext.BaseURL, def.URL)
		} else {
			child.URL = def.URL
		}
		tile.addChild(child)
	}

	if c.NewTileContext != nil {
		ts.registerTileContext(tile, c.NewTileContext)
	}
}

// registerTileContext installs ctx as owner's tile-context, keyed by the
// owning tile so a caller integrating an external tileset.json can later
// look up which context (base URL, headers) a subtree was loaded under.
func (ts *Tileset) registerTileContext(owner *Tile, ctx *content.TileContext) {
	ts.tctxMu.Lock()
	defer ts.tctxMu.Unlock()
	if ts.tileContexts == nil {
		ts.tileContexts = make(map[string]*content.TileContext)
	}
	ts.tileContexts[owner.Key()] = ctx
}

// TileContextFor returns the tile-context installed for owner by a prior
// injected-content load, if any.
func (ts *Tileset) TileContextFor(owner *Tile) (*content.TileContext, bool) {
	ts.tctxMu.RLock()
	defer ts.tctxMu.RUnlock()
	ctx, ok := ts.tileContexts[owner.Key()]
	return ctx, ok
}

// joinBaseURL resolves rel against base when rel has no scheme of its own,
// matching how an external tileset's own relative content URLs should
// resolve against that tileset's root rather than the parent's.
func joinBaseURL(base, rel string) string {
	if base == "" || rel == "" || strings.Contains(rel, "://") {
		return rel
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}

// getEffectiveBoundingVolume resolves the spec §9 open question: a content
// bounding volume update is only valid once the tile itself has a bounding
// volume established. A tile is always constructed with one (NewTile
// requires it), so in practice this only fires for a hand-built Tile that
// skipped that step -- exactly the developer-contract violation §7 calls
// for surfacing as an error rather than a panic.
func (ts *Tileset) getEffectiveBoundingVolume(tile *Tile, updatedContentRegion geom.GlobeRectangle) (geom.BoundingVolume, error) {
	if tile.BoundingVolume == nil {
		return nil, ErrBoundingVolumeContractViolation
	}
	return geom.BoundingRegion{Rectangle: updatedContentRegion}, nil
}

// expandImplicitChildren implements spec §4.5's implicit-context expansion:
// for a childless quadtree tile under an availability index, query all four
// children; if any is available, create all four (available ones loaded
// normally, the rest marked upsampled), per §8 scenario 4.
func (ts *Tileset) expandImplicitChildren(tile *Tile) {
	if ts.cfg.Availability == nil {
		return
	}
	qid, ok := tile.id.(geom.QuadtreeTileID)
	if !ok {
		return
	}
	if tile.State() != ContentLoaded && tile.State() != Done {
		return
	}

	childIDs := qid.Children()
	flags := make([]availability.Flags, 4)
	anyAvailable := false
	for i, cid := range childIDs {
		flags[i] = ts.cfg.Availability.ComputeAvailability(cid)
		if flags[i].Has(availability.FlagTileAvailable) {
			anyAvailable = true
		}
	}
	if !anyAvailable {
		return
	}

	region := tile.BoundingVolume.EstimateGlobeRectangle()
	childRegions := ts.regionsFor(tile, region)

	for i, cid := range childIDs {
		var child *Tile
		if flags[i].Has(availability.FlagTileAvailable) {
			child = NewTile(cid, geom.BoundingRegion{Rectangle: childRegions[i]}, tile.GeometricError/2, tile.Refine, tile.Transform)
			child.URL = deriveChildURL(tile.URL, cid)
		} else {
			child = NewTile(geom.UpsampledQuadtreeNode{TileID: cid}, geom.BoundingRegion{Rectangle: childRegions[i]}, 0, Replace, tile.Transform)
			child.isUpsampled = true
		}
		tile.addChild(child)
	}
}

// deriveChildURL builds a child tile's content URL from its parent's by
// appending the child's level/x/y as path segments. Template placeholders
// such as {z}/{x}/{y} in the parent URL are not substituted.
func deriveChildURL(parentURL string, id geom.QuadtreeTileID) string {
	if parentURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/%d/%d/%d", parentURL, id.Level, id.X, id.Y)
}

// regionsFor returns the four child rectangles in SW/SE/NW/NE order, per
// spec §4.5's subdivision geometry: from the tiling scheme if the tile
// belongs to an implicit context, else by center-split of parentRegion.
func (ts *Tileset) regionsFor(tile *Tile, parentRegion geom.GlobeRectangle) [4]geom.GlobeRectangle {
	if ts.cfg.TilingScheme != nil {
		if qid, ok := tile.id.(geom.QuadtreeTileID); ok {
			children := qid.Children()
			var out [4]geom.GlobeRectangle
			for i, cid := range children {
				out[i] = ts.cfg.TilingScheme.Rectangle(cid)
			}
			return out
		}
	}
	sw, se, nw, ne := parentRegion.Split()
	return [4]geom.GlobeRectangle{sw, se, nw, ne}
}

// updateOverlays implements spec §4.5's Done-with-model overlay step:
// promote placeholders, update detail, aggregate moreDetailAvailable, and
// synthesize upsampled children when more detail is available and none
// exist yet.
func (ts *Tileset) updateOverlays(tile *Tile) {
	c := tile.Content()
	overlays := tile.Overlays()
	region := tile.BoundingVolume.EstimateGlobeRectangle()

	hasUVFor := func(projection string) bool {
		if c == nil || c.UVRectangles == nil {
			return false
		}
		_, ok := c.UVRectangles[projection]
		return ok
	}

	_, forceReload := overlays.MapTile(ts.cfg.Overlays, region, tile.GeometricError, hasUVFor)
	if forceReload {
		ts.log.Info("forcing tile reload for new overlay projection", "tile", tile.Key())
		ts.UnloadContent(tile)
		return
	}

	detail := overlays.Update()
	if detail == overlay.MoreDetailYes && !tile.HasChildren() {
		ts.synthesizeUpsampledChildren(tile)
	}
}

// synthesizeUpsampledChildren implements spec §4.5's "If Yes and no children
// exist, synthesize four upsampled quadtree children" step, enforcing the
// refinement invariant: a tile that synthesizes upsampled children must be
// Replace-refinement with a non-zero geometric error.
func (ts *Tileset) synthesizeUpsampledChildren(tile *Tile) {
	qid, ok := tile.id.(geom.QuadtreeTileID)
	if !ok {
		return
	}

	region := tile.BoundingVolume.EstimateGlobeRectangle()
	childRegions := ts.regionsFor(tile, region)
	childIDs := qid.Children()

	tile.Refine = Replace
	effectiveError := ts.GetNonZeroGeometricError(tile)
	if tile.GeometricError <= geometricErrorEpsilon {
		tile.GeometricError = effectiveError
	}

	for i, cid := range childIDs {
		child := NewTile(geom.UpsampledQuadtreeNode{TileID: cid}, geom.BoundingRegion{Rectangle: childRegions[i]}, effectiveError/2, Replace, tile.Transform)
		child.isUpsampled = true
		tile.addChild(child)
	}
}

// UnloadContent implements spec §4.5's unloadContent: refuses while the tile
// is ContentLoading, or while any upsampled child is ContentLoading from this
// tile's Done content (§5's read-only dependency). On success, frees renderer
// resources, clears content and overlay bindings, and transitions to
// Unloaded.
func (ts *Tileset) UnloadContent(tile *Tile) bool {
	if tile.State() == ContentLoading {
		return false
	}
	for _, child := range tile.Children() {
		if child.isUpsampled && child.State() == ContentLoading {
			return false
		}
	}

	c := tile.Content()
	if c != nil && ts.cfg.Renderer != nil {
		tile.mu.RLock()
		mainRes := tile.mainThreadResource
		tile.mu.RUnlock()
		ts.cfg.Renderer.Free(tile, c.LoadThreadResource, mainRes)
	}

	tile.mu.Lock()
	tile.content = nil
	tile.mainThreadResource = nil
	tile.overlays = nil
	tile.mu.Unlock()
	tile.unconditionallyRefine.Store(false)

	tile.setState(Unloaded)
	ts.lru.Remove(tile.Key())
	return true
}

// ComputeByteSize implements spec §4.5's computeByteSize for a single tile:
// the byte-size identity of its own loaded content, zero if unloaded.
func (ts *Tileset) ComputeByteSize(tile *Tile) int64 {
	c := tile.Content()
	if c == nil {
		return 0
	}
	return c.ByteSize()
}

// GetNonZeroGeometricError implements spec §4.5's getNonZeroGeometricError:
// the tile's own error if above ε; otherwise walk ancestors, halving the
// effective error per generation and skipping unconditionally-refining
// ancestors, until one with positive error is found, falling back to ε.
func (ts *Tileset) GetNonZeroGeometricError(tile *Tile) float64 {
	if tile.GeometricError > geometricErrorEpsilon {
		return tile.GeometricError
	}

	generation := 1
	for cur := tile.Parent(); cur != nil; cur = cur.Parent() {
		if cur.UnconditionallyRefine() {
			continue
		}
		if cur.GeometricError > geometricErrorEpsilon {
			return cur.GeometricError / math.Pow(2, float64(generation))
		}
		generation++
	}
	return geometricErrorEpsilon
}

// LoadedTiles returns the tileset's LRU-ordered list of loaded tiles (most
// recently touched last), the data the selection layer consumes per spec
// §6's "Produced by the core".
func (ts *Tileset) LoadedTiles() []*Tile {
	keys := ts.lru.Keys()
	out := make([]*Tile, 0, len(keys))
	for _, k := range keys {
		if t, ok := ts.lru.Peek(k); ok {
			out = append(out, t)
		}
	}
	return out
}
