// Package iface defines the narrow external interfaces the tile engine is
// built against: the asset accessor, the task processor, the renderer
// resource preparer, and the failed-tile callback (spec §6). Concrete
// implementations live in internal/httpio (AssetAccessor), internal/future
// (TaskProcessor) and internal/cmd (the failed-tile callback); this package
// stays dependency-free of internal/tileset so implementations on either
// side never form an import cycle.
package iface

import "context"

// AssetResponse is the result of an AssetAccessor.Get call.
type AssetResponse struct {
	StatusCode   int
	Headers      map[string]string
	ContentType  string
	CacheControl string
	Data         []byte
}

// AssetAccessor fetches a URL with the given headers. Implementations may
// serve repeated fetches from a persistent cache.
type AssetAccessor interface {
	Get(ctx context.Context, url string, headers map[string]string) (AssetResponse, error)
}

// TaskProcessor submits a unit of work to run off the calling goroutine,
// standing in for the source's worker-thread dispatch.
type TaskProcessor interface {
	StartTask(f func())
}

// TileHandle is the minimal view of a tile that renderer-resource
// preparation and the failed-tile callback need. internal/tileset.Tile
// satisfies this implicitly.
type TileHandle interface {
	// Key uniquely identifies the tile within its tileset.
	Key() string
	// HTTPStatusCode is the status code of the tile's most recent content
	// response, or 0 if none was ever fetched.
	HTTPStatusCode() int
}

// RendererResources is the pluggable GPU-resource lifecycle boundary.
// prepareInLoadThread runs off the main thread; prepareInMainThread and Free
// run on it.
type RendererResources interface {
	PrepareInLoadThread(ctx context.Context, modelBytes []byte, transform [16]float64) (loadThreadResult any, err error)
	PrepareInMainThread(tile TileHandle, loadThreadResult any) (mainThreadResult any, err error)
	Free(tile TileHandle, loadThreadResult, mainThreadResult any)
}

// RetryDecision is returned by a FailedTileCallback.
type RetryDecision int

const (
	// GiveUp transitions a FailedTemporarily tile to Failed.
	GiveUp RetryDecision = iota
	// Retry fully unloads a FailedTemporarily tile back to Unloaded; it is
	// loaded again only when LoadContent is next called for it.
	Retry
	// Wait leaves a FailedTemporarily tile as-is for another frame.
	Wait
)

func (d RetryDecision) String() string {
	switch d {
	case GiveUp:
		return "GiveUp"
	case Retry:
		return "Retry"
	case Wait:
		return "Wait"
	default:
		return "Unknown"
	}
}

// FailedTileCallback decides what to do with a tile stuck in
// FailedTemporarily.
type FailedTileCallback func(tile TileHandle) RetryDecision
