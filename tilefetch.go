// Package tilefetch bulk-downloads map tiles. Given a WGS84 bounding
// box, a zoom range and a tile URL template it enumerates every
// intersecting tile under the chosen scheme and CRS, fetches them with
// bounded concurrency, pacing and retries, and streams the payloads to
// the caller. Persisting tiles is the caller's business; the sinks in
// internal/store are one way to do it from the command line.
package tilefetch

import (
	"context"

	"tilefetch/internal/capabilities"
	"tilefetch/internal/engine"
	"tilefetch/internal/model"
	"tilefetch/internal/service"
	"tilefetch/internal/tileurl"
)

// Core records, re-exported for consumers.
type (
	Config         = model.Config
	TileCoordinate = model.TileCoordinate
	TilePayload    = model.TilePayload
	TileRange      = model.TileRange
	TileSet        = model.TileSet
	TileError      = model.TileError
	LiveProgress   = model.LiveProgress
	DownloadStats  = model.DownloadStats
	DownloadState  = model.DownloadState

	// Handle controls a running download: its Tiles stream, progress
	// snapshots, pause/resume/cancel and the blocking Stats result.
	Handle = engine.Handle

	// Validation reports template placeholder problems.
	Validation = tileurl.Validation

	// CRSResult lists what a capabilities endpoint offers.
	CRSResult = capabilities.Result
)

// Worker protocol, for hosts that drive a download over messages
// instead of the handle. One Worker serves exactly one download.
type (
	Worker        = service.Runner
	WorkerCommand = service.Command
	WorkerEvent   = service.Event
)

// NewWorker starts a message-protocol worker. Send it a START_DOWNLOAD
// command and consume Events until the channel closes.
func NewWorker() *Worker { return service.NewRunner() }

// NewTileSet creates an empty presence set for Config.Existing.
func NewTileSet() *TileSet { return model.NewTileSet() }

// DownloadTiles validates the config, estimates the run size and starts
// downloading. Configuration problems surface here, before any tile
// fetch begins.
func DownloadTiles(ctx context.Context, cfg Config) (*Handle, error) {
	return engine.Download(ctx, cfg)
}

// ValidateTileURL checks a URL template for the {x} {y} {z} ({s})
// placeholders.
func ValidateTileURL(template string, hasSubdomains bool) Validation {
	return tileurl.Validate(template, hasSubdomains)
}

// GetSupportedCRS asks a WMS/WMTS GetCapabilities endpoint which CRS it
// offers. serviceType is "wms", "wmts" or empty for auto-detection.
// Failures fall back to an assumed list; results are cached for the
// process lifetime.
func GetSupportedCRS(ctx context.Context, capabilitiesURL, serviceType string) CRSResult {
	return capabilities.SupportedCRS(ctx, capabilitiesURL, serviceType)
}
