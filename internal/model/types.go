// Package model defines the records shared by the tile download pipeline.
package model

import (
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
)

// TileSize 默认瓦片大小
const TileSize = 256

// Tile schemes. They map (z,x,y) to a canonical grid position; tms inverts
// the row axis when the URL is materialized.
const (
	SchemeXYZ  = "xyz"
	SchemeTMS  = "tms"
	SchemeWMTS = "wmts"
)

// Constants representing TileFormat types
const (
	PNG  = "png"
	JPG  = "jpg"
	PBF  = "pbf"
	WEBP = "webp"
)

// TileCoordinate identifies one tile and carries its materialized URL.
// Immutable after creation.
type TileCoordinate struct {
	Service string
	Z, X, Y int
	URL     string
}

// Key returns the presence-set key for the coordinate.
func (c TileCoordinate) Key() string {
	return TileKey(c.Service, c.Z, c.X, c.Y)
}

func (c TileCoordinate) String() string {
	return fmt.Sprintf("%s %d/%d/%d", c.Service, c.Z, c.X, c.Y)
}

// TileKey builds the canonical (service,z,x,y) key.
func TileKey(service string, z, x, y int) string {
	return fmt.Sprintf("%s/%d/%d/%d", service, z, x, y)
}

// TilePayload is one fetched tile. Ownership of Data transfers to the
// consumer when the payload is yielded.
type TilePayload struct {
	Service string
	Z, X, Y int
	Data    []byte
}

// Size returns the payload length in bytes.
func (p TilePayload) Size() int64 { return int64(len(p.Data)) }

// TileRange is an inclusive rectangle at one zoom level in tile space.
type TileRange struct {
	Z          int
	MinX, MaxX int
	MinY, MaxY int
}

// Count returns the number of tiles in the range.
func (r TileRange) Count() int64 {
	return int64(r.MaxX-r.MinX+1) * int64(r.MaxY-r.MinY+1)
}

// Config describes one download run.
type Config struct {
	// Service is an opaque namespace tag for the tile source.
	Service string

	// URLTemplate must contain {x}, {y} and {z}; {s} is optional.
	URLTemplate string

	// Bound is the requested region in WGS84 degrees. A bound whose left
	// edge lies east of its right edge spans the antimeridian.
	Bound orb.Bound

	MinZoom int
	MaxZoom int

	// CRS selects the tile grid. Defaults to EPSG:3857.
	CRS string

	// Subdomains rotate through the {s} placeholder. Defaults to a,b,c
	// when the template declares {s}.
	Subdomains []string

	// Scheme is one of xyz, tms or wmts. Defaults to xyz.
	Scheme string

	// Concurrency is clamped to [1,6]; zero selects 6.
	Concurrency int

	// RateLimit is the maximum fetch start rate in tiles/second.
	// Zero means unlimited.
	RateLimit float64

	// Retries is the number of retries after the initial attempt.
	// Negative selects the default of 5; zero disables retries.
	Retries int

	// RetryBaseDelay is the first backoff delay. Zero selects 1s.
	RetryBaseDelay time.Duration

	// Existing is an optional presence set; tiles found in it are skipped
	// and never count against totals, progress or failure thresholds.
	Existing *TileSet

	// CapabilitiesURL, when set, is queried to auto-pick a CRS if none
	// was configured.
	CapabilitiesURL string
}

// DownloadState is the scheduler state machine.
type DownloadState string

const (
	StateIdle        DownloadState = "idle"
	StateEstimating  DownloadState = "estimating"
	StateDownloading DownloadState = "downloading"
	StatePaused      DownloadState = "paused"
	StateCompleted   DownloadState = "completed"
	StateCancelled   DownloadState = "cancelled"
	StateFailed      DownloadState = "failed"
)

// Terminal reports whether the state ends the run.
func (s DownloadState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// LiveProgress is a read-only snapshot of a running download.
// Downloaded+Failed+Pending+Retrying always equals Total.
type LiveProgress struct {
	State           DownloadState
	Downloaded      int
	Failed          int
	Pending         int
	Retrying        int
	Total           int
	DownloadedBytes int64
	EstimatedBytes  int64
	Percent         float64 // in [0,1]
	Speed           float64 // bytes/second
	ETA             time.Duration
}

// DownloadStats is the final record of a finished run.
type DownloadStats struct {
	Successful   int
	Failed       int
	SuccessRatio float64
	ActualSize   int64
	Elapsed      time.Duration
	AverageSpeed float64 // bytes/second
	Errors       []*TileError
	FailedTiles  []TileCoordinate
}

// ErrorKind classifies a per-tile failure.
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindHTTP      ErrorKind = "http"
	KindTimeout   ErrorKind = "timeout"
	KindCORS      ErrorKind = "cors" // produced only by browser hosts
	KindParse     ErrorKind = "parse"
	KindCancelled ErrorKind = "cancelled"
	KindUnknown   ErrorKind = "unknown"
)

// TileError records the final outcome of a tile that could not be fetched.
type TileError struct {
	Tile       TileCoordinate
	Kind       ErrorKind
	HTTPStatus int
	Message    string
	Attempts   int
	Timestamp  time.Time
	Retryable  bool
}

func (e *TileError) Error() string {
	return fmt.Sprintf("tile %s: %s (%s, %d attempts)", e.Tile, e.Message, e.Kind, e.Attempts)
}

// TileSet a safety presence set keyed by (service,z,x,y)
type TileSet struct {
	sync.RWMutex
	M map[string]bool
}

// NewTileSet creates an empty set.
func NewTileSet() *TileSet {
	return &TileSet{M: make(map[string]bool)}
}

// Add records a tile.
func (s *TileSet) Add(service string, z, x, y int) {
	s.Lock()
	s.M[TileKey(service, z, x, y)] = true
	s.Unlock()
}

// Has reports whether a tile is present.
func (s *TileSet) Has(service string, z, x, y int) bool {
	s.RLock()
	ok := s.M[TileKey(service, z, x, y)]
	s.RUnlock()
	return ok
}

// Len returns the number of tiles in the set.
func (s *TileSet) Len() int {
	s.RLock()
	n := len(s.M)
	s.RUnlock()
	return n
}
