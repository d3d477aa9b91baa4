package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/time/rate"

	"tilefetch/internal/capabilities"
	"tilefetch/internal/fetch"
	"tilefetch/internal/grid"
	"tilefetch/internal/model"
	"tilefetch/internal/tileurl"
)

// Configuration errors, raised before any fetch begins.
var (
	ErrServiceRequired = errors.New("engine: service name is required")
	ErrBadTemplate     = errors.New("engine: url template is invalid")
	ErrBadZoomRange    = errors.New("engine: zoom range is invalid (0 <= min <= max)")
	ErrBadBound        = errors.New("engine: bound is invalid")
	ErrBadScheme       = errors.New("engine: tile scheme must be xyz, tms or wmts")
)

// Lifecycle errors.
var (
	ErrNotDownloading = errors.New("engine: download is not running")
	ErrNotPaused      = errors.New("engine: download is not paused")
)

const (
	defaultConcurrency = 6
	maxConcurrency     = 6
	defaultRetries     = 5
	defaultRetryDelay  = time.Second
)

// plan is a validated, fully resolved run.
type plan struct {
	cfg     model.Config
	grid    grid.Grid
	ranges  []model.TileRange
	coords  []model.TileCoordinate
	byZoom  map[int]int64
	rotator *tileurl.Rotator
	client  *fetch.Client
	limiter *rate.Limiter
	retrier *fetch.Retrier
}

// prepare validates a config, resolves the grid and enumerates the run.
func prepare(ctx context.Context, cfg model.Config) (*plan, error) {
	if strings.TrimSpace(cfg.Service) == "" {
		return nil, ErrServiceRequired
	}

	hasSubs := len(cfg.Subdomains) > 0
	v := tileurl.Validate(cfg.URLTemplate, hasSubs)
	if !v.Valid {
		return nil, fmt.Errorf("%w: missing %s", ErrBadTemplate, strings.Join(v.Missing, ", "))
	}
	usesS := strings.Contains(cfg.URLTemplate, tileurl.PlaceholderS)
	switch {
	case usesS && !hasSubs:
		cfg.Subdomains = tileurl.DefaultSubdomains
	case !usesS:
		cfg.Subdomains = nil
	}

	if cfg.MinZoom < 0 || cfg.MinZoom > cfg.MaxZoom {
		return nil, fmt.Errorf("%w: %d..%d", ErrBadZoomRange, cfg.MinZoom, cfg.MaxZoom)
	}
	if err := validateBound(cfg.Bound); err != nil {
		return nil, err
	}

	if cfg.Scheme == "" {
		cfg.Scheme = model.SchemeXYZ
	}
	switch cfg.Scheme {
	case model.SchemeXYZ, model.SchemeTMS, model.SchemeWMTS:
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadScheme, cfg.Scheme)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	} else if cfg.Concurrency > maxConcurrency {
		cfg.Concurrency = maxConcurrency
	}
	if cfg.Retries < 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryDelay
	}

	if cfg.CRS == "" {
		cfg.CRS = "EPSG:3857"
		if cfg.CapabilitiesURL != "" {
			cfg.CRS = capabilities.SupportedCRS(ctx, cfg.CapabilitiesURL, "").Default
		}
	}
	g, err := grid.ForCRS(cfg.CRS)
	if err != nil {
		return nil, err
	}

	p := &plan{
		cfg:     cfg,
		grid:    g,
		ranges:  grid.Ranges(g, cfg.Bound, cfg.MinZoom, cfg.MaxZoom),
		rotator: tileurl.NewRotator(cfg.Subdomains),
		client:  fetch.NewClient(),
		retrier: &fetch.Retrier{Retries: cfg.Retries, BaseDelay: cfg.RetryBaseDelay},
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	all := grid.Enumerate(p.ranges, cfg.Service, cfg.URLTemplate, p.rotator, cfg.Scheme)
	p.coords = dedup(all, cfg.Existing)
	p.byZoom = make(map[int]int64)
	for _, c := range p.coords {
		p.byZoom[c.Z]++
	}
	return p, nil
}

// validateBound checks WGS84 sanity. A bound whose left edge lies east
// of its right edge is legal: it spans the antimeridian.
func validateBound(b orb.Bound) error {
	if b.Min.Y() < -90 || b.Max.Y() > 90 || b.Min.Y() >= b.Max.Y() {
		return fmt.Errorf("%w: latitude %v..%v", ErrBadBound, b.Min.Y(), b.Max.Y())
	}
	if b.Min.X() < -180 || b.Min.X() > 180 || b.Max.X() < -180 || b.Max.X() > 180 {
		return fmt.Errorf("%w: longitude %v..%v", ErrBadBound, b.Min.X(), b.Max.X())
	}
	return nil
}

// dedup drops coordinates present in the caller's set. Existing tiles
// never count against totals, progress or the failure threshold.
func dedup(coords []model.TileCoordinate, existing *model.TileSet) []model.TileCoordinate {
	if existing == nil || existing.Len() == 0 {
		return coords
	}
	out := coords[:0]
	for _, c := range coords {
		if !existing.Has(c.Service, c.Z, c.X, c.Y) {
			out = append(out, c)
		}
	}
	return out
}
