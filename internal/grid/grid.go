// Package grid provides per-CRS tile grid math and tile enumeration.
package grid

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"tilefetch/internal/model"
)

// ErrUnknownCRS is returned for CRS names outside the registry.
var ErrUnknownCRS = errors.New("grid: unknown CRS")

// Web Mercator extent half-width in meters.
const mercatorLimit = 20037508.342789244

// Latitude band representable in Web Mercator.
const mercatorMaxLat = 85.05112878

// Grid does tile math for one CRS. The grid itself is scheme-agnostic;
// row inversion for tms happens at URL materialization time.
type Grid interface {
	// CRS returns the normalized grid identifier.
	CRS() string

	// Extent returns the projection domain in projected units.
	Extent() orb.Bound

	// Project transforms a WGS84 bound into projected units, clamped to
	// the extent.
	Project(b orb.Bound) orb.Bound

	// RangeForBound returns the inclusive tile rectangle covering a
	// projected bound at one zoom level.
	RangeForBound(b orb.Bound, z int) model.TileRange
}

// ForCRS resolves a grid from a CRS name.
func ForCRS(crs string) (Grid, error) {
	switch strings.ToUpper(strings.TrimSpace(crs)) {
	case "EPSG:3857", "EPSG:900913", "EPSG:102100":
		return webMercator{}, nil
	case "EPSG:4326", "CRS:84", "OGC:CRS84":
		return plateCarree{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCRS, crs)
}

// webMercator is the EPSG:3857 square grid: one tile at z0.
type webMercator struct{}

func (webMercator) CRS() string { return "EPSG:3857" }

func (webMercator) Extent() orb.Bound {
	return orb.Bound{
		Min: orb.Point{-mercatorLimit, -mercatorLimit},
		Max: orb.Point{mercatorLimit, mercatorLimit},
	}
}

func (webMercator) Project(b orb.Bound) orb.Bound {
	min := project.WGS84.ToMercator(orb.Point{b.Min.X(), clampLat(b.Min.Y())})
	max := project.WGS84.ToMercator(orb.Point{b.Max.X(), clampLat(b.Max.Y())})
	return orb.Bound{Min: min, Max: max}
}

func (g webMercator) RangeForBound(b orb.Bound, z int) model.TileRange {
	n := 1 << uint(z)
	span := 2 * mercatorLimit / float64(n)
	return clampRange(model.TileRange{
		Z:    z,
		MinX: int(math.Floor((b.Min.X() + mercatorLimit) / span)),
		MaxX: int(math.Floor((b.Max.X() + mercatorLimit) / span)),
		// tile rows grow southward
		MinY: int(math.Floor((mercatorLimit - b.Max.Y()) / span)),
		MaxY: int(math.Floor((mercatorLimit - b.Min.Y()) / span)),
	}, n, n)
}

// plateCarree is the EPSG:4326 grid: two columns, one row at z0.
type plateCarree struct{}

func (plateCarree) CRS() string { return "EPSG:4326" }

func (plateCarree) Extent() orb.Bound {
	return orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
}

func (plateCarree) Project(b orb.Bound) orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.Min.X(), math.Max(b.Min.Y(), -90)},
		Max: orb.Point{b.Max.X(), math.Min(b.Max.Y(), 90)},
	}
}

func (plateCarree) RangeForBound(b orb.Bound, z int) model.TileRange {
	cols := 2 << uint(z)
	rows := 1 << uint(z)
	span := 360 / float64(cols)
	return clampRange(model.TileRange{
		Z:    z,
		MinX: int(math.Floor((b.Min.X() + 180) / span)),
		MaxX: int(math.Floor((b.Max.X() + 180) / span)),
		MinY: int(math.Floor((90 - b.Max.Y()) / span)),
		MaxY: int(math.Floor((90 - b.Min.Y()) / span)),
	}, cols, rows)
}

func clampLat(lat float64) float64 {
	if lat > mercatorMaxLat {
		return mercatorMaxLat
	}
	if lat < -mercatorMaxLat {
		return -mercatorMaxLat
	}
	return lat
}

func clampRange(r model.TileRange, cols, rows int) model.TileRange {
	if r.MinX < 0 {
		r.MinX = 0
	}
	if r.MinY < 0 {
		r.MinY = 0
	}
	if r.MaxX > cols-1 {
		r.MaxX = cols - 1
	}
	if r.MaxY > rows-1 {
		r.MaxY = rows - 1
	}
	return r
}
