package grid

import (
	"sort"

	"github.com/paulmach/orb"

	"tilefetch/internal/model"
	"tilefetch/internal/tileurl"
)

// Ranges computes the per-zoom tile rectangles covering a WGS84 bound.
// A bound whose left edge lies east of its right edge spans the
// antimeridian; it is split at ±180 and the resulting rectangles merged
// where they touch.
func Ranges(g Grid, bound orb.Bound, minZoom, maxZoom int) []model.TileRange {
	spans := []orb.Bound{bound}
	if bound.Min.X() > bound.Max.X() {
		spans = []orb.Bound{
			{Min: orb.Point{bound.Min.X(), bound.Min.Y()}, Max: orb.Point{180, bound.Max.Y()}},
			{Min: orb.Point{-180, bound.Min.Y()}, Max: orb.Point{bound.Max.X(), bound.Max.Y()}},
		}
	}

	var ranges []model.TileRange
	for z := minZoom; z <= maxZoom; z++ {
		var atZ []model.TileRange
		for _, s := range spans {
			atZ = append(atZ, g.RangeForBound(g.Project(s), z))
		}
		ranges = append(ranges, mergeRanges(atZ)...)
	}
	return ranges
}

// mergeRanges unions rectangles at one zoom that overlap or touch on the
// x axis. The split spans share their y extent, so a plain column merge
// is enough to keep every coordinate unique.
func mergeRanges(rs []model.TileRange) []model.TileRange {
	if len(rs) <= 1 {
		return rs
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].MinX < rs[j].MinX })
	merged := rs[:1]
	for _, r := range rs[1:] {
		last := &merged[len(merged)-1]
		if r.MinX <= last.MaxX+1 {
			if r.MaxX > last.MaxX {
				last.MaxX = r.MaxX
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// CountByZoom sums range counts per zoom level.
func CountByZoom(ranges []model.TileRange) map[int]int64 {
	byZoom := make(map[int]int64)
	for _, r := range ranges {
		byZoom[r.Z] += r.Count()
	}
	return byZoom
}

// Enumerate expands ranges into coordinates with materialized URLs.
// Order is zoom ascending, then column, then row. For tms the row is
// flipped (2^z-1-y) in the URL only; the coordinate keeps the grid row.
func Enumerate(ranges []model.TileRange, service, template string, rot *tileurl.Rotator, scheme string) []model.TileCoordinate {
	var total int64
	for _, r := range ranges {
		total += r.Count()
	}
	coords := make([]model.TileCoordinate, 0, total)
	for _, r := range ranges {
		for x := r.MinX; x <= r.MaxX; x++ {
			for y := r.MinY; y <= r.MaxY; y++ {
				urlY := y
				if scheme == model.SchemeTMS {
					urlY = (1 << uint(r.Z)) - 1 - y
				}
				coords = append(coords, model.TileCoordinate{
					Service: service,
					Z:       r.Z,
					X:       x,
					Y:       y,
					URL:     tileurl.Materialize(template, x, urlY, r.Z, rot.Next()),
				})
			}
		}
	}
	return coords
}
