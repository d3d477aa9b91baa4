package grid

import (
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilefetch/internal/model"
	"tilefetch/internal/tileurl"
)

func TestForCRS(t *testing.T) {
	g, err := ForCRS("EPSG:3857")
	require.NoError(t, err)
	assert.Equal(t, "EPSG:3857", g.CRS())

	g, err = ForCRS("epsg:4326")
	require.NoError(t, err)
	assert.Equal(t, "EPSG:4326", g.CRS())

	_, err = ForCRS("EPSG:2154")
	assert.ErrorIs(t, err, ErrUnknownCRS)
}

// The Mercator range math must agree with orb's maptile lookup for the
// bound's north-west and south-east corners.
func TestMercatorRangeMatchesMaptile(t *testing.T) {
	g, err := ForCRS("EPSG:3857")
	require.NoError(t, err)

	bound := orb.Bound{Min: orb.Point{13.3, 52.5}, Max: orb.Point{13.5, 52.6}}
	for z := 10; z <= 14; z++ {
		r := g.RangeForBound(g.Project(bound), z)

		min := maptile.At(orb.Point{13.3, 52.6}, maptile.Zoom(z))
		max := maptile.At(orb.Point{13.5, 52.5}, maptile.Zoom(z))
		assert.Equal(t, int(min.X), r.MinX, "z=%d", z)
		assert.Equal(t, int(max.X), r.MaxX, "z=%d", z)
		assert.Equal(t, int(min.Y), r.MinY, "z=%d", z)
		assert.Equal(t, int(max.Y), r.MaxY, "z=%d", z)
	}
}

func TestMercatorWholeWorld(t *testing.T) {
	g, _ := ForCRS("EPSG:3857")
	world := orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

	r := g.RangeForBound(g.Project(world), 0)
	assert.Equal(t, model.TileRange{Z: 0, MinX: 0, MaxX: 0, MinY: 0, MaxY: 0}, r)

	r = g.RangeForBound(g.Project(world), 2)
	assert.Equal(t, int64(16), r.Count())
}

func TestPlateCarreeWholeWorld(t *testing.T) {
	g, _ := ForCRS("EPSG:4326")
	world := orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

	// two columns, one row at zoom 0
	r := g.RangeForBound(g.Project(world), 0)
	assert.Equal(t, model.TileRange{Z: 0, MinX: 0, MaxX: 1, MinY: 0, MaxY: 0}, r)

	r = g.RangeForBound(g.Project(world), 1)
	assert.Equal(t, int64(8), r.Count())
}

func TestRangesSingleZoom(t *testing.T) {
	g, _ := ForCRS("EPSG:3857")
	bound := orb.Bound{Min: orb.Point{13.3, 52.5}, Max: orb.Point{13.5, 52.6}}

	rs := Ranges(g, bound, 12, 12)
	require.Len(t, rs, 1)
	assert.Equal(t, 12, rs[0].Z)
	assert.Greater(t, rs[0].Count(), int64(0))
}

func TestRangesAntimeridian(t *testing.T) {
	g, _ := ForCRS("EPSG:3857")
	// Fiji-ish: west edge at 177E, east edge at 178W
	bound := orb.Bound{Min: orb.Point{177, -20}, Max: orb.Point{-178, -15}}

	rs := Ranges(g, bound, 0, 6)
	require.NotEmpty(t, rs)

	for z := 0; z <= 6; z++ {
		var count int64
		for _, r := range rs {
			if r.Z == z {
				count += r.Count()
			}
		}
		assert.Greater(t, count, int64(0), "z=%d", z)
	}

	// low zooms collapse to a single merged rectangle
	for _, r := range rs {
		if r.Z == 0 {
			assert.Equal(t, model.TileRange{Z: 0, MinX: 0, MaxX: 0, MinY: 0, MaxY: 0}, r)
		}
	}

	// no coordinate may appear twice after the merge
	rot := tileurl.NewRotator(nil)
	coords := Enumerate(rs, "t", "https://tile.example/{z}/{x}/{y}.png", rot, model.SchemeXYZ)
	seen := make(map[string]bool)
	for _, c := range coords {
		require.False(t, seen[c.Key()], "duplicate %s", c)
		seen[c.Key()] = true
	}
}

func TestEnumerateOrder(t *testing.T) {
	rs := []model.TileRange{
		{Z: 1, MinX: 0, MaxX: 1, MinY: 0, MaxY: 1},
		{Z: 2, MinX: 2, MaxX: 3, MinY: 1, MaxY: 1},
	}
	rot := tileurl.NewRotator([]string{"a", "b"})
	coords := Enumerate(rs, "osm", "https://{s}.tile.example/{z}/{x}/{y}.png", rot, model.SchemeXYZ)

	require.Len(t, coords, 6)
	want := []string{"osm 1/0/0", "osm 1/0/1", "osm 1/1/0", "osm 1/1/1", "osm 2/2/1", "osm 2/3/1"}
	for i, c := range coords {
		assert.Equal(t, want[i], c.String())
	}
	// rotation advances across the whole run
	assert.Contains(t, coords[0].URL, "https://a.")
	assert.Contains(t, coords[1].URL, "https://b.")
	assert.Contains(t, coords[2].URL, "https://a.")
}

func TestEnumerateTMSFlipsRow(t *testing.T) {
	rs := []model.TileRange{{Z: 2, MinX: 1, MaxX: 1, MinY: 2, MaxY: 2}}
	rot := tileurl.NewRotator(nil)

	coords := Enumerate(rs, "t", "https://tile.example/{z}/{x}/{y}.png", rot, model.SchemeTMS)
	require.Len(t, coords, 1)
	// grid row 2 at z2 becomes url row 2^2-1-2 = 1
	assert.Equal(t, "https://tile.example/2/1/1.png", coords[0].URL)
	assert.Equal(t, 2, coords[0].Y)

	coords = Enumerate(rs, "t", "https://tile.example/{z}/{x}/{y}.png", rot, model.SchemeXYZ)
	assert.Equal(t, "https://tile.example/2/1/2.png", coords[0].URL)
}

func TestCountByZoom(t *testing.T) {
	rs := []model.TileRange{
		{Z: 3, MinX: 0, MaxX: 1, MinY: 0, MaxY: 1},
		{Z: 3, MinX: 4, MaxX: 4, MinY: 0, MaxY: 1},
		{Z: 4, MinX: 0, MaxX: 0, MinY: 0, MaxY: 0},
	}
	byZoom := CountByZoom(rs)
	assert.Equal(t, map[int]int64{3: 6, 4: 1}, byZoom)
}

func TestMergeRanges(t *testing.T) {
	cases := []struct {
		in   []model.TileRange
		want int
	}{
		{[]model.TileRange{{Z: 0, MinX: 0, MaxX: 0, MinY: 0, MaxY: 0}, {Z: 0, MinX: 0, MaxX: 0, MinY: 0, MaxY: 0}}, 1},
		{[]model.TileRange{{Z: 4, MinX: 14, MaxX: 15, MinY: 3, MaxY: 5}, {Z: 4, MinX: 0, MaxX: 1, MinY: 3, MaxY: 5}}, 2},
		{[]model.TileRange{{Z: 2, MinX: 2, MaxX: 3, MinY: 1, MaxY: 2}, {Z: 2, MinX: 0, MaxX: 1, MinY: 1, MaxY: 2}}, 1},
	}
	for i, c := range cases {
		got := mergeRanges(c.in)
		assert.Len(t, got, c.want, fmt.Sprintf("case %d", i))
	}
}
