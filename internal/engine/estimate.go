package engine

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tilefetch/internal/model"
	"tilefetch/internal/tileurl"
)

const (
	samplesPerZoom = 3
	sampleTimeout  = 5 * time.Second

	// assumed per-tile size when every sample at a zoom fails
	fallbackTileBytes = 15 * 1024
)

// estimateSize samples up to three tiles per zoom ring and extrapolates
// the run size from the median observed byte length. Tile sizes are
// heavy-tailed, so the median beats the mean here. Sampling failures
// only degrade the estimate; they never abort the run.
func (p *plan) estimateSize(ctx context.Context) int64 {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var total int64
	for z := p.cfg.MinZoom; z <= p.cfg.MaxZoom; z++ {
		count := p.byZoom[z]
		if count == 0 {
			continue
		}
		median := p.sampleZoom(ctx, rng, z)
		total += median * count
	}
	return total
}

func (p *plan) sampleZoom(ctx context.Context, rng *rand.Rand, z int) int64 {
	var ranges []model.TileRange
	for _, r := range p.ranges {
		if r.Z == z {
			ranges = append(ranges, r)
		}
	}
	if len(ranges) == 0 {
		return fallbackTileBytes
	}

	var (
		mu    sync.Mutex
		sizes []int64
		wg    sync.WaitGroup
	)
	for i := 0; i < samplesPerZoom; i++ {
		r := ranges[rng.Intn(len(ranges))]
		x := r.MinX + rng.Intn(r.MaxX-r.MinX+1)
		y := r.MinY + rng.Intn(r.MaxY-r.MinY+1)
		urlY := y
		if p.cfg.Scheme == model.SchemeTMS {
			urlY = (1 << uint(z)) - 1 - y
		}
		url := tileurl.Materialize(p.cfg.URLTemplate, x, urlY, z, p.rotator.Next())

		wg.Add(1)
		go func() {
			defer wg.Done()
			sampleCtx, cancel := context.WithTimeout(ctx, sampleTimeout)
			defer cancel()
			data, err := p.client.GetTile(sampleCtx, url)
			if err != nil {
				log.Debugf("size sample %s failed ~ %s", url, err)
				return
			}
			mu.Lock()
			sizes = append(sizes, int64(len(data)))
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(sizes) == 0 {
		return fallbackTileBytes
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes[len(sizes)/2]
}
