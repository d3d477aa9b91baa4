package engine

import (
	"sync"
	"time"

	"tilefetch/internal/model"
)

// speedWindow is the minimum spacing between speed recomputations;
// snapshots taken closer together hold the previous speed.
const speedWindow = 500 * time.Millisecond

// tracker keeps the live counters for one run. Pending is derived, so
// downloaded+failed+pending+retrying always equals total no matter when
// a snapshot is taken.
type tracker struct {
	mu sync.Mutex

	total      int
	downloaded int
	failed     int
	retrying   int

	downloadedBytes int64
	estimatedBytes  int64

	start       time.Time
	windowStart time.Time
	windowBytes int64
	speed       float64
}

func newTracker(total int) *tracker {
	now := time.Now()
	return &tracker{total: total, start: now, windowStart: now}
}

func (t *tracker) setEstimated(bytes int64) {
	t.mu.Lock()
	t.estimatedBytes = bytes
	t.mu.Unlock()
}

// markRetrying moves one tile from pending to retrying. Called at most
// once per tile, when it first enters a retry cycle.
func (t *tracker) markRetrying() {
	t.mu.Lock()
	t.retrying++
	t.mu.Unlock()
}

func (t *tracker) markDownloaded(bytes int, fromRetry bool) {
	t.mu.Lock()
	t.downloaded++
	t.downloadedBytes += int64(bytes)
	t.windowBytes += int64(bytes)
	if fromRetry {
		t.retrying--
	}
	t.mu.Unlock()
}

func (t *tracker) markFailed(fromRetry bool) {
	t.mu.Lock()
	t.failed++
	if fromRetry {
		t.retrying--
	}
	t.mu.Unlock()
}

func (t *tracker) snapshot(state model.DownloadState) model.LiveProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(t.windowStart); elapsed >= speedWindow {
		t.speed = float64(t.windowBytes) / elapsed.Seconds()
		t.windowBytes = 0
		t.windowStart = now
	}

	var eta time.Duration
	if t.speed > 0 && t.estimatedBytes > t.downloadedBytes {
		eta = time.Duration(float64(t.estimatedBytes-t.downloadedBytes) / t.speed * float64(time.Second))
	}

	processed := t.downloaded + t.failed
	percent := 0.0
	switch {
	case t.total > 0:
		percent = float64(processed) / float64(t.total)
	case state.Terminal():
		percent = 1
	}

	return model.LiveProgress{
		State:           state,
		Downloaded:      t.downloaded,
		Failed:          t.failed,
		Pending:         t.total - processed - t.retrying,
		Retrying:        t.retrying,
		Total:           t.total,
		DownloadedBytes: t.downloadedBytes,
		EstimatedBytes:  t.estimatedBytes,
		Percent:         percent,
		Speed:           t.speed,
		ETA:             eta,
	}
}

func (t *tracker) elapsed() time.Duration {
	return time.Since(t.start)
}

func (t *tracker) bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downloadedBytes
}
