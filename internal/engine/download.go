// Package engine schedules bulk tile downloads: bounded concurrency,
// paced fetch starts, retry with backoff, pause/resume/cancel and a
// failure circuit breaker, streaming payloads to the consumer.
package engine

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"tilefetch/internal/fetch"
	"tilefetch/internal/model"
)

// Handle controls one running download. The Tiles stream is finite,
// single-consumer and non-restartable; Stats blocks until the run
// reaches a terminal state without consuming the stream.
type Handle struct {
	ID            string
	TotalTiles    int
	EstimatedSize int64
	TilesByZoom   map[int]int64

	tiles chan model.TilePayload
	done  chan struct{}
	wake  chan struct{}

	tracker *tracker
	monitor *failureMonitor

	cancelCtx context.CancelFunc

	mu          sync.Mutex
	state       model.DownloadState
	errs        []*model.TileError
	failedTiles []model.TileCoordinate

	stats    model.DownloadStats
	statsErr error
}

// Download validates the config, estimates the run size and starts the
// dispatch loop. Config errors are returned before any tile fetch
// begins; estimation has already run by the time the handle returns.
func Download(ctx context.Context, cfg model.Config) (*Handle, error) {
	p, err := prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}

	id, _ := shortid.Generate()
	runCtx, cancel := context.WithCancel(ctx)

	h := &Handle{
		ID:          id,
		TotalTiles:  len(p.coords),
		TilesByZoom: p.byZoom,
		tiles:       make(chan model.TilePayload, p.cfg.Concurrency*2),
		done:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
		tracker:     newTracker(len(p.coords)),
		monitor:     &failureMonitor{},
		cancelCtx:   cancel,
		state:       model.StateEstimating,
	}

	h.EstimatedSize = p.estimateSize(runCtx)
	h.tracker.setEstimated(h.EstimatedSize)
	h.setState(model.StateDownloading)
	log.Infof("download %s started: %d tiles, ~%d bytes", h.ID, h.TotalTiles, h.EstimatedSize)

	go h.run(runCtx, p)
	return h, nil
}

// Tiles returns the output stream. Consume it exactly once.
func (h *Handle) Tiles() <-chan model.TilePayload { return h.tiles }

// Done closes when the run reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Progress returns a read-only snapshot.
func (h *Handle) Progress() model.LiveProgress {
	return h.tracker.snapshot(h.State())
}

// Stats blocks until the run terminates. The error is non-nil only when
// the failure threshold aborted the run; the stats carry the partial
// counts either way.
func (h *Handle) Stats() (model.DownloadStats, error) {
	<-h.done
	return h.stats, h.statsErr
}

// State returns the current scheduler state.
func (h *Handle) State() model.DownloadState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Pause suspends dispatch. In-flight fetches drain; nothing new starts
// until Resume. Only a downloading run can pause.
func (h *Handle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != model.StateDownloading {
		return ErrNotDownloading
	}
	h.state = model.StatePaused
	h.notify()
	return nil
}

// Resume continues a paused run.
func (h *Handle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != model.StatePaused {
		return ErrNotPaused
	}
	h.state = model.StateDownloading
	h.notify()
	return nil
}

// Cancel aborts the run: the queue is cleared, in-flight fetches are
// aborted through the shared context and the stream ends promptly.
// Idempotent; calling it after a terminal state is a no-op.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.state = model.StateCancelled
	h.notify()
	h.mu.Unlock()
	h.cancelCtx()
}

func (h *Handle) setState(s model.DownloadState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// notify wakes the dispatch loop; callers hold h.mu.
func (h *Handle) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// cancelled reports whether the run was cancelled, either through the
// handle or the caller's context.
func (h *Handle) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return h.State() == model.StateCancelled
}

type result struct {
	coord    model.TileCoordinate
	data     []byte
	attempts int
	err      *model.TileError
}

// run is the dispatch loop. It owns the queue and the in-flight count;
// tasks report back on the results channel and each result is observed
// exactly once.
func (h *Handle) run(ctx context.Context, p *plan) {
	defer h.cancelCtx()

	results := make(chan result)
	inFlight := 0
	next := 0

	var tripped bool

loop:
	for {
		switch {
		case h.cancelled(ctx):
			break loop

		case h.monitor.shouldAbort():
			tripped = true
			log.Errorf("download %s aborted: %s", h.ID, h.monitor.err())
			h.cancelCtx()
			break loop

		case h.State() == model.StatePaused:
			select {
			case r := <-results:
				inFlight--
				h.collect(ctx, r)
			case <-h.wake:
			case <-ctx.Done():
			}

		case inFlight < p.cfg.Concurrency && next < len(p.coords):
			coord := p.coords[next]
			next++
			inFlight++
			go func(c model.TileCoordinate) {
				results <- h.fetchOne(ctx, p, c)
			}(coord)

		case inFlight == 0 && next >= len(p.coords):
			break loop

		default:
			select {
			case r := <-results:
				inFlight--
				h.collect(ctx, r)
			case <-h.wake:
			case <-ctx.Done():
			}
		}
	}

	// drain whatever is still in flight; nothing is yielded past here
	for inFlight > 0 {
		r := <-results
		inFlight--
		h.record(r)
	}

	h.finish(ctx, tripped)
}

// fetchOne runs one tile task: pace, then fetch with retries. The rate
// limiter is acquired inside the task so that up to Concurrency tasks
// queue on it together instead of serializing dispatch.
func (h *Handle) fetchOne(ctx context.Context, p *plan, c model.TileCoordinate) result {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return result{coord: c, attempts: 0, err: fetch.Classify(ctx, c, err, 0)}
		}
	}
	data, attempts, terr := p.retrier.Do(ctx, p.client, c, h.tracker.markRetrying)
	return result{coord: c, data: data, attempts: attempts, err: terr}
}

// collect records a settled task and yields its payload downstream.
func (h *Handle) collect(ctx context.Context, r result) {
	h.record(r)
	if r.err != nil || h.cancelled(ctx) {
		return
	}
	payload := model.TilePayload{
		Service: r.coord.Service,
		Z:       r.coord.Z,
		X:       r.coord.X,
		Y:       r.coord.Y,
		Data:    r.data,
	}
	select {
	case h.tiles <- payload:
	case <-ctx.Done():
	}
}

// record updates counters and the failure monitor without yielding.
// Tiles aborted by cancellation stay unprocessed: they are neither
// failures nor monitor samples.
func (h *Handle) record(r result) {
	fromRetry := r.attempts > 1
	if r.err != nil && r.err.Kind == model.KindCancelled {
		return
	}
	if r.err != nil {
		h.tracker.markFailed(fromRetry)
		h.monitor.record(false)
		h.mu.Lock()
		h.errs = append(h.errs, r.err)
		h.failedTiles = append(h.failedTiles, r.coord)
		h.mu.Unlock()
		log.Errorf("fetch %s error ~ %s", r.coord, r.err.Message)
		return
	}
	h.tracker.markDownloaded(len(r.data), fromRetry)
	h.monitor.record(true)
}

// finish resolves the terminal state and the stats future, then closes
// the stream.
func (h *Handle) finish(ctx context.Context, tripped bool) {
	h.mu.Lock()
	switch {
	case tripped:
		h.state = model.StateFailed
	case h.state == model.StateCancelled || ctx.Err() != nil:
		h.state = model.StateCancelled
	default:
		h.state = model.StateCompleted
	}
	final := h.state

	snap := h.tracker.snapshot(final)
	elapsed := h.tracker.elapsed()
	stats := model.DownloadStats{
		Successful:  snap.Downloaded,
		Failed:      snap.Failed,
		ActualSize:  snap.DownloadedBytes,
		Elapsed:     elapsed,
		Errors:      h.errs,
		FailedTiles: h.failedTiles,
	}
	if n := stats.Successful + stats.Failed; n > 0 {
		stats.SuccessRatio = float64(stats.Successful) / float64(n)
	} else {
		stats.SuccessRatio = 1
	}
	if s := elapsed.Seconds(); s > 0 {
		stats.AverageSpeed = float64(stats.ActualSize) / s
	}
	h.stats = stats
	if tripped {
		h.statsErr = h.monitor.err()
	}
	h.mu.Unlock()

	log.Infof("download %s %s: %d ok, %d failed, %d bytes",
		h.ID, final, stats.Successful, stats.Failed, stats.ActualSize)

	close(h.tiles)
	close(h.done)
}
