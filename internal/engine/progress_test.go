package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tilefetch/internal/model"
)

func TestTrackerCounts(t *testing.T) {
	tr := newTracker(10)
	tr.setEstimated(10 * 1024)

	tr.markDownloaded(512, false)
	tr.markRetrying()
	tr.markFailed(true)
	tr.markDownloaded(256, false)

	p := tr.snapshot(model.StateDownloading)
	assert.Equal(t, 2, p.Downloaded)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 0, p.Retrying)
	assert.Equal(t, 7, p.Pending)
	assert.Equal(t, p.Total, p.Downloaded+p.Failed+p.Pending+p.Retrying)
	assert.Equal(t, int64(768), p.DownloadedBytes)
	assert.InDelta(t, 0.3, p.Percent, 1e-9)
}

func TestTrackerRetryingCounts(t *testing.T) {
	tr := newTracker(4)
	tr.markRetrying()
	tr.markRetrying()

	p := tr.snapshot(model.StateDownloading)
	assert.Equal(t, 2, p.Retrying)
	assert.Equal(t, 2, p.Pending)

	tr.markDownloaded(100, true)
	p = tr.snapshot(model.StateDownloading)
	assert.Equal(t, 1, p.Retrying)
	assert.Equal(t, p.Total, p.Downloaded+p.Failed+p.Pending+p.Retrying)
}

func TestTrackerSpeedWindow(t *testing.T) {
	tr := newTracker(100)
	tr.windowStart = time.Now().Add(-time.Second)
	tr.markDownloaded(10000, false)

	p := tr.snapshot(model.StateDownloading)
	assert.InDelta(t, 10000, p.Speed, 1500)

	// a snapshot inside the window holds the previous speed
	tr.markDownloaded(1, false)
	p2 := tr.snapshot(model.StateDownloading)
	assert.Equal(t, p.Speed, p2.Speed)
}

func TestTrackerETA(t *testing.T) {
	tr := newTracker(100)
	tr.setEstimated(20000)
	tr.windowStart = time.Now().Add(-time.Second)
	tr.markDownloaded(10000, false)

	p := tr.snapshot(model.StateDownloading)
	if assert.Greater(t, p.Speed, 0.0) {
		assert.InDelta(t, time.Second.Seconds(), p.ETA.Seconds(), 0.5)
	}

	// no speed yet means no ETA claim
	tr2 := newTracker(100)
	tr2.setEstimated(20000)
	assert.Equal(t, time.Duration(0), tr2.snapshot(model.StateDownloading).ETA)
}

func TestFailureMonitorFloor(t *testing.T) {
	m := &failureMonitor{}

	// nine straight failures stay under the sample floor
	for i := 0; i < 9; i++ {
		m.record(false)
		assert.False(t, m.shouldAbort())
	}
	m.record(false)
	assert.True(t, m.shouldAbort())
}

func TestFailureMonitorRatio(t *testing.T) {
	m := &failureMonitor{}
	for i := 0; i < 30; i++ {
		m.record(true)
	}
	for i := 0; i < 10; i++ {
		m.record(false)
	}
	// 10/40 = 25%, not above the threshold
	assert.False(t, m.shouldAbort())

	m.record(false)
	assert.True(t, m.shouldAbort())

	e := m.err()
	assert.Equal(t, 41, e.Attempts)
	assert.Equal(t, 11, e.Failed)
}
