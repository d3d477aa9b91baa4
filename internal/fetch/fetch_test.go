package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilefetch/internal/model"
)

var testTile = model.TileCoordinate{Service: "t", Z: 1, X: 0, Y: 0}

func pngServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writePNG(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Write([]byte{0x89})
}

func TestGetTile(t *testing.T) {
	srv := pngServer(t, func(w http.ResponseWriter, r *http.Request) {
		writePNG(w)
	})

	c := NewClient()
	data, err := c.GetTile(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89}, data)
}

func TestGetTileStatusError(t *testing.T) {
	srv := pngServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})

	c := NewClient()
	_, err := c.GetTile(context.Background(), srv.URL)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusGone, statusErr.Code)
}

func TestGetTileRejectsNonImage(t *testing.T) {
	srv := pngServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not a tile</html>"))
	})

	c := NewClient()
	_, err := c.GetTile(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestClassifyTable(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		err       error
		kind      model.ErrorKind
		retryable bool
	}{
		{&StatusError{Code: 404}, model.KindHTTP, false},
		{&StatusError{Code: 403}, model.KindHTTP, false},
		{&StatusError{Code: 400}, model.KindHTTP, false},
		{&StatusError{Code: 410}, model.KindHTTP, false},
		{&StatusError{Code: 429}, model.KindHTTP, true},
		{&StatusError{Code: 500}, model.KindHTTP, true},
		{&StatusError{Code: 503}, model.KindHTTP, true},
		{context.DeadlineExceeded, model.KindTimeout, true},
		{ErrNotImage, model.KindParse, false},
		{errors.New("mystery"), model.KindUnknown, true},
	}
	for _, c := range cases {
		terr := Classify(ctx, testTile, c.err, 1)
		assert.Equal(t, c.kind, terr.Kind, c.err.Error())
		assert.Equal(t, c.retryable, terr.Retryable, c.err.Error())
	}
}

func TestClassifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// once the run is cancelled every outcome is "cancelled"
	terr := Classify(ctx, testTile, &StatusError{Code: 503}, 2)
	assert.Equal(t, model.KindCancelled, terr.Kind)
	assert.False(t, terr.Retryable)
}

func TestRetrierRecoversFrom503(t *testing.T) {
	var calls int32
	srv := pngServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		writePNG(w)
	})

	tile := testTile
	tile.URL = srv.URL
	retried := false
	r := &Retrier{Retries: 5, BaseDelay: 10 * time.Millisecond}
	data, attempts, terr := r.Do(context.Background(), NewClient(), tile, func() { retried = true })
	require.Nil(t, terr)
	assert.Equal(t, []byte{0x89}, data)
	assert.Equal(t, 3, attempts)
	assert.True(t, retried)
}

func TestRetrierStopsOn404(t *testing.T) {
	var calls int32
	srv := pngServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	})

	tile := testTile
	tile.URL = srv.URL
	r := &Retrier{Retries: 5, BaseDelay: 10 * time.Millisecond}
	_, attempts, terr := r.Do(context.Background(), NewClient(), tile, nil)
	require.NotNil(t, terr)
	assert.Equal(t, model.KindHTTP, terr.Kind)
	assert.Equal(t, 404, terr.HTTPStatus)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetrierZeroRetries(t *testing.T) {
	srv := pngServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	tile := testTile
	tile.URL = srv.URL
	r := &Retrier{Retries: 0, BaseDelay: 10 * time.Millisecond}
	_, attempts, terr := r.Do(context.Background(), NewClient(), tile, nil)
	require.NotNil(t, terr)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, terr.Attempts)
}

func TestRetrierCancelDuringBackoff(t *testing.T) {
	srv := pngServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	tile := testTile
	tile.URL = srv.URL
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	r := &Retrier{Retries: 10, BaseDelay: time.Hour}
	_, _, terr := r.Do(ctx, NewClient(), tile, nil)
	require.NotNil(t, terr)
	assert.Equal(t, model.KindCancelled, terr.Kind)
}
