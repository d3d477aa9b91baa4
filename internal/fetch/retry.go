package fetch

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"tilefetch/internal/model"
)

// Classify turns a fetch error into a TileError. runCtx is the run-wide
// cancellation context: once it is done every outcome is "cancelled".
func Classify(runCtx context.Context, tile model.TileCoordinate, err error, attempts int) *model.TileError {
	terr := &model.TileError{
		Tile:      tile,
		Message:   err.Error(),
		Attempts:  attempts,
		Timestamp: time.Now(),
	}

	if runCtx.Err() != nil {
		terr.Kind = model.KindCancelled
		return terr
	}

	var statusErr *StatusError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// the per-attempt timeout, not an external cancel
		terr.Kind = model.KindTimeout
		terr.Retryable = true
	case errors.Is(err, ErrNotImage):
		terr.Kind = model.KindParse
	case errors.As(err, &statusErr):
		terr.Kind = model.KindHTTP
		terr.HTTPStatus = statusErr.Code
		terr.Retryable = retryableStatus(statusErr.Code)
	case errors.As(err, &netErr) && netErr.Timeout():
		terr.Kind = model.KindTimeout
		terr.Retryable = true
	case isNetworkError(err):
		terr.Kind = model.KindNetwork
		terr.Retryable = true
	default:
		terr.Kind = model.KindUnknown
		terr.Retryable = true
	}
	return terr
}

func retryableStatus(code int) bool {
	switch code {
	case 400, 401, 403, 404, 410:
		return false
	case 429, 500, 502, 503, 504:
		return true
	}
	// other server-side codes are worth another try, client-side are not
	return code >= 500
}

func isNetworkError(err error) bool {
	var urlErr *url.Error
	var opErr *net.OpError
	return errors.As(err, &urlErr) || errors.As(err, &opErr)
}

// Retrier reruns a tile fetch with exponential backoff until it succeeds,
// the classification is non-retryable, or attempts are exhausted.
type Retrier struct {
	// Retries is the number of retries after the initial attempt.
	Retries int

	// BaseDelay is the delay before the first retry; retry k waits
	// BaseDelay·2^k.
	BaseDelay time.Duration
}

// Do fetches one tile. onRetry fires once, when the tile first enters a
// retry cycle. Returns the payload and the attempt count, or the final
// classified error.
func (r *Retrier) Do(ctx context.Context, client *Client, tile model.TileCoordinate, onRetry func()) ([]byte, int, *model.TileError) {
	attempts := 0
	for {
		attempts++
		data, err := client.GetTile(ctx, tile.URL)
		if err == nil {
			return data, attempts, nil
		}

		terr := Classify(ctx, tile, err, attempts)
		if !terr.Retryable || attempts > r.Retries {
			return nil, attempts, terr
		}
		if attempts == 1 && onRetry != nil {
			onRetry()
		}

		delay := r.BaseDelay << uint(attempts-1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			cancelled := Classify(ctx, tile, ctx.Err(), attempts)
			return nil, attempts, cancelled
		}
	}
}
