// Package fetch performs the per-tile HTTP work: a tuned client, error
// classification and the retry controller.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

const (
	// RequestTimeout is the per-attempt wall clock.
	RequestTimeout = 10 * time.Second

	maxIdleConns        = 200
	maxIdleConnsPerHost = 50
	maxConnsPerHost     = 50
	idleConnTimeout     = 30 * time.Second
)

// StatusError reports a non-200 response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status code %d", e.Code)
}

// ErrNotImage is returned when the response body is not an image/* type.
var ErrNotImage = errors.New("fetch: response is not an image")

// Client fetches tiles over HTTP.
type Client struct {
	hc *http.Client
}

// NewClient creates a client tuned for tile servers. Subdomain rotation
// spreads load across hosts, so per-host connection caps stay modest.
func NewClient() *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: 15 * time.Second,
	}
	http2.ConfigureTransport(transport)

	return &Client{hc: &http.Client{Transport: transport}}
}

// GetTile fetches one tile with the per-attempt timeout derived from ctx.
// The returned error is unclassified; see Classify.
func (c *Client) GetTile(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer safeClose(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// the MIME check runs after the body materializes
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: content type %q", ErrNotImage, ct)
	}
	return body, nil
}

// safeClose drains the body so the connection can be reused.
func safeClose(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
