// Package upstream is the HTTP client for the call gateway that serves
// stream state and media chunks.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"live-relay/internal/orchestrator"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 10 * time.Second
	defaultRPS     = 20
	defaultBurst   = 10

	// maxChunkBytes bounds a single chunk response.
	maxChunkBytes = 32 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Client  *http.Client
	RPS     float64
	Burst   int
}

// Client implements orchestrator.Fetcher over HTTP. Requests share one token
// bucket so that a burst of replenish passes does not trip the gateway's
// flood protection. Concurrent state requests for the same call are merged.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	sf      singleflight.Group
}

// errorResponse is the gateway's error body, e.g. {"error":"TIME_TOO_BIG"}.
type errorResponse struct {
	Error string `json:"error"`
}

// NewClient returns a Client for cfg. Missing fields fall back to a 10s HTTP
// timeout, 20 requests per second and a burst of 10.
func NewClient(cfg Config) *Client {
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// FetchState returns the channels of a call. The request is shared by every
// concurrent caller for the same call, so it runs detached from the caller's
// cancellation and is bounded by defaultTimeout instead. A canceled caller
// returns early without aborting the request for the others.
func (c *Client) FetchState(ctx context.Context, id orchestrator.CallID) (orchestrator.StreamState, error) {
	if err := ctx.Err(); err != nil {
		return orchestrator.StreamState{}, err
	}

	ch := c.sf.DoChan(string(id), func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer cancel()

		body, err := c.get(shared, c.baseURL+"/calls/"+url.PathEscape(string(id))+"/stream-state")
		if err != nil {
			return nil, err
		}
		var st orchestrator.StreamState
		if err := json.Unmarshal(body, &st); err != nil {
			return nil, fmt.Errorf("decode stream state: %w", err)
		}
		return st, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return orchestrator.StreamState{}, r.Err
		}
		return r.Val.(orchestrator.StreamState), nil
	case <-ctx.Done():
		return orchestrator.StreamState{}, ctx.Err()
	}
}

// FetchChunk returns one chunk. An empty body means the chunk is not
// available yet.
func (c *Client) FetchChunk(ctx context.Context, req orchestrator.ChunkRequest) ([]byte, error) {
	params := url.Values{
		"routing_id": {strconv.Itoa(req.RoutingID)},
		"time_ms":    {strconv.FormatInt(req.TimeMs, 10)},
		"scale":      {strconv.FormatInt(int64(req.Scale), 10)},
		"channel":    {strconv.FormatInt(int64(req.Channel), 10)},
		"quality":    {strconv.FormatInt(int64(req.Quality), 10)},
	}
	reqURL := c.baseURL + "/calls/" + url.PathEscape(string(req.CallID)) + "/stream-part?" + params.Encode()
	return c.get(ctx, reqURL)
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChunkBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp.StatusCode, body)
	}
	return body, nil
}

// decodeError maps a gateway error body to an *orchestrator.APIError. Bodies
// without an error type are reported with the HTTP status only.
func decodeError(status int, body []byte) error {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return &orchestrator.APIError{Code: status, Type: e.Error}
	}
	return fmt.Errorf("upstream status %d", status)
}
