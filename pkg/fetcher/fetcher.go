// Package fetcher implements the values-lookup client: given a variable's
// stream, field and filters plus the active time range, it asks the lookup
// endpoint for the candidate values. Timeout policy lives here, not in the
// engine.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/umputun/varflow/pkg/engine"
)

// DefaultTimeout bounds a single lookup request.
const DefaultTimeout = 15 * time.Second

// maxErrBody caps how much of an error response body goes into the error.
const maxErrBody = 512

// Client fetches candidate values over HTTP. It POSTs the engine request as
// JSON to the configured endpoint and expects a JSON body with the ordered
// value list.
type Client struct {
	endpoint string
	client   *http.Client
}

// response is the lookup endpoint's reply.
type response struct {
	Values []string `json:"values"`
}

// New creates a client for the given values-lookup endpoint. zero timeout
// uses DefaultTimeout.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

// Fetch implements engine.ValueFetcher.
func (c *Client) Fetch(ctx context.Context, req engine.Request) ([]string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal lookup request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create lookup request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", req.Stream, req.Field, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, fmt.Errorf("lookup %s/%s: status %d: %s", req.Stream, req.Field, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	return r.Values, nil
}
