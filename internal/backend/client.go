// Package backend is the HTTP client for the PLD backend API. The backend
// owns SQL execution, data generation and job processing; this package only
// speaks its request/response contracts.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ConfigKeyHeader carries the session token on configuration-scoped calls.
const ConfigKeyHeader = "X-Config-Key"

const maxResponseBytes = 4 << 20

// Client talks to one backend base URL.
type Client struct {
	baseURL string
	http    *http.Client
	// stream has no overall timeout; event streams stay open for the job lifetime.
	stream *http.Client

	mu     sync.RWMutex
	bearer string
}

// NewClient creates a client. A zero timeout disables the per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

// SetBearerToken sets the token sent in the Authorization header.
func (c *Client) SetBearerToken(token string) {
	c.mu.Lock()
	c.bearer = token
	c.mu.Unlock()
}

// BearerToken returns the current login token, if any.
func (c *Client) BearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer
}

// call describes one JSON request.
type call struct {
	method string
	path   string
	// configKey, when set, is sent in ConfigKeyHeader and recorded on any
	// *APIError for stale session detection.
	configKey string
	body      any
	out       any
}

func (c *Client) newRequest(ctx context.Context, method, path, configKey string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.BearerToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if configKey != "" {
		req.Header.Set(ConfigKeyHeader, configKey)
	}
	return req, nil
}

// do performs a JSON call. Non-2xx answers become *APIError.
func (c *Client) do(ctx context.Context, cl call) error {
	req, err := c.newRequest(ctx, cl.method, cl.path, cl.configKey, cl.body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", cl.method, cl.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s %s: %w", cl.method, cl.path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data, cl.configKey)
	}
	if cl.out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := cl.out.(*[]byte); ok {
		*raw = data
		return nil
	}
	if err := json.Unmarshal(data, cl.out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", cl.method, cl.path, err)
	}
	return nil
}
