package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// MonitorView fetches the raw data of one monitoring view for configKey. The
// payload shape depends on the view and is decoded by the caller.
func (c *Client) MonitorView(ctx context.Context, configKey, view string) (json.RawMessage, error) {
	var env envelope
	err := c.do(ctx, call{
		method:    http.MethodPost,
		path:      "/monitor/" + url.PathEscape(view),
		configKey: configKey,
		body: struct {
			ConfigKey string `json:"config_key"`
		}{configKey},
		out: &env,
	})
	if err != nil {
		return nil, err
	}
	if env.Status != "" && env.Status != "ok" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: env.Message}
	}
	return env.Data, nil
}

// TableStatus is the normalization state of one environment table.
type TableStatus string

const (
	TableCreated TableStatus = "created"
	TableMissing TableStatus = "missing"
)

// Normalization reports which tables of the environment exist.
type Normalization struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Tables  map[string]TableStatus `json:"tables"`
}

// Complete reports whether every table exists.
func (n Normalization) Complete() bool {
	for _, s := range n.Tables {
		if s != TableCreated {
			return false
		}
	}
	return len(n.Tables) > 0
}

// CheckNormalization reports the table state of the environment behind configKey.
func (c *Client) CheckNormalization(ctx context.Context, configKey string) (Normalization, error) {
	return c.normalization(ctx, configKey, "/environment/check")
}

// SetupNormalization creates the missing tables and returns the new state.
func (c *Client) SetupNormalization(ctx context.Context, configKey string) (Normalization, error) {
	return c.normalization(ctx, configKey, "/environment/setup")
}

func (c *Client) normalization(ctx context.Context, configKey, path string) (Normalization, error) {
	var n Normalization
	err := c.do(ctx, call{
		method:    http.MethodPost,
		path:      path,
		configKey: configKey,
		body: struct {
			ConfigKey string `json:"config_key"`
		}{configKey},
		out: &n,
	})
	if err != nil {
		return Normalization{}, err
	}
	if n.Status != "" && n.Status != "ok" {
		return Normalization{}, &APIError{StatusCode: http.StatusOK, Message: n.Message}
	}
	return n, nil
}
