package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/pldconsole/pldconsole/internal/model"
)

// Validation is the backend answer to a successful profile validation.
type Validation struct {
	ConfigKey string         `json:"config_key"`
	Details   map[string]any `json:"details,omitempty"`
}

// TestResult is the answer of a side-effect free connection test.
type TestResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// OK reports whether the test succeeded.
func (r TestResult) OK() bool {
	return r.Status == "ok"
}

// PoolStatus describes the backend connection pool behind a config key.
type PoolStatus struct {
	Size      int `json:"size"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
}

// ConfigStatus is the backend view of one config key.
type ConfigStatus struct {
	ConfigKey string      `json:"config_key"`
	Status    string      `json:"status"`
	Message   string      `json:"message,omitempty"`
	Pool      *PoolStatus `json:"pool,omitempty"`
}

// LoginResult is returned by Login.
type LoginResult struct {
	AccessToken string `json:"access_token"`
	User        struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

type validateRequest struct {
	Config          model.ConnectionProfile `json:"config"`
	EnvironmentHint string                  `json:"environmentHint,omitempty"`
}

type testRequest struct {
	Config model.ConnectionProfile `json:"config"`
}

// ValidateConfig asks the backend to open a session for profile.
func (c *Client) ValidateConfig(ctx context.Context, profile model.ConnectionProfile, environmentHint string) (Validation, error) {
	var v Validation
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/config/validate",
		body:   validateRequest{Config: profile, EnvironmentHint: environmentHint},
		out:    &v,
	})
	if err != nil {
		return Validation{}, err
	}
	if v.ConfigKey == "" {
		return Validation{}, errors.New("backend accepted the profile but returned no config key")
	}
	return v, nil
}

// TestConfig tests profile without creating a backend session. A refused
// connection is reported in the result rather than as an error.
func (c *Client) TestConfig(ctx context.Context, profile model.ConnectionProfile) (TestResult, error) {
	var r TestResult
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/config/test",
		body:   testRequest{Config: profile},
		out:    &r,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return TestResult{Status: "erro", Message: Message(err)}, nil
		}
		return TestResult{}, err
	}
	if r.Status == "" {
		r.Status = "ok"
	}
	return r, nil
}

// CloseConfig tells the backend to release configKey.
func (c *Client) CloseConfig(ctx context.Context, configKey string) error {
	return c.do(ctx, call{
		method:    http.MethodPost,
		path:      "/config/close/" + url.PathEscape(configKey),
		configKey: configKey,
	})
}

// ConfigStatus reports whether configKey is still open on the backend.
func (c *Client) ConfigStatus(ctx context.Context, configKey string) (ConfigStatus, error) {
	var s ConfigStatus
	err := c.do(ctx, call{
		method:    http.MethodGet,
		path:      "/config/status/" + url.PathEscape(configKey),
		configKey: configKey,
		out:       &s,
	})
	return s, err
}

type listBasesResponse struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Bases   []model.Environment `json:"bases"`
}

// ListEnvironments reads the environment descriptor at descriptorPath on the
// backend host and returns the environments it declares. Entries that fail
// validation are skipped.
func (c *Client) ListEnvironments(ctx context.Context, descriptorPath string) ([]model.Environment, error) {
	var r listBasesResponse
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/config/list-bases",
		body: struct {
			FolderPath string `json:"folder_path"`
		}{descriptorPath},
		out: &r,
	})
	if err != nil {
		return nil, err
	}
	if r.Status != "" && r.Status != "ok" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: r.Message}
	}

	envs := make([]model.Environment, 0, len(r.Bases))
	for _, e := range r.Bases {
		if e.Validate() != nil {
			continue
		}
		envs = append(envs, e)
	}
	return envs, nil
}

// Login authenticates the operator and keeps the returned bearer token for
// subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var r LoginResult
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/auth/login",
		body: struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}{username, password},
		out: &r,
	})
	if err != nil {
		return LoginResult{}, err
	}
	if r.AccessToken == "" {
		return LoginResult{}, errors.New("login returned no access token")
	}
	c.SetBearerToken(r.AccessToken)
	return r, nil
}
