package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrStaleSession is matched by errors from configuration-scoped calls whose
// config key the backend no longer knows.
var ErrStaleSession = errors.New("backend session expired or closed")

// ErrStreamUnsupported is returned when the backend does not offer an event
// stream for a job.
var ErrStreamUnsupported = errors.New("event stream not supported")

// APIError is a non-2xx answer from the backend. ConfigKey is set on
// configuration-scoped calls and names the key the request was made with.
type APIError struct {
	StatusCode int
	Message    string
	ConfigKey  string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrStaleSession) match stale session answers: a 404
// or 410 on a configuration-scoped call.
func (e *APIError) Is(target error) bool {
	if target != ErrStaleSession || e.ConfigKey == "" {
		return false
	}
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// StaleKey returns the config key err reports as stale.
func StaleKey(err error) (string, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !errors.Is(apiErr, ErrStaleSession) {
		return "", false
	}
	return apiErr.ConfigKey, true
}

// errorBody covers the message fields the backend uses across endpoints.
type errorBody struct {
	Message  string `json:"message"`
	Mensagem string `json:"mensagem"`
	Detail   any    `json:"detail"`
	Error    string `json:"error"`
	Erro     string `json:"erro"`
}

func newAPIError(status int, body []byte, configKey string) *APIError {
	e := &APIError{StatusCode: status, ConfigKey: configKey}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		switch {
		case eb.Message != "":
			e.Message = eb.Message
		case eb.Mensagem != "":
			e.Message = eb.Mensagem
		case eb.Error != "":
			e.Message = eb.Error
		case eb.Erro != "":
			e.Message = eb.Erro
		case eb.Detail != nil:
			if s, ok := eb.Detail.(string); ok {
				e.Message = s
			} else if b, err := json.Marshal(eb.Detail); err == nil {
				e.Message = string(b)
			}
		}
		return e
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	e.Message = msg
	return e
}

// Message extracts the human-readable message of err for display.
func Message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
