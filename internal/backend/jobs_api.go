package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"

	"github.com/pldconsole/pldconsole/internal/model"
	"github.com/pldconsole/pldconsole/internal/sse"
)

// JobKind names a job-producing backend operation.
type JobKind string

const (
	JobGenerateClients      JobKind = "generate-clients"
	JobGenerateTransactions JobKind = "generate-transactions"
)

// Valid reports whether k is a known operation.
func (k JobKind) Valid() bool {
	return k == JobGenerateClients || k == JobGenerateTransactions
}

// JobParams are the generation parameters accepted by both job kinds.
type JobParams struct {
	Quantity int `json:"quantity" validate:"gte=1"`
	// Person/company split for client generation.
	QtyPF int `json:"qty_pf,omitempty" validate:"gte=0"`
	QtyPJ int `json:"qty_pj,omitempty" validate:"gte=0"`
	// Transactions per client for transaction generation.
	PerClient int `json:"per_client,omitempty" validate:"gte=0"`
}

var validate = validator.New()

// Validate rejects parameters the backend would refuse.
func (p JobParams) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid job parameters: %w", err)
	}
	return nil
}

// JobAccepted is the answer of a job start endpoint.
type JobAccepted struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type startJobRequest struct {
	ConfigKey string `json:"config_key"`
	JobParams
}

// StartJob asks the backend to start a job of kind for configKey.
func (c *Client) StartJob(ctx context.Context, configKey string, kind JobKind, params JobParams) (JobAccepted, error) {
	if !kind.Valid() {
		return JobAccepted{}, fmt.Errorf("unknown job kind %q", kind)
	}
	if err := params.Validate(); err != nil {
		return JobAccepted{}, err
	}

	var a JobAccepted
	err := c.do(ctx, call{
		method:    http.MethodPost,
		path:      "/jobs/" + string(kind),
		configKey: configKey,
		body:      startJobRequest{ConfigKey: configKey, JobParams: params},
		out:       &a,
	})
	if err != nil {
		return JobAccepted{}, err
	}
	if a.Status != "accepted" && a.Status != "ok" {
		msg := a.Error
		if msg == "" {
			msg = a.Message
		}
		return JobAccepted{}, &APIError{StatusCode: http.StatusOK, Message: msg}
	}
	if a.JobID == "" {
		return JobAccepted{}, errors.New("backend accepted the job but returned no job id")
	}
	return a, nil
}

// JobStatus fetches the current status of jobID.
func (c *Client) JobStatus(ctx context.Context, jobID string) (model.Job, error) {
	var raw []byte
	err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/jobs/" + url.PathEscape(jobID) + "/status",
		out:    &raw,
	})
	if err != nil {
		return model.Job{}, err
	}
	j, err := model.ParseJob(raw)
	if err != nil {
		return model.Job{}, err
	}
	if j.ID == "" {
		j.ID = jobID
	}
	return j, nil
}

// OpenJobStream opens the status event stream of jobID. The caller must Close
// the returned stream. ErrStreamUnsupported is returned when the backend does
// not answer with an event stream.
func (c *Client) OpenJobStream(ctx context.Context, jobID string) (sse.Stream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/stream", "", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening job stream %s: %w", jobID, err)
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented {
			return nil, ErrStreamUnsupported
		}
		return nil, newAPIError(resp.StatusCode, data, "")
	}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt != "text/event-stream" {
		resp.Body.Close()
		return nil, ErrStreamUnsupported
	}
	return sse.NewReader(resp.Body), nil
}
