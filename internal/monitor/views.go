package monitor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pldconsole/pldconsole/internal/model"
)

// Built-in monitoring views.
const (
	ViewServerHealth = "server-health"
	ViewQueue        = "queue"
	ViewWorkers      = "workers"
	ViewSearchLog    = "search-log"
)

// Views lists the built-in views in display order.
var Views = []string{ViewServerHealth, ViewQueue, ViewWorkers, ViewSearchLog}

// Overall status values reported by the backend.
const (
	StatusStable   = "STABLE"
	StatusDegraded = "DEGRADED"
)

var decoders = map[string]func([]byte) (model.MetricsSnapshot, error){
	ViewServerHealth: decodeServerHealth,
	ViewQueue:        decodeQueue,
	ViewWorkers:      decodeWorkers,
	ViewSearchLog:    decodeSearchLog,
}

// KnownView reports whether view has a decoder.
func KnownView(view string) bool {
	_, ok := decoders[view]
	return ok
}

// DecodeView parses the payload of view into a snapshot.
func DecodeView(view string, data []byte) (model.MetricsSnapshot, error) {
	dec, ok := decoders[view]
	if !ok {
		return model.MetricsSnapshot{}, fmt.Errorf("unknown monitoring view %q", view)
	}
	if len(data) == 0 || string(data) == "null" {
		return model.MetricsSnapshot{}, fmt.Errorf("%s: empty payload", view)
	}
	snap, err := dec(data)
	if err != nil {
		return model.MetricsSnapshot{}, fmt.Errorf("%s: %w", view, err)
	}
	return snap, nil
}

type latencyPayload struct {
	Worker  string   `json:"worker"`
	Command string   `json:"command"`
	Millis  *float64 `json:"ms"`
}

func decodeLatencies(in []latencyPayload) ([]model.Latency, error) {
	out := make([]model.Latency, 0, len(in))
	for i, l := range in {
		if l.Worker == "" {
			return nil, fmt.Errorf("latency %d: worker missing", i)
		}
		if l.Millis == nil || *l.Millis < 0 {
			return nil, fmt.Errorf("latency %d: invalid ms", i)
		}
		out = append(out, model.Latency{Worker: l.Worker, Command: l.Command, Millis: *l.Millis})
	}
	return out, nil
}

func count(name string, v *int64) (int64, error) {
	if v == nil {
		return 0, fmt.Errorf("%s missing", name)
	}
	if *v < 0 {
		return 0, fmt.Errorf("%s negative: %d", name, *v)
	}
	return *v, nil
}

func decodeServerHealth(data []byte) (model.MetricsSnapshot, error) {
	var p struct {
		OverallStatus string `json:"overall_status"`
		Cards         struct {
			PendingQueue  *int64 `json:"pending_queue"`
			ServiceErrors *int64 `json:"service_errors"`
		} `json:"cards"`
		Latencies []latencyPayload `json:"latencies_ms"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return model.MetricsSnapshot{}, err
	}
	if p.OverallStatus == "" {
		return model.MetricsSnapshot{}, errors.New("overall_status missing")
	}

	var (
		snap = model.MetricsSnapshot{OverallStatus: p.OverallStatus}
		err  error
	)
	if snap.PendingQueue, err = count("pending_queue", p.Cards.PendingQueue); err != nil {
		return model.MetricsSnapshot{}, err
	}
	if snap.ErrorCount, err = count("service_errors", p.Cards.ServiceErrors); err != nil {
		return model.MetricsSnapshot{}, err
	}
	if snap.WorkerLatencies, err = decodeLatencies(p.Latencies); err != nil {
		return model.MetricsSnapshot{}, err
	}
	return snap, nil
}

func decodeQueue(data []byte) (model.MetricsSnapshot, error) {
	var p struct {
		Status    string `json:"overall_status"`
		Pending   *int64 `json:"pending"`
		Processed *int64 `json:"processed"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return model.MetricsSnapshot{}, err
	}

	var (
		snap = model.MetricsSnapshot{OverallStatus: p.Status}
		err  error
	)
	if snap.PendingQueue, err = count("pending", p.Pending); err != nil {
		return model.MetricsSnapshot{}, err
	}
	if snap.Processed, err = count("processed", p.Processed); err != nil {
		return model.MetricsSnapshot{}, err
	}
	if snap.OverallStatus == "" {
		snap.OverallStatus = StatusStable
	}
	return snap, nil
}

func decodeWorkers(data []byte) (model.MetricsSnapshot, error) {
	var p struct {
		Status  string           `json:"overall_status"`
		Workers []latencyPayload `json:"workers"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return model.MetricsSnapshot{}, err
	}
	lat, err := decodeLatencies(p.Workers)
	if err != nil {
		return model.MetricsSnapshot{}, err
	}
	snap := model.MetricsSnapshot{OverallStatus: p.Status, WorkerLatencies: lat}
	if snap.OverallStatus == "" {
		snap.OverallStatus = StatusStable
	}
	return snap, nil
}

func decodeSearchLog(data []byte) (model.MetricsSnapshot, error) {
	var p struct {
		Status string `json:"overall_status"`
		Total  *int64 `json:"total"`
		Errors *int64 `json:"errors"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return model.MetricsSnapshot{}, err
	}

	var (
		snap = model.MetricsSnapshot{OverallStatus: p.Status}
		err  error
	)
	if snap.Processed, err = count("total", p.Total); err != nil {
		return model.MetricsSnapshot{}, err
	}
	if p.Errors != nil {
		if snap.ErrorCount, err = count("errors", p.Errors); err != nil {
			return model.MetricsSnapshot{}, err
		}
	}
	if snap.OverallStatus == "" {
		snap.OverallStatus = StatusStable
		if snap.ErrorCount > 0 {
			snap.OverallStatus = StatusDegraded
		}
	}
	return snap, nil
}
