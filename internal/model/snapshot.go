package model

import "time"

// Latency is one named worker timing shown on the dashboards.
type Latency struct {
	Worker  string  `json:"worker"`
	Command string  `json:"command,omitempty"`
	Millis  float64 `json:"ms"`
}

// MetricsSnapshot is a point-in-time read of operational health counters.
type MetricsSnapshot struct {
	OverallStatus   string    `json:"overall_status"`
	PendingQueue    int64     `json:"pending_queue"`
	Processed       int64     `json:"processed"`
	ErrorCount      int64     `json:"error_count"`
	WorkerLatencies []Latency `json:"worker_latencies"`
	UpdatedAt       time.Time `json:"updated_at"`
	Loading         bool      `json:"loading"`
	Error           string    `json:"error,omitempty"`
}
