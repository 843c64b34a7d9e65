package jobsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pldconsole/pldconsole/internal/backend"
	"github.com/pldconsole/pldconsole/internal/metrics"
	"github.com/pldconsole/pldconsole/internal/scheduler"
)

// maxFinished bounds how many finished jobs are kept for display.
const maxFinished = 50

// Starter starts backend jobs.
type Starter interface {
	StartJob(ctx context.Context, configKey string, kind backend.JobKind, params backend.JobParams) (backend.JobAccepted, error)
}

// JobInfo describes one tracked job.
type JobInfo struct {
	Info
	Kind      backend.JobKind `json:"kind"`
	StartTime time.Time       `json:"start_time"`
	Message   string          `json:"start_message,omitempty"`
}

type tracked struct {
	sync      *Synchronizer
	kind      backend.JobKind
	startTime time.Time
	message   string
}

// Manager keeps one Synchronizer per job id.
type Manager struct {
	source  Source
	starter Starter
	sched   *scheduler.Scheduler
	metrics *metrics.Collector

	mu            sync.RWMutex
	jobs          map[string]*tracked
	pollInterval  time.Duration
	disableStream bool
	closed        bool
}

// NewManager creates a job manager. m may be nil.
func NewManager(src Source, starter Starter, sched *scheduler.Scheduler, m *metrics.Collector, pollInterval time.Duration, disableStream bool) *Manager {
	return &Manager{
		source:        src,
		starter:       starter,
		sched:         sched,
		metrics:       m,
		jobs:          make(map[string]*tracked),
		pollInterval:  pollInterval,
		disableStream: disableStream,
	}
}

// SetPollInterval changes the poll interval of jobs tracked from now on.
func (m *Manager) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.pollInterval = d
	m.mu.Unlock()
}

// Start asks the backend to run a job and begins tracking it.
func (m *Manager) Start(ctx context.Context, configKey string, kind backend.JobKind, params backend.JobParams) (JobInfo, error) {
	accepted, err := m.starter.StartJob(ctx, configKey, kind, params)
	if err != nil {
		return JobInfo{}, err
	}
	slog.Info("job accepted", "job", accepted.JobID, "kind", kind, "quantity", params.Quantity)

	if _, err := m.Track(accepted.JobID, kind, accepted.Message); err != nil {
		return JobInfo{}, err
	}
	info, _ := m.Get(accepted.JobID)
	return info, nil
}

// Track begins synchronizing an already started job. Tracking a job id that
// is already tracked returns the existing synchronizer.
func (m *Manager) Track(jobID string, kind backend.JobKind, message string) (*Synchronizer, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("job manager closed")
	}
	if t, ok := m.jobs[jobID]; ok {
		m.mu.Unlock()
		return t.sync, nil
	}

	s := New(jobID, m.source, m.sched, Options{
		PollInterval:  m.pollInterval,
		DisableStream: m.disableStream,
		Metrics:       m.metrics,
	})
	m.jobs[jobID] = &tracked{sync: s, kind: kind, startTime: time.Now(), message: message}
	m.pruneLocked()
	m.mu.Unlock()

	s.Start()
	return s, nil
}

// pruneLocked drops the oldest finished jobs beyond maxFinished. Jobs not
// started yet are not finished.
func (m *Manager) pruneLocked() {
	var finished []string
	for id, t := range m.jobs {
		if t.sync.isFinished() {
			finished = append(finished, id)
		}
	}
	if len(finished) <= maxFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return m.jobs[finished[i]].startTime.Before(m.jobs[finished[j]].startTime)
	})
	for _, id := range finished[:len(finished)-maxFinished] {
		delete(m.jobs, id)
	}
}

func (t *tracked) info() JobInfo {
	return JobInfo{Info: t.sync.Info(), Kind: t.kind, StartTime: t.startTime, Message: t.message}
}

// Get returns the state of one job.
func (m *Manager) Get(jobID string) (JobInfo, bool) {
	m.mu.RLock()
	t, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return JobInfo{}, false
	}
	return t.info(), true
}

// List returns every tracked job, newest first.
func (m *Manager) List() []JobInfo {
	m.mu.RLock()
	out := make([]JobInfo, 0, len(m.jobs))
	for _, t := range m.jobs {
		out = append(out, t.info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// Active returns the number of jobs still synchronizing.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.jobs {
		if t.sync.Info().Active {
			n++
		}
	}
	return n
}

// Cancel stops synchronizing jobID. It reports whether the job was known.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.RLock()
	t, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	t.sync.Cancel()
	return true
}

// CancelAll stops every job, e.g. when the session is closed.
func (m *Manager) CancelAll() {
	m.mu.RLock()
	syncs := make([]*Synchronizer, 0, len(m.jobs))
	for _, t := range m.jobs {
		syncs = append(syncs, t.sync)
	}
	m.mu.RUnlock()

	for _, s := range syncs {
		s.Cancel()
	}
}

// Close cancels every job and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CancelAll()
}
