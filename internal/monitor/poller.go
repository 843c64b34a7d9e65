// Package monitor keeps the operational dashboards fresh by polling the
// backend monitoring views on a fixed cadence.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pldconsole/pldconsole/internal/metrics"
	"github.com/pldconsole/pldconsole/internal/model"
	"github.com/pldconsole/pldconsole/internal/scheduler"
)

// Fetcher reads one snapshot.
type Fetcher func(ctx context.Context) (model.MetricsSnapshot, error)

// Poller refreshes one snapshot on a fixed interval.
//
// A successful fetch replaces the snapshot and clears its error. A failed
// fetch sets the error and keeps the previous numbers, so a dashboard shows
// stale data with an error indicator instead of blanking out.
type Poller struct {
	name    string
	sched   *scheduler.Scheduler
	metrics *metrics.Collector

	mu     sync.RWMutex
	snap   model.MetricsSnapshot
	handle *scheduler.Handle
	// gen identifies the current timer; runs of older timers are ignored.
	gen uint64
}

// NewPoller creates a stopped poller. m may be nil.
func NewPoller(name string, sched *scheduler.Scheduler, m *metrics.Collector) *Poller {
	return &Poller{name: name, sched: sched, metrics: m}
}

// Start fetches immediately and then every interval until Stop. Starting a
// running poller replaces its timer instead of adding a second one.
func (p *Poller) Start(fetch Fetcher, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("monitoring view %q: interval must be positive, got %s", p.name, interval)
	}
	p.mu.Lock()
	if p.handle != nil {
		p.handle.Stop()
	}
	p.snap.Loading = true
	p.gen++
	gen := p.gen
	p.handle = p.sched.Register("monitor:"+p.name, interval, func(ctx context.Context) {
		p.poll(ctx, gen, fetch, interval)
	})
	p.mu.Unlock()
	return nil
}

func (p *Poller) poll(ctx context.Context, gen uint64, fetch Fetcher, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.sched.Clock().Now()
	snap, err := fetch(ctx)
	elapsed := p.sched.Clock().Since(start)

	p.mu.Lock()
	defer p.mu.Unlock()
	// Results of a stopped or replaced run are dropped.
	if p.handle == nil || p.gen != gen {
		return
	}
	if p.metrics != nil {
		p.metrics.PollCompleted(p.name, elapsed, err)
	}

	if err != nil {
		p.snap.Error = err.Error()
		p.snap.Loading = false
		slog.Debug("monitor fetch failed", "view", p.name, "err", err)
		return
	}
	snap.Error = ""
	snap.Loading = false
	snap.UpdatedAt = p.sched.Clock().Now()
	p.snap = snap
}

// Stop cancels the timer. Safe to call multiple times or on a poller that
// was never started.
func (p *Poller) Stop() {
	p.mu.Lock()
	h := p.handle
	p.handle = nil
	p.gen++
	p.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// Reset drops the snapshot, e.g. when the numbers belong to a session that
// is gone.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.snap = model.MetricsSnapshot{Loading: p.handle != nil}
	p.mu.Unlock()
}

// Running reports whether the poller has an active timer.
func (p *Poller) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handle != nil
}

// Snapshot returns the last known snapshot.
func (p *Poller) Snapshot() model.MetricsSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.snap
	if s.WorkerLatencies != nil {
		s.WorkerLatencies = append([]model.Latency(nil), s.WorkerLatencies...)
	}
	return s
}
