package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pldconsole/pldconsole/internal/metrics"
	"github.com/pldconsole/pldconsole/internal/model"
	"github.com/pldconsole/pldconsole/internal/scheduler"
)

// ErrNoSession is reported on snapshots while no configuration session is active.
var ErrNoSession = errors.New("no active configuration session")

// Source fetches the raw data of a monitoring view.
type Source interface {
	MonitorView(ctx context.Context, configKey, view string) (json.RawMessage, error)
}

// TokenFunc returns the config key of the active session.
type TokenFunc func() (string, bool)

// Board owns one poller per built-in view.
type Board struct {
	source  Source
	token   TokenFunc
	sched   *scheduler.Scheduler
	metrics *metrics.Collector
	// onError observes fetch errors, e.g. to expire a stale session.
	onError func(error) bool

	mu        sync.Mutex
	pollers   map[string]*Poller
	intervals map[string]time.Duration
	// keys records the config key each view last fetched with.
	keys map[string]string
}

// NewBoard creates a board with every view stopped.
func NewBoard(src Source, token TokenFunc, sched *scheduler.Scheduler, m *metrics.Collector, intervals map[string]time.Duration) *Board {
	b := &Board{
		source:    src,
		token:     token,
		sched:     sched,
		metrics:   m,
		pollers:   make(map[string]*Poller, len(Views)),
		intervals: make(map[string]time.Duration, len(Views)),
		keys:      make(map[string]string, len(Views)),
	}
	for _, v := range Views {
		b.pollers[v] = NewPoller(v, sched, m)
		b.intervals[v] = intervals[v]
	}
	return b
}

// OnError registers fn to observe failed fetches.
func (b *Board) OnError(fn func(error) bool) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

func (b *Board) fetcher(view string) Fetcher {
	return func(ctx context.Context) (model.MetricsSnapshot, error) {
		key, ok := b.token()
		b.switchKey(view, key)
		if !ok {
			return model.MetricsSnapshot{}, ErrNoSession
		}
		raw, err := b.source.MonitorView(ctx, key, view)
		if err != nil {
			b.mu.Lock()
			onError := b.onError
			b.mu.Unlock()
			if onError != nil {
				onError(err)
			}
			return model.MetricsSnapshot{}, err
		}
		return DecodeView(view, raw)
	}
}

// switchKey clears the view when the session behind it changed, so numbers
// of one session are never shown under another.
func (b *Board) switchKey(view, key string) {
	b.mu.Lock()
	prev, seen := b.keys[view]
	b.keys[view] = key
	p := b.pollers[view]
	b.mu.Unlock()
	if seen && prev != key && p != nil {
		p.Reset()
	}
}

// StartView starts polling view. Starting a running view restarts its timer.
func (b *Board) StartView(view string) error {
	b.mu.Lock()
	p, ok := b.pollers[view]
	interval := b.intervals[view]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown monitoring view %q", view)
	}
	if interval <= 0 {
		return fmt.Errorf("monitoring view %q has no interval", view)
	}
	if err := p.Start(b.fetcher(view), interval); err != nil {
		return err
	}
	slog.Info("monitoring view started", "view", view, "interval", interval)
	return nil
}

// StopView stops polling view. Stopping a stopped view is a no-op.
func (b *Board) StopView(view string) error {
	b.mu.Lock()
	p, ok := b.pollers[view]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown monitoring view %q", view)
	}
	if p.Running() {
		slog.Info("monitoring view stopped", "view", view)
		if b.metrics != nil {
			b.metrics.RemoveView(view)
		}
	}
	p.Stop()
	return nil
}

// Start starts every view.
func (b *Board) Start() {
	for _, v := range Views {
		if err := b.StartView(v); err != nil {
			slog.Warn("monitoring view not started", "view", v, "err", err)
		}
	}
}

// Stop stops every view.
func (b *Board) Stop() {
	for _, v := range Views {
		_ = b.StopView(v)
	}
}

// Reconfigure applies new intervals and restarts the running views whose
// interval changed.
func (b *Board) Reconfigure(intervals map[string]time.Duration) {
	var restart []string
	b.mu.Lock()
	for _, v := range Views {
		d, ok := intervals[v]
		if !ok || d <= 0 || d == b.intervals[v] {
			continue
		}
		b.intervals[v] = d
		if b.pollers[v].Running() {
			restart = append(restart, v)
		}
	}
	b.mu.Unlock()

	for _, v := range restart {
		_ = b.StartView(v)
	}
}

// ViewStatus is the state of one view for display.
type ViewStatus struct {
	View     string                `json:"view"`
	Running  bool                  `json:"running"`
	Interval string                `json:"interval"`
	Snapshot model.MetricsSnapshot `json:"snapshot"`
}

// Status returns the state of view.
func (b *Board) Status(view string) (ViewStatus, bool) {
	b.mu.Lock()
	p, ok := b.pollers[view]
	interval := b.intervals[view]
	b.mu.Unlock()
	if !ok {
		return ViewStatus{}, false
	}
	return ViewStatus{
		View:     view,
		Running:  p.Running(),
		Interval: interval.String(),
		Snapshot: p.Snapshot(),
	}, true
}

// Statuses returns the state of every view in display order.
func (b *Board) Statuses() []ViewStatus {
	out := make([]ViewStatus, 0, len(Views))
	for _, v := range Views {
		if st, ok := b.Status(v); ok {
			out = append(out, st)
		}
	}
	return out
}
