// Package scheduler runs periodic tasks on behalf of the console. Every
// refresher (dashboards, job polling, health checks) registers here so all
// timers have one owner and are cancelled together on shutdown.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Task is one periodic unit of work. ctx is cancelled when the task's
// handle is stopped.
type Task func(ctx context.Context)

// Scheduler owns a set of periodic tasks.
type Scheduler struct {
	clock  clockwork.Clock
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates a scheduler driven by clock. A nil clock uses real time.
func New(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:   clock,
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[*Handle]struct{}),
	}
}

// Clock returns the clock driving the scheduler.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// Handle controls one registered task.
type Handle struct {
	name     string
	sched    *Scheduler
	ctx      context.Context
	cancel   context.CancelFunc
	resetCh  chan time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// Register runs task immediately and then every interval until the returned
// handle is stopped. Runs of one task never overlap: a tick that arrives
// while the task is still running is dropped. A non-positive interval is
// rejected: the task never runs and the returned handle is already done.
func (s *Scheduler) Register(name string, interval time.Duration, task Task) *Handle {
	ctx, cancel := context.WithCancel(s.ctx)
	h := &Handle{
		name:    name,
		sched:   s,
		ctx:     ctx,
		cancel:  cancel,
		resetCh: make(chan time.Duration, 1),
		done:    make(chan struct{}),
	}

	if interval <= 0 {
		slog.Error("scheduled task rejected", "task", name, "interval", interval)
		cancel()
		close(h.done)
		return h
	}

	// Created here so the ticker exists before Register returns.
	ticker := s.clock.NewTicker(interval)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ticker.Stop()
		cancel()
		close(h.done)
		return h
	}
	s.handles[h] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer ticker.Stop()
		h.run(task, ticker)
	}()

	slog.Debug("scheduled task registered", "task", name, "interval", interval)
	return h
}

func (h *Handle) run(task Task, ticker clockwork.Ticker) {
	if h.ctx.Err() != nil {
		return
	}
	task(h.ctx)

	for {
		select {
		case <-ticker.Chan():
			if h.ctx.Err() != nil {
				return
			}
			task(h.ctx)
		case d := <-h.resetCh:
			ticker.Reset(d)
		case <-h.ctx.Done():
			return
		}
	}
}

// Name returns the name the task was registered under.
func (h *Handle) Name() string {
	return h.name
}

// Reset changes the interval of a running task. Non-positive intervals are
// ignored.
func (h *Handle) Reset(interval time.Duration) {
	if interval <= 0 {
		return
	}
	select {
	case <-h.resetCh:
	default:
	}
	select {
	case h.resetCh <- interval:
	default:
	}
}

// Stop cancels the task. It does not wait for an in-flight run, so it may be
// called from inside the task itself; use Done to wait. Safe to call
// multiple times.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		h.sched.mu.Lock()
		delete(h.sched.handles, h)
		h.sched.mu.Unlock()
		slog.Debug("scheduled task stopped", "task", h.name)
	})
}

// Done is closed once the task has stopped and its last run returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Active returns the number of registered tasks that have not been stopped.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Close stops every task and waits for them to return. Tasks registered
// after Close never run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	s.cancel()
	s.wg.Wait()
}
