// Package jobsync tracks asynchronous backend jobs to completion.
//
// A Synchronizer prefers the job's event stream. When the stream fails, is
// not offered, or delivers something that is not a job status, it falls back
// to polling the status endpoint for the rest of the job's life and never
// reopens the stream. The first terminal status stops all network activity.
package jobsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pldconsole/pldconsole/internal/backend"
	"github.com/pldconsole/pldconsole/internal/metrics"
	"github.com/pldconsole/pldconsole/internal/model"
	"github.com/pldconsole/pldconsole/internal/scheduler"
	"github.com/pldconsole/pldconsole/internal/sse"
)

// DefaultPollInterval is the status poll cadence after a stream fallback.
const DefaultPollInterval = 2 * time.Second

// Delivery channels.
const (
	ChannelStream = "stream"
	ChannelPoll   = "poll"
)

// Source is the backend surface a Synchronizer reads from.
type Source interface {
	OpenJobStream(ctx context.Context, jobID string) (sse.Stream, error)
	JobStatus(ctx context.Context, jobID string) (model.Job, error)
}

// Options configures a Synchronizer.
type Options struct {
	PollInterval  time.Duration
	DisableStream bool
	Metrics       *metrics.Collector
	// OnUpdate is called after every applied status, in order.
	OnUpdate func(model.Job)
}

// Info is a read-only view of a synchronizer.
type Info struct {
	Job       model.Job `json:"job"`
	Channel   string    `json:"channel,omitempty"`
	FellBack  bool      `json:"fell_back"`
	Active    bool      `json:"active"`
	Cancelled bool      `json:"cancelled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Synchronizer tracks one job.
type Synchronizer struct {
	jobID  string
	source Source
	sched  *scheduler.Scheduler
	opts   Options

	mu           sync.Mutex
	status       model.Job
	channel      string
	updatedAt    time.Time
	started      bool
	fellBack     bool
	finished     bool
	cancelled    bool
	stream       sse.Stream
	streamCancel context.CancelFunc
	poll         *scheduler.Handle
	done         chan struct{}
}

// New creates a synchronizer for jobID. Nothing happens until Start.
func New(jobID string, src Source, sched *scheduler.Scheduler, opts Options) *Synchronizer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Synchronizer{
		jobID:  jobID,
		source: src,
		sched:  sched,
		opts:   opts,
		status: model.Job{ID: jobID, Status: model.JobPending},
		done:   make(chan struct{}),
	}
}

// Start begins synchronization. Calling it more than once has no effect.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.started || s.finished {
		s.mu.Unlock()
		return
	}
	s.started = true
	if s.opts.Metrics != nil {
		s.opts.Metrics.JobStarted()
	}

	if s.opts.DisableStream {
		s.startPollingLocked()
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.streamCancel = cancel
	s.channel = ChannelStream
	s.mu.Unlock()

	go s.runStream(ctx)
}

func (s *Synchronizer) runStream(ctx context.Context) {
	st, err := s.source.OpenJobStream(ctx, s.jobID)
	if err != nil {
		reason := "stream_error"
		if errors.Is(err, backend.ErrStreamUnsupported) {
			reason = "unsupported"
		}
		s.fallback(reason, err)
		return
	}

	s.mu.Lock()
	if s.finished || s.fellBack {
		s.mu.Unlock()
		st.Close()
		return
	}
	s.stream = st
	s.mu.Unlock()

	for {
		ev, err := st.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.fallback("stream_closed", err)
			} else {
				s.fallback("stream_error", err)
			}
			return
		}

		job, err := model.ParseJob([]byte(ev.Data))
		if err != nil {
			s.fallback("malformed", err)
			return
		}
		if s.apply(job, ChannelStream) {
			return
		}
	}
}

// fallback switches to polling for good. It does nothing once the job is
// finished or already polling.
func (s *Synchronizer) fallback(reason string, cause error) {
	s.mu.Lock()
	if s.finished || s.fellBack {
		s.mu.Unlock()
		return
	}
	s.fellBack = true
	s.closeStreamLocked()
	s.startPollingLocked()
	s.mu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.StreamFallback(reason)
	}
	slog.Debug("job stream unavailable, polling instead", "job", s.jobID, "reason", reason, "err", cause)
}

func (s *Synchronizer) startPollingLocked() {
	s.channel = ChannelPoll
	s.poll = s.sched.Register("job:"+s.jobID, s.opts.PollInterval, s.pollOnce)
}

func (s *Synchronizer) pollOnce(ctx context.Context) {
	if s.isFinished() {
		return
	}

	job, err := s.source.JobStatus(ctx, s.jobID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		// Transient: reported, and the next tick retries.
		s.apply(model.TransientJobError(s.jobID, err), ChannelPoll)
		return
	}
	s.apply(job, ChannelPoll)
}

// apply replaces the status wholesale and reports whether the job finished.
func (s *Synchronizer) apply(job model.Job, channel string) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return true
	}
	if job.ID == "" {
		job.ID = s.jobID
	}
	s.status = job
	s.updatedAt = time.Now()
	onUpdate := s.opts.OnUpdate
	s.mu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.JobUpdate(channel)
	}
	if onUpdate != nil {
		onUpdate(job)
	}

	if job.IsTerminal() {
		s.finish(false)
		return true
	}
	return false
}

// Cancel stops all network activity for the job regardless of its status.
// Safe to call multiple times.
func (s *Synchronizer) Cancel() {
	s.finish(true)
}

func (s *Synchronizer) finish(cancelled bool) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.cancelled = cancelled
	started := s.started
	s.closeStreamLocked()
	poll := s.poll
	s.poll = nil
	status := s.status.Status
	s.mu.Unlock()

	if poll != nil {
		poll.Stop()
	}
	close(s.done)

	if started && s.opts.Metrics != nil {
		final := string(status)
		if cancelled {
			final = "cancelled"
		}
		s.opts.Metrics.JobFinished(final)
	}
	slog.Info("job synchronization stopped", "job", s.jobID, "status", status, "cancelled", cancelled)
}

func (s *Synchronizer) closeStreamLocked() {
	if s.streamCancel != nil {
		s.streamCancel()
		s.streamCancel = nil
	}
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
}

func (s *Synchronizer) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Done is closed when the job reached a terminal status or was cancelled.
func (s *Synchronizer) Done() <-chan struct{} {
	return s.done
}

// Status returns the last known job status.
func (s *Synchronizer) Status() model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info returns a snapshot of the synchronizer.
func (s *Synchronizer) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Job:       s.status,
		Channel:   s.channel,
		FellBack:  s.fellBack,
		Active:    s.started && !s.finished,
		Cancelled: s.cancelled,
		UpdatedAt: s.updatedAt,
	}
}
