package health

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pldconsole/pldconsole/internal/backend"
	"github.com/pldconsole/pldconsole/internal/config"
	"github.com/pldconsole/pldconsole/internal/metrics"
	"github.com/pldconsole/pldconsole/internal/scheduler"
	"github.com/pldconsole/pldconsole/internal/session"
)

// Status represents the health of the configuration session.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON responses.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionHealth holds health information for the current config key.
type SessionHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// StatusSource asks the backend about a config key.
type StatusSource interface {
	ConfigStatus(ctx context.Context, configKey string) (backend.ConfigStatus, error)
}

// Session is the part of the session service the checker drives.
type Session interface {
	HeldToken() string
	State() session.State
	MarkUnhealthy(reason string)
	Recover()
	ExpireToken(token, reason string) bool
}

// errKeyClosed is reported when the backend answers but no longer considers
// the key open.
var errKeyClosed = errors.New("config key closed on backend")

// Checker periodically re-checks the configuration session against the
// backend.
type Checker struct {
	mu      sync.RWMutex
	health  SessionHealth
	key     string
	source  StatusSource
	session Session
	sched   *scheduler.Scheduler
	metrics *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	expireThreshold   int
	connectionTimeout time.Duration

	handle   *scheduler.Handle
	stopOnce sync.Once
}

// NewChecker creates a new health checker with configurable parameters.
func NewChecker(p StatusSource, s Session, sched *scheduler.Scheduler, m *metrics.Collector, hcCfg config.HealthCheckConfig) *Checker {
	expire := hcCfg.ExpireThreshold
	if expire < hcCfg.FailureThreshold {
		expire = hcCfg.FailureThreshold
	}
	return &Checker{
		source:            p,
		session:           s,
		sched:             sched,
		metrics:           m,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		expireThreshold:   expire,
		connectionTimeout: hcCfg.ConnectionTimeout,
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.mu.Lock()
	if c.handle != nil {
		c.mu.Unlock()
		return
	}
	c.handle = c.sched.Register("session-health", c.interval, c.check)
	c.mu.Unlock()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// SetInterval changes the check interval of a running checker.
func (c *Checker) SetInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 || d == c.interval {
		return
	}
	c.interval = d
	if c.handle != nil {
		c.handle.Reset(d)
	}
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		c.mu.RLock()
		h := c.handle
		c.mu.RUnlock()
		if h != nil {
			h.Stop()
			<-h.Done()
		}
		slog.Info("health checker stopped")
	})
}

func (c *Checker) check(ctx context.Context) {
	key := c.session.HeldToken()
	if key == "" {
		c.forget()
		return
	}

	pctx, cancel := context.WithTimeout(ctx, c.connectionTimeout)
	defer cancel()

	start := time.Now()
	err := c.fetchStatus(pctx, key)
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	if c.metrics != nil {
		c.metrics.HealthCheckCompleted(elapsed, err == nil)
	}
	if c.session.HeldToken() != key {
		// The session moved on to another key while the check ran.
		return
	}

	if err != nil && (errors.Is(err, backend.ErrStaleSession) || errors.Is(err, errKeyClosed)) {
		if c.metrics != nil {
			c.metrics.HealthCheckError("stale")
		}
		c.forget()
		c.session.ExpireToken(key, backend.Message(err))
		return
	}
	if err != nil && c.metrics != nil {
		c.metrics.HealthCheckError(reason(err))
	}
	c.updateStatus(key, err)
}

func (c *Checker) fetchStatus(ctx context.Context, key string) error {
	st, err := c.source.ConfigStatus(ctx, key)
	if err != nil {
		return err
	}
	switch strings.ToLower(st.Status) {
	case "closed", "expired", "not_found":
		return errKeyClosed
	}
	return nil
}

func reason(err error) string {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &apiErr):
		return "backend_error"
	default:
		return "unreachable"
	}
}

func (c *Checker) updateStatus(key string, err error) {
	c.mu.Lock()
	if c.key != key {
		// A new session starts with a clean record.
		c.key = key
		c.health = SessionHealth{}
	}
	th := &c.health
	th.LastCheck = time.Now()

	var markUnhealthy, expire, recovered bool
	if err == nil {
		if th.ConsecutiveFailures > 0 {
			slog.Info("session recovered", "failures", th.ConsecutiveFailures)
		}
		recovered = th.Status == StatusUnhealthy || c.session.State() == session.StateError
		th.Status = StatusHealthy
		th.ConsecutiveFailures = 0
		th.LastError = ""
	} else {
		th.ConsecutiveFailures++
		th.LastError = backend.Message(err)
		if th.ConsecutiveFailures >= c.failureThreshold {
			if th.Status != StatusUnhealthy {
				slog.Warn("session marked unhealthy", "failures", th.ConsecutiveFailures, "error", th.LastError)
				markUnhealthy = true
			}
			th.Status = StatusUnhealthy
		}
		expire = th.ConsecutiveFailures >= c.expireThreshold
	}
	lastErr := th.LastError
	c.mu.Unlock()

	switch {
	case expire:
		c.forget()
		c.session.ExpireToken(key, lastErr)
	case markUnhealthy:
		c.session.MarkUnhealthy(lastErr)
	case recovered:
		c.session.Recover()
	}
}

func (c *Checker) forget() {
	c.mu.Lock()
	c.key = ""
	c.health = SessionHealth{}
	c.mu.Unlock()
}

// IsHealthy reports whether the session is healthy (or unknown, which is
// treated as healthy).
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health.Status != StatusUnhealthy
}

// GetStatus returns the health of the current session.
func (c *Checker) GetStatus() SessionHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}
