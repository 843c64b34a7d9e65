package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pldconsole/pldconsole/internal/backend"
	"github.com/pldconsole/pldconsole/internal/config"
	"github.com/pldconsole/pldconsole/internal/scheduler"
	"github.com/pldconsole/pldconsole/internal/session"
)

var testHealthCfg = config.HealthCheckConfig{
	Interval:          30 * time.Second,
	FailureThreshold:  3,
	ExpireThreshold:   5,
	ConnectionTimeout: 5 * time.Second,
}

type fakeSession struct {
	mu        sync.Mutex
	token     string
	state     session.State
	unhealthy int
	recovered int
	expired   []string
}

func newFakeSession(token string) *fakeSession {
	return &fakeSession{token: token, state: session.StateConnected}
}

func (f *fakeSession) HeldToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeSession) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) MarkUnhealthy(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy++
	f.state = session.StateError
}

func (f *fakeSession) Recover() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered++
	f.state = session.StateConnected
}

func (f *fakeSession) ExpireToken(token, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token != f.token {
		return false
	}
	f.expired = append(f.expired, reason)
	f.token = ""
	f.state = session.StateDisconnected
	return true
}

type fakeStatusSource struct {
	calls  atomic.Int32
	mu     sync.Mutex
	err    error
	status string
	// during runs inside the status call, before it answers.
	during func()
}

func (f *fakeStatusSource) set(status string, err error) {
	f.mu.Lock()
	f.status, f.err = status, err
	f.mu.Unlock()
}

func (f *fakeStatusSource) ConfigStatus(ctx context.Context, key string) (backend.ConfigStatus, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return backend.ConfigStatus{}, f.err
	}
	status := f.status
	if status == "" {
		status = "open"
	}
	return backend.ConfigStatus{ConfigKey: key, Status: status}, nil
}

func newTestChecker(p StatusSource, s Session) *Checker {
	return NewChecker(p, s, scheduler.New(clockwork.NewFakeClock()), nil, testHealthCfg)
}

func TestCheckerInitialState(t *testing.T) {
	c := newTestChecker(&fakeStatusSource{}, newFakeSession(""))

	if !c.IsHealthy() {
		t.Error("unknown session should be treated as healthy")
	}
	if st := c.GetStatus(); st.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", st.Status)
	}
}

func TestCheckerSkipsWithoutSession(t *testing.T) {
	p := &fakeStatusSource{}
	c := newTestChecker(p, newFakeSession(""))

	c.check(context.Background())
	if p.calls.Load() != 0 {
		t.Errorf("expected no status request without a session, got %d", p.calls.Load())
	}
}

func TestCheckerHealthy(t *testing.T) {
	p := &fakeStatusSource{}
	s := newFakeSession("abc123")
	c := newTestChecker(p, s)

	c.check(context.Background())
	st := c.GetStatus()
	if st.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", st.Status)
	}
	if st.LastCheck.IsZero() {
		t.Error("last check should be set")
	}
	if s.recovered != 0 || s.unhealthy != 0 {
		t.Error("a healthy connected session needs no transition")
	}
}

func TestCheckerThreshold(t *testing.T) {
	p := &fakeStatusSource{}
	p.set("", errors.New("connection refused"))
	s := newFakeSession("abc123")
	c := newTestChecker(p, s)

	c.check(context.Background())
	c.check(context.Background())
	if !c.IsHealthy() {
		t.Error("should still be healthy below the threshold")
	}
	if st := c.GetStatus(); st.ConsecutiveFailures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", st.ConsecutiveFailures)
	}

	c.check(context.Background())
	if c.IsHealthy() {
		t.Error("should be unhealthy after reaching the threshold")
	}
	if s.State() != session.StateError {
		t.Errorf("expected session in error state, got %s", s.State())
	}
	if s.unhealthy != 1 {
		t.Errorf("expected one unhealthy transition, got %d", s.unhealthy)
	}
	if c.GetStatus().LastError != "connection refused" {
		t.Errorf("unexpected last error %q", c.GetStatus().LastError)
	}

	// Staying unhealthy does not repeat the transition.
	c.check(context.Background())
	if s.unhealthy != 1 {
		t.Errorf("expected one unhealthy transition, got %d", s.unhealthy)
	}
}

func TestCheckerRecovery(t *testing.T) {
	p := &fakeStatusSource{}
	p.set("", errors.New("timeout"))
	s := newFakeSession("abc123")
	c := newTestChecker(p, s)

	for i := 0; i < 3; i++ {
		c.check(context.Background())
	}
	if s.State() != session.StateError {
		t.Fatalf("expected error state, got %s", s.State())
	}

	p.set("open", nil)
	c.check(context.Background())
	if !c.IsHealthy() {
		t.Error("should be healthy after a successful check")
	}
	if s.State() != session.StateConnected || s.recovered != 1 {
		t.Errorf("expected a recover transition, state %s recovered %d", s.State(), s.recovered)
	}
	if st := c.GetStatus(); st.ConsecutiveFailures != 0 || st.LastError != "" {
		t.Errorf("failures should reset, got %+v", st)
	}
}

func TestCheckerExpiresAfterPersistentFailure(t *testing.T) {
	p := &fakeStatusSource{}
	p.set("", errors.New("no route to host"))
	s := newFakeSession("abc123")
	c := newTestChecker(p, s)

	for i := 0; i < testHealthCfg.ExpireThreshold; i++ {
		c.check(context.Background())
	}
	if s.State() != session.StateDisconnected {
		t.Errorf("expected disconnected, got %s", s.State())
	}
	if len(s.expired) != 1 {
		t.Fatalf("expected one expiry, got %d", len(s.expired))
	}
	if c.GetStatus().Status != StatusUnknown {
		t.Error("health record should be cleared with the session")
	}
}

func TestCheckerExpiresStaleKeyImmediately(t *testing.T) {
	tests := []struct {
		name   string
		status string
		err    error
	}{
		{"not found", "", &backend.APIError{StatusCode: http.StatusNotFound, Message: "config_key not found", ConfigKey: "abc123"}},
		{"closed", "closed", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeStatusSource{}
			p.set(tt.status, tt.err)
			s := newFakeSession("abc123")
			c := newTestChecker(p, s)

			c.check(context.Background())
			if s.State() != session.StateDisconnected {
				t.Errorf("expected disconnected, got %s", s.State())
			}
			if s.unhealthy != 0 {
				t.Error("a stale key expires without an error phase")
			}
		})
	}
}

func TestCheckerIgnoresCheckOfReplacedKey(t *testing.T) {
	s := newFakeSession("old")
	p := &fakeStatusSource{}
	p.set("", &backend.APIError{StatusCode: http.StatusGone, ConfigKey: "old"})
	p.during = func() {
		// Re-validation swaps the key while the request is in flight.
		s.mu.Lock()
		s.token = "new"
		s.mu.Unlock()
	}
	c := newTestChecker(p, s)

	c.check(context.Background())
	if s.State() != session.StateConnected {
		t.Errorf("expected the new session to stay connected, got %s", s.State())
	}
	if s.HeldToken() != "new" || len(s.expired) != 0 {
		t.Errorf("stale answer for the old key must not expire the new one, expired %v", s.expired)
	}
	if st := c.GetStatus(); st.ConsecutiveFailures != 0 {
		t.Errorf("expected no failure recorded, got %d", st.ConsecutiveFailures)
	}
}

func TestCheckerResetsForNewSession(t *testing.T) {
	p := &fakeStatusSource{}
	p.set("", errors.New("refused"))
	s := newFakeSession("abc123")
	c := newTestChecker(p, s)

	c.check(context.Background())
	c.check(context.Background())

	s.mu.Lock()
	s.token = "def456"
	s.mu.Unlock()
	c.check(context.Background())
	if st := c.GetStatus(); st.ConsecutiveFailures != 1 {
		t.Errorf("failures of the old key must not count, got %d", st.ConsecutiveFailures)
	}
}

func TestCheckerStartStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := scheduler.New(clock)
	defer sched.Close()

	p := &fakeStatusSource{}
	c := NewChecker(p, newFakeSession("abc123"), sched, nil, testHealthCfg)
	c.Start()
	c.Start()

	deadline := time.Now().Add(time.Second)
	for p.calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.calls.Load() != 1 {
		t.Fatalf("expected an immediate check, got %d", p.calls.Load())
	}
	if sched.Active() != 1 {
		t.Errorf("expected one scheduled task, got %d", sched.Active())
	}

	clock.Advance(testHealthCfg.Interval)
	deadline = time.Now().Add(time.Second)
	for p.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.calls.Load() != 2 {
		t.Errorf("expected a second check after one interval, got %d", p.calls.Load())
	}

	c.Stop()
	c.Stop()
	if sched.Active() != 0 {
		t.Errorf("expected no scheduled task after stop, got %d", sched.Active())
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
