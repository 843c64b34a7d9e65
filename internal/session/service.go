// Package session owns the operator's configuration session: whether a
// backend connection is active, the config key that represents it, and the
// transitions between those states.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pldconsole/pldconsole/internal/backend"
	"github.com/pldconsole/pldconsole/internal/model"
	"github.com/pldconsole/pldconsole/internal/store"
)

// State is the connection state of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateValidating   State = "validating"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrBusy is returned when a validation is already in flight.
var ErrBusy = errors.New("a validation is already in progress")

// ErrNotConnected is returned by operations that need an active session.
var ErrNotConnected = errors.New("no active configuration session")

// Backend is the part of the backend API the service uses.
type Backend interface {
	ValidateConfig(ctx context.Context, profile model.ConnectionProfile, environmentHint string) (backend.Validation, error)
	TestConfig(ctx context.Context, profile model.ConnectionProfile) (backend.TestResult, error)
	CloseConfig(ctx context.Context, configKey string) error
}

// Info is a read-only view of the session.
type Info struct {
	State       State                    `json:"state"`
	Profile     *model.ConnectionProfile `json:"profile,omitempty"`
	Environment *model.Environment       `json:"environment,omitempty"`
	Details     map[string]any           `json:"details,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Since       time.Time                `json:"since"`
}

// Service is the single source of truth for the active configuration session.
// Construct one per session context and share it between consumers.
type Service struct {
	backend      Backend
	store        store.Store
	closeTimeout time.Duration

	mu       sync.RWMutex
	state    State
	profile  model.ConnectionProfile
	env      *model.Environment
	token    string
	details  map[string]any
	lastErr  string
	since    time.Time
	watchers []func(from, to State)
}

// Option configures a Service.
type Option func(*Service)

// WithCloseTimeout bounds the best-effort backend close on disconnect.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Service) { s.closeTimeout = d }
}

// New creates a service and rehydrates it from st. A stored token puts the
// service straight into the connected state without asking the backend.
func New(b Backend, st store.Store, opts ...Option) *Service {
	s := &Service{
		backend:      b,
		store:        st,
		closeTimeout: 5 * time.Second,
		state:        StateDisconnected,
		since:        time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	rec, err := st.Load()
	if err != nil {
		slog.Warn("could not restore configuration session", "err", err)
		return s
	}
	if rec != nil {
		s.state = StateConnected
		s.profile = rec.Profile
		s.env = rec.Environment
		s.token = rec.Token
		slog.Info("configuration session restored", "host", rec.Profile.Host, "database", rec.Profile.Database)
	}
	return s
}

// OnStateChange registers fn to be called after every state transition.
func (s *Service) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// Validate checks profile locally, then asks the backend for a config key.
// On success the session is persisted and connected. On failure the service
// moves to the error state and nothing is persisted. A profile missing fields
// is rejected with *model.ProfileError before any network call.
func (s *Service) Validate(ctx context.Context, profile model.ConnectionProfile, env *model.Environment) (backend.Validation, error) {
	if err := profile.Validate(); err != nil {
		return backend.Validation{}, err
	}
	if env != nil {
		if err := env.Validate(); err != nil {
			return backend.Validation{}, err
		}
	}

	s.mu.Lock()
	if s.state == StateValidating {
		s.mu.Unlock()
		return backend.Validation{}, ErrBusy
	}
	from := s.setStateLocked(StateValidating)
	s.mu.Unlock()
	s.notify(from, StateValidating)

	hint := ""
	if env != nil {
		hint = env.ID
	}
	v, err := s.backend.ValidateConfig(ctx, profile, hint)
	if err != nil {
		s.mu.Lock()
		s.lastErr = backend.Message(err)
		s.setStateLocked(StateError)
		s.mu.Unlock()
		s.notify(StateValidating, StateError)
		slog.Warn("configuration rejected", "host", profile.Host, "database", profile.Database, "err", err)
		return backend.Validation{}, err
	}

	s.mu.Lock()
	// The store is written under the lock so a concurrent expiry of the
	// previous key cannot clear the new record.
	if err := s.store.Save(store.Record{Profile: profile, Environment: env, Token: v.ConfigKey}); err != nil {
		slog.Warn("configuration session not persisted", "err", err)
	}
	previous := s.token
	s.profile = profile
	s.env = env
	s.token = v.ConfigKey
	s.details = v.Details
	s.lastErr = ""
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	s.notify(StateValidating, StateConnected)
	slog.Info("configuration validated", "host", profile.Host, "database", profile.Database)

	// Only one token is live at a time.
	if previous != "" && previous != v.ConfigKey {
		s.closeBackend(ctx, previous)
	}
	return v, nil
}

// TestConnection tests profile without touching session state.
func (s *Service) TestConnection(ctx context.Context, profile model.ConnectionProfile) (backend.TestResult, error) {
	if err := profile.Validate(); err != nil {
		return backend.TestResult{}, err
	}
	return s.backend.TestConfig(ctx, profile)
}

// Disconnect drops the session. The token is forgotten and the store cleared
// before the backend is told to release it, so a closed token is never
// served again. A failed backend close is only logged.
func (s *Service) Disconnect(ctx context.Context) {
	s.mu.Lock()
	token := s.token
	from := s.resetLocked()
	if err := s.store.Clear(); err != nil {
		slog.Warn("could not clear stored session", "err", err)
	}
	s.mu.Unlock()
	if token != "" {
		s.closeBackend(ctx, token)
	}
	if from != StateDisconnected {
		s.notify(from, StateDisconnected)
	}
	slog.Info("configuration session closed")
}

// MarkUnhealthy moves a connected session to the error state.
func (s *Service) MarkUnhealthy(reason string) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.lastErr = reason
	s.setStateLocked(StateError)
	s.mu.Unlock()
	s.notify(StateConnected, StateError)
	slog.Warn("configuration session unhealthy", "reason", reason)
}

// Recover moves a session in the error state back to connected, provided it
// still holds a token.
func (s *Service) Recover() {
	s.mu.Lock()
	if s.state != StateError || s.token == "" {
		s.mu.Unlock()
		return
	}
	s.lastErr = ""
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	s.notify(StateError, StateConnected)
	slog.Info("configuration session recovered")
}

// ExpireToken drops the session the backend no longer honors, provided it
// still holds token. Reports about a key the session has already replaced
// are ignored. The backend is not asked to close it. It reports whether the
// session was expired.
func (s *Service) ExpireToken(token, reason string) bool {
	s.mu.Lock()
	if token == "" || s.token != token {
		s.mu.Unlock()
		return false
	}
	from := s.resetLocked()
	s.lastErr = reason
	if err := s.store.Clear(); err != nil {
		slog.Warn("could not clear stored session", "err", err)
	}
	s.mu.Unlock()

	if from != StateDisconnected {
		s.notify(from, StateDisconnected)
	}
	slog.Warn("configuration session expired", "reason", reason)
	return true
}

// ObserveRequestError inspects the error of a configuration-scoped request
// and expires the session when the backend reports its config key as stale.
// It reports whether the session was expired.
func (s *Service) ObserveRequestError(err error) bool {
	key, ok := backend.StaleKey(err)
	if !ok {
		return false
	}
	return s.ExpireToken(key, backend.Message(err))
}

// Token returns the config key of a connected session.
func (s *Service) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected || s.token == "" {
		return "", false
	}
	return s.token, true
}

// HeldToken returns the config key held by the session regardless of its
// health. It is empty once disconnected.
func (s *Service) HeldToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot of the session with the password masked.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		State:   s.state,
		Details: s.details,
		Error:   s.lastErr,
		Since:   s.since,
	}
	if s.token != "" {
		p := s.profile.Redacted()
		info.Profile = &p
	}
	if s.env != nil {
		e := *s.env
		info.Environment = &e
	}
	return info
}

func (s *Service) resetLocked() State {
	s.token = ""
	s.profile = model.ConnectionProfile{}
	s.env = nil
	s.details = nil
	s.lastErr = ""
	return s.setStateLocked(StateDisconnected)
}

func (s *Service) setStateLocked(to State) State {
	from := s.state
	if from != to {
		s.state = to
		s.since = time.Now()
	}
	return from
}

func (s *Service) notify(from, to State) {
	s.mu.RLock()
	watchers := make([]func(from, to State), len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.RUnlock()

	for _, fn := range watchers {
		fn(from, to)
	}
}

func (s *Service) closeBackend(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.closeTimeout)
	defer cancel()
	if err := s.backend.CloseConfig(ctx, token); err != nil {
		slog.Warn("backend close failed, local session cleared anyway", "err", err)
	}
}
