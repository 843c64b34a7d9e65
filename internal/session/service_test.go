package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pldconsole/pldconsole/internal/backend"
	"github.com/pldconsole/pldconsole/internal/model"
	"github.com/pldconsole/pldconsole/internal/store"
)

var validProfile = model.ConnectionProfile{Host: "db1", Database: "PLD", Username: "sa", Password: "x"}

type fakeBackend struct {
	mu        sync.Mutex
	validates int
	tests     int
	closed    []string
	token     string
	err       error
	closeErr  error
	block     chan struct{}
}

func (f *fakeBackend) ValidateConfig(ctx context.Context, p model.ConnectionProfile, hint string) (backend.Validation, error) {
	f.mu.Lock()
	f.validates++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return backend.Validation{}, f.err
	}
	return backend.Validation{ConfigKey: f.token}, nil
}

func (f *fakeBackend) TestConfig(ctx context.Context, p model.ConnectionProfile) (backend.TestResult, error) {
	f.mu.Lock()
	f.tests++
	f.mu.Unlock()
	return backend.TestResult{Status: "ok", Message: "connected"}, nil
}

func (f *fakeBackend) CloseConfig(ctx context.Context, key string) error {
	f.mu.Lock()
	f.closed = append(f.closed, key)
	f.mu.Unlock()
	return f.closeErr
}

func TestValidateRejectsIncompleteProfileLocally(t *testing.T) {
	fb := &fakeBackend{token: "abc123"}
	s := New(fb, store.NewMemoryStore("sess_a"))

	for _, p := range []model.ConnectionProfile{
		{},
		{Host: "db1", Database: "PLD", Username: "sa"},
		{Database: "PLD", Username: "sa", Password: "x"},
	} {
		_, err := s.Validate(context.Background(), p, nil)
		var pe *model.ProfileError
		assert.True(t, errors.As(err, &pe))

		_, err = s.TestConnection(context.Background(), p)
		assert.True(t, errors.As(err, &pe))
	}

	assert.Zero(t, fb.validates)
	assert.Zero(t, fb.tests)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestValidateConnectsAndPersists(t *testing.T) {
	fb := &fakeBackend{token: "abc123"}
	st := store.NewMemoryStore("sess_a")
	s := New(fb, st)

	var transitions []State
	s.OnStateChange(func(from, to State) { transitions = append(transitions, to) })

	env := &model.Environment{ID: "corp", Name: "CORP", Database: "PLD_CORP"}
	v, err := s.Validate(context.Background(), validProfile, env)
	require.NoError(t, err)
	assert.Equal(t, "abc123", v.ConfigKey)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, []State{StateValidating, StateConnected}, transitions)

	tok, ok := s.Token()
	assert.True(t, ok)
	assert.Equal(t, "abc123", tok)

	rec, err := st.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "abc123", rec.Token)
	assert.Equal(t, env, rec.Environment)

	info := s.Info()
	assert.Equal(t, "***REDACTED***", info.Profile.Password)
}

func TestValidateFailureMovesToErrorWithoutPersisting(t *testing.T) {
	fb := &fakeBackend{err: &backend.APIError{StatusCode: 400, Message: "Login failed"}}
	st := store.NewMemoryStore("sess_a")
	s := New(fb, st)

	_, err := s.Validate(context.Background(), validProfile, nil)
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, "Login failed", s.Info().Error)

	rec, err := st.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
	_, ok := s.Token()
	assert.False(t, ok)
}

func TestValidateWhileBusy(t *testing.T) {
	fb := &fakeBackend{token: "abc123", block: make(chan struct{})}
	s := New(fb, store.NewMemoryStore("sess_a"))

	done := make(chan error)
	go func() {
		_, err := s.Validate(context.Background(), validProfile, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return s.State() == StateValidating }, time.Second, time.Millisecond)
	_, err := s.Validate(context.Background(), validProfile, nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(fb.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateConnected, s.State())
}

func TestRevalidationClosesPreviousToken(t *testing.T) {
	fb := &fakeBackend{token: "abc123"}
	s := New(fb, store.NewMemoryStore("sess_a"))

	_, err := s.Validate(context.Background(), validProfile, nil)
	require.NoError(t, err)
	fb.token = "def456"
	_, err = s.Validate(context.Background(), validProfile, &model.Environment{ID: "other", Database: "PLD_OTHER"})
	require.NoError(t, err)

	assert.Equal(t, []string{"abc123"}, fb.closed)
	tok, _ := s.Token()
	assert.Equal(t, "def456", tok)
}

func TestTestConnectionHasNoSideEffects(t *testing.T) {
	fb := &fakeBackend{token: "abc123"}
	st := store.NewMemoryStore("sess_a")
	s := New(fb, st)

	r, err := s.TestConnection(context.Background(), validProfile)
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Equal(t, StateDisconnected, s.State())
	rec, _ := st.Load()
	assert.Nil(t, rec)
}

func TestRehydratesOptimistically(t *testing.T) {
	st := store.NewMemoryStore("sess_a")
	require.NoError(t, st.Save(store.Record{Profile: validProfile, Token: "abc123"}))

	fb := &fakeBackend{}
	s := New(fb, st)
	assert.Equal(t, StateConnected, s.State())
	tok, ok := s.Token()
	assert.True(t, ok)
	assert.Equal(t, "abc123", tok)
	assert.Zero(t, fb.validates)
}

func TestDisconnectClearsEvenWhenCloseFails(t *testing.T) {
	fb := &fakeBackend{token: "abc123", closeErr: errors.New("connection refused")}
	st := store.NewMemoryStore("sess_a")
	s := New(fb, st)

	_, err := s.Validate(context.Background(), validProfile, nil)
	require.NoError(t, err)

	s.Disconnect(context.Background())
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, []string{"abc123"}, fb.closed)
	rec, err := st.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestHealthTransitions(t *testing.T) {
	fb := &fakeBackend{token: "abc123"}
	st := store.NewMemoryStore("sess_a")
	s := New(fb, st)
	_, err := s.Validate(context.Background(), validProfile, nil)
	require.NoError(t, err)

	s.MarkUnhealthy("status check failed")
	assert.Equal(t, StateError, s.State())
	_, ok := s.Token()
	assert.False(t, ok)

	s.Recover()
	assert.Equal(t, StateConnected, s.State())

	s.MarkUnhealthy("status check failed")
	assert.True(t, s.ExpireToken("abc123", "backend unreachable"))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, "backend unreachable", s.Info().Error)
	assert.Empty(t, fb.closed, "expired sessions are not closed on the backend")
	rec, _ := st.Load()
	assert.Nil(t, rec)
}

func TestObserveRequestError(t *testing.T) {
	fb := &fakeBackend{token: "abc123"}
	s := New(fb, store.NewMemoryStore("sess_a"))
	_, err := s.Validate(context.Background(), validProfile, nil)
	require.NoError(t, err)

	assert.False(t, s.ObserveRequestError(errors.New("timeout")))
	assert.Equal(t, StateConnected, s.State())

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := backend.NewClient(srv.URL, time.Second)
	_, err = c.ConfigStatus(context.Background(), "abc123")
	require.Error(t, err)
	assert.True(t, s.ObserveRequestError(err))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestStaleErrorForReplacedKeyIsIgnored(t *testing.T) {
	fb := &fakeBackend{token: "old"}
	st := store.NewMemoryStore("sess_a")
	s := New(fb, st)
	_, err := s.Validate(context.Background(), validProfile, nil)
	require.NoError(t, err)

	fb.token = "new"
	_, err = s.Validate(context.Background(), validProfile, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, fb.closed)

	// A fetch still in flight with the closed key comes back 410.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()
	c := backend.NewClient(srv.URL, time.Second)
	_, err = c.MonitorView(context.Background(), "old", "queue")
	require.Error(t, err)

	assert.False(t, s.ObserveRequestError(err))
	assert.False(t, s.ExpireToken("old", "closed"))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, "new", s.HeldToken())

	rec, err := st.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "new", rec.Token)
}

// Validating db1/PLD/sa/x yields abc123; after disconnect nothing is stored
// and no request carries abc123 again.
func TestDisconnectScenarioAgainstHTTPBackend(t *testing.T) {
	var (
		mu       sync.Mutex
		seenKeys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenKeys = append(seenKeys, r.Header.Get(backend.ConfigKeyHeader))
		mu.Unlock()
		switch r.URL.Path {
		case "/config/validate":
			w.Write([]byte(`{"config_key":"abc123","details":{}}`))
		case "/config/close/abc123":
			w.Write([]byte(`{"status":"ok"}`))
		default:
			w.Write([]byte(`{"status":"ok","data":{}}`))
		}
	}))
	defer srv.Close()

	client := backend.NewClient(srv.URL, time.Second)
	st := store.NewMemoryStore("sess_a")
	s := New(client, st)

	v, err := s.Validate(context.Background(), validProfile, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", v.ConfigKey)

	s.Disconnect(context.Background())
	rec, err := st.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)

	mu.Lock()
	seenKeys = nil
	mu.Unlock()

	// A consumer that issues config-scoped requests only with a live token.
	if tok, ok := s.Token(); ok {
		_, _ = client.MonitorView(context.Background(), tok, "queue")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, seenKeys, "abc123")
	assert.Empty(t, s.HeldToken())
}
