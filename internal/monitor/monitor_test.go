package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pldconsole/pldconsole/internal/backend"
	"github.com/pldconsole/pldconsole/internal/model"
	"github.com/pldconsole/pldconsole/internal/scheduler"
)

func waitCalls(t *testing.T, n *atomic.Int32, want int32) {
	t.Helper()
	require.Eventually(t, func() bool { return n.Load() == want }, time.Second, time.Millisecond,
		"expected %d calls, got %d", want, n.Load())
}

func TestPollerKeepsNumbersOnFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := scheduler.New(clock)
	defer sched.Close()

	var calls atomic.Int32
	results := []struct {
		snap model.MetricsSnapshot
		err  error
	}{
		{snap: model.MetricsSnapshot{OverallStatus: "STABLE", PendingQueue: 12, ErrorCount: 1,
			WorkerLatencies: []model.Latency{{Worker: "MF1", Millis: 120}}}},
		{err: errors.New("gateway timeout")},
		{snap: model.MetricsSnapshot{OverallStatus: "DEGRADED", PendingQueue: 40}},
	}
	fetch := func(ctx context.Context) (model.MetricsSnapshot, error) {
		r := results[calls.Load()]
		calls.Add(1)
		return r.snap, r.err
	}

	p := NewPoller("server-health", sched, nil)
	require.NoError(t, p.Start(fetch, 10*time.Second))
	defer p.Stop()

	waitCalls(t, &calls, 1)
	require.Eventually(t, func() bool { return !p.Snapshot().Loading }, time.Second, time.Millisecond)
	first := p.Snapshot()
	assert.Equal(t, int64(12), first.PendingQueue)
	assert.Empty(t, first.Error)

	clock.Advance(10 * time.Second)
	waitCalls(t, &calls, 2)
	require.Eventually(t, func() bool { return p.Snapshot().Error != "" }, time.Second, time.Millisecond)
	failed := p.Snapshot()
	assert.Equal(t, "gateway timeout", failed.Error)
	assert.Equal(t, int64(12), failed.PendingQueue)
	assert.Equal(t, int64(1), failed.ErrorCount)
	assert.Equal(t, first.WorkerLatencies, failed.WorkerLatencies)
	assert.Equal(t, first.UpdatedAt, failed.UpdatedAt)

	clock.Advance(10 * time.Second)
	waitCalls(t, &calls, 3)
	require.Eventually(t, func() bool { return p.Snapshot().Error == "" }, time.Second, time.Millisecond)
	recovered := p.Snapshot()
	assert.Equal(t, "DEGRADED", recovered.OverallStatus)
	assert.Equal(t, int64(40), recovered.PendingQueue)
	assert.Zero(t, recovered.ErrorCount)
	assert.Empty(t, recovered.WorkerLatencies)
}

// Two pollers started together at 5s and 10s each keep their own cadence:
// by t=10s the first made 2 interval calls and the second 1, on top of the
// immediate fetch each makes on start.
func TestPollersKeepIndependentCadence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := scheduler.New(clock)
	defer sched.Close()

	var fast, slow atomic.Int32
	counting := func(n *atomic.Int32) Fetcher {
		return func(context.Context) (model.MetricsSnapshot, error) {
			n.Add(1)
			return model.MetricsSnapshot{OverallStatus: "STABLE"}, nil
		}
	}

	a := NewPoller("queue", sched, nil)
	b := NewPoller("search-log", sched, nil)
	a.Start(counting(&fast), 5*time.Second)
	b.Start(counting(&slow), 10*time.Second)
	defer a.Stop()
	defer b.Stop()

	waitCalls(t, &fast, 1)
	waitCalls(t, &slow, 1)

	clock.Advance(5 * time.Second)
	waitCalls(t, &fast, 2)
	assert.Equal(t, int32(1), slow.Load())

	clock.Advance(5 * time.Second)
	waitCalls(t, &fast, 3)
	waitCalls(t, &slow, 2)

	assert.Equal(t, int32(2), fast.Load()-1, "interval calls of the 5s poller")
	assert.Equal(t, int32(1), slow.Load()-1, "interval calls of the 10s poller")
}

func TestPollerStopIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := scheduler.New(clock)
	defer sched.Close()

	var calls atomic.Int32
	p := NewPoller("workers", sched, nil)
	p.Stop() // never started

	require.NoError(t, p.Start(func(context.Context) (model.MetricsSnapshot, error) {
		calls.Add(1)
		return model.MetricsSnapshot{}, nil
	}, 8*time.Second))
	waitCalls(t, &calls, 1)

	// Restarting replaces the timer instead of adding one.
	require.NoError(t, p.Start(func(context.Context) (model.MetricsSnapshot, error) {
		calls.Add(1)
		return model.MetricsSnapshot{}, nil
	}, 8*time.Second))
	waitCalls(t, &calls, 2)
	assert.Equal(t, 1, sched.Active())

	p.Stop()
	p.Stop()
	assert.False(t, p.Running())
	assert.Equal(t, 0, sched.Active())

	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDecodeViews(t *testing.T) {
	snap, err := DecodeView(ViewServerHealth, []byte(`{
		"overall_status": "STABLE",
		"cards": {"pending_queue": 12, "service_errors": 2},
		"latencies_ms": [{"worker": "MF1", "command": "RULE_0001", "ms": 120.5}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, model.MetricsSnapshot{
		OverallStatus:   "STABLE",
		PendingQueue:    12,
		ErrorCount:      2,
		WorkerLatencies: []model.Latency{{Worker: "MF1", Command: "RULE_0001", Millis: 120.5}},
	}, snap)

	snap, err = DecodeView(ViewQueue, []byte(`{"pending": 1200, "processed": 5000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1200), snap.PendingQueue)
	assert.Equal(t, int64(5000), snap.Processed)
	assert.Equal(t, StatusStable, snap.OverallStatus)

	snap, err = DecodeView(ViewWorkers, []byte(`{"workers": [{"worker": "LV1", "ms": 80}]}`))
	require.NoError(t, err)
	assert.Len(t, snap.WorkerLatencies, 1)

	snap, err = DecodeView(ViewSearchLog, []byte(`{"total": 300, "errors": 4}`))
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, snap.OverallStatus)
	assert.Equal(t, int64(4), snap.ErrorCount)
}

func TestDecodeViewsRejectMalformed(t *testing.T) {
	tests := []struct {
		view, payload string
	}{
		{ViewServerHealth, `{"cards": {"pending_queue": 1, "service_errors": 0}}`},
		{ViewServerHealth, `{"overall_status": "STABLE", "cards": {"pending_queue": 1}}`},
		{ViewQueue, `{"pending": -1, "processed": 0}`},
		{ViewQueue, `[1, 2]`},
		{ViewWorkers, `{"workers": [{"ms": 10}]}`},
		{ViewSearchLog, `null`},
		{"billing", `{}`},
	}
	for _, tt := range tests {
		_, err := DecodeView(tt.view, []byte(tt.payload))
		assert.Error(t, err, "%s %s", tt.view, tt.payload)
	}
}

type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int
	keys  []string
	err   error
}

func (f *fakeSource) MonitorView(ctx context.Context, key, view string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[view]++
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	switch view {
	case ViewQueue:
		return json.RawMessage(`{"pending": 7, "processed": 9}`), nil
	case ViewWorkers:
		return json.RawMessage(`{"workers": []}`), nil
	case ViewSearchLog:
		return json.RawMessage(`{"total": 1}`), nil
	default:
		return json.RawMessage(`{"overall_status": "STABLE", "cards": {"pending_queue": 7, "service_errors": 0}}`), nil
	}
}

func (f *fakeSource) count(view string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[view]
}

func TestBoardPollsWithSessionToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := scheduler.New(clock)
	defer sched.Close()

	src := &fakeSource{}
	intervals := map[string]time.Duration{
		ViewServerHealth: 10 * time.Second, ViewQueue: 5 * time.Second,
		ViewWorkers: 8 * time.Second, ViewSearchLog: 10 * time.Second,
	}
	b := NewBoard(src, func() (string, bool) { return "abc123", true }, sched, nil, intervals)

	require.NoError(t, b.StartView(ViewQueue))
	require.Eventually(t, func() bool {
		st, _ := b.Status(ViewQueue)
		return st.Snapshot.PendingQueue == 7
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, src.count(ViewWorkers), "only started views are polled")

	st, ok := b.Status(ViewQueue)
	require.True(t, ok)
	assert.True(t, st.Running)
	assert.Equal(t, "5s", st.Interval)

	b.Reconfigure(map[string]time.Duration{ViewQueue: 2 * time.Second})
	require.Eventually(t, func() bool { return src.count(ViewQueue) == 2 }, time.Second, time.Millisecond)
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return src.count(ViewQueue) == 3 }, time.Second, time.Millisecond)

	b.Stop()
	assert.Equal(t, 0, sched.Active())
	assert.Error(t, b.StartView("billing"))

	src.mu.Lock()
	defer src.mu.Unlock()
	for _, k := range src.keys {
		assert.Equal(t, "abc123", k)
	}
}

func TestBoardWithoutSessionReportsError(t *testing.T) {
	sched := scheduler.New(clockwork.NewFakeClock())
	defer sched.Close()

	src := &fakeSource{}
	b := NewBoard(src, func() (string, bool) { return "", false }, sched, nil,
		map[string]time.Duration{ViewQueue: 5 * time.Second})
	b.Start()
	defer b.Stop()

	require.Eventually(t, func() bool {
		st, _ := b.Status(ViewQueue)
		return st.Snapshot.Error == ErrNoSession.Error()
	}, time.Second, time.Millisecond)
	assert.Zero(t, src.count(ViewQueue))

	// Views without an interval are not started.
	st, _ := b.Status(ViewWorkers)
	assert.False(t, st.Running)
}

func TestBoardClearsNumbersWhenSessionEnds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := scheduler.New(clock)
	defer sched.Close()

	var (
		mu  sync.Mutex
		key = "abc123"
	)
	token := func() (string, bool) {
		mu.Lock()
		defer mu.Unlock()
		return key, key != ""
	}
	src := &fakeSource{}
	b := NewBoard(src, token, sched, nil, map[string]time.Duration{ViewQueue: 5 * time.Second})
	require.NoError(t, b.StartView(ViewQueue))
	defer b.Stop()

	require.Eventually(t, func() bool {
		st, _ := b.Status(ViewQueue)
		return st.Snapshot.PendingQueue == 7
	}, time.Second, time.Millisecond)

	mu.Lock()
	key = ""
	mu.Unlock()
	clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool {
		st, _ := b.Status(ViewQueue)
		return st.Snapshot.Error == ErrNoSession.Error()
	}, time.Second, time.Millisecond)
	st, _ := b.Status(ViewQueue)
	assert.Zero(t, st.Snapshot.PendingQueue, "numbers of the closed session are dropped")
	assert.Zero(t, st.Snapshot.Processed)
}

func TestPollerRejectsNonPositiveInterval(t *testing.T) {
	sched := scheduler.New(clockwork.NewFakeClock())
	defer sched.Close()

	p := NewPoller(ViewQueue, sched, nil)
	assert.Error(t, p.Start(func(context.Context) (model.MetricsSnapshot, error) {
		return model.MetricsSnapshot{}, nil
	}, 0))
	assert.False(t, p.Running())
	assert.Equal(t, 0, sched.Active())
}

func TestBoardReportsFetchErrors(t *testing.T) {
	sched := scheduler.New(clockwork.NewFakeClock())
	defer sched.Close()

	stale := &backend.APIError{StatusCode: 404, Message: "config_key not found", ConfigKey: "abc123"}
	src := &fakeSource{err: stale}
	b := NewBoard(src, func() (string, bool) { return "abc123", true }, sched, nil,
		map[string]time.Duration{ViewQueue: 5 * time.Second})

	var observed atomic.Int32
	b.OnError(func(err error) bool {
		observed.Add(1)
		return false
	})
	require.NoError(t, b.StartView(ViewQueue))
	defer b.Stop()

	waitCalls(t, &observed, 1)
}
