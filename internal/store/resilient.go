package store

import (
	"log/slog"
	"sync"
)

// Resilient wraps a persistent store so that storage failures degrade to
// in-memory behavior instead of failing the caller. Once the primary fails,
// reads are served from memory until a later write succeeds again.
type Resilient struct {
	primary Store
	memory  *KVStore

	mu       sync.Mutex
	degraded bool
	// pendingClear is set while the primary still holds a record that
	// should have been cleared.
	pendingClear bool
}

// NewResilient wraps primary. A nil primary gives a memory-only store.
func NewResilient(primary Store, sessionID string) *Resilient {
	return &Resilient{
		primary: primary,
		memory:  NewMemoryStore(sessionID),
	}
}

// Save always succeeds.
func (r *Resilient) Save(rec Record) error {
	_ = r.memory.Save(rec)
	if r.primary == nil {
		return nil
	}
	if err := r.primary.Save(rec); err != nil {
		r.degrade("save", err)
		return nil
	}
	r.recover()
	return nil
}

// Load prefers the primary store unless it is degraded or failing.
func (r *Resilient) Load() (*Record, error) {
	r.Sync()
	if r.primary == nil || r.Degraded() {
		return r.memory.Load()
	}
	rec, err := r.primary.Load()
	if err != nil {
		r.degrade("load", err)
		return r.memory.Load()
	}
	if rec != nil {
		// Keep the full password from memory when the primary dropped it.
		if mem, _ := r.memory.Load(); mem != nil && mem.Token == rec.Token && rec.Profile.Password == "" {
			rec.Profile.Password = mem.Profile.Password
		}
	}
	return rec, nil
}

// Clear always succeeds. If the primary cannot be cleared the store stays
// degraded so a stale token is never served from it, and the clear is retried
// by Sync. A later successful Save overwrites the record instead.
func (r *Resilient) Clear() error {
	_ = r.memory.Clear()
	if r.primary == nil {
		return nil
	}
	if err := r.primary.Clear(); err != nil {
		r.degrade("clear", err)
		r.mu.Lock()
		r.pendingClear = true
		r.mu.Unlock()
		return nil
	}
	r.recover()
	return nil
}

// Sync retries a clear the primary failed earlier. It is a no-op otherwise.
func (r *Resilient) Sync() {
	r.mu.Lock()
	pending := r.pendingClear
	r.mu.Unlock()
	if !pending || r.primary == nil {
		return
	}
	if err := r.primary.Clear(); err != nil {
		slog.Debug("stored session still not cleared", "err", err)
		return
	}
	r.recover()
}

// Degraded reports whether the store is running memory-only.
func (r *Resilient) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

func (r *Resilient) degrade(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.degraded {
		slog.Warn("config store unavailable, keeping session in memory", "op", op, "err", err)
	}
	r.degraded = true
}

func (r *Resilient) recover() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.degraded {
		slog.Info("config store available again")
	}
	r.degraded = false
	r.pendingClear = false
}
