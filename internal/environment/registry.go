// Package environment keeps the environments (logical databases) the console
// can address.
package environment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pldconsole/pldconsole/internal/model"
)

// Lister discovers environments from the backend descriptor.
type Lister interface {
	ListEnvironments(ctx context.Context, descriptorPath string) ([]model.Environment, error)
}

// Registry resolves environment IDs to their definitions.
type Registry struct {
	mu   sync.RWMutex
	envs map[string]model.Environment
}

// New creates a registry seeded with envs. Invalid entries are skipped.
func New(envs []model.Environment) *Registry {
	r := &Registry{envs: make(map[string]model.Environment, len(envs))}
	r.Replace(envs)
	return r
}

// Resolve looks up the environment with the given ID.
func (r *Registry) Resolve(id string) (model.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	env, ok := r.envs[id]
	if !ok {
		return model.Environment{}, fmt.Errorf("unknown environment: %q", id)
	}
	return env, nil
}

// Add registers or updates an environment.
func (r *Registry) Add(env model.Environment) error {
	if err := env.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs[env.ID] = env
	return nil
}

// Remove deletes an environment. It reports whether it was known.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.envs[id]; !ok {
		return false
	}
	delete(r.envs, id)
	return true
}

// List returns every environment ordered by ID.
func (r *Registry) List() []model.Environment {
	r.mu.RLock()
	out := make([]model.Environment, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace swaps the whole table for envs and returns how many were kept.
func (r *Registry) Replace(envs []model.Environment) int {
	next := make(map[string]model.Environment, len(envs))
	for _, env := range envs {
		if err := env.Validate(); err != nil {
			slog.Warn("skipping environment", "id", env.ID, "err", err)
			continue
		}
		next[env.ID] = env
	}

	r.mu.Lock()
	r.envs = next
	r.mu.Unlock()
	return len(next)
}

// Discover asks the backend for the environments listed in the descriptor at
// path and replaces the table with them. On error the table is unchanged.
func (r *Registry) Discover(ctx context.Context, l Lister, path string) ([]model.Environment, error) {
	envs, err := l.ListEnvironments(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("discovering environments: %w", err)
	}
	n := r.Replace(envs)
	slog.Info("environments discovered", "path", path, "count", n)
	return r.List(), nil
}
