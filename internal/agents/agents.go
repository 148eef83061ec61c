// Package agents holds the reference agents the daemon can run and the
// registry that resolves them by name.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/runner"
)

// Factory builds a fresh agent for one run.
type Factory func() runner.Agent

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry returns a registry with the echo agent.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("echo", func() runner.Agent { return &Echo{} })
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the agent registered under name.
func (r *Registry) New(name string) (runner.Agent, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return f(), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func send(ctx context.Context, out chan<- events.Event, e events.Event) error {
	select {
	case out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
