// Package providertest provides a scriptable Provider for tests.
package providertest

import (
	"context"
	"sync"
	"sync/atomic"

	"OpenMCP-Dispatch/internal/provider"
	"OpenMCP-Dispatch/internal/task"
)

// Stub is a Provider whose behaviour is set by its fields.
type Stub struct {
	ProviderName string
	Caps         provider.Capabilities
	// RunFunc handles Run; nil returns an empty successful response.
	RunFunc    func(ctx context.Context, t *task.Task) (*provider.Response, error)
	HealthFunc func(ctx context.Context) error
	DisposeErr error

	calls    atomic.Int64
	disposed atomic.Int64

	mu    sync.Mutex
	tasks []string
}

// New returns a stub serving kinds.
func New(name string, priority int, kinds ...task.Kind) *Stub {
	if len(kinds) == 0 {
		kinds = []task.Kind{task.KindGeneric}
	}
	return &Stub{
		ProviderName: name,
		Caps:         provider.Capabilities{Kinds: kinds, Priority: priority, Weight: 1, Quality: 0.8},
	}
}

// Name returns ProviderName.
func (s *Stub) Name() string { return s.ProviderName }

// Capabilities returns Caps.
func (s *Stub) Capabilities() provider.Capabilities { return s.Caps }

// Run records the call and delegates to RunFunc when set.
func (s *Stub) Run(ctx context.Context, t *task.Task) (*provider.Response, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.tasks = append(s.tasks, t.ID)
	s.mu.Unlock()
	if s.RunFunc != nil {
		return s.RunFunc(ctx, t)
	}
	return &provider.Response{Output: map[string]any{"provider": s.ProviderName}, Confidence: s.Caps.Quality}, nil
}

// HealthCheck delegates to HealthFunc; nil reports healthy.
func (s *Stub) HealthCheck(ctx context.Context) error {
	if s.HealthFunc != nil {
		return s.HealthFunc(ctx)
	}
	return nil
}

// Dispose counts the call and returns DisposeErr.
func (s *Stub) Dispose() error {
	s.disposed.Add(1)
	return s.DisposeErr
}

// Calls returns how many times Run was invoked.
func (s *Stub) Calls() int64 { return s.calls.Load() }

// Disposals returns how many times Dispose was invoked.
func (s *Stub) Disposals() int64 { return s.disposed.Load() }

// Tasks returns the ids of tasks passed to Run.
func (s *Stub) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tasks...)
}
