package provider

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/internal/task"
)

// Registry holds the providers known to a runtime, keyed by name. It is
// populated at startup and read concurrently by the router afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry, optionally pre-populated.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p under its own name. Names must be unique.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "provider 不能为空")
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "provider 名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("provider %s 已注册", name),
			xerrors.WithMetadata("provider", name))
	}
	r.providers[name] = p
	return nil
}

// Lookup returns the provider registered as name.
func (r *Registry) Lookup(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capable returns, sorted by name, the providers declaring support for kind.
func (r *Registry) Capable(kind task.Kind) []Provider {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if p.Capabilities().Supports(kind) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Close disposes every provider and empties the registry. Dispose errors
// are joined; every provider is disposed regardless.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[string]Provider)
	r.mu.Unlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := dispose(providers[name]); err != nil {
			errs = append(errs, fmt.Errorf("释放 provider %s 失败: %w", name, err))
		}
	}
	return stdErrors.Join(errs...)
}

func dispose(p Provider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Dispose()
}
