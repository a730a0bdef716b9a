package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/config"
	"github.com/zen-systems/modelgate/pkg/logging"
)

// Registry maps provider names to adapters. Providers that could not be
// built stay listed with the reason so calls fail with ErrUnavailable
// instead of a nil adapter.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	unavailable map[string]error
	local       Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters:    make(map[string]Adapter),
		unavailable: make(map[string]error),
	}
}

// Build creates adapters for every provider in the snapshot. Missing
// credentials do not fail the build.
func Build(ctx context.Context, snap *config.Snapshot, logger *zap.Logger) *Registry {
	logger = logging.OrNop(logger)
	r := NewRegistry()
	for name, def := range snap.Providers() {
		a, err := newAdapter(ctx, name, def, snap.Local())
		if err != nil {
			logger.Warn("provider unavailable", zap.String("provider", name), zap.String("kind", def.Kind), zap.Error(err))
			r.unavailable[name] = err
			continue
		}
		r.adapters[name] = a
	}
	if local := snap.Local(); len(local.Command) > 0 {
		if a, err := NewLocalAdapter(local); err == nil {
			r.local = a
		}
	}
	return r
}

func newAdapter(ctx context.Context, name string, def config.ProviderDef, local config.LocalDef) (Adapter, error) {
	key := config.APIKey(def)
	switch def.Kind {
	case KindAnthropic:
		return NewAnthropicAdapter(key, def.BaseURL)
	case KindOpenAI:
		return NewOpenAIAdapter(key, def.BaseURL)
	case KindOpenAICompatible:
		if def.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required", name)
		}
		return NewOpenAICompatibleAdapter(name, key, def.BaseURL)
	case KindDeepSeek:
		return NewDeepSeekAdapter(key, def.BaseURL)
	case KindGoogle:
		return NewGoogleAdapter(ctx, key, def.BaseURL)
	case KindMock:
		return NewMockAdapter().Named(name), nil
	case KindLocal:
		return NewLocalAdapter(local)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", def.Kind)
	}
}

// Register adds or replaces the adapter for a provider name.
func (r *Registry) Register(provider string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[provider] = a
	delete(r.unavailable, provider)
}

// Replace swaps in the adapters of other, as after a config reload.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	adapters := make(map[string]Adapter, len(other.adapters))
	for k, v := range other.adapters {
		adapters[k] = v
	}
	unavailable := make(map[string]error, len(other.unavailable))
	for k, v := range other.unavailable {
		unavailable[k] = v
	}
	local := other.local
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters, r.unavailable, r.local = adapters, unavailable, local
}

// SetLocal sets the backend used by privileged local execution.
func (r *Registry) SetLocal(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = a
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[provider]; ok {
		return a, nil
	}
	if err, ok := r.unavailable[provider]; ok {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, provider, err)
	}
	return nil, fmt.Errorf("%w: %s: not registered", ErrUnavailable, provider)
}

// Local returns the privileged local backend.
func (r *Registry) Local() (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.local == nil {
		return nil, fmt.Errorf("%w: no local command configured", ErrUnavailable)
	}
	return r.local, nil
}

// Status lists every known provider with its availability error, if any.
func (r *Registry) Status() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.adapters)+len(r.unavailable))
	for name := range r.adapters {
		out[name] = nil
	}
	for name, err := range r.unavailable {
		out[name] = err
	}
	return out
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
