// Package registry resolves a payment.ProviderType to a provider instance.
// Each provider is constructed lazily on first use and then cached for the
// registry's lifetime, so credentials and configuration are read once.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yourorg/checkout-payments/internal/payerr"
	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/provider"
)

// Factory constructs a provider. It may read configuration.
type Factory func() (provider.Provider, error)

type entry struct {
	factory Factory
	once    sync.Once
	p       provider.Provider
	err     error
}

// Registry maps provider types to lazily built singletons.
type Registry struct {
	mu      sync.RWMutex
	entries map[payment.ProviderType]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[payment.ProviderType]*entry)}
}

// Register binds a factory to a provider type, replacing any previous
// binding and its cached instance.
func (r *Registry) Register(t payment.ProviderType, f Factory) {
	if f == nil {
		panic("registry: nil factory for " + string(t))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t] = &entry{factory: f}
}

// RegisterInstance binds an already constructed provider.
func (r *Registry) RegisterInstance(p provider.Provider) {
	r.Register(p.Type(), func() (provider.Provider, error) { return p, nil })
}

// Resolve returns the provider for t, constructing it on first use.
// Construction errors are cached like instances.
func (r *Registry) Resolve(t payment.ProviderType) (provider.Provider, error) {
	r.mu.RLock()
	e, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return nil, payerr.New(payerr.UnknownProviderType, "resolve", "no provider registered for type %q", t)
	}

	e.once.Do(func() {
		p, err := e.factory()
		switch {
		case err != nil:
			e.err = payerr.Wrap(payerr.ConfigurationError, "resolve", fmt.Errorf("construct %s provider: %w", t, err))
		case p == nil:
			e.err = payerr.New(payerr.ConfigurationError, "resolve", "factory for %q returned no provider", t)
		case p.Type() != t:
			e.err = payerr.New(payerr.ConfigurationError, "resolve", "provider registered as %q reports type %q", t, p.Type())
		default:
			e.p = p
		}
	})
	if e.err != nil {
		return nil, e.err
	}
	return e.p, nil
}

// Types lists registered provider types in sorted order.
func (r *Registry) Types() []payment.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]payment.ProviderType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset drops cached instances so the next Resolve constructs them again.
// Registrations are kept. Intended for tests and configuration reloads.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for t, e := range r.entries {
		r.entries[t] = &entry{factory: e.factory}
	}
}
