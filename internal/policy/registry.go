package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// AnyScope binds a policy to every scope of a resource.
const AnyScope = "*"

var (
	ErrDuplicatePolicy = errors.New("policy: duplicate name")
	ErrUnknownPolicy   = errors.New("policy: unknown name")
)

type bindingKey struct {
	resource string
	scope    string
}

// Registry is an in-memory Repository. Chains keep registration order;
// resource-wide bindings run before scope-specific ones.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	bindings map[bindingKey][]string
}

func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]Policy),
		bindings: make(map[bindingKey][]string),
	}
}

func (r *Registry) Register(p Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicy, p.Name())
	}
	r.policies[p.Name()] = p
	return nil
}

// Bind appends named policies to the chain of resourceID and scope.
func (r *Registry) Bind(resourceID, scope string, names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if _, ok := r.policies[n]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPolicy, n)
		}
	}
	if scope == "" {
		scope = AnyScope
	}
	key := bindingKey{resourceID, scope}
	r.bindings[key] = append(r.bindings[key], names...)
	return nil
}

func (r *Registry) Lookup(name string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}

func (r *Registry) ListPoliciesFor(_ context.Context, resourceID, scope string) ([]Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string{}, r.bindings[bindingKey{resourceID, AnyScope}]...)
	if scope != AnyScope {
		names = append(names, r.bindings[bindingKey{resourceID, scope}]...)
	}
	out := make([]Policy, 0, len(names))
	for _, n := range names {
		out = append(out, r.policies[n])
	}
	return out, nil
}
