package action

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// Factory builds an action instance for a candidate.
type Factory func(c contracts.ActionCandidate) (Action, error)

// Variant declares one registered action type.
type Variant struct {
	Type       contracts.ActionType
	Class      EffectClass
	Reversible bool
	// Safer names the always-reversible substitute used when the action's own
	// confidence is too low to commit. Empty when none exists.
	Safer   contracts.ActionType
	Factory Factory
}

// Registry is the closed set of action variants the engine may instantiate.
type Registry struct {
	mu       sync.RWMutex
	variants map[contracts.ActionType]Variant
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{variants: make(map[contracts.ActionType]Variant)}
}

// Register adds a variant. Types may only be registered once.
func (r *Registry) Register(v Variant) error {
	if v.Type == "" || v.Factory == nil {
		return fmt.Errorf("action: variant needs a type and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.variants[v.Type]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, v.Type)
	}
	if v.Class == "" {
		v.Class = ClassCapture
	}
	r.variants[v.Type] = v
	return nil
}

// SetSafer overrides the safer-variant substitution for t.
func (r *Registry) SetSafer(t, safer contracts.ActionType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.variants[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if safer != "" {
		s, ok := r.variants[safer]
		if !ok {
			return fmt.Errorf("%w: safer variant %s", ErrUnknownType, safer)
		}
		if !s.Reversible {
			return fmt.Errorf("action: safer variant %s for %s is not reversible", safer, t)
		}
	}
	v.Safer = safer
	r.variants[t] = v
	return nil
}

// Lookup returns the variant registered for t.
func (r *Registry) Lookup(t contracts.ActionType) (Variant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variants[t]
	return v, ok
}

// Known reports whether t is registered.
func (r *Registry) Known(t contracts.ActionType) bool {
	_, ok := r.Lookup(t)
	return ok
}

// Reversible reports the static reversibility of t. Unknown types are
// treated as irreversible.
func (r *Registry) Reversible(t contracts.ActionType) bool {
	v, ok := r.Lookup(t)
	return ok && v.Reversible
}

// Class returns the effect class of t.
func (r *Registry) Class(t contracts.ActionType) EffectClass {
	v, ok := r.Lookup(t)
	if !ok {
		return ClassDisposition
	}
	return v.Class
}

// Safer returns the reversible substitute for t.
func (r *Registry) Safer(t contracts.ActionType) (contracts.ActionType, bool) {
	v, ok := r.Lookup(t)
	if !ok || v.Safer == "" {
		return "", false
	}
	return v.Safer, true
}

// Types lists registered types in sorted order.
func (r *Registry) Types() []contracts.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.ActionType, 0, len(r.variants))
	for t := range r.variants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New instantiates the action for a candidate.
func (r *Registry) New(c contracts.ActionCandidate) (Action, error) {
	v, ok := r.Lookup(c.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s (candidate %s)", ErrUnknownType, c.Type, c.ID)
	}
	a, err := v.Factory(c.Clone())
	if err != nil {
		return nil, fmt.Errorf("action: build %s: %w", c.ID, err)
	}
	return a, nil
}
