// Package appctx provides request-scoped named slots that travel with a
// context.Context. Slots are declared up front on a Registry; scopes are
// opened with Run and inherit values from their parent scope. Defaults are
// materialised lazily, at most once per scope per slot.
package appctx

import (
	"context"
	"sync"
)

// Values is a plain bag of slot values keyed by slot name.
type Values map[string]any

// Slot declares a named slot. The zero value of Local means the slot is
// inherited by nested scopes; set Local to force a fresh value per scope.
type Slot struct {
	Name    string
	Default func() any
	Local   bool
}

// Registry holds the slot declarations. A Registry is immutable after
// construction and safe for concurrent use.
type Registry struct {
	slots map[string]Slot
}

func NewRegistry(slots ...Slot) *Registry {
	r := &Registry{slots: make(map[string]Slot, len(slots))}
	for _, s := range slots {
		r.slots[s.Name] = s
	}
	return r
}

type ctxKey struct{ reg *Registry }

type scope struct {
	parent *scope
	mu     sync.Mutex
	values Values
}

func (r *Registry) scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(ctxKey{r}).(*scope)
	return s
}

// Run opens a new scope that inherits from the surrounding one, applies the
// overrides, and invokes fn with the scoped context. The scope is discarded
// when fn returns.
func (r *Registry) Run(ctx context.Context, overrides Values, fn func(ctx context.Context) error) error {
	child := &scope{parent: r.scopeFrom(ctx), values: make(Values, len(overrides))}
	for k, v := range overrides {
		child.values[k] = v
	}
	return fn(context.WithValue(ctx, ctxKey{r}, child))
}

// Get reads the current value of a slot. Inherited slots resolve through the
// parent chain; when no value is found the slot's default is materialised in
// the current scope. Outside any scope, or for unknown slots, Get returns nil.
func (r *Registry) Get(ctx context.Context, name string) any {
	slot, known := r.slots[name]
	s := r.scopeFrom(ctx)
	if !known || s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.values[name]; ok {
		return v
	}
	if !slot.Local {
		for p := s.parent; p != nil; p = p.parent {
			p.mu.Lock()
			v, ok := p.values[name]
			p.mu.Unlock()
			if ok {
				return v
			}
		}
	}
	if slot.Default == nil {
		return nil
	}
	v := slot.Default()
	s.values[name] = v
	return v
}

// Attach stores values into the current scope. They are visible to this scope
// and, for inherited slots, to scopes nested within it. Without an open scope
// Attach does nothing.
func (r *Registry) Attach(ctx context.Context, vals Values) {
	s := r.scopeFrom(ctx)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range vals {
		s.values[k] = v
	}
}

// Snapshot returns the composite view of all slot values currently resolvable,
// outermost scope first so inner values win. Defaults are not materialised.
func (r *Registry) Snapshot(ctx context.Context) Values {
	var chain []*scope
	for s := r.scopeFrom(ctx); s != nil; s = s.parent {
		chain = append(chain, s)
	}
	out := Values{}
	for i := len(chain) - 1; i >= 0; i-- {
		s := chain[i]
		s.mu.Lock()
		for k, v := range s.values {
			slot, known := r.slots[k]
			if known && slot.Local && i != 0 {
				continue // local values do not leak into nested snapshots
			}
			out[k] = v
		}
		s.mu.Unlock()
	}
	return out
}
