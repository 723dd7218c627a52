package graph

import (
	"sync"

	"github.com/emberml/ember/types/tensor"
)

// PlaceholderBindings maps placeholders to the tensors backing them for one
// request. A bindings object is owned by a single request at a time; the
// mutex only protects against the completion path racing a late trace reader.
type PlaceholderBindings struct {
	mu sync.Mutex
	m  map[*Placeholder]*tensor.Tensor
}

// NewBindings returns an empty bindings set.
func NewBindings() *PlaceholderBindings {
	return &PlaceholderBindings{m: make(map[*Placeholder]*tensor.Tensor)}
}

// Insert binds p to t, replacing any previous binding.
func (b *PlaceholderBindings) Insert(p *Placeholder, t *tensor.Tensor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[p] = t
}

// Get returns the tensor bound to p, or nil.
func (b *PlaceholderBindings) Get(p *Placeholder) *tensor.Tensor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.m[p]
}

// Allocate binds every placeholder in ps that has no binding yet to a fresh
// zero tensor of its type.
func (b *PlaceholderBindings) Allocate(ps []*Placeholder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range ps {
		if _, found := b.m[p]; !found {
			b.m[p] = tensor.New(p.Type().Elem, p.Type().Dims...)
		}
	}
}

// Count returns the number of bindings.
func (b *PlaceholderBindings) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}

// Clear drops all bindings.
func (b *PlaceholderBindings) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m = make(map[*Placeholder]*tensor.Tensor)
}
