// Package ops holds the custom operators the GPT-2 graph needs on top of
// the executor's built-in layers: causal masking with attention scaling and
// embedding lookup. The kernels are plain functions over tensor blobs; the
// Layer wrappers adapt them to the executor's registry.
package ops

import (
	"fmt"
	"sync"

	"github.com/samcharles93/gpt2chat/internal/tensor"
)

const (
	// AttentionScale is sqrt(head_dim) for the fixed head width of 64.
	AttentionScale float32 = 8.0
	// MaskValue replaces scores for positions that would attend to the future.
	MaskValue float32 = -1e4

	NameDivTrilWhere = "DivTrilWhere"
	NameGather       = "Gather"
)

// Option carries the execution settings the executor passes to each layer.
type Option struct {
	NumThreads    int
	BlobAllocator tensor.Allocator
	Pool          *tensor.WorkerPool
}

// Layer is a graph node with one or more inputs and outputs.
type Layer interface {
	Forward(bottoms []tensor.Blob, opt Option) ([]tensor.Blob, error)
}

// Creator builds a fresh layer instance.
type Creator func() Layer

// Registry maps layer type names to creators.
type Registry struct {
	mu       sync.RWMutex
	creators map[string]Creator
}

func NewRegistry() *Registry {
	return &Registry{creators: make(map[string]Creator)}
}

// Register adds a creator under name. Names are unique.
func (r *Registry) Register(name string, c Creator) error {
	if name == "" {
		return fmt.Errorf("register layer: empty name")
	}
	if c == nil {
		return fmt.Errorf("register layer %q: nil creator", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creators[name]; ok {
		return fmt.Errorf("register layer %q: already registered", name)
	}
	r.creators[name] = c
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.creators[name]
	return ok
}

// Create instantiates the layer registered under name.
func (r *Registry) Create(name string) (Layer, error) {
	r.mu.RLock()
	c, ok := r.creators[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("layer %q is not registered", name)
	}
	return c(), nil
}

// RegisterDefaults registers DivTrilWhere and Gather.
func RegisterDefaults(r *Registry) error {
	if err := r.Register(NameDivTrilWhere, NewDivTrilWhere); err != nil {
		return err
	}
	return r.Register(NameGather, NewGather)
}
