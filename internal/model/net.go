// Package model runs the GPT-2 forward pass over safetensors weights. A Net
// is loaded once and is read-only afterwards; every Extractor created from it
// runs an independent, stateless forward pass.
package model

import (
	"errors"
	"fmt"

	"github.com/samcharles93/gpt2chat/internal/ops"
	"github.com/samcharles93/gpt2chat/internal/safetensors"
	"github.com/samcharles93/gpt2chat/internal/tensor"
)

// Slot names of the graph.
const (
	InputIDs    = "input_ids"
	PositionIDs = "position_ids"
	Logits      = "logits"
)

// ErrNotLoaded is returned by extractors of a Net without weights.
var ErrNotLoaded = errors.New("model: net is not loaded")

// Option configures execution. It is read at load time.
type Option struct {
	// NumThreads sizes the worker pool. Zero uses GOMAXPROCS.
	NumThreads int
	// LightMode releases intermediate blobs as soon as they are consumed.
	LightMode bool
	// BlobAllocator serves layer outputs.
	BlobAllocator tensor.Allocator
	// WorkspaceAllocator serves attention scratch buffers.
	WorkspaceAllocator tensor.Allocator
}

// Net holds the model weights and the custom layers of the graph.
type Net struct {
	Opt Option

	registry *ops.Registry
	cfg      Config
	w        *weights
	pool     *tensor.WorkerPool
	gather   ops.Layer
	mask     ops.Layer
}

func NewNet() *Net {
	return &Net{registry: ops.NewRegistry()}
}

// RegisterCustomLayer makes a layer type available to the graph. It must be
// called before Load.
func (n *Net) RegisterCustomLayer(name string, creator ops.Creator) error {
	return n.registry.Register(name, creator)
}

// Load reads the config and weights files.
func (n *Net) Load(configPath, weightsPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	sf, err := safetensors.Open(weightsPath)
	if err != nil {
		return fmt.Errorf("open weights: %w", err)
	}
	defer func() { _ = sf.Close() }()
	return n.load(cfg, fileSource{f: sf})
}

// LoadWeights installs in-memory weights keyed by their checkpoint names.
// The slices are used without copying.
func (n *Net) LoadWeights(cfg Config, tensors map[string][]float32) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.LayerNormEpsilon == 0 {
		cfg.LayerNormEpsilon = 1e-5
	}
	return n.load(cfg, mapSource(tensors))
}

func (n *Net) load(cfg Config, src weightSource) error {
	gather, err := n.registry.Create(ops.NameGather)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	mask, err := n.registry.Create(ops.NameDivTrilWhere)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	w, err := loadWeights(cfg, src)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	if n.pool != nil {
		n.pool.Close()
	}
	n.cfg = cfg
	n.w = w
	n.gather = gather
	n.mask = mask
	n.pool = tensor.NewWorkerPool(n.Opt.NumThreads)
	return nil
}

// Config returns the loaded hyperparameters.
func (n *Net) Config() Config {
	return n.cfg
}

// Close stops the worker pool. Extractors must not be used afterwards.
func (n *Net) Close() {
	if n.pool != nil {
		n.pool.Close()
		n.pool = nil
	}
}

func (n *Net) layerOption() ops.Option {
	return ops.Option{
		NumThreads:    n.pool.Size(),
		BlobAllocator: n.Opt.BlobAllocator,
		Pool:          n.pool,
	}
}

// NewExtractor starts a forward pass.
func (n *Net) NewExtractor() *Extractor {
	return &Extractor{net: n, inputs: make(map[string]tensor.Blob, 2)}
}

// Extractor binds inputs and pulls outputs for one forward pass.
type Extractor struct {
	net    *Net
	inputs map[string]tensor.Blob
}

// Input binds a one-dimensional blob to an input slot.
func (e *Extractor) Input(name string, b tensor.Blob) error {
	if name != InputIDs && name != PositionIDs {
		return fmt.Errorf("unknown input %q", name)
	}
	if b.H != 1 || b.C != 1 || len(b.Data) < b.W {
		return fmt.Errorf("input %q: expected a vector, got %dx%dx%d", name, b.W, b.H, b.C)
	}
	e.inputs[name] = b
	return nil
}

// Extract runs the graph and returns the named output. The returned blob is
// owned by the caller.
func (e *Extractor) Extract(name string) (tensor.Blob, error) {
	if name != Logits {
		return tensor.Blob{}, fmt.Errorf("unknown output %q", name)
	}
	if e.net.w == nil || e.net.pool == nil {
		return tensor.Blob{}, ErrNotLoaded
	}
	ids, ok := e.inputs[InputIDs]
	if !ok {
		return tensor.Blob{}, fmt.Errorf("input %q is not bound", InputIDs)
	}
	pos, ok := e.inputs[PositionIDs]
	if !ok {
		return tensor.Blob{}, fmt.Errorf("input %q is not bound", PositionIDs)
	}
	if ids.W != pos.W {
		return tensor.Blob{}, fmt.Errorf("input length mismatch: %d ids, %d positions", ids.W, pos.W)
	}
	if ids.W == 0 {
		return tensor.Blob{}, errors.New("empty input")
	}
	if ids.W > e.net.cfg.NPositions {
		return tensor.Blob{}, fmt.Errorf("sequence length %d exceeds n_positions %d", ids.W, e.net.cfg.NPositions)
	}

	f := &forward{net: e.net, opt: e.net.layerOption()}
	defer f.releaseAll()
	return f.run(ids, pos)
}
