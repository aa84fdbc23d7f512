package model

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/samcharles93/gpt2chat/internal/safetensors"
	"github.com/samcharles93/gpt2chat/internal/tensor"
)

// namePrefix is used by checkpoints exported from GPT2LMHeadModel.
const namePrefix = "transformer."

type layerWeights struct {
	ln1W, ln1B []float32
	attnW      tensor.Blob // [E, 3E]
	attnB      []float32
	attnProjW  tensor.Blob // [E, E]
	attnProjB  []float32
	ln2W, ln2B []float32
	fcW        tensor.Blob // [E, I]
	fcB        []float32
	projW      tensor.Blob // [I, E]
	projB      []float32
}

type weights struct {
	wte    tensor.Blob // [V, E], also the output projection
	wpe    tensor.Blob // [P, E]
	layers []layerWeights
	lnfW   []float32
	lnfB   []float32
}

type weightSource interface {
	// lookup returns the values and, when known, the stored shape.
	lookup(name string) ([]float32, []int, bool, error)
}

type mapSource map[string][]float32

func (m mapSource) lookup(name string) ([]float32, []int, bool, error) {
	v, ok := m[name]
	return v, nil, ok, nil
}

type fileSource struct {
	f *safetensors.File
}

func (s fileSource) lookup(name string) ([]float32, []int, bool, error) {
	if _, ok := s.f.Tensor(name); !ok {
		return nil, nil, false, nil
	}
	data, info, err := s.f.ReadTensorF32(name)
	if err != nil {
		return nil, nil, true, err
	}
	return data, info.Shape, true, nil
}

type weightLoader struct {
	src weightSource
}

func (l weightLoader) load(name string, shape ...int) ([]float32, error) {
	data, stored, ok, err := l.src.lookup(name)
	if !ok && err == nil {
		data, stored, ok, err = l.src.lookup(namePrefix + name)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("missing tensor %s", name)
	}
	if stored != nil && !slices.Equal(stored, shape) {
		return nil, fmt.Errorf("tensor %s: shape %v, want %v", name, stored, shape)
	}
	want := 1
	for _, d := range shape {
		want *= d
	}
	if len(data) != want {
		return nil, fmt.Errorf("tensor %s: %d values, want %d (shape %v)", name, len(data), want, shape)
	}
	return data, nil
}

func (l weightLoader) matrix(name string, rows, cols int) (tensor.Blob, error) {
	data, err := l.load(name, rows, cols)
	if err != nil {
		return tensor.Blob{}, err
	}
	return tensor.Blob{W: cols, H: rows, C: 1, Data: data}, nil
}

func loadWeights(cfg Config, src weightSource) (*weights, error) {
	l := weightLoader{src: src}
	e, inner := cfg.NEmbd, cfg.Inner()

	w := &weights{layers: make([]layerWeights, cfg.NLayer)}
	var err error
	if w.wte, err = l.matrix("wte.weight", cfg.VocabSize, e); err != nil {
		return nil, err
	}
	if w.wpe, err = l.matrix("wpe.weight", cfg.NPositions, e); err != nil {
		return nil, err
	}
	for i := range w.layers {
		lw := &w.layers[i]
		p := "h." + strconv.Itoa(i) + "."
		steps := []func() error{
			func() (err error) { lw.ln1W, err = l.load(p+"ln_1.weight", e); return },
			func() (err error) { lw.ln1B, err = l.load(p+"ln_1.bias", e); return },
			func() (err error) { lw.attnW, err = l.matrix(p+"attn.c_attn.weight", e, 3*e); return },
			func() (err error) { lw.attnB, err = l.load(p+"attn.c_attn.bias", 3*e); return },
			func() (err error) { lw.attnProjW, err = l.matrix(p+"attn.c_proj.weight", e, e); return },
			func() (err error) { lw.attnProjB, err = l.load(p+"attn.c_proj.bias", e); return },
			func() (err error) { lw.ln2W, err = l.load(p+"ln_2.weight", e); return },
			func() (err error) { lw.ln2B, err = l.load(p+"ln_2.bias", e); return },
			func() (err error) { lw.fcW, err = l.matrix(p+"mlp.c_fc.weight", e, inner); return },
			func() (err error) { lw.fcB, err = l.load(p+"mlp.c_fc.bias", inner); return },
			func() (err error) { lw.projW, err = l.matrix(p+"mlp.c_proj.weight", inner, e); return },
			func() (err error) { lw.projB, err = l.load(p+"mlp.c_proj.bias", e); return },
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
		}
	}
	if w.lnfW, err = l.load("ln_f.weight", e); err != nil {
		return nil, err
	}
	if w.lnfB, err = l.load("ln_f.bias", e); err != nil {
		return nil, err
	}
	return w, nil
}
