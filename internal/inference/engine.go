// Package inference adapts the model executor to a plain forward call and
// runs the token-by-token decode loop on top of it.
package inference

import (
	"errors"
	"fmt"

	"github.com/samcharles93/gpt2chat/internal/model"
	"github.com/samcharles93/gpt2chat/internal/tensor"
)

// ErrTokenOutOfRange is returned when an input id or position falls outside
// what the model accepts.
var ErrTokenOutOfRange = errors.New("inference: token id out of range")

// Engine runs one forward pass and returns logits of shape [T, V].
type Engine interface {
	Forward(tokenIDs, positionIDs []int) (tensor.Blob, error)
}

type extractor interface {
	Input(name string, b tensor.Blob) error
	Extract(name string) (tensor.Blob, error)
}

// NetEngine runs forward passes on a loaded model.Net. Each call uses a
// fresh extractor, so no state carries over between calls and concurrent
// calls are independent.
type NetEngine struct {
	InputSlot    string
	PositionSlot string
	OutputSlot   string
	VocabSize    int
	MaxPositions int

	newExtractor func() extractor
}

// NewNetEngine wraps net with the default slot names.
func NewNetEngine(net *model.Net) *NetEngine {
	cfg := net.Config()
	return &NetEngine{
		InputSlot:    model.InputIDs,
		PositionSlot: model.PositionIDs,
		OutputSlot:   model.Logits,
		VocabSize:    cfg.VocabSize,
		MaxPositions: cfg.NPositions,
		newExtractor: func() extractor { return net.NewExtractor() },
	}
}

// Forward validates the inputs and runs the graph. A panic inside the
// executor is returned as an error.
func (e *NetEngine) Forward(tokenIDs, positionIDs []int) (out tensor.Blob, err error) {
	if len(tokenIDs) == 0 {
		return tensor.Blob{}, errors.New("forward: empty input")
	}
	if len(tokenIDs) != len(positionIDs) {
		return tensor.Blob{}, fmt.Errorf("forward: %d token ids but %d positions", len(tokenIDs), len(positionIDs))
	}
	ids := make([]float32, len(tokenIDs))
	for i, id := range tokenIDs {
		if id < 0 || id >= e.VocabSize {
			return tensor.Blob{}, fmt.Errorf("%w: id %d at %d (vocab %d)", ErrTokenOutOfRange, id, i, e.VocabSize)
		}
		ids[i] = float32(id)
	}
	pos := make([]float32, len(positionIDs))
	for i, p := range positionIDs {
		if p < 0 || (e.MaxPositions > 0 && p >= e.MaxPositions) {
			return tensor.Blob{}, fmt.Errorf("%w: position %d at %d (max %d)", ErrTokenOutOfRange, p, i, e.MaxPositions)
		}
		pos[i] = float32(p)
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = tensor.Blob{}
			err = fmt.Errorf("panic in forward: %v", rec)
		}
	}()

	ex := e.newExtractor()
	if err := ex.Input(e.InputSlot, tensor.Vector(ids)); err != nil {
		return tensor.Blob{}, fmt.Errorf("forward: %w", err)
	}
	if err := ex.Input(e.PositionSlot, tensor.Vector(pos)); err != nil {
		return tensor.Blob{}, fmt.Errorf("forward: %w", err)
	}
	out, err = ex.Extract(e.OutputSlot)
	if err != nil {
		return tensor.Blob{}, fmt.Errorf("forward: %w", err)
	}
	if out.W != e.VocabSize || out.H != len(tokenIDs) {
		return tensor.Blob{}, fmt.Errorf("forward: logits shape %dx%d, want %dx%d", out.H, out.W, len(tokenIDs), e.VocabSize)
	}
	return out, nil
}
