package ops

import (
	"fmt"

	"github.com/samcharles93/gpt2chat/internal/tensor"
)

// CausalMaskScale writes the masked and scaled attention scores of src into
// dst. For every channel, entry (y, x) becomes MaskValue when x > y and
// src/AttentionScale otherwise. dst and src must have the same shape.
// Channels are independent and are spread across pool.
func CausalMaskScale(dst, src tensor.Blob, pool *tensor.WorkerPool) {
	if !tensor.SameShape(dst, src) {
		panic("causal mask: shape mismatch")
	}
	w, h := src.W, src.H
	pool.Parallel(src.C, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			in := src.Channel(p)
			out := dst.Channel(p)
			for y := 0; y < h; y++ {
				row := y * w
				for x := 0; x < w; x++ {
					if x > y {
						out[row+x] = MaskValue
					} else {
						out[row+x] = in[row+x] / AttentionScale
					}
				}
			}
		}
	})
}

// DivTrilWhere is the layer form of CausalMaskScale.
type DivTrilWhere struct{}

func NewDivTrilWhere() Layer { return DivTrilWhere{} }

func (DivTrilWhere) Forward(bottoms []tensor.Blob, opt Option) ([]tensor.Blob, error) {
	if len(bottoms) != 1 {
		return nil, fmt.Errorf("%s: expected 1 input, got %d", NameDivTrilWhere, len(bottoms))
	}
	src := bottoms[0]
	top, err := tensor.NewBlob(opt.BlobAllocator, src.W, src.H, src.C)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", NameDivTrilWhere, err)
	}
	CausalMaskScale(top, src, opt.Pool)
	return []tensor.Blob{top}, nil
}
