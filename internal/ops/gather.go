package ops

import (
	"fmt"
	"math"

	"github.com/samcharles93/gpt2chat/internal/tensor"
)

// EmbeddingGather copies table rows into dst. table is [V, E] (W=E, H=V),
// index holds N float-coded ids (W=N) and dst is [N, E]. Row i of dst is row
// round(index[i]) of table. Indices are not range checked.
func EmbeddingGather(dst, table, index tensor.Blob, pool *tensor.WorkerPool) {
	n, e := index.W, table.W
	if dst.W != e || dst.H != n {
		panic("gather: output shape mismatch")
	}
	pool.Parallel(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			id := int(math.Round(float64(index.Data[i])))
			copy(dst.Data[i*e:(i+1)*e], table.Data[id*e:(id+1)*e])
		}
	})
}

// Gather is the layer form of EmbeddingGather. Inputs are (table, index).
type Gather struct{}

func NewGather() Layer { return Gather{} }

func (Gather) Forward(bottoms []tensor.Blob, opt Option) ([]tensor.Blob, error) {
	if len(bottoms) != 2 {
		return nil, fmt.Errorf("%s: expected 2 inputs, got %d", NameGather, len(bottoms))
	}
	table, index := bottoms[0], bottoms[1]
	top, err := tensor.NewBlob(opt.BlobAllocator, table.W, index.W, 1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", NameGather, err)
	}
	EmbeddingGather(top, table, index, opt.Pool)
	return []tensor.Blob{top}, nil
}
