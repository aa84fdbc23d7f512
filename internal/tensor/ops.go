package tensor

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddBias adds bias to every row of the [H, W] matrix m.
func AddBias(m Blob, bias []float32) {
	for y := 0; y < m.H; y++ {
		Add(m.Row(y), bias)
	}
}

// LayerNorm normalises src to zero mean and unit variance, then applies the
// affine weight and bias.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := float64(len(src))
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= n
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= n
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		dst[i] = float32((float64(v)-mean)*inv)*weight[i] + bias[i]
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// GELU is the tanh approximation used by GPT-2.
func GELU(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v))))
}

// GELUInPlace applies GELU to every element of x.
func GELUInPlace(x []float32) {
	for i, v := range x {
		x[i] = GELU(v)
	}
}

func general(b Blob) blas32.General {
	return blas32.General{Rows: b.H, Cols: b.W, Stride: b.W, Data: b.Data[:b.W*b.H]}
}

// MatMul computes dst = a * b for row-major matrices a [M, K], b [K, N] and
// dst [M, N].
func MatMul(dst, a, b Blob) {
	if a.W != b.H || dst.H != a.H || dst.W != b.W {
		panic("matmul: shape mismatch")
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(a), general(b), 0, general(dst))
}

// MatMulTransB computes dst = a * bᵀ for a [M, K], b [N, K] and dst [M, N].
func MatMulTransB(dst, a, b Blob) {
	if a.W != b.W || dst.H != a.H || dst.W != b.H {
		panic("matmul: shape mismatch")
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(a), general(b), 0, general(dst))
}
