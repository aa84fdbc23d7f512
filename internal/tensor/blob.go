package tensor

import "errors"

var (
	errNegativeDim = errors.New("tensor: negative dimension")
	errBlobShape   = errors.New("tensor: data length does not match shape")
)

// Blob is a dense float32 buffer with up to three dimensions.
//
// W is the fastest varying dimension, followed by H and then C. A blob with
// C == 1 is a row-major [H, W] matrix and a blob with H == C == 1 is a vector.
// Channel p occupies Data[p*W*H : (p+1)*W*H].
type Blob struct {
	W, H, C int
	Data    []float32
}

// FromSlice wraps data as a blob of the given shape without copying.
func FromSlice(data []float32, w, h, c int) (Blob, error) {
	if w < 0 || h < 0 || c < 0 {
		return Blob{}, errNegativeDim
	}
	if w*h*c != len(data) {
		return Blob{}, errBlobShape
	}
	return Blob{W: w, H: h, C: c, Data: data}, nil
}

// Vector returns a one-dimensional blob backed by data.
func Vector(data []float32) Blob {
	return Blob{W: len(data), H: 1, C: 1, Data: data}
}

// Total returns the number of elements described by the shape.
func (b Blob) Total() int {
	return b.W * b.H * b.C
}

// Channel returns a view of channel p.
func (b Blob) Channel(p int) []float32 {
	if p < 0 || p >= b.C {
		panic("channel index out of range")
	}
	n := b.W * b.H
	return b.Data[p*n : (p+1)*n]
}

// Row returns a view of row y of channel 0.
func (b Blob) Row(y int) []float32 {
	if y < 0 || y >= b.H {
		panic("row index out of range")
	}
	return b.Data[y*b.W : (y+1)*b.W]
}

// RowRange returns a [n, W] view starting at row y of channel 0.
func (b Blob) RowRange(y, n int) Blob {
	if y < 0 || n < 0 || y+n > b.H {
		panic("row range out of range")
	}
	return Blob{W: b.W, H: n, C: 1, Data: b.Data[y*b.W : (y+n)*b.W]}
}

// Clone returns a deep copy of the blob.
func (b Blob) Clone() Blob {
	out := b
	out.Data = append([]float32(nil), b.Data...)
	return out
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b Blob) bool {
	return a.W == b.W && a.H == b.H && a.C == b.C
}
