package tensor

import (
	"errors"
	"sync"
)

// ErrAllocFailed is returned when an allocator cannot provide a buffer.
var ErrAllocFailed = errors.New("tensor: allocation failed")

// Allocator hands out float32 buffers for blobs.
type Allocator interface {
	Alloc(n int) ([]float32, error)
	Free(buf []float32)
}

// HeapAllocator allocates every buffer from the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(n int) ([]float32, error) {
	if n < 0 {
		return nil, ErrAllocFailed
	}
	return make([]float32, n), nil
}

func (HeapAllocator) Free([]float32) {}

// PoolAllocator recycles buffers by length and enforces an optional byte
// budget on the memory it has handed out. It is safe for concurrent use.
type PoolAllocator struct {
	mu    sync.Mutex
	limit int64
	inUse int64
	free  map[int][][]float32
}

// NewPoolAllocator returns a pool limited to limitBytes of outstanding
// buffers. A limit of zero disables the budget.
func NewPoolAllocator(limitBytes int64) *PoolAllocator {
	return &PoolAllocator{
		limit: limitBytes,
		free:  make(map[int][][]float32),
	}
}

func (p *PoolAllocator) Alloc(n int) ([]float32, error) {
	if n < 0 {
		return nil, ErrAllocFailed
	}
	size := int64(n) * 4

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && p.inUse+size > p.limit {
		return nil, ErrAllocFailed
	}
	p.inUse += size
	if bufs := p.free[n]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.free[n] = bufs[:len(bufs)-1]
		clear(buf)
		return buf, nil
	}
	return make([]float32, n), nil
}

func (p *PoolAllocator) Free(buf []float32) {
	if buf == nil {
		return
	}
	size := int64(len(buf)) * 4

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse -= size
	if p.inUse < 0 {
		p.inUse = 0
	}
	p.free[len(buf)] = append(p.free[len(buf)], buf)
}

// InUse returns the number of bytes currently handed out.
func (p *PoolAllocator) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// NewBlob allocates a zeroed blob of the given shape from alloc.
func NewBlob(alloc Allocator, w, h, c int) (Blob, error) {
	if w < 0 || h < 0 || c < 0 {
		return Blob{}, errNegativeDim
	}
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	data, err := alloc.Alloc(w * h * c)
	if err != nil {
		return Blob{}, err
	}
	return Blob{W: w, H: h, C: c, Data: data}, nil
}

// Release hands the blob's buffer back to alloc.
func Release(alloc Allocator, b Blob) {
	if alloc == nil || b.Data == nil {
		return
	}
	alloc.Free(b.Data)
}
