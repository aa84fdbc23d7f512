package tensor

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestFromSliceShape(t *testing.T) {
	t.Parallel()

	if _, err := FromSlice(make([]float32, 6), 3, 2, 1); err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	if _, err := FromSlice(make([]float32, 5), 3, 2, 1); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if _, err := FromSlice(nil, -1, 0, 1); err == nil {
		t.Fatal("expected negative dimension error")
	}
}

func TestBlobViews(t *testing.T) {
	t.Parallel()

	data := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	b, err := FromSlice(data, 3, 2, 2)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	ch := b.Channel(1)
	if len(ch) != 6 || ch[0] != 6 || ch[5] != 11 {
		t.Fatalf("unexpected channel view: %v", ch)
	}

	m, _ := FromSlice(data, 4, 3, 1)
	row := m.Row(2)
	if row[0] != 8 || row[3] != 11 {
		t.Fatalf("unexpected row view: %v", row)
	}
	last := m.RowRange(m.H-1, 1)
	if last.H != 1 || last.W != 4 || last.Data[0] != 8 {
		t.Fatalf("unexpected row range: %+v", last)
	}

	clone := m.Clone()
	clone.Data[0] = 42
	if m.Data[0] == 42 {
		t.Fatal("Clone shares storage with the source")
	}
}

func TestPoolAllocatorBudget(t *testing.T) {
	t.Parallel()

	p := NewPoolAllocator(64) // 16 floats
	a, err := p.Alloc(10)
	if err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := p.Alloc(10); !errors.Is(err, ErrAllocFailed) {
		t.Fatalf("expected ErrAllocFailed, got %v", err)
	}
	p.Free(a)
	if p.InUse() != 0 {
		t.Fatalf("expected no bytes in use, got %d", p.InUse())
	}
	b, err := p.Alloc(10)
	if err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
	if &a[0] != &b[0] {
		t.Fatal("expected freed buffer to be reused")
	}
	for _, v := range b {
		if v != 0 {
			t.Fatal("reused buffer was not cleared")
		}
	}
}

func TestNewBlobPropagatesAllocFailure(t *testing.T) {
	t.Parallel()

	p := NewPoolAllocator(4)
	if _, err := NewBlob(p, 2, 2, 1); !errors.Is(err, ErrAllocFailed) {
		t.Fatalf("expected ErrAllocFailed, got %v", err)
	}
	b, err := NewBlob(nil, 2, 2, 3)
	if err != nil {
		t.Fatalf("NewBlob: %v", err)
	}
	if b.Total() != 12 || len(b.Data) != 12 {
		t.Fatalf("unexpected blob: %+v", b)
	}
}

func TestWorkerPoolCoversRange(t *testing.T) {
	t.Parallel()

	p := NewWorkerPool(4)
	defer p.Close()

	for _, n := range []int{1, 3, 4, 17, 1000} {
		hits := make([]int32, n)
		p.Parallel(n, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: index %d visited %d times", n, i, h)
			}
		}
	}
}

func TestNilWorkerPoolRunsInline(t *testing.T) {
	t.Parallel()

	var p *WorkerPool
	called := 0
	p.Parallel(5, func(lo, hi int) {
		called++
		if lo != 0 || hi != 5 {
			t.Fatalf("unexpected range [%d,%d)", lo, hi)
		}
	})
	if called != 1 {
		t.Fatalf("expected one inline call, got %d", called)
	}
}
