package tensor

import (
	"runtime"
	"sync"
)

type rangeTask struct {
	fn     func(lo, hi int)
	lo, hi int
	done   chan struct{}
}

// WorkerPool runs contiguous index ranges on a fixed set of goroutines.
type WorkerPool struct {
	size      int
	tasks     chan rangeTask
	doneSlots chan chan struct{}
	closeOnce sync.Once
}

// NewWorkerPool starts a pool with the given number of workers. A size below
// one uses GOMAXPROCS.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = runtime.GOMAXPROCS(0)
	}
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{
		size:      size,
		tasks:     make(chan rangeTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for i := 0; i < size; i++ {
		go func() {
			for task := range p.tasks {
				task.fn(task.lo, task.hi)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	if p == nil {
		return 1
	}
	return p.size
}

// Parallel splits [0, n) into at most Size() chunks and calls fn for each
// chunk, returning once all chunks are done. A nil pool runs fn inline.
func (p *WorkerPool) Parallel(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if p == nil {
		fn(0, n)
		return
	}
	workers := min(p.size, n)
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots

	active := 0
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		active++
		p.tasks <- rangeTask{fn: fn, lo: lo, hi: hi, done: done}
	}
	for i := 0; i < active; i++ {
		<-done
	}
	p.doneSlots <- done
}

// Close stops the workers. The pool must not be used afterwards.
func (p *WorkerPool) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
}
