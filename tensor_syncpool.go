package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A size-bucketed sync.Pool for encoder output buffers.
//
// A multi-task training forward pass runs the shared encoder over four
// batches, one task after another. Only the first-token row of each final
// hidden state survives a task; the (seqLen, hidden) buffers behind it are
// returned here as soon as that row has been copied out, so the next task
// reuses them instead of allocating.
//
// Pooled tensors carry no gradient buffer: they hold activations, never
// parameters.
//
// ===========================================================================

import (
	"sync"
)

// ActivationPool recycles float64 buffers keyed by element count.
// It is safe for concurrent use.
type ActivationPool struct {
	mu    sync.RWMutex
	pools map[int]*sync.Pool
}

// NewActivationPool creates an empty pool.
func NewActivationPool() *ActivationPool {
	return &ActivationPool{pools: make(map[int]*sync.Pool)}
}

func (p *ActivationPool) poolFor(size int) *sync.Pool {
	p.mu.RLock()
	pool, ok := p.pools[size]
	p.mu.RUnlock()
	if ok {
		return pool
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, ok := p.pools[size]; ok {
		return pool
	}
	pool = &sync.Pool{
		New: func() any {
			buf := make([]float64, size)
			return &buf
		},
	}
	p.pools[size] = pool
	return pool
}

// Get returns a (rows, cols) tensor whose contents are unspecified.
func (p *ActivationPool) Get(rows, cols int) *Tensor {
	size := shapeSize([]int{rows, cols})
	buf := p.poolFor(size).Get().(*[]float64)
	return &Tensor{
		data:  (*buf)[:size],
		shape: []int{rows, cols},
	}
}

// Put returns t's buffer to the pool. t must not be used afterwards.
func (p *ActivationPool) Put(t *Tensor) {
	if t == nil || len(t.data) == 0 {
		return
	}
	buf := t.data
	t.data = nil
	p.poolFor(len(buf)).Put(&buf)
}
