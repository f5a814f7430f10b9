package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Parallel execution for the matrix multiplications that dominate encoder
// cost. The output rows of C = A @ B are independent, so they are split into
// contiguous bands and each band is computed by its own goroutine.
//
// All four task heads share one encoder, and a multi-task forward pass runs
// the encoder four times per batch; this is where the time goes.
//
// ===========================================================================

import (
	"runtime"
	"sync"
)

// ComputeConfig controls how matrix operations are executed.
type ComputeConfig struct {
	// Parallel enables goroutine-based row splitting.
	Parallel bool

	// NumWorkers is the number of goroutines (0 = runtime.NumCPU()).
	NumWorkers int

	// MinSizeForParallel is the smallest row count worth splitting.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a configuration using all CPUs.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration that never spawns goroutines.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(rows int) bool {
	return c.Parallel && rows >= c.MinSizeForParallel && c.numWorkers() > 1
}

var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the configuration used by MatMul.
// Not safe to call while forward or backward passes are running.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the configuration used by MatMul.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// MatMulWithConfig computes A @ B, splitting rows across workers when cfg
// allows it. Both paths produce bit-identical results.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k := a.shape[0], a.shape[1]
	if b.shape[0] != k {
		panic("tensor: incompatible dimensions for matmul")
	}
	n := b.shape[1]

	out := NewTensor(m, n)
	if !cfg.shouldParallelize(m) {
		matmulRows(a, b, out, 0, m, n, k)
		return out
	}

	numWorkers := cfg.numWorkers()
	rowsPerWorker := (m + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for start := 0; start < m; start += rowsPerWorker {
		end := start + rowsPerWorker
		if end > m {
			end = m
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matmulRows(a, b, out, start, end, n, k)
		}(start, end)
	}
	wg.Wait()

	return out
}

// matmulRows computes rows [start, end) of out using i-k-j loop order, so
// the inner loop walks B and out contiguously.
func matmulRows(a, b, out *Tensor, start, end, n, k int) {
	for i := start; i < end; i++ {
		outRow := out.data[i*n : (i+1)*n]
		aRow := a.data[i*k : (i+1)*k]
		for kk, av := range aRow {
			bRow := b.data[kk*n : (kk+1)*n]
			for j, bv := range bRow {
				outRow[j] += av * bv
			}
		}
	}
}
