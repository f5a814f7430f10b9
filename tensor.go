package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// RECOMMENDED READING:
//
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 6: Deep Feedforward Networks - backpropagation
// - PyTorch autograd notes: "requires_grad" and excluding subgraphs
//   https://pytorch.org/docs/stable/notes/autograd.html

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values stored in
// row-major order, together with its gradient buffer.
//
// A tensor with requiresGrad=false is frozen: AccumulateGrad ignores it, so
// backward passes leave its gradient at zero.
//
// Tensor is not safe for concurrent use.
type Tensor struct {
	data         []float64
	shape        []int
	grad         []float64
	requiresGrad bool
}

// NewTensor creates a zero tensor with the given shape.
// Panics if shape is empty or contains non-positive dimensions; shape errors
// are programmer bugs, not runtime conditions.
func NewTensor(shape ...int) *Tensor {
	size := shapeSize(shape)

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:         make([]float64, size),
		shape:        shapeCopy,
		grad:         make([]float64, size),
		requiresGrad: true,
	}
}

// NewTensorFrom creates a tensor that takes a copy of data.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	copy(t.data, data)
	return t
}

// NewTensorNormal fills a tensor from N(0, std²) using rng.
func NewTensorNormal(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	return size
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Grad returns a copy of the accumulated gradient.
func (t *Tensor) Grad() []float64 {
	out := make([]float64, len(t.grad))
	copy(out, t.grad)
	return out
}

// RequiresGrad reports whether backward passes accumulate into t.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad freezes (false) or unfreezes (true) the tensor.
// Freezing also clears any gradient already accumulated.
func (t *Tensor) SetRequiresGrad(v bool) {
	t.requiresGrad = v
	if !v {
		t.ZeroGrad()
	}
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// Row returns a copy of row i of a 2D tensor as a 1D tensor.
func (t *Tensor) Row(i int) *Tensor {
	if len(t.shape) != 2 {
		panic("tensor: Row requires 2D tensor")
	}
	if i < 0 || i >= t.shape[0] {
		panic(fmt.Sprintf("tensor: row %d out of bounds [0,%d)", i, t.shape[0]))
	}
	cols := t.shape[1]
	out := NewTensor(cols)
	copy(out.data, t.data[i*cols:(i+1)*cols])
	return out
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// AccumulateGrad adds grad into t's gradient buffer.
// It is a no-op when t is frozen.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic(fmt.Sprintf("tensor: AccumulateGrad shape %v into %v", grad.shape, t.shape))
	}
	if !t.requiresGrad {
		return
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}

// accumulateRow adds grad into row i of a 2D tensor's gradient. Embedding
// tables use it to scatter per-token gradients without materialising a
// full-size gradient tensor.
func (t *Tensor) accumulateRow(i int, grad []float64) {
	if !t.requiresGrad {
		return
	}
	cols := t.shape[1]
	row := t.grad[i*cols : (i+1)*cols]
	for j, g := range grad {
		row[j] += g
	}
}

// Clone creates a deep copy of the tensor, including its gradient and
// requiresGrad flag.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	clone.requiresGrad = t.requiresGrad
	return clone
}

// Reshape returns a view with a different shape sharing data and gradient.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	if newSize := shapeSize(newShape); newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:         t.data,
		shape:        shapeCopy,
		grad:         t.grad,
		requiresGrad: t.requiresGrad,
	}
}

// String returns a short description for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Scale multiplies all elements by a scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs C = A @ B for A (M, K) and B (K, N) using the global
// compute configuration.
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, globalComputeConfig)
}

// Transpose returns the transpose of a 2D matrix.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// GELU applies the tanh approximation of the Gaussian Error Linear Unit,
// the activation used by BERT's feed-forward layers.
//
// GELU(x) ≈ 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
func GELU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}
	return out
}

const (
	sqrt2OverPi = 0.7978845608028654
	geluCoeff   = 0.044715
)

// Softmax applies a numerically stable softmax over each row of a 2D tensor.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)
	for r := 0; r < rows; r++ {
		row := x.data[r*cols : (r+1)*cols]
		dst := out.data[r*cols : (r+1)*cols]
		copy(dst, softmaxSlice(row))
	}
	return out
}

func softmaxSlice(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	sum := 0.0
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = math.Exp(v - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// addBias adds a 1D bias to every row of a 2D tensor.
func addBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 || len(bias.shape) != 1 || x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("addBias: cannot add bias %v to %v", bias.shape, x.shape))
	}

	out := x.Clone()
	out.requiresGrad = true
	cols := x.shape[1]
	for i := range out.data {
		out.data[i] += bias.data[i%cols]
	}
	return out
}

// sumRows reduces a 2D gradient over its rows, the bias gradient of addBias.
func sumRows(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: sumRows requires 2D tensor")
	}
	cols := x.shape[1]
	out := NewTensor(cols)
	for i, v := range x.data {
		out.data[i%cols] += v
	}
	return out
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
