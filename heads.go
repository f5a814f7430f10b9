package main

import (
	"fmt"
	"math/rand"
)

// Linear is a fully connected layer y = x W + b, used for the task heads.
type Linear struct {
	in, out int
	weight  *Tensor // (in, out)
	bias    *Tensor // (out)
}

// NewLinear creates a layer with N(0, std²) weights and zero bias.
func NewLinear(in, out int, std float64, rng *rand.Rand) *Linear {
	return &Linear{
		in:     in,
		out:    out,
		weight: NewTensorNormal(rng, std, in, out),
		bias:   NewTensor(out),
	}
}

// Forward maps (batch, in) to (batch, out).
func (l *Linear) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 || x.shape[1] != l.in {
		panic(fmt.Sprintf("linear: input must be (batch, %d), got %v", l.in, x.shape))
	}
	return addBias(MatMul(x, l.weight), l.bias)
}

// Backward accumulates weight and bias gradients and returns ∂L/∂x.
// The input gradient is computed even when the layer is frozen.
func (l *Linear) Backward(x, gradY *Tensor) *Tensor {
	gradX, gradW := MatMulBackward(x, l.weight, gradY)
	l.weight.AccumulateGrad(gradW)
	l.bias.AccumulateGrad(sumRows(gradY))
	return gradX
}

// SetRequiresGrad freezes or unfreezes both weight and bias.
func (l *Linear) SetRequiresGrad(v bool) {
	l.weight.SetRequiresGrad(v)
	l.bias.SetRequiresGrad(v)
}

// Frozen reports whether no parameter of the layer receives gradients.
func (l *Linear) Frozen() bool {
	return !l.weight.requiresGrad && !l.bias.requiresGrad
}

// Dropout zeroes each unit with probability p during training and scales
// survivors by 1/(1-p) (inverted dropout), so eval mode is the identity.
type Dropout struct {
	p   float64
	rng *rand.Rand
}

// NewDropout creates a dropout layer. Panics if p is outside [0, 1).
func NewDropout(p float64, rng *rand.Rand) *Dropout {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout: probability must be in [0, 1), got %g", p))
	}
	return &Dropout{p: p, rng: rng}
}

// Forward applies dropout. The returned mask holds 0 or 1/(1-p) per element
// and is nil when nothing was dropped (eval mode or p == 0).
func (d *Dropout) Forward(x *Tensor, training bool) (*Tensor, []float64) {
	if !training || d.p == 0 {
		return x, nil
	}

	keep := 1.0 / (1.0 - d.p)
	mask := make([]float64, len(x.data))
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		if d.rng.Float64() >= d.p {
			mask[i] = keep
			out.data[i] = v * keep
		}
	}
	return out, mask
}
