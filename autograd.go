package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward operations for the pieces the multi-task model is built from.
// Each forward op has a matching function here that maps the gradient of
// the loss w.r.t. the op's output to gradients w.r.t. its inputs.
//
// THE CHAIN RULE:
//
//   Forward:  y = f(x), L = g(y)
//   Backward: ∂L/∂x = ∂L/∂y · ∂y/∂x
//
// Parameter gradients are accumulated with Tensor.AccumulateGrad, which
// skips frozen tensors. That single check is what keeps a frozen task head
// at zero gradient while the gradient still flows past it.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// MatMulBackward computes gradients for C = A @ B:
//
//	∂L/∂A = ∂L/∂C @ Bᵀ
//	∂L/∂B = Aᵀ @ ∂L/∂C
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// GELUBackward computes ∂L/∂x for y = GELU(x) (tanh approximation).
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	for i, v := range x.data {
		inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
		tanhInner := math.Tanh(inner)

		sech2 := 1.0 - tanhInner*tanhInner
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*geluCoeff*v*v)
		deriv := 0.5*(1.0+tanhInner) + 0.5*v*sech2*innerDeriv

		gradX.data[i] = gradY.data[i] * deriv
	}
	return gradX
}

// SoftmaxBackward computes ∂L/∂x for row-wise y = softmax(x):
//
//	∂L/∂x_i = y_i · (∂L/∂y_i − Σ_j ∂L/∂y_j · y_j)
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	rows, cols := y.shape[0], y.shape[1]
	gradX := NewTensor(rows, cols)
	for r := 0; r < rows; r++ {
		off := r * cols
		dot := 0.0
		for c := 0; c < cols; c++ {
			dot += gradY.data[off+c] * y.data[off+c]
		}
		for c := 0; c < cols; c++ {
			gradX.data[off+c] = y.data[off+c] * (gradY.data[off+c] - dot)
		}
	}
	return gradX
}

// LayerNormBackward computes gradients for row-wise layer normalization
// y = γ · (x − μ)/σ + β, given the forward input x.
func LayerNormBackward(x, gamma, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	rows, features := x.shape[0], x.shape[1]
	n := float64(features)

	gradX = NewTensor(rows, features)
	gradGamma = NewTensor(features)
	gradBeta = NewTensor(features)

	xNorm := make([]float64, features)
	for r := 0; r < rows; r++ {
		off := r * features
		mean, std := rowStats(x.data[off:off+features], epsilon)

		sumG := 0.0
		sumGX := 0.0
		for f := 0; f < features; f++ {
			xNorm[f] = (x.data[off+f] - mean) / std
			g := gradY.data[off+f]
			gradGamma.data[f] += g * xNorm[f]
			gradBeta.data[f] += g

			gn := g * gamma.data[f]
			sumG += gn
			sumGX += gn * xNorm[f]
		}

		for f := 0; f < features; f++ {
			gn := gradY.data[off+f] * gamma.data[f]
			gradX.data[off+f] = (n*gn - sumG - xNorm[f]*sumGX) / (n * std)
		}
	}

	return gradX, gradGamma, gradBeta
}

// rowStats returns the mean and sqrt(variance + eps) of one row.
func rowStats(row []float64, epsilon float64) (mean, std float64) {
	for _, v := range row {
		mean += v
	}
	mean /= float64(len(row))

	variance := 0.0
	for _, v := range row {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(row))

	return mean, math.Sqrt(variance + epsilon)
}

// DropoutBackward routes the gradient through the kept units, using the
// scaled keep-mask recorded during the forward pass. A nil mask means the
// forward pass ran in eval mode.
func DropoutBackward(mask []float64, gradY *Tensor) *Tensor {
	if mask == nil {
		return gradY.Clone()
	}
	gradX := NewTensor(gradY.shape...)
	for i, m := range mask {
		gradX.data[i] = gradY.data[i] * m
	}
	return gradX
}

// CrossEntropyBackward returns ∂L/∂logits for mean cross-entropy over the
// batch: (softmax(logits) − onehot(target)) / batch.
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("CrossEntropyBackward: requires 2D logits")
	}

	batch, classes := logits.shape[0], logits.shape[1]
	probs := Softmax(logits)
	grad := NewTensor(batch, classes)
	for b := 0; b < batch; b++ {
		for c := 0; c < classes; c++ {
			p := probs.data[b*classes+c]
			if c == targets[b] {
				p -= 1.0
			}
			grad.data[b*classes+c] = p / float64(batch)
		}
	}
	return grad
}

// MSEBackward returns ∂L/∂pred for mean squared error over a [batch, 1]
// regression output: 2 · (pred − target) / batch.
func MSEBackward(pred *Tensor, targets []float64) *Tensor {
	if len(pred.shape) != 2 || pred.shape[1] != 1 {
		panic(fmt.Sprintf("MSEBackward: requires [batch, 1] predictions, got %v", pred.shape))
	}

	batch := pred.shape[0]
	grad := NewTensor(batch, 1)
	for b := 0; b < batch; b++ {
		grad.data[b] = 2.0 * (pred.data[b] - targets[b]) / float64(batch)
	}
	return grad
}
