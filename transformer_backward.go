package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backpropagation through the encoder layer. Each Backward mirrors the
// matching ForwardWithCache in reverse order and returns the gradient w.r.t.
// its input, accumulating parameter gradients on the way.
//
// Post-LN layer:
//
//   r1 = x + drop(attn(x))     h  = ln1(r1)
//   r2 = h + drop(ff(h))       out = ln2(r2)
//
// Reverse:
//
//   ∂r2 = ln2ᵀ(∂out)
//   ∂h  = ∂r2 + ffᵀ(dropᵀ(∂r2))
//   ∂r1 = ln1ᵀ(∂h)
//   ∂x  = ∂r1 + attnᵀ(dropᵀ(∂r1))
//
// ===========================================================================

import (
	"math"
)

// Backward propagates gradOut through the layer and returns ∂L/∂x.
func (l *EncoderLayer) Backward(gradOut *Tensor, cache *LayerCache) *Tensor {
	gradR2 := l.ln2.Backward(cache.residual2, gradOut)

	gradFFOut := DropoutBackward(cache.ffDrop, gradR2)
	gradH := Add(gradR2, l.ff.Backward(gradFFOut, cache.ffCache))

	gradR1 := l.ln1.Backward(cache.residual1, gradH)

	gradAttnOut := DropoutBackward(cache.attnDrop, gradR1)
	return Add(gradR1, l.attn.Backward(gradAttnOut, cache.attnCache))
}

// Backward propagates through the MLP and returns ∂L/∂x.
func (ff *FeedForward) Backward(gradOut *Tensor, cache *FFCache) *Tensor {
	gradHidden, gradW2 := MatMulBackward(cache.hidden, ff.w2, gradOut)
	ff.w2.AccumulateGrad(gradW2)
	ff.b2.AccumulateGrad(sumRows(gradOut))

	gradPre := GELUBackward(cache.preActivation, gradHidden)

	gradInput, gradW1 := MatMulBackward(cache.input, ff.w1, gradPre)
	ff.w1.AccumulateGrad(gradW1)
	ff.b1.AccumulateGrad(sumRows(gradPre))

	return gradInput
}

// Backward propagates through multi-head attention and returns ∂L/∂x.
func (a *Attention) Backward(gradOut *Tensor, cache *AttentionCache) *Tensor {
	seqLen := cache.input.shape[0]

	gradContext, gradWo := MatMulBackward(cache.context, a.wo, gradOut)
	a.wo.AccumulateGrad(gradWo)
	a.bo.AccumulateGrad(sumRows(gradOut))

	gradQ := NewTensor(seqLen, a.hidden)
	gradK := NewTensor(seqLen, a.hidden)
	gradV := NewTensor(seqLen, a.hidden)

	scale := 1.0 / math.Sqrt(float64(a.headDim))
	for h := 0; h < a.numHeads; h++ {
		qh := headSlice(cache.q, h, a.headDim)
		kh := headSlice(cache.k, h, a.headDim)
		vh := headSlice(cache.v, h, a.headDim)
		gradCtxH := headSlice(gradContext, h, a.headDim)
		weights := cache.weights[h]

		// context = weights @ v
		gradWeights, gradVh := MatMulBackward(weights, vh, gradCtxH)

		// weights = softmax(scores); masked scores are constants.
		gradScores := SoftmaxBackward(weights, gradWeights)
		zeroMaskedColumns(gradScores, cache.mask)

		// scores = scale · q @ kᵀ
		gradScores = Scale(gradScores, scale)
		gradQh := MatMul(gradScores, kh)
		gradKh := MatMul(Transpose(gradScores), qh)

		setHeadSlice(gradQ, gradQh, h, a.headDim)
		setHeadSlice(gradK, gradKh, h, a.headDim)
		setHeadSlice(gradV, gradVh, h, a.headDim)
	}

	gradInput := NewTensor(seqLen, a.hidden)
	for _, p := range []struct {
		grad *Tensor
		w, b *Tensor
	}{
		{gradQ, a.wq, a.bq},
		{gradK, a.wk, a.bk},
		{gradV, a.wv, a.bv},
	} {
		gx, gw := MatMulBackward(cache.input, p.w, p.grad)
		p.w.AccumulateGrad(gw)
		p.b.AccumulateGrad(sumRows(p.grad))
		gradInput = Add(gradInput, gx)
	}

	return gradInput
}

func zeroMaskedColumns(grad *Tensor, mask []float64) {
	if mask == nil {
		return
	}
	rows, cols := grad.shape[0], grad.shape[1]
	for j := 0; j < cols; j++ {
		if mask[j] != 0 {
			continue
		}
		for i := 0; i < rows; i++ {
			grad.data[i*cols+j] = 0
		}
	}
}
