package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The building blocks of a BERT encoder layer, for one sequence at a time:
//
//   x ──► Attention ──► + x ──► LayerNorm ──► FeedForward ──► + ──► LayerNorm ──► out
//                                   │                         ▲
//                                   └─────────────────────────┘
//
// BERT places LayerNorm after each residual sum ("post-LN"), unlike GPT-2
// which normalizes before each sublayer.
//
// BIDIRECTIONAL ATTENTION:
//
// Every position attends to every other position. The only mask is the
// key padding mask: position j is hidden from all queries when mask[j] == 0.
//
//   mask = [1 1 1 0]   →   scores[:, 3] = -1e9 before softmax
//
// Shapes: x is (seqLen, hidden). Heads split the hidden dimension into
// numHeads slices of headDim columns.
//
// ===========================================================================

import (
	"fmt"
	"math"
	"math/rand"
)

const maskedScore = -1e9

// Attention is multi-head bidirectional self-attention with biases.
type Attention struct {
	hidden   int
	numHeads int
	headDim  int

	wq, wk, wv, wo *Tensor // (hidden, hidden)
	bq, bk, bv, bo *Tensor // (hidden)
}

// NewAttention creates an attention block initialised from N(0, std²).
func NewAttention(hidden, numHeads int, std float64, rng *rand.Rand) *Attention {
	if hidden%numHeads != 0 {
		panic(fmt.Sprintf("transformer: hidden (%d) must be divisible by numHeads (%d)", hidden, numHeads))
	}
	return &Attention{
		hidden:   hidden,
		numHeads: numHeads,
		headDim:  hidden / numHeads,
		wq:       NewTensorNormal(rng, std, hidden, hidden),
		wk:       NewTensorNormal(rng, std, hidden, hidden),
		wv:       NewTensorNormal(rng, std, hidden, hidden),
		wo:       NewTensorNormal(rng, std, hidden, hidden),
		bq:       NewTensor(hidden),
		bk:       NewTensor(hidden),
		bv:       NewTensor(hidden),
		bo:       NewTensor(hidden),
	}
}

// AttentionCache holds the activations Attention.Backward needs.
type AttentionCache struct {
	input   *Tensor
	mask    []float64
	q, k, v *Tensor   // (seqLen, hidden)
	weights []*Tensor // per head, (seqLen, seqLen)
	context *Tensor   // concatenated head outputs, (seqLen, hidden)
}

// ForwardWithCache runs attention over x and records activations for
// Backward. mask has one 0/1 entry per position; nil attends everywhere.
func (a *Attention) ForwardWithCache(x *Tensor, mask []float64) (*Tensor, *AttentionCache) {
	if len(x.shape) != 2 || x.shape[1] != a.hidden {
		panic(fmt.Sprintf("transformer: attention input must be (seqLen, %d), got %v", a.hidden, x.shape))
	}
	seqLen := x.shape[0]

	cache := &AttentionCache{
		input:   x,
		mask:    mask,
		q:       addBias(MatMul(x, a.wq), a.bq),
		k:       addBias(MatMul(x, a.wk), a.bk),
		v:       addBias(MatMul(x, a.wv), a.bv),
		weights: make([]*Tensor, a.numHeads),
		context: NewTensor(seqLen, a.hidden),
	}

	scale := 1.0 / math.Sqrt(float64(a.headDim))
	for h := 0; h < a.numHeads; h++ {
		qh := headSlice(cache.q, h, a.headDim)
		kh := headSlice(cache.k, h, a.headDim)
		vh := headSlice(cache.v, h, a.headDim)

		scores := Scale(MatMul(qh, Transpose(kh)), scale)
		applyKeyMask(scores, mask)

		weights := Softmax(scores)
		cache.weights[h] = weights

		setHeadSlice(cache.context, MatMul(weights, vh), h, a.headDim)
	}

	return addBias(MatMul(cache.context, a.wo), a.bo), cache
}

// applyKeyMask hides padded key columns from every query row.
func applyKeyMask(scores *Tensor, mask []float64) {
	if mask == nil {
		return
	}
	rows, cols := scores.shape[0], scores.shape[1]
	for j := 0; j < cols; j++ {
		if mask[j] != 0 {
			continue
		}
		for i := 0; i < rows; i++ {
			scores.data[i*cols+j] = maskedScore
		}
	}
}

// headSlice copies the columns of head h out of a (seqLen, hidden) tensor.
func headSlice(t *Tensor, h, headDim int) *Tensor {
	seqLen, hidden := t.shape[0], t.shape[1]
	out := NewTensor(seqLen, headDim)
	for i := 0; i < seqLen; i++ {
		copy(out.data[i*headDim:(i+1)*headDim], t.data[i*hidden+h*headDim:i*hidden+(h+1)*headDim])
	}
	return out
}

// setHeadSlice writes a (seqLen, headDim) block into the columns of head h.
func setHeadSlice(dst, src *Tensor, h, headDim int) {
	seqLen, hidden := dst.shape[0], dst.shape[1]
	for i := 0; i < seqLen; i++ {
		copy(dst.data[i*hidden+h*headDim:i*hidden+(h+1)*headDim], src.data[i*headDim:(i+1)*headDim])
	}
}

// LayerNorm normalizes each row to zero mean and unit variance, then applies
// a learned scale (gamma) and shift (beta).
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm creates an identity-initialised LayerNorm (gamma=1, beta=0).
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	gamma := NewTensor(dim)
	for i := range gamma.data {
		gamma.data[i] = 1.0
	}
	return &LayerNorm{dim: dim, eps: eps, gamma: gamma, beta: NewTensor(dim)}
}

// Forward normalizes x into a freshly allocated tensor.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	ln.forwardInto(x, out)
	return out
}

// forwardInto normalizes x into out, which must have x's shape.
func (ln *LayerNorm) forwardInto(x, out *Tensor) {
	if len(x.shape) != 2 || x.shape[1] != ln.dim {
		panic(fmt.Sprintf("transformer: LayerNorm input must be (n, %d), got %v", ln.dim, x.shape))
	}
	rows := x.shape[0]
	for r := 0; r < rows; r++ {
		off := r * ln.dim
		mean, std := rowStats(x.data[off:off+ln.dim], ln.eps)
		for j := 0; j < ln.dim; j++ {
			norm := (x.data[off+j] - mean) / std
			out.data[off+j] = norm*ln.gamma.data[j] + ln.beta.data[j]
		}
	}
}

// Backward accumulates gamma/beta gradients and returns ∂L/∂x.
func (ln *LayerNorm) Backward(x, gradY *Tensor) *Tensor {
	gradX, gradGamma, gradBeta := LayerNormBackward(x, ln.gamma, gradY, ln.eps)
	ln.gamma.AccumulateGrad(gradGamma)
	ln.beta.AccumulateGrad(gradBeta)
	return gradX
}

// FeedForward is the position-wise MLP: GELU(x W1 + b1) W2 + b2.
type FeedForward struct {
	w1, b1 *Tensor
	w2, b2 *Tensor
}

// FFCache holds the activations FeedForward.Backward needs.
type FFCache struct {
	input         *Tensor
	preActivation *Tensor
	hidden        *Tensor
}

// NewFeedForward creates a feed-forward block hidden → intermediate → hidden.
func NewFeedForward(hidden, intermediate int, std float64, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		w1: NewTensorNormal(rng, std, hidden, intermediate),
		b1: NewTensor(intermediate),
		w2: NewTensorNormal(rng, std, intermediate, hidden),
		b2: NewTensor(hidden),
	}
}

// ForwardWithCache runs the MLP and records activations for Backward.
func (ff *FeedForward) ForwardWithCache(x *Tensor) (*Tensor, *FFCache) {
	pre := addBias(MatMul(x, ff.w1), ff.b1)
	hidden := GELU(pre)
	out := addBias(MatMul(hidden, ff.w2), ff.b2)
	return out, &FFCache{input: x, preActivation: pre, hidden: hidden}
}

// EncoderLayer is one post-LN BERT layer.
type EncoderLayer struct {
	attn *Attention
	ln1  *LayerNorm
	ff   *FeedForward
	ln2  *LayerNorm
	drop *Dropout
}

// LayerCache holds one layer's activations.
type LayerCache struct {
	attnCache *AttentionCache
	attnDrop  []float64
	residual1 *Tensor // x + attn(x), input to ln1
	ffCache   *FFCache
	ffDrop    []float64
	residual2 *Tensor // h + ff(h), input to ln2
}

// NewEncoderLayer creates a layer for cfg.
func NewEncoderLayer(cfg BERTConfig, rng *rand.Rand) *EncoderLayer {
	std := cfg.InitializerRange
	return &EncoderLayer{
		attn: NewAttention(cfg.HiddenDim, cfg.NumHeads, std, rng),
		ln1:  NewLayerNorm(cfg.HiddenDim, cfg.LayerNormEps),
		ff:   NewFeedForward(cfg.HiddenDim, cfg.IntermediateDim, std, rng),
		ln2:  NewLayerNorm(cfg.HiddenDim, cfg.LayerNormEps),
		drop: NewDropout(cfg.DropoutProb, rng),
	}
}

// ForwardWithCache runs the layer. Sublayer outputs pass through dropout
// when training is set.
func (l *EncoderLayer) ForwardWithCache(x *Tensor, mask []float64, training bool) (*Tensor, *LayerCache) {
	out := NewTensor(x.shape...)
	return out, l.forwardInto(x, mask, training, out)
}

// forwardInto runs the layer and writes its output into out. The output is
// not referenced by the returned cache, so out may come from a pool.
func (l *EncoderLayer) forwardInto(x *Tensor, mask []float64, training bool, out *Tensor) *LayerCache {
	cache := &LayerCache{}

	attnOut, attnCache := l.attn.ForwardWithCache(x, mask)
	cache.attnCache = attnCache
	attnOut, cache.attnDrop = l.drop.Forward(attnOut, training)

	cache.residual1 = Add(x, attnOut)
	h := l.ln1.Forward(cache.residual1)

	ffOut, ffCache := l.ff.ForwardWithCache(h)
	cache.ffCache = ffCache
	ffOut, cache.ffDrop = l.drop.Forward(ffOut, training)

	cache.residual2 = Add(h, ffOut)
	l.ln2.forwardInto(cache.residual2, out)
	return cache
}

// namedParameters lists the layer's tensors under prefix.
func (l *EncoderLayer) namedParameters(prefix string) []NamedParameter {
	return []NamedParameter{
		{prefix + ".attention.query.weight", l.attn.wq},
		{prefix + ".attention.query.bias", l.attn.bq},
		{prefix + ".attention.key.weight", l.attn.wk},
		{prefix + ".attention.key.bias", l.attn.bk},
		{prefix + ".attention.value.weight", l.attn.wv},
		{prefix + ".attention.value.bias", l.attn.bv},
		{prefix + ".attention.output.weight", l.attn.wo},
		{prefix + ".attention.output.bias", l.attn.bo},
		{prefix + ".attention.layer_norm.gamma", l.ln1.gamma},
		{prefix + ".attention.layer_norm.beta", l.ln1.beta},
		{prefix + ".intermediate.weight", l.ff.w1},
		{prefix + ".intermediate.bias", l.ff.b1},
		{prefix + ".output.weight", l.ff.w2},
		{prefix + ".output.bias", l.ff.b2},
		{prefix + ".output.layer_norm.gamma", l.ln2.gamma},
		{prefix + ".output.layer_norm.beta", l.ln2.beta},
	}
}
