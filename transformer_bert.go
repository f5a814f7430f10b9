package main

// ===========================================================================
// WHAT'S GOING ON HERE: BERT Encoder Backbone
// ===========================================================================
//
// The shared backbone every task head sits on. A BERT encoder maps a token
// sequence to one contextual vector per position:
//
//   tokens    [CLS] the cat sat [SEP] it slept [SEP] [PAD]
//   segments    0    0   0   0    0    1    1    1     0
//   mask        1    1   1   1    1    1    1    1     0
//
//   embed(x) = LayerNorm(token[x_i] + position[i] + segment[s_i])
//   hidden   = layer_N(... layer_1(embed(x)))         (seqLen, hidden)
//
// DOWNSTREAM USE:
//
// Sequence and sentence-pair tasks read hidden[0], the [CLS] position. Its
// representation attends to the whole input, so a single linear layer on
// top of it is enough to classify or regress the pair.
//
// SEGMENT EMBEDDINGS:
//
// Pair tasks (NLI, similarity, QA inference) mark the first sentence with
// segment 0 and the second with segment 1. Single-sentence tasks (sentiment)
// leave every position at segment 0.
//
// PRE-TRAINED WEIGHTS:
//
// Fine-tuning starts from a pre-trained checkpoint. LoadBERTEncoder reads
// the binary format Save writes:
//
//   [4 bytes]  header length (uint32, little endian)
//   [N bytes]  BERTConfig as JSON
//   [rest]     float64 LE parameter data, NamedParameters order
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "BERT: Pre-training of Deep Bidirectional Transformers" by Devlin et al. (2018)
//   https://arxiv.org/abs/1810.04805
// - "Multi-Task Deep Neural Networks for Natural Language Understanding"
//   by Liu et al. (2019) - shared BERT encoder with per-task heads
//   https://arxiv.org/abs/1901.11504
// ===========================================================================

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
)

var (
	// ErrInvalidInput indicates a malformed token, segment or mask sequence.
	ErrInvalidInput = errors.New("bert: invalid input")

	// ErrCheckpoint indicates an unreadable or inconsistent encoder checkpoint.
	ErrCheckpoint = errors.New("bert: bad checkpoint")
)

// BERTConfig holds configuration for a BERT-style encoder.
type BERTConfig struct {
	VocabSize        int     `json:"vocab_size" yaml:"vocab_size" toml:"vocab_size"`
	MaxSeqLen        int     `json:"max_seq_len" yaml:"max_seq_len" toml:"max_seq_len"`
	HiddenDim        int     `json:"hidden_dim" yaml:"hidden_dim" toml:"hidden_dim"`
	NumLayers        int     `json:"num_layers" yaml:"num_layers" toml:"num_layers"`
	NumHeads         int     `json:"num_heads" yaml:"num_heads" toml:"num_heads"`
	IntermediateDim  int     `json:"intermediate_dim" yaml:"intermediate_dim" toml:"intermediate_dim"`
	DropoutProb      float64 `json:"dropout_prob" yaml:"dropout_prob" toml:"dropout_prob"`
	NumSegments      int     `json:"num_segments" yaml:"num_segments" toml:"num_segments"`
	LayerNormEps     float64 `json:"layer_norm_eps" yaml:"layer_norm_eps" toml:"layer_norm_eps"`
	InitializerRange float64 `json:"initializer_range" yaml:"initializer_range" toml:"initializer_range"`

	CLSTokenID int `json:"cls_token_id" yaml:"cls_token_id" toml:"cls_token_id"`
	SEPTokenID int `json:"sep_token_id" yaml:"sep_token_id" toml:"sep_token_id"`
	PADTokenID int `json:"pad_token_id" yaml:"pad_token_id" toml:"pad_token_id"`
}

// NewBERTConfig returns the bert-base-uncased configuration.
func NewBERTConfig() BERTConfig {
	return BERTConfig{
		VocabSize:        30522,
		MaxSeqLen:        512,
		HiddenDim:        768,
		NumLayers:        12,
		NumHeads:         12,
		IntermediateDim:  3072,
		DropoutProb:      0.1,
		NumSegments:      2,
		LayerNormEps:     1e-12,
		InitializerRange: 0.02,
		CLSTokenID:       101,
		SEPTokenID:       102,
		PADTokenID:       0,
	}
}

// Validate reports the first problem with the configuration.
func (c BERTConfig) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"max_seq_len", c.MaxSeqLen},
		{"hidden_dim", c.HiddenDim},
		{"num_layers", c.NumLayers},
		{"num_heads", c.NumHeads},
		{"intermediate_dim", c.IntermediateDim},
		{"num_segments", c.NumSegments},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}
	if c.HiddenDim%c.NumHeads != 0 {
		return fmt.Errorf("%w: hidden_dim %d not divisible by num_heads %d", ErrInvalidConfig, c.HiddenDim, c.NumHeads)
	}
	if c.DropoutProb < 0 || c.DropoutProb >= 1 {
		return fmt.Errorf("%w: dropout_prob must be in [0, 1), got %g", ErrInvalidConfig, c.DropoutProb)
	}
	if c.LayerNormEps <= 0 {
		return fmt.Errorf("%w: layer_norm_eps must be positive, got %g", ErrInvalidConfig, c.LayerNormEps)
	}
	if c.InitializerRange < 0 {
		return fmt.Errorf("%w: initializer_range must not be negative, got %g", ErrInvalidConfig, c.InitializerRange)
	}
	for name, id := range map[string]int{"cls_token_id": c.CLSTokenID, "sep_token_id": c.SEPTokenID, "pad_token_id": c.PADTokenID} {
		if id < 0 || id >= c.VocabSize {
			return fmt.Errorf("%w: %s %d outside vocabulary [0,%d)", ErrInvalidConfig, name, id, c.VocabSize)
		}
	}
	return nil
}

// BERTEncoder is the shared bidirectional encoder.
type BERTEncoder struct {
	config BERTConfig

	tokenEmbed   *Tensor // (vocabSize, hidden)
	posEmbed     *Tensor // (maxSeqLen, hidden)
	segmentEmbed *Tensor // (numSegments, hidden)
	embedLN      *LayerNorm
	embedDrop    *Dropout

	layers []*EncoderLayer

	training bool
	pool     *ActivationPool
}

// EncoderCache holds one sequence's activations for Backward.
type EncoderCache struct {
	tokenIDs    []int
	segmentIDs  []int
	embedSum    *Tensor // input to the embedding LayerNorm
	embedDrop   []float64
	layerCaches []*LayerCache
}

// NewBERTEncoder creates a randomly initialised encoder.
func NewBERTEncoder(cfg BERTConfig, rng *rand.Rand) (*BERTEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	std := cfg.InitializerRange
	enc := &BERTEncoder{
		config:       cfg,
		tokenEmbed:   NewTensorNormal(rng, std, cfg.VocabSize, cfg.HiddenDim),
		posEmbed:     NewTensorNormal(rng, std, cfg.MaxSeqLen, cfg.HiddenDim),
		segmentEmbed: NewTensorNormal(rng, std, cfg.NumSegments, cfg.HiddenDim),
		embedLN:      NewLayerNorm(cfg.HiddenDim, cfg.LayerNormEps),
		embedDrop:    NewDropout(cfg.DropoutProb, rng),
		layers:       make([]*EncoderLayer, cfg.NumLayers),
		pool:         NewActivationPool(),
	}
	for i := range enc.layers {
		enc.layers[i] = NewEncoderLayer(cfg, rng)
	}
	return enc, nil
}

// Config returns the encoder configuration.
func (e *BERTEncoder) Config() BERTConfig {
	return e.config
}

// SetTraining toggles dropout inside the encoder.
func (e *BERTEncoder) SetTraining(training bool) {
	e.training = training
}

// Release returns an output of Encode to the activation pool.
func (e *BERTEncoder) Release(hidden *Tensor) {
	e.pool.Put(hidden)
}

// Encode returns the last hidden state (seqLen, hidden) of one sequence.
// segmentIDs and mask may be nil. No activations are kept, so Encode is the
// path for inference. The result may be handed back with Release once the
// caller is done with it.
func (e *BERTEncoder) Encode(tokenIDs, segmentIDs, mask []int) (*Tensor, error) {
	hidden, _, err := e.encode(tokenIDs, segmentIDs, mask, false)
	return hidden, err
}

// EncodeWithCache is Encode that also returns the activations Backward needs.
func (e *BERTEncoder) EncodeWithCache(tokenIDs, segmentIDs, mask []int) (*Tensor, *EncoderCache, error) {
	return e.encode(tokenIDs, segmentIDs, mask, true)
}

// encode runs the encoder. With keep unset the returned cache is nil and
// each layer's activations become garbage as soon as the next layer runs.
func (e *BERTEncoder) encode(tokenIDs, segmentIDs, mask []int, keep bool) (*Tensor, *EncoderCache, error) {
	maskF, err := e.validateSequence(tokenIDs, segmentIDs, mask)
	if err != nil {
		return nil, nil, err
	}

	seqLen := len(tokenIDs)
	hidden := e.config.HiddenDim

	embedSum := NewTensor(seqLen, hidden)
	for i, tok := range tokenIDs {
		seg := 0
		if segmentIDs != nil {
			seg = segmentIDs[i]
		}
		dst := embedSum.data[i*hidden : (i+1)*hidden]
		tokRow := e.tokenEmbed.data[tok*hidden : (tok+1)*hidden]
		posRow := e.posEmbed.data[i*hidden : (i+1)*hidden]
		segRow := e.segmentEmbed.data[seg*hidden : (seg+1)*hidden]
		for d := range dst {
			dst[d] = tokRow[d] + posRow[d] + segRow[d]
		}
	}

	x := e.embedLN.Forward(embedSum)
	x, embedDrop := e.embedDrop.Forward(x, e.training)

	var cache *EncoderCache
	if keep {
		cache = &EncoderCache{
			tokenIDs:    tokenIDs,
			segmentIDs:  segmentIDs,
			embedSum:    embedSum,
			embedDrop:   embedDrop,
			layerCaches: make([]*LayerCache, len(e.layers)),
		}
	}

	last := len(e.layers) - 1
	for i, layer := range e.layers {
		var lc *LayerCache
		if i == last {
			out := e.pool.Get(seqLen, hidden)
			lc = layer.forwardInto(x, maskF, e.training, out)
			x = out
		} else {
			x, lc = layer.ForwardWithCache(x, maskF, e.training)
		}
		if keep {
			cache.layerCaches[i] = lc
		}
	}

	return x, cache, nil
}

// Backward propagates ∂L/∂hidden for one sequence into every encoder
// parameter that requires gradients.
func (e *BERTEncoder) Backward(gradHidden *Tensor, cache *EncoderCache) {
	grad := gradHidden
	for i := len(e.layers) - 1; i >= 0; i-- {
		grad = e.layers[i].Backward(grad, cache.layerCaches[i])
	}

	grad = DropoutBackward(cache.embedDrop, grad)
	grad = e.embedLN.Backward(cache.embedSum, grad)

	hidden := e.config.HiddenDim
	for i, tok := range cache.tokenIDs {
		row := grad.data[i*hidden : (i+1)*hidden]
		seg := 0
		if cache.segmentIDs != nil {
			seg = cache.segmentIDs[i]
		}
		e.tokenEmbed.accumulateRow(tok, row)
		e.posEmbed.accumulateRow(i, row)
		e.segmentEmbed.accumulateRow(seg, row)
	}
}

// validateSequence checks one input sequence and converts the mask to the
// float form attention consumes.
func (e *BERTEncoder) validateSequence(tokenIDs, segmentIDs, mask []int) ([]float64, error) {
	seqLen := len(tokenIDs)
	if seqLen == 0 {
		return nil, fmt.Errorf("%w: empty token sequence", ErrInvalidInput)
	}
	if seqLen > e.config.MaxSeqLen {
		return nil, fmt.Errorf("%w: sequence length %d exceeds maximum %d", ErrInvalidInput, seqLen, e.config.MaxSeqLen)
	}
	for i, tok := range tokenIDs {
		if tok < 0 || tok >= e.config.VocabSize {
			return nil, fmt.Errorf("%w: token[%d]=%d out of vocabulary range [0,%d)", ErrInvalidInput, i, tok, e.config.VocabSize)
		}
	}

	if segmentIDs != nil {
		if len(segmentIDs) != seqLen {
			return nil, fmt.Errorf("%w: %d segment ids for %d tokens", ErrInvalidInput, len(segmentIDs), seqLen)
		}
		for i, s := range segmentIDs {
			if s < 0 || s >= e.config.NumSegments {
				return nil, fmt.Errorf("%w: segment[%d]=%d out of range [0,%d)", ErrInvalidInput, i, s, e.config.NumSegments)
			}
		}
	}

	if mask == nil {
		return nil, nil
	}
	if len(mask) != seqLen {
		return nil, fmt.Errorf("%w: %d mask values for %d tokens", ErrInvalidInput, len(mask), seqLen)
	}
	maskF := make([]float64, seqLen)
	for i, m := range mask {
		switch m {
		case 0:
		case 1:
			maskF[i] = 1
		default:
			return nil, fmt.Errorf("%w: mask[%d]=%d must be 0 or 1", ErrInvalidInput, i, m)
		}
	}
	return maskF, nil
}

// CreateAttentionMask marks every non-padding token with 1 and padding
// with 0. Unlike GPT's causal mask, this only hides padding positions.
func CreateAttentionMask(tokenIDs []int, padTokenID int) []int {
	mask := make([]int, len(tokenIDs))
	for i, tok := range tokenIDs {
		if tok != padTokenID {
			mask[i] = 1
		}
	}
	return mask
}

// NamedParameters lists every encoder tensor in checkpoint order.
func (e *BERTEncoder) NamedParameters() []NamedParameter {
	params := []NamedParameter{
		{"embeddings.word_embeddings", e.tokenEmbed},
		{"embeddings.position_embeddings", e.posEmbed},
		{"embeddings.token_type_embeddings", e.segmentEmbed},
		{"embeddings.layer_norm.gamma", e.embedLN.gamma},
		{"embeddings.layer_norm.beta", e.embedLN.beta},
	}
	for i, layer := range e.layers {
		params = append(params, layer.namedParameters("encoder.layer."+strconv.Itoa(i))...)
	}
	return params
}

// Save writes the encoder to filename.
func (e *BERTEncoder) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	configJSON, err := json.Marshal(e.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(configJSON))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := f.Write(configJSON); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	for _, p := range e.NamedParameters() {
		if err := binary.Write(f, binary.LittleEndian, p.Tensor.data); err != nil {
			return fmt.Errorf("failed to write %s: %w", p.Name, err)
		}
	}
	return f.Close()
}

// LoadBERTEncoder reads a pre-trained encoder written by Save.
func LoadBERTEncoder(filename string) (*BERTEncoder, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open encoder checkpoint: %w", err)
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: header length: %v", ErrCheckpoint, err)
	}
	const maxHeader = 1 << 20
	if headerLen == 0 || headerLen > maxHeader {
		return nil, fmt.Errorf("%w: header length %d", ErrCheckpoint, headerLen)
	}

	configJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(f, configJSON); err != nil {
		return nil, fmt.Errorf("%w: config: %v", ErrCheckpoint, err)
	}

	var cfg BERTConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("%w: config: %v", ErrCheckpoint, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}

	// The header must describe exactly the bytes that follow it; nothing is
	// allocated for a config the file cannot back.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat encoder checkpoint: %w", err)
	}
	remaining := info.Size() - 4 - int64(headerLen)
	want, ok := checkpointDataSize(cfg)
	if !ok || want != remaining {
		return nil, fmt.Errorf("%w: config needs %d parameter bytes, file has %d", ErrCheckpoint, want, remaining)
	}

	// Weights are overwritten below; the seed only fills them transiently.
	enc, err := NewBERTEncoder(cfg, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}

	for _, p := range enc.NamedParameters() {
		if err := binary.Read(f, binary.LittleEndian, p.Tensor.data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCheckpoint, p.Name, err)
		}
	}

	return enc, nil
}

// checkpointDataSize returns the number of parameter bytes Save writes for
// cfg. ok is false when the size does not fit in an int64.
func checkpointDataSize(cfg BERTConfig) (size int64, ok bool) {
	h := int64(cfg.HiddenDim)
	inter := int64(cfg.IntermediateDim)

	var c overflowCounter
	embed := c.add(c.add(c.mul(int64(cfg.VocabSize), h), c.mul(int64(cfg.MaxSeqLen), h)), c.add(c.mul(int64(cfg.NumSegments), h), 2*h))
	layer := c.add(c.add(c.mul(4, c.add(c.mul(h, h), h)), 4*h),
		c.add(c.add(c.mul(h, inter), inter), c.add(c.mul(inter, h), h)))
	total := c.add(embed, c.mul(int64(cfg.NumLayers), layer))
	size = c.mul(total, 8)
	return size, !c.overflow
}

// overflowCounter does non-negative int64 arithmetic and remembers whether
// any step overflowed.
type overflowCounter struct{ overflow bool }

func (c *overflowCounter) mul(a, b int64) int64 {
	if a != 0 && b > math.MaxInt64/a {
		c.overflow = true
		return 0
	}
	return a * b
}

func (c *overflowCounter) add(a, b int64) int64 {
	if a > math.MaxInt64-b {
		c.overflow = true
		return 0
	}
	return a + b
}
