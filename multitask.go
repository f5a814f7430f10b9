package main

// ===========================================================================
// WHAT'S GOING ON HERE: Multi-Task Fine-Tuning
// ===========================================================================
//
// One BERT encoder, four linear heads:
//
//                        ┌─► fc_snli  (hidden → 3)   entailment / neutral / contradiction
//   batch ─► encoder ─► [CLS] ─► dropout ─┼─► fc_sst2  (hidden → 2)   negative / positive
//                        ├─► fc_stsb  (hidden → 1)   similarity score
//                        └─► fc_qnli  (hidden → 2)   entailment / not entailment
//
// SNLI is the primary task and always runs. The three auxiliary tasks only
// run while training in multi-task mode; each gets its own batch and its own
// trip through the shared encoder, so all four losses shape the encoder.
//
// SINGLE-TASK MODE:
//
// With MultiTask=false the auxiliary heads are frozen at construction
// (requiresGrad=false on weight and bias) and never evaluated. Only the
// encoder and fc_snli learn.
//
// PER-TASK INPUTS:
//
//   SNLI   token ids + segment ids + mask   (premise/hypothesis pair)
//   SST-2  token ids + mask                 (single sentence, segment 0)
//   STS-B  token ids + segment ids + mask   (sentence pair)
//   QNLI   token ids only
//
// ===========================================================================

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ErrMissingTaskInput indicates a task that must run has no batch.
var ErrMissingTaskInput = errors.New("multitask: missing task input")

// Task identifies one of the four heads.
type Task int

const (
	TaskSNLI Task = iota
	TaskSST2
	TaskSTSB
	TaskQNLI
)

// AllTasks lists the tasks in forward order.
var AllTasks = []Task{TaskSNLI, TaskSST2, TaskSTSB, TaskQNLI}

func (t Task) String() string {
	switch t {
	case TaskSNLI:
		return "snli"
	case TaskSST2:
		return "sst2"
	case TaskSTSB:
		return "stsb"
	case TaskQNLI:
		return "qnli"
	default:
		return fmt.Sprintf("task(%d)", int(t))
	}
}

// NumLabels is the output width of the task's head.
func (t Task) NumLabels() int {
	switch t {
	case TaskSNLI:
		return 3
	case TaskSST2, TaskQNLI:
		return 2
	case TaskSTSB:
		return 1
	default:
		panic(fmt.Sprintf("multitask: unknown task %d", int(t)))
	}
}

// ParseTask accepts "snli", "sst2"/"sst-2", "stsb"/"sts-b" and "qnli".
func ParseTask(s string) (Task, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "") {
	case "snli":
		return TaskSNLI, nil
	case "sst2":
		return TaskSST2, nil
	case "stsb":
		return TaskSTSB, nil
	case "qnli":
		return TaskQNLI, nil
	}
	return 0, fmt.Errorf("unknown task %q", s)
}

// TaskBatch is one task's padded batch, one row per example.
// SegmentIDs and MaskIDs are optional; when present they must match
// TokenIDs row for row.
type TaskBatch struct {
	TokenIDs   [][]int `json:"token_ids" yaml:"token_ids" toml:"token_ids"`
	SegmentIDs [][]int `json:"segment_ids,omitempty" yaml:"segment_ids,omitempty" toml:"segment_ids,omitempty"`
	MaskIDs    [][]int `json:"mask_ids,omitempty" yaml:"mask_ids,omitempty" toml:"mask_ids,omitempty"`
}

// Len returns the batch size.
func (b *TaskBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.TokenIDs)
}

func (b *TaskBatch) validate() error {
	if len(b.TokenIDs) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if b.SegmentIDs != nil && len(b.SegmentIDs) != len(b.TokenIDs) {
		return fmt.Errorf("%w: %d segment rows for %d examples", ErrInvalidInput, len(b.SegmentIDs), len(b.TokenIDs))
	}
	if b.MaskIDs != nil && len(b.MaskIDs) != len(b.TokenIDs) {
		return fmt.Errorf("%w: %d mask rows for %d examples", ErrInvalidInput, len(b.MaskIDs), len(b.TokenIDs))
	}
	return nil
}

// Inputs carries the batches of one forward pass. SNLI is required; the
// others are required only when training in multi-task mode.
type Inputs struct {
	SNLI *TaskBatch `json:"snli" yaml:"snli" toml:"snli"`
	SST2 *TaskBatch `json:"sst2,omitempty" yaml:"sst2,omitempty" toml:"sst2,omitempty"`
	STSB *TaskBatch `json:"stsb,omitempty" yaml:"stsb,omitempty" toml:"stsb,omitempty"`
	QNLI *TaskBatch `json:"qnli,omitempty" yaml:"qnli,omitempty" toml:"qnli,omitempty"`
}

// Batch returns the batch for task, or nil.
func (in *Inputs) Batch(task Task) *TaskBatch {
	switch task {
	case TaskSNLI:
		return in.SNLI
	case TaskSST2:
		return in.SST2
	case TaskSTSB:
		return in.STSB
	case TaskQNLI:
		return in.QNLI
	}
	return nil
}

// Outputs holds one (batch, NumLabels) tensor per task that ran; tasks that
// did not run are nil. The same type carries output gradients to Backward.
type Outputs struct {
	SNLI, SST2, STSB, QNLI *Tensor
}

// Get returns the tensor for task, or nil.
func (o *Outputs) Get(task Task) *Tensor {
	switch task {
	case TaskSNLI:
		return o.SNLI
	case TaskSST2:
		return o.SST2
	case TaskSTSB:
		return o.STSB
	case TaskQNLI:
		return o.QNLI
	}
	return nil
}

func (o *Outputs) set(task Task, t *Tensor) {
	switch task {
	case TaskSNLI:
		o.SNLI = t
	case TaskSST2:
		o.SST2 = t
	case TaskSTSB:
		o.STSB = t
	case TaskQNLI:
		o.QNLI = t
	}
}

// MultiTaskBERT is the shared encoder plus the four task heads.
type MultiTaskBERT struct {
	config  MultiTaskConfig
	encoder *BERTEncoder

	heads      map[Task]*Linear
	dropoutEmb *Dropout

	training bool
}

// taskCache holds one task's activations for Backward.
type taskCache struct {
	encCaches []*EncoderCache
	seqLens   []int
	pooled    *Tensor // [CLS] vectors after dropout, input to the head
	dropMask  []float64
}

// MultiTaskCache holds the activations of one ForwardWithCache call.
type MultiTaskCache struct {
	tasks map[Task]*taskCache
}

// NewMultiTaskBERT wraps encoder with four task heads. In single-task mode
// the auxiliary heads are frozen. The model starts in training mode.
func NewMultiTaskBERT(cfg MultiTaskConfig, encoder *BERTEncoder) (*MultiTaskBERT, error) {
	if encoder == nil {
		return nil, fmt.Errorf("%w: nil encoder", ErrInvalidConfig)
	}
	if cfg.DropoutEmb < 0 || cfg.DropoutEmb >= 1 {
		return nil, fmt.Errorf("%w: dropout_emb must be in [0, 1), got %g", ErrInvalidConfig, cfg.DropoutEmb)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	hidden := encoder.config.HiddenDim
	std := encoder.config.InitializerRange

	m := &MultiTaskBERT{
		config:     cfg,
		encoder:    encoder,
		heads:      make(map[Task]*Linear, len(AllTasks)),
		dropoutEmb: NewDropout(cfg.DropoutEmb, rng),
	}
	for _, task := range AllTasks {
		m.heads[task] = NewLinear(hidden, task.NumLabels(), std, rng)
	}

	if !cfg.MultiTask {
		for _, task := range []Task{TaskSST2, TaskSTSB, TaskQNLI} {
			m.heads[task].SetRequiresGrad(false)
		}
	}

	m.Train()
	m.LogTrainableParameters()
	return m, nil
}

// NewMultiTaskBERTFromConfig loads the pre-trained encoder named by
// cfg.EncoderPath, or builds a random one from cfg.Encoder when the path is
// empty, and wraps it.
func NewMultiTaskBERTFromConfig(cfg MultiTaskConfig) (*MultiTaskBERT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		encoder *BERTEncoder
		err     error
	)
	if cfg.EncoderPath != "" {
		encoder, err = LoadBERTEncoder(cfg.EncoderPath)
		if err != nil {
			return nil, fmt.Errorf("load encoder %s: %w", cfg.EncoderPath, err)
		}
		zlog.Info().Str("path", cfg.EncoderPath).Int("layers", encoder.config.NumLayers).
			Int("hidden", encoder.config.HiddenDim).Msg("loaded pre-trained encoder")
	} else {
		encoder, err = NewBERTEncoder(cfg.Encoder, rand.New(rand.NewSource(cfg.Seed)))
		if err != nil {
			return nil, err
		}
		zlog.Warn().Msg("no encoder_path configured; using a randomly initialised encoder")
	}

	return NewMultiTaskBERT(cfg, encoder)
}

// Config returns the model configuration.
func (m *MultiTaskBERT) Config() MultiTaskConfig { return m.config }

// Encoder returns the shared encoder.
func (m *MultiTaskBERT) Encoder() *BERTEncoder { return m.encoder }

// Head returns the linear head of task.
func (m *MultiTaskBERT) Head(task Task) *Linear { return m.heads[task] }

// Train switches to training mode: dropout is active and, in multi-task
// mode, every head runs.
func (m *MultiTaskBERT) Train() { m.setTraining(true) }

// Eval switches to evaluation mode: dropout is off and only SNLI runs.
func (m *MultiTaskBERT) Eval() { m.setTraining(false) }

// Training reports the current mode.
func (m *MultiTaskBERT) Training() bool { return m.training }

func (m *MultiTaskBERT) setTraining(training bool) {
	m.training = training
	m.encoder.SetTraining(training)
}

// activeTasks returns the tasks a forward pass in the current mode runs.
func (m *MultiTaskBERT) activeTasks() []Task {
	if m.training && m.config.MultiTask {
		return AllTasks
	}
	return []Task{TaskSNLI}
}

// Forward runs the model on in. Outputs of tasks that did not run are nil.
// No activations are kept; use ForwardWithCache before Backward.
func (m *MultiTaskBERT) Forward(in *Inputs) (*Outputs, error) {
	out, _, err := m.forward(in, false)
	return out, err
}

// ForwardWithCache is Forward that also returns the activations Backward
// needs.
func (m *MultiTaskBERT) ForwardWithCache(in *Inputs) (*Outputs, *MultiTaskCache, error) {
	return m.forward(in, true)
}

func (m *MultiTaskBERT) forward(in *Inputs, keep bool) (*Outputs, *MultiTaskCache, error) {
	if in == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingTaskInput, TaskSNLI)
	}

	tasks := m.activeTasks()
	for _, task := range tasks {
		batch := in.Batch(task)
		if batch == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingTaskInput, task)
		}
		if err := batch.validate(); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", task, err)
		}
	}

	out := &Outputs{}
	var cache *MultiTaskCache
	if keep {
		cache = &MultiTaskCache{tasks: make(map[Task]*taskCache, len(tasks))}
	}
	for _, task := range tasks {
		logits, tc, err := m.forwardTask(task, in.Batch(task), keep)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", task, err)
		}
		out.set(task, logits)
		if keep {
			cache.tasks[task] = tc
		}
	}

	return out, cache, nil
}

// forwardTask encodes every example, pools the first-token vector, applies
// embedding dropout and the task head. The returned cache is nil unless
// keep is set.
func (m *MultiTaskBERT) forwardTask(task Task, batch *TaskBatch, keep bool) (*Tensor, *taskCache, error) {
	start := time.Now()
	hidden := m.encoder.config.HiddenDim
	n := batch.Len()

	var tc *taskCache
	if keep {
		tc = &taskCache{
			encCaches: make([]*EncoderCache, n),
			seqLens:   make([]int, n),
		}
	}
	pooled := NewTensor(n, hidden)

	for i := 0; i < n; i++ {
		segments, mask := m.taskExtras(task, batch, i)
		var (
			states   *Tensor
			encCache *EncoderCache
			err      error
		)
		if keep {
			states, encCache, err = m.encoder.EncodeWithCache(batch.TokenIDs[i], segments, mask)
		} else {
			states, err = m.encoder.Encode(batch.TokenIDs[i], segments, mask)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", i, err)
		}
		copy(pooled.data[i*hidden:(i+1)*hidden], states.data[:hidden])
		m.encoder.Release(states)

		if keep {
			tc.encCaches[i] = encCache
			tc.seqLens[i] = len(batch.TokenIDs[i])
		}
	}

	dropped, dropMask := m.dropoutEmb.Forward(pooled, m.training)
	logits := m.heads[task].Forward(dropped)
	if keep {
		tc.pooled, tc.dropMask = dropped, dropMask
	}

	observeForward(task, m.training, start)
	zlog.Debug().Str("task", task.String()).Int("batch", n).Dur("took", time.Since(start)).Msg("task forward")
	return logits, tc, nil
}

// taskExtras picks the segment and mask rows a task feeds to the encoder.
// SST-2 is a single-sentence task and never uses segment ids. QNLI is
// encoded from token ids alone.
func (m *MultiTaskBERT) taskExtras(task Task, batch *TaskBatch, i int) (segments, mask []int) {
	if task == TaskQNLI {
		return nil, nil
	}
	if batch.SegmentIDs != nil && task != TaskSST2 {
		segments = batch.SegmentIDs[i]
	}
	if batch.MaskIDs != nil {
		mask = batch.MaskIDs[i]
	}
	return segments, mask
}

// Backward propagates per-task output gradients through the heads, the
// embedding dropout and the encoder. A nil gradient skips its task. Frozen
// heads accumulate nothing.
func (m *MultiTaskBERT) Backward(cache *MultiTaskCache, grads *Outputs) error {
	if cache == nil || grads == nil {
		return fmt.Errorf("%w: nil cache or gradients", ErrInvalidInput)
	}
	hidden := m.encoder.config.HiddenDim

	for _, task := range AllTasks {
		grad := grads.Get(task)
		if grad == nil {
			continue
		}
		tc, ok := cache.tasks[task]
		if !ok {
			return fmt.Errorf("%w: gradient for %s, which did not run", ErrInvalidInput, task)
		}
		want := []int{len(tc.encCaches), task.NumLabels()}
		if !shapeEqual(grad.shape, want) {
			return fmt.Errorf("%w: %s gradient shape %v, want %v", ErrShapeMismatch, task, grad.shape, want)
		}

		gradPooled := m.heads[task].Backward(tc.pooled, grad)
		gradPooled = DropoutBackward(tc.dropMask, gradPooled)

		for i, encCache := range tc.encCaches {
			gradStates := NewTensor(tc.seqLens[i], hidden)
			copy(gradStates.data[:hidden], gradPooled.data[i*hidden:(i+1)*hidden])
			m.encoder.Backward(gradStates, encCache)
		}
	}
	return nil
}

// NamedParameters lists the encoder's tensors followed by the heads'.
func (m *MultiTaskBERT) NamedParameters() []NamedParameter {
	params := m.encoder.NamedParameters()
	for _, task := range AllTasks {
		h := m.heads[task]
		name := "fc_" + task.String()
		params = append(params,
			NamedParameter{name + ".weight", h.weight},
			NamedParameter{name + ".bias", h.bias},
		)
	}
	return params
}

// Parameters returns the tensors that receive gradients.
func (m *MultiTaskBERT) Parameters() []*Tensor {
	var params []*Tensor
	for _, p := range m.NamedParameters() {
		if p.Tensor.requiresGrad {
			params = append(params, p.Tensor)
		}
	}
	return params
}

// TrainableParameterCount is the number of scalar parameters that receive
// gradients.
func (m *MultiTaskBERT) TrainableParameterCount() int {
	return countTrainable(m.NamedParameters())
}

// TotalParameterCount counts every scalar parameter, frozen or not.
func (m *MultiTaskBERT) TotalParameterCount() int {
	named := m.NamedParameters()
	all := make([]*Tensor, len(named))
	for i, p := range named {
		all[i] = p.Tensor
	}
	return countParameters(all)
}

// FrozenHeads lists the tasks whose heads receive no gradients.
func (m *MultiTaskBERT) FrozenHeads() []Task {
	var frozen []Task
	for _, task := range AllTasks {
		if m.heads[task].Frozen() {
			frozen = append(frozen, task)
		}
	}
	return frozen
}

// LogTrainableParameters logs the trainable parameter count and updates the
// trainable_parameters gauge.
func (m *MultiTaskBERT) LogTrainableParameters() {
	n := m.TrainableParameterCount()
	trainableParameters.Set(float64(n))

	frozen := make([]string, 0, len(AllTasks))
	for _, task := range m.FrozenHeads() {
		frozen = append(frozen, task.String())
	}
	zlog.Info().Int("trainable", n).Bool("multi_task", m.config.MultiTask).
		Strs("frozen_heads", frozen).Msgf("#Model parameters: %s", formatCount(n))
}

// ZeroGrad clears the gradient of every parameter.
func (m *MultiTaskBERT) ZeroGrad() {
	for _, p := range m.NamedParameters() {
		p.Tensor.ZeroGrad()
	}
}
