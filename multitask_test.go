package main

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func quietLogs(t *testing.T) {
	t.Helper()
	prev := zlog
	SetLogger(zerolog.Nop())
	t.Cleanup(func() { SetLogger(prev) })
}

// newTinyModel builds a deterministic model: no dropout anywhere.
func newTinyModel(t *testing.T, multiTask bool) *MultiTaskBERT {
	t.Helper()
	quietLogs(t)
	cfg := MultiTaskConfig{MultiTask: multiTask, DropoutEmb: 0, Seed: 11, Encoder: tinyBERTConfig()}
	m, err := NewMultiTaskBERTFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewMultiTaskBERTFromConfig: %v", err)
	}
	return m
}

func pairBatch() *TaskBatch {
	return &TaskBatch{
		TokenIDs:   [][]int{{1, 5, 2, 6, 2}, {1, 7, 8, 2, 0}},
		SegmentIDs: [][]int{{0, 0, 0, 1, 1}, {0, 0, 0, 0, 0}},
		MaskIDs:    [][]int{{1, 1, 1, 1, 1}, {1, 1, 1, 1, 0}},
	}
}

func fullInputs() *Inputs {
	return &Inputs{
		SNLI: pairBatch(),
		SST2: &TaskBatch{TokenIDs: [][]int{{1, 9, 10, 2}}, MaskIDs: [][]int{{1, 1, 1, 1}}},
		STSB: pairBatch(),
		QNLI: &TaskBatch{TokenIDs: [][]int{{1, 11, 2, 12, 2}, {1, 13, 2, 14, 2}, {1, 15, 2, 16, 2}}},
	}
}

func TestTaskLabels(t *testing.T) {
	tests := []struct {
		task   Task
		name   string
		labels int
	}{
		{TaskSNLI, "snli", 3},
		{TaskSST2, "sst2", 2},
		{TaskSTSB, "stsb", 1},
		{TaskQNLI, "qnli", 2},
	}
	for _, tt := range tests {
		if tt.task.String() != tt.name {
			t.Errorf("String() = %q, want %q", tt.task.String(), tt.name)
		}
		if tt.task.NumLabels() != tt.labels {
			t.Errorf("%s NumLabels() = %d, want %d", tt.name, tt.task.NumLabels(), tt.labels)
		}
		parsed, err := ParseTask(strings.ToUpper(tt.name))
		if err != nil || parsed != tt.task {
			t.Errorf("ParseTask(%q) = %v, %v", tt.name, parsed, err)
		}
	}
	if task, err := ParseTask("STS-B"); err != nil || task != TaskSTSB {
		t.Errorf("ParseTask(STS-B) = %v, %v", task, err)
	}
	if _, err := ParseTask("mnli"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestSingleTaskFreezesAuxiliaryHeads(t *testing.T) {
	m := newTinyModel(t, false)

	frozen := m.FrozenHeads()
	want := []Task{TaskSST2, TaskSTSB, TaskQNLI}
	if len(frozen) != len(want) {
		t.Fatalf("frozen heads %v, want %v", frozen, want)
	}
	for i := range want {
		if frozen[i] != want[i] {
			t.Fatalf("frozen heads %v, want %v", frozen, want)
		}
	}
	if m.Head(TaskSNLI).Frozen() {
		t.Error("SNLI head must stay trainable")
	}

	hidden := tinyBERTConfig().HiddenDim
	frozenSize := (hidden+1)*2 + (hidden+1)*1 + (hidden+1)*2
	if got, want := m.TrainableParameterCount(), m.TotalParameterCount()-frozenSize; got != want {
		t.Errorf("TrainableParameterCount() = %d, want %d", got, want)
	}
	if got := len(m.Parameters()); got != len(m.NamedParameters())-6 {
		t.Errorf("Parameters() has %d tensors, want %d", got, len(m.NamedParameters())-6)
	}
}

func TestMultiTaskKeepsAllHeadsTrainable(t *testing.T) {
	m := newTinyModel(t, true)
	if frozen := m.FrozenHeads(); len(frozen) != 0 {
		t.Errorf("frozen heads %v, want none", frozen)
	}
	if m.TrainableParameterCount() != m.TotalParameterCount() {
		t.Error("every parameter should be trainable in multi-task mode")
	}
}

func TestConstructionLogsParameterCount(t *testing.T) {
	var buf bytes.Buffer
	prev := zlog
	SetLogger(zerolog.New(&buf))
	defer SetLogger(prev)

	cfg := MultiTaskConfig{MultiTask: false, Seed: 1, Encoder: tinyBERTConfig()}
	m, err := NewMultiTaskBERTFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}

	want := "#Model parameters: " + formatCount(m.TrainableParameterCount())
	if !strings.Contains(buf.String(), want) {
		t.Errorf("log %q does not contain %q", buf.String(), want)
	}
	if !strings.Contains(buf.String(), `"frozen_heads":["sst2","stsb","qnli"]`) {
		t.Errorf("log %q does not list frozen heads", buf.String())
	}
	if got := testutil.ToFloat64(trainableParameters); got != float64(m.TrainableParameterCount()) {
		t.Errorf("trainable_parameters gauge = %g", got)
	}
}

func TestNewMultiTaskBERTRejectsBadConfig(t *testing.T) {
	quietLogs(t)
	enc := newTinyEncoder(t, 1)
	if _, err := NewMultiTaskBERT(MultiTaskConfig{DropoutEmb: 1}, enc); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
	if _, err := NewMultiTaskBERT(MultiTaskConfig{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}

func TestForwardEvalRunsOnlySNLI(t *testing.T) {
	m := newTinyModel(t, true)
	m.Eval()
	if m.Training() {
		t.Fatal("Eval() did not switch mode")
	}

	before := testutil.ToFloat64(forwardTotal.WithLabelValues("snli", "eval"))
	out, err := m.Forward(fullInputs())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if after := testutil.ToFloat64(forwardTotal.WithLabelValues("snli", "eval")); after != before+1 {
		t.Errorf("forward_total{snli,eval} went %g -> %g", before, after)
	}

	if out.SNLI == nil || !shapeEqual(out.SNLI.shape, []int{2, 3}) {
		t.Fatalf("SNLI output %v, want shape [2 3]", out.SNLI)
	}
	if out.SST2 != nil || out.STSB != nil || out.QNLI != nil {
		t.Error("auxiliary outputs must be nil outside multi-task training")
	}

	// SNLI alone is enough in eval mode.
	if _, err := m.Forward(&Inputs{SNLI: pairBatch()}); err != nil {
		t.Errorf("Forward with SNLI only: %v", err)
	}
}

func TestForwardTrainingMultiTask(t *testing.T) {
	m := newTinyModel(t, true)
	out, err := m.Forward(fullInputs())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	want := map[Task][]int{
		TaskSNLI: {2, 3},
		TaskSST2: {1, 2},
		TaskSTSB: {2, 1},
		TaskQNLI: {3, 2},
	}
	for task, shape := range want {
		got := out.Get(task)
		if got == nil {
			t.Errorf("%s: missing output", task)
			continue
		}
		if !shapeEqual(got.shape, shape) {
			t.Errorf("%s: shape %v, want %v", task, got.shape, shape)
		}
	}
}

func TestForwardTrainingSingleTaskIgnoresAuxiliaryInputs(t *testing.T) {
	m := newTinyModel(t, false)
	out, err := m.Forward(&Inputs{SNLI: pairBatch()})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.SNLI == nil || out.SST2 != nil || out.STSB != nil || out.QNLI != nil {
		t.Error("single-task training should only produce SNLI output")
	}
}

func TestForwardMissingInputs(t *testing.T) {
	m := newTinyModel(t, true)

	in := fullInputs()
	in.STSB = nil
	if _, err := m.Forward(in); !errors.Is(err, ErrMissingTaskInput) {
		t.Errorf("missing STS-B batch: got %v, want ErrMissingTaskInput", err)
	}
	if _, err := m.Forward(&Inputs{}); !errors.Is(err, ErrMissingTaskInput) {
		t.Errorf("missing SNLI batch: got %v, want ErrMissingTaskInput", err)
	}
	if _, err := m.Forward(nil); !errors.Is(err, ErrMissingTaskInput) {
		t.Errorf("nil inputs: got %v, want ErrMissingTaskInput", err)
	}
}

func TestForwardInvalidBatches(t *testing.T) {
	m := newTinyModel(t, false)

	tests := map[string]*TaskBatch{
		"empty":         {},
		"segment rows":  {TokenIDs: [][]int{{1, 2}}, SegmentIDs: [][]int{{0, 0}, {0, 0}}},
		"mask rows":     {TokenIDs: [][]int{{1, 2}}, MaskIDs: [][]int{}},
		"token too big": {TokenIDs: [][]int{{1, 999}}},
	}
	for name, batch := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := m.Forward(&Inputs{SNLI: batch}); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestEvalForwardIsDeterministic(t *testing.T) {
	m := newTinyModel(t, true)
	m.dropoutEmb = NewDropout(0.5, rand.New(rand.NewSource(1)))
	m.Eval()

	a, err := m.Forward(&Inputs{SNLI: pairBatch()})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Forward(&Inputs{SNLI: pairBatch()})
	if err != nil {
		t.Fatal(err)
	}
	if !tensorsEqual(a.SNLI, b.SNLI, 0) {
		t.Error("eval forward passes differ")
	}
}

func TestForwardMatchesForwardWithCache(t *testing.T) {
	m := newTinyModel(t, true)
	m.Eval()
	in := &Inputs{SNLI: pairBatch()}

	plain, err := m.Forward(in)
	if err != nil {
		t.Fatal(err)
	}
	cached, cache, err := m.ForwardWithCache(in)
	if err != nil {
		t.Fatal(err)
	}
	if !tensorsEqual(plain.SNLI, cached.SNLI, 0) {
		t.Error("Forward and ForwardWithCache disagree")
	}
	if tc := cache.tasks[TaskSNLI]; tc == nil || len(tc.encCaches) != 2 || tc.encCaches[0].layerCaches[0] == nil {
		t.Error("ForwardWithCache did not keep encoder activations")
	}

	if _, tc, err := m.forwardTask(TaskSNLI, pairBatch(), false); err != nil || tc != nil {
		t.Errorf("cache-free task forward returned cache %v, err %v", tc, err)
	}
}

func TestEmbeddingDropoutTrainingAndEval(t *testing.T) {
	m := newTinyModel(t, false)
	// A fresh rng per pass replays the same dropout mask.
	reseed := func() { m.dropoutEmb = NewDropout(0.5, rand.New(rand.NewSource(21))) }
	in := &Inputs{SNLI: pairBatch()}
	labels := &Labels{SNLI: []int{1, 0}}

	m.Eval()
	reseed()
	evalOut, err := m.Forward(in)
	if err != nil {
		t.Fatal(err)
	}

	m.Train()
	reseed()
	trainOut, cache, err := m.ForwardWithCache(in)
	if err != nil {
		t.Fatal(err)
	}
	mask := cache.tasks[TaskSNLI].dropMask
	if mask == nil {
		t.Fatal("training forward recorded no dropout mask")
	}
	zeros := 0
	for _, v := range mask {
		if v == 0 {
			zeros++
		}
	}
	if zeros == 0 || zeros == len(mask) {
		t.Fatalf("mask drops %d of %d units", zeros, len(mask))
	}
	if tensorsEqual(trainOut.SNLI, evalOut.SNLI, 1e-12) {
		t.Error("embedding dropout had no effect in training mode")
	}

	_, grads, err := ComputeLosses(trainOut, labels)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Backward(cache, grads); err != nil {
		t.Fatal(err)
	}

	loss := func() float64 {
		reseed()
		out, err := m.Forward(in)
		if err != nil {
			t.Fatal(err)
		}
		l, _, err := ComputeLosses(out, labels)
		if err != nil {
			t.Fatal(err)
		}
		return l.Total
	}

	head := m.Head(TaskSNLI)
	for i := range head.weight.data {
		assertClose(t, "fc_snli.weight", head.weight.grad[i], numericGrad(head.weight, i, loss))
	}
	for i := range head.bias.data {
		assertClose(t, "fc_snli.bias", head.bias.grad[i], numericGrad(head.bias, i, loss))
	}
	named := map[string]*Tensor{}
	for _, p := range m.NamedParameters() {
		named[p.Name] = p.Tensor
	}
	for _, c := range []struct {
		name string
		idx  int
	}{
		{"embeddings.word_embeddings", 7*8 + 1},
		{"embeddings.word_embeddings", 5*8 + 6},
		{"encoder.layer.1.attention.value.weight", 13},
		{"encoder.layer.1.output.layer_norm.gamma", 4},
	} {
		p := named[c.name]
		assertClose(t, c.name, p.grad[c.idx], numericGrad(p, c.idx, loss))
	}
}

func TestTaskSegmentHandling(t *testing.T) {
	m := newTinyModel(t, true)

	zeros := fullInputs()
	ones := fullInputs()
	tokens := [][]int{{1, 5, 2, 6, 2}}
	zeros.SST2 = &TaskBatch{TokenIDs: tokens, SegmentIDs: [][]int{{0, 0, 0, 0, 0}}}
	ones.SST2 = &TaskBatch{TokenIDs: tokens, SegmentIDs: [][]int{{1, 1, 1, 1, 1}}}
	zeros.STSB = &TaskBatch{TokenIDs: tokens, SegmentIDs: [][]int{{0, 0, 0, 0, 0}}}
	ones.STSB = &TaskBatch{TokenIDs: tokens, SegmentIDs: [][]int{{1, 1, 1, 1, 1}}}
	zeros.QNLI = &TaskBatch{TokenIDs: tokens}
	ones.QNLI = &TaskBatch{TokenIDs: tokens, SegmentIDs: [][]int{{1, 1, 1, 1, 1}}, MaskIDs: [][]int{{1, 1, 1, 0, 0}}}

	a, err := m.Forward(zeros)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Forward(ones)
	if err != nil {
		t.Fatal(err)
	}

	if !tensorsEqual(a.SST2, b.SST2, 0) {
		t.Error("SST-2 is single-sentence and must ignore segment ids")
	}
	if tensorsEqual(a.STSB, b.STSB, 1e-12) {
		t.Error("STS-B should use segment ids")
	}
	if !tensorsEqual(a.QNLI, b.QNLI, 0) {
		t.Error("QNLI is encoded from token ids only and must ignore segment and mask ids")
	}
}

func TestBackwardSingleTaskLeavesFrozenHeadsAtZero(t *testing.T) {
	m := newTinyModel(t, false)

	out, cache, err := m.ForwardWithCache(&Inputs{SNLI: pairBatch()})
	if err != nil {
		t.Fatal(err)
	}
	_, grads, err := ComputeLosses(out, &Labels{SNLI: []int{0, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Backward(cache, grads); err != nil {
		t.Fatal(err)
	}

	for _, task := range []Task{TaskSST2, TaskSTSB, TaskQNLI} {
		h := m.Head(task)
		for _, g := range append(h.weight.Grad(), h.bias.Grad()...) {
			if g != 0 {
				t.Fatalf("frozen %s head received a gradient", task)
			}
		}
	}
	if !hasNonZeroGrad(m.Head(TaskSNLI).weight) {
		t.Error("SNLI head received no gradient")
	}
	if !hasNonZeroGrad(m.encoder.tokenEmbed) {
		t.Error("encoder received no gradient")
	}

	m.ZeroGrad()
	if hasNonZeroGrad(m.Head(TaskSNLI).weight) || hasNonZeroGrad(m.encoder.tokenEmbed) {
		t.Error("ZeroGrad left gradients behind")
	}
}

func TestBackwardMultiTaskReachesEveryHead(t *testing.T) {
	m := newTinyModel(t, true)

	out, cache, err := m.ForwardWithCache(fullInputs())
	if err != nil {
		t.Fatal(err)
	}
	labels := &Labels{
		SNLI: []int{1, 2},
		SST2: []int{1},
		STSB: []float64{0.3, 4.2},
		QNLI: []int{0, 1, 1},
	}
	losses, grads, err := ComputeLosses(out, labels)
	if err != nil {
		t.Fatal(err)
	}
	if len(losses.PerTask) != 4 {
		t.Errorf("losses for %d tasks, want 4", len(losses.PerTask))
	}
	if err := m.Backward(cache, grads); err != nil {
		t.Fatal(err)
	}
	for _, task := range AllTasks {
		if !hasNonZeroGrad(m.Head(task).weight) {
			t.Errorf("%s head received no gradient", task)
		}
	}
}

func TestBackwardRejectsGradientForTaskThatDidNotRun(t *testing.T) {
	m := newTinyModel(t, false)
	_, cache, err := m.ForwardWithCache(&Inputs{SNLI: pairBatch()})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Backward(cache, &Outputs{QNLI: NewTensor(2, 2)}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
	if err := m.Backward(cache, &Outputs{SNLI: NewTensor(2, 2)}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("got %v, want ErrShapeMismatch", err)
	}
	if err := m.Backward(nil, &Outputs{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestHeadGradientMatchesFiniteDifferences(t *testing.T) {
	m := newTinyModel(t, false)
	m.Eval()

	in := &Inputs{SNLI: pairBatch()}
	labels := &Labels{SNLI: []int{2, 0}}
	loss := func() float64 {
		out, err := m.Forward(in)
		if err != nil {
			t.Fatal(err)
		}
		l, _, err := ComputeLosses(out, labels)
		if err != nil {
			t.Fatal(err)
		}
		return l.Total
	}

	out, cache, err := m.ForwardWithCache(in)
	if err != nil {
		t.Fatal(err)
	}
	_, grads, err := ComputeLosses(out, labels)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Backward(cache, grads); err != nil {
		t.Fatal(err)
	}

	head := m.Head(TaskSNLI)
	for i := range head.weight.data {
		assertClose(t, "fc_snli.weight", head.weight.grad[i], numericGrad(head.weight, i, loss))
	}
	for i := range head.bias.data {
		assertClose(t, "fc_snli.bias", head.bias.grad[i], numericGrad(head.bias, i, loss))
	}
	tok := m.encoder.tokenEmbed
	idx := 7*tinyBERTConfig().HiddenDim + 2
	assertClose(t, "word_embeddings", tok.grad[idx], numericGrad(tok, idx, loss))
}

func TestNamedParametersIncludeHeads(t *testing.T) {
	m := newTinyModel(t, true)
	names := map[string]bool{}
	for _, p := range m.NamedParameters() {
		if names[p.Name] {
			t.Errorf("duplicate parameter name %s", p.Name)
		}
		names[p.Name] = true
	}
	for _, n := range []string{"fc_snli.weight", "fc_sst2.bias", "fc_stsb.weight", "fc_qnli.bias", "embeddings.word_embeddings"} {
		if !names[n] {
			t.Errorf("missing parameter %s", n)
		}
	}
}

func hasNonZeroGrad(t *Tensor) bool {
	for _, g := range t.grad {
		if g != 0 {
			return true
		}
	}
	return false
}
