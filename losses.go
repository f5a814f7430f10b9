package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Task losses and their gradients w.r.t. the head outputs. These are what a
// caller's training loop feeds into MultiTaskBERT.Backward:
//
//   out, cache, _ := model.ForwardWithCache(inputs)
//   losses, grads, _ := ComputeLosses(out, labels)
//   model.Backward(cache, grads)
//
//   SNLI, SST-2, QNLI   cross-entropy over logits, averaged over the batch
//   STS-B               mean squared error of the single regression output
//
// The total loss is the unweighted sum over tasks that produced output,
// which is also what the summed gradients correspond to.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// Labels holds gold labels per task. A nil slice skips its task.
type Labels struct {
	SNLI []int     `json:"snli,omitempty" yaml:"snli,omitempty" toml:"snli,omitempty"`
	SST2 []int     `json:"sst2,omitempty" yaml:"sst2,omitempty" toml:"sst2,omitempty"`
	STSB []float64 `json:"stsb,omitempty" yaml:"stsb,omitempty" toml:"stsb,omitempty"`
	QNLI []int     `json:"qnli,omitempty" yaml:"qnli,omitempty" toml:"qnli,omitempty"`
}

// classLabels returns the integer labels of a classification task.
func (l *Labels) classLabels(task Task) []int {
	switch task {
	case TaskSNLI:
		return l.SNLI
	case TaskSST2:
		return l.SST2
	case TaskQNLI:
		return l.QNLI
	}
	return nil
}

// Losses holds per-task losses and their sum.
type Losses struct {
	PerTask map[Task]float64
	Total   float64
}

// CrossEntropyLoss computes mean cross-entropy of logits (batch, classes)
// against integer targets.
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	if len(logits.shape) != 2 {
		panic("CrossEntropyLoss expects 2D logits")
	}

	batch, classes := logits.shape[0], logits.shape[1]
	if len(targets) != batch {
		panic(fmt.Sprintf("target length %d != batch size %d", len(targets), batch))
	}

	total := 0.0
	for b := 0; b < batch; b++ {
		row := logits.data[b*classes : (b+1)*classes]
		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sumExp := 0.0
		for _, v := range row {
			sumExp += math.Exp(v - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)
		total += logSumExp - row[targets[b]]
	}
	return total / float64(batch)
}

// MSELoss computes the mean squared error of a (batch, 1) prediction.
func MSELoss(pred *Tensor, targets []float64) float64 {
	if len(pred.shape) != 2 || pred.shape[1] != 1 {
		panic(fmt.Sprintf("MSELoss expects [batch, 1] predictions, got %v", pred.shape))
	}
	if len(targets) != pred.shape[0] {
		panic(fmt.Sprintf("target length %d != batch size %d", len(targets), pred.shape[0]))
	}

	total := 0.0
	for b, t := range targets {
		d := pred.data[b] - t
		total += d * d
	}
	return total / float64(len(targets))
}

// ComputeLosses evaluates the loss of every task that has both an output
// and labels, and returns the matching output gradients.
func ComputeLosses(out *Outputs, labels *Labels) (*Losses, *Outputs, error) {
	if out == nil || labels == nil {
		return nil, nil, fmt.Errorf("%w: nil outputs or labels", ErrInvalidInput)
	}

	losses := &Losses{PerTask: make(map[Task]float64)}
	grads := &Outputs{}

	for _, task := range AllTasks {
		pred := out.Get(task)
		if pred == nil {
			continue
		}
		batch := pred.shape[0]

		if task == TaskSTSB {
			if labels.STSB == nil {
				continue
			}
			if len(labels.STSB) != batch {
				return nil, nil, fmt.Errorf("%w: %s has %d labels for %d examples", ErrInvalidInput, task, len(labels.STSB), batch)
			}
			loss := MSELoss(pred, labels.STSB)
			losses.PerTask[task] = loss
			losses.Total += loss
			grads.set(task, MSEBackward(pred, labels.STSB))
			continue
		}

		targets := labels.classLabels(task)
		if targets == nil {
			continue
		}
		if len(targets) != batch {
			return nil, nil, fmt.Errorf("%w: %s has %d labels for %d examples", ErrInvalidInput, task, len(targets), batch)
		}
		for i, y := range targets {
			if y < 0 || y >= task.NumLabels() {
				return nil, nil, fmt.Errorf("%w: %s label[%d]=%d outside [0,%d)", ErrInvalidInput, task, i, y, task.NumLabels())
			}
		}
		loss := CrossEntropyLoss(pred, targets)
		losses.PerTask[task] = loss
		losses.Total += loss
		grads.set(task, CrossEntropyBackward(pred, targets))
	}

	return losses, grads, nil
}
