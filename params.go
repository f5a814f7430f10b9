package main

import (
	"github.com/dustin/go-humanize"
)

// NamedParameter pairs a parameter tensor with its dotted name,
// e.g. "encoder.layer.3.attention.query.weight" or "fc_snli.bias".
type NamedParameter struct {
	Name   string
	Tensor *Tensor
}

// countParameters counts elements across tensors.
func countParameters(params []*Tensor) int {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	return total
}

// countTrainable counts elements of the tensors that receive gradients.
func countTrainable(params []NamedParameter) int {
	total := 0
	for _, p := range params {
		if p.Tensor.requiresGrad {
			total += p.Tensor.Size()
		}
	}
	return total
}

// formatCount renders n with thousands separators: 1234567 → "1,234,567".
func formatCount(n int) string {
	return humanize.Comma(int64(n))
}
