package main

import (
	"math/rand"
	"testing"
)

func TestLinearForward(t *testing.T) {
	l := NewLinear(2, 3, 0, rand.New(rand.NewSource(1)))
	copy(l.weight.data, []float64{1, 2, 3, 4, 5, 6})
	copy(l.bias.data, []float64{0.5, 0, -1})

	y := l.Forward(NewTensorFrom([]float64{1, 1, 2, 0}, 2, 2))
	want := []float64{5.5, 7, 8, 2.5, 4, 5}
	for i, w := range want {
		if y.data[i] != w {
			t.Errorf("y[%d] = %g, want %g", i, y.data[i], w)
		}
	}
}

func TestLinearBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	l := NewLinear(4, 3, 1, rng)
	x := NewTensorNormal(rng, 1, 5, 4)
	w := NewTensorNormal(rng, 1, 5, 3)
	loss := func() float64 { return weightedSum(l.Forward(x), w) }

	gradX := l.Backward(x, w)
	for i := range x.data {
		assertClose(t, "x", gradX.data[i], numericGrad(x, i, loss))
	}
	for i := range l.weight.data {
		assertClose(t, "weight", l.weight.grad[i], numericGrad(l.weight, i, loss))
	}
	for i := range l.bias.data {
		assertClose(t, "bias", l.bias.grad[i], numericGrad(l.bias, i, loss))
	}
}

func TestFrozenLinearPassesGradientThrough(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	l := NewLinear(4, 2, 1, rng)
	l.SetRequiresGrad(false)
	if !l.Frozen() {
		t.Fatal("expected frozen layer")
	}

	x := NewTensorNormal(rng, 1, 3, 4)
	gradX := l.Backward(x, NewTensorNormal(rng, 1, 3, 2))

	for _, g := range append(l.weight.Grad(), l.bias.Grad()...) {
		if g != 0 {
			t.Fatal("frozen layer accumulated a gradient")
		}
	}
	nonZero := false
	for _, g := range gradX.data {
		if g != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Error("input gradient should still flow through a frozen layer")
	}
}

func TestDropout(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := NewTensor(50, 20)
	for i := range x.data {
		x.data[i] = 1
	}

	d := NewDropout(0.25, rng)

	out, mask := d.Forward(x, false)
	if out != x || mask != nil {
		t.Error("eval mode should be the identity")
	}

	out, mask = d.Forward(x, true)
	dropped := 0
	for i, v := range out.data {
		switch v {
		case 0:
			dropped++
			if mask[i] != 0 {
				t.Fatalf("mask[%d] = %g for dropped unit", i, mask[i])
			}
		case 1 / 0.75:
			if mask[i] != 1/0.75 {
				t.Fatalf("mask[%d] = %g for kept unit", i, mask[i])
			}
		default:
			t.Fatalf("unexpected value %g", v)
		}
	}
	if frac := float64(dropped) / float64(x.Size()); frac < 0.15 || frac > 0.35 {
		t.Errorf("dropped fraction %.2f, want about 0.25", frac)
	}

	if _, mask := NewDropout(0, rng).Forward(x, true); mask != nil {
		t.Error("p=0 should not produce a mask")
	}
}

func TestDropoutRejectsBadProbability(t *testing.T) {
	for _, p := range []float64{-0.1, 1, 1.5} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("NewDropout(%g) should panic", p)
				}
			}()
			NewDropout(p, rand.New(rand.NewSource(1)))
		}()
	}
}
