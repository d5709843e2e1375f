package model

import (
	"math"

	"github.com/samcharles93/meshformer/internal/autodiff"
)

// linear is a dense map y = x @ w (+ b) whose weights live under module.
// A nil init uses a truncated normal with stddev 1/sqrt(in).
type linear struct {
	module string
	in     int
	out    int
	bias   bool
	init   autodiff.Initializer
}

func (l linear) apply(g *autodiff.Graph, x *autodiff.Node) *autodiff.Node {
	init := l.init
	if init == nil {
		init = autodiff.TruncatedNormal(1 / math.Sqrt(float64(l.in)))
	}
	w := g.Param(l.module, "w", []int{l.in, l.out}, init)
	y := g.MatMul(x, w)
	if l.bias {
		b := g.Param(l.module, "b", []int{l.out}, autodiff.Zeros)
		y = g.AddRow(y, b)
	}
	return y
}
