package autodiff

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/samcharles93/meshformer/internal/mesh"
	"github.com/samcharles93/meshformer/internal/params"
	"github.com/samcharles93/meshformer/internal/tensor"
)

// buildFn maps parameter nodes named "x0", "x1", ... to a scalar loss.
type buildFn func(g *Graph, in []*Node) *Node

func inputsTree(inputs []*tensor.Tensor) params.Tree {
	tree := params.Tree{}
	for i, v := range inputs {
		tree.Set("in", fmt.Sprintf("x%d", i), v)
	}
	return tree
}

func evalLoss(build buildFn, inputs []*tensor.Tensor) (*Graph, *Node) {
	g := NewGraph(nil, inputsTree(inputs))
	nodes := make([]*Node, len(inputs))
	for i, v := range inputs {
		nodes[i] = g.Param("in", fmt.Sprintf("x%d", i), v.Shape, nil)
	}
	return g, build(g, nodes)
}

// checkGradients compares Backward against central differences.
func checkGradients(t *testing.T, build buildFn, inputs ...*tensor.Tensor) {
	t.Helper()

	g, loss := evalLoss(build, inputs)
	if err := g.Backward(loss); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	grads := g.Grads()

	const h = 1e-2
	for i, x := range inputs {
		name := fmt.Sprintf("x%d", i)
		analytic := grads.Get("in", name)
		for j := range x.Data {
			orig := x.Data[j]
			x.Data[j] = orig + h
			_, up := evalLoss(build, inputs)
			x.Data[j] = orig - h
			_, down := evalLoss(build, inputs)
			x.Data[j] = orig

			numeric := (float64(up.Value().Item()) - float64(down.Value().Item())) / (2 * h)
			got := float64(analytic.Data[j])
			tol := 2e-2 * math.Max(1, math.Abs(numeric))
			if math.Abs(got-numeric) > tol {
				t.Fatalf("%s[%d]: analytic %.5f numeric %.5f", name, j, got, numeric)
			}
		}
	}
}

func randInput(seed int64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	tensor.FillRand(t, seed, 1)
	return t
}

func TestMatMulAndBiasGradients(t *testing.T) {
	t.Parallel()

	checkGradients(t, func(g *Graph, in []*Node) *Node {
		y := g.AddRow(g.MatMul(in[0], in[1]), in[2])
		return g.Mean(g.Mul(y, y))
	}, randInput(1, 3, 4), randInput(2, 4, 5), randInput(3, 5))
}

func TestElementwiseGradients(t *testing.T) {
	t.Parallel()

	checkGradients(t, func(g *Graph, in []*Node) *Node {
		a := g.GELU(in[0])
		b := g.Sub(g.Scale(a, 1.5), in[1])
		c := g.MulRow(b, in[2])
		return g.Mean(g.MulScalar(c, in[3]))
	}, randInput(4, 2, 3), randInput(5, 2, 3), randInput(6, 3), randInput(7, 1))
}

func TestSoftmaxAndLogGradients(t *testing.T) {
	t.Parallel()

	checkGradients(t, func(g *Graph, in []*Node) *Node {
		p := g.SoftmaxRows(in[0])
		w := g.Mul(p, in[1])
		s := g.RowSum(g.Exp(w))
		return g.Mean(g.Log(s))
	}, randInput(8, 3, 4), randInput(9, 3, 4))
}

func TestNormalizeGradients(t *testing.T) {
	t.Parallel()

	checkGradients(t, func(g *Graph, in []*Node) *Node {
		a := g.LayerNormalize(in[0], 1e-5)
		b := g.L2Normalize(in[0], 1e-5)
		return g.Mean(g.Mul(g.Add(a, b), in[1]))
	}, randInput(10, 3, 6), randInput(11, 3, 6))
}

func TestAttentionGradients(t *testing.T) {
	t.Parallel()

	const heads = 2
	checkGradients(t, func(g *Graph, in []*Node) *Node {
		s := g.HeadScores(in[0], in[1], heads)
		w := g.SoftmaxRows(s)
		out := g.HeadMix(w, in[2], heads)
		return g.Mean(g.Mul(out, out))
	}, randInput(12, 3, 4), randInput(13, 3, 4), randInput(14, 3, 4))
}

func TestSelectColsIgnoresForeignIndices(t *testing.T) {
	t.Parallel()

	x := tensor.FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	g := NewGraph(nil, inputsTree([]*tensor.Tensor{x}))
	n := g.Param("in", "x0", x.Shape, nil)
	sel := g.SelectCols(n, []int{2, 7})
	if got := sel.Value().Data; got[0] != 3 || got[1] != 0 {
		t.Fatalf("SelectCols: got %v", got)
	}
	if err := g.Backward(g.Mean(sel)); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	want := []float32{0, 0, 0.5, 0, 0, 0}
	for i, v := range g.Grads().Get("in", "x0").Data {
		if v != want[i] {
			t.Fatalf("grad[%d]=%v want %v", i, v, want[i])
		}
	}
}

func TestCreateModeRecordsParameters(t *testing.T) {
	t.Parallel()

	g := NewInitGraph(nil, tensor.NewRNG(1, 0))
	w := g.Param("lin", "w", []int{2, 3}, TruncatedNormal(0.5))
	b := g.Param("lin", "b", []int{3}, Zeros)
	if again := g.Param("lin", "w", []int{2, 3}, Zeros); again != w {
		t.Fatalf("repeated Param returned a new node")
	}
	_ = b
	tree := g.Params()
	if tree.Len() != 2 || tree.Get("lin", "w") == nil {
		t.Fatalf("unexpected tree %v", tree.Shapes())
	}
	for _, v := range tree.Get("lin", "w").Data {
		if math.Abs(float64(v)) > 2*0.5/0.87962566103423978 {
			t.Fatalf("truncated normal sample %v out of range", v)
		}
	}
}

func TestApplyModeRejectsWrongShape(t *testing.T) {
	t.Parallel()

	tree := params.Tree{}
	tree.Set("lin", "w", tensor.New(2, 2))
	g := NewGraph(nil, tree)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	g.Param("lin", "w", []int{3, 2}, nil)
}

func TestBackwardRules(t *testing.T) {
	t.Parallel()

	x := tensor.FromData([]float32{1, 2}, 2)
	g := NewGraph(nil, inputsTree([]*tensor.Tensor{x}))
	n := g.Param("in", "x0", x.Shape, nil)
	if err := g.Backward(n); err == nil {
		t.Fatalf("expected non-scalar loss error")
	}

	g = NewGraph(nil, inputsTree([]*tensor.Tensor{x}))
	loss := g.Mean(g.Param("in", "x0", x.Shape, nil))
	if err := g.Backward(loss); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if err := g.Backward(loss); !errors.Is(err, ErrBackwardTwice) {
		t.Fatalf("second Backward: %v", err)
	}
}

func TestUnusedParameterGetsZeroGradient(t *testing.T) {
	t.Parallel()

	inputs := []*tensor.Tensor{randInput(15, 2), randInput(16, 2)}
	g := NewGraph(nil, inputsTree(inputs))
	a := g.Param("in", "x0", []int{2}, nil)
	g.Param("in", "x1", []int{2}, nil)
	if err := g.Backward(g.Mean(a)); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	for _, v := range g.Grads().Get("in", "x1").Data {
		if v != 0 {
			t.Fatalf("unused grad = %v", v)
		}
	}
}

func TestDeviceRequiredForCollectives(t *testing.T) {
	t.Parallel()

	g := NewGraph(nil, params.Tree{})
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, mesh.ErrAxisUnavailable) {
			t.Fatalf("recover() = %v", r)
		}
	}()
	g.Device()
}

func TestCheckFiniteRecordsWarning(t *testing.T) {
	t.Parallel()

	g := NewGraph(nil, params.Tree{})
	n := g.Const(tensor.FromData([]float32{1, float32(math.Inf(1)), float32(math.NaN())}, 3))
	if g.CheckFinite("logits", n) {
		t.Fatalf("CheckFinite reported finite")
	}
	w := g.Warnings()
	if len(w) != 1 || w[0].Count != 2 || w[0].Op != "logits" {
		t.Fatalf("warnings = %v", w)
	}
}
