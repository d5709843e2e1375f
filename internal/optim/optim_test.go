package optim

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/params"
	"github.com/samcharles93/meshformer/internal/tensor"
)

func tree(vals ...float32) params.Tree {
	t := params.Tree{}
	t.Set("lin", "w", tensor.FromData(vals, len(vals)))
	return t
}

func leaf(t params.Tree) []float32 { return t.Get("lin", "w").Data }

func TestSGDWithMomentum(t *testing.T) {
	t.Parallel()

	o := &SGD{LR: Constant(0.1), Momentum: 0.5}
	p := tree(1, 2)
	g := tree(1, -1)
	st := o.Init(p)

	u1, st, err := o.Update(g, st, p)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	u2, st, err := o.Update(g, st, p)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	approx := cmpopts.EquateApprox(0, 1e-6)
	if diff := cmp.Diff([]float32{-0.1, 0.1}, leaf(u1), approx); diff != "" {
		t.Fatalf("first update (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{-0.15, 0.15}, leaf(u2), approx); diff != "" {
		t.Fatalf("second update (-want +got):\n%s", diff)
	}
	if st.Count != 2 {
		t.Fatalf("count = %d", st.Count)
	}
}

func TestAdamFirstStepIsSignedLR(t *testing.T) {
	t.Parallel()

	o := &Adam{LR: Constant(0.01), Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
	p := tree(1, 2, 3)
	u, _, err := o.Update(tree(0.5, -2, 0), o.Init(p), p)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := []float32{-0.01, 0.01, 0}
	if diff := cmp.Diff(want, leaf(u), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Fatalf("update (-want +got):\n%s", diff)
	}
}

func TestAdamWDecaysWeights(t *testing.T) {
	t.Parallel()

	o := NewAdamW(Constant(0.1), 0.9, 0.999, 1e-8, 0.5)
	p := tree(2)
	u, _, err := o.Update(tree(0), o.Init(p), p)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	// zero gradient leaves only the decay term: -lr * wd * p
	if got := leaf(u)[0]; math.Abs(float64(got)+0.1) > 1e-6 {
		t.Fatalf("update = %v, want -0.1", got)
	}
}

func TestUpdateDoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"sgd", "adam", "adamw"} {
		cfg := config.DefaultOptimizer()
		cfg.Name = name
		cfg.Momentum = 0.9
		cfg.WeightDecay = 0.1
		o, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		p, g := tree(1, 2), tree(0.3, -0.2)
		st := o.Init(p)
		pBefore, gBefore, stBefore := p.Clone(), g.Clone(), st.Clone()

		if _, _, err := o.Update(g, st, p); err != nil {
			t.Fatalf("%s Update: %v", name, err)
		}
		for what, pair := range map[string][2]params.Tree{"params": {pBefore, p}, "grads": {gBefore, g}} {
			if diff := cmp.Diff(leaf(pair[0]), leaf(pair[1])); diff != "" {
				t.Fatalf("%s mutated %s:\n%s", name, what, diff)
			}
		}
		for slot, before := range stBefore.Slots {
			if diff := cmp.Diff(leaf(before), leaf(st.Slots[slot])); diff != "" {
				t.Fatalf("%s mutated slot %s:\n%s", name, slot, diff)
			}
		}
	}
}

func TestUpdateRejectsLayoutMismatch(t *testing.T) {
	t.Parallel()

	o := &SGD{LR: Constant(1)}
	p := tree(1, 2)
	if _, _, err := o.Update(tree(1), o.Init(p), p); err == nil {
		t.Fatalf("expected layout error")
	}
}

func TestWarmupCosine(t *testing.T) {
	t.Parallel()

	s := WarmupCosine(1, 0.1, 4, 14)
	approx := cmpopts.EquateApprox(0, 1e-9)
	got := []float64{s(0), s(3), s(4), s(9), s(14), s(100)}
	want := []float64{0.25, 1, 1, 0.55, 0.1, 0.1}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Fatalf("schedule (-want +got):\n%s", diff)
	}
	if c := WarmupCosine(0.5, 0, 0, 0); c(10) != 0.5 {
		t.Fatalf("no-schedule rate = %v", c(10))
	}
}

func TestApplyUpdates(t *testing.T) {
	t.Parallel()

	out, err := ApplyUpdates(tree(1, 2), tree(0.5, -1))
	if err != nil {
		t.Fatalf("ApplyUpdates: %v", err)
	}
	if diff := cmp.Diff([]float32{1.5, 1}, leaf(out)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if _, err := ApplyUpdates(tree(1), tree(1, 2)); err == nil {
		t.Fatalf("expected error")
	}
}
