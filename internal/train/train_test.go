package train

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/mesh"
	"github.com/samcharles93/meshformer/internal/optim"
	"github.com/samcharles93/meshformer/internal/params"
	"github.com/samcharles93/meshformer/internal/tensor"
)

func testConfig(t *testing.T, shards int) config.ShardConfig {
	t.Helper()
	cfg, err := config.NewShardConfig(config.ShardConfig{
		NumShards: shards,
		NumHeads:  2,
		ModelDim:  4,
		VocabSize: 8,
		NumLayers: 1,
		SeqLen:    3,
	})
	if err != nil {
		t.Fatalf("NewShardConfig: %v", err)
	}
	return cfg
}

func newTrainer(t *testing.T, shards, replicas int, opt optim.Optimizer, p tensor.Precision) *Trainer {
	t.Helper()
	m, err := mesh.New(shards, replicas)
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	tr, err := New(testConfig(t, shards), m, opt, Options{Precision: p})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func initState(t *testing.T, tr *Trainer) *State {
	t.Helper()
	st, err := tr.Init(context.Background(), 7, [][]int{{1, 2, 3}})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return st
}

func sgd(lr float64) optim.Optimizer { return &optim.SGD{LR: optim.Constant(lr)} }

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestTrainStepEndToEnd(t *testing.T) {
	t.Parallel()

	tr := newTrainer(t, 2, 1, nil, tensor.BF16)
	st := initState(t, tr)
	before := st.Clone()

	res, next, err := tr.TrainStep(context.Background(), st, SingleBatch([]int{1, 2, 3}, []int{2, 3, 4}))
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	if res.Step != 1 || next.Step != 1 {
		t.Fatalf("step = %d/%d, want 1", res.Step, next.Step)
	}
	if math.IsNaN(float64(res.MeanLoss)) || math.IsInf(float64(res.MeanLoss), 0) || res.MeanLoss <= 0 {
		t.Fatalf("loss = %v", res.MeanLoss)
	}
	for s := range next.Params {
		if err := params.SameLayout(before.Params[s], next.Params[s]); err != nil {
			t.Fatalf("shard %d layout changed: %v", s, err)
		}
	}
	if diff := cmp.Diff(before, st); diff != "" {
		t.Fatalf("input state mutated (-before +after):\n%s", diff)
	}
	if cmp.Equal(before.Params, next.Params) {
		t.Fatal("parameters did not change")
	}
}

func TestTopologyMismatch(t *testing.T) {
	t.Parallel()

	m, err := mesh.New(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(testConfig(t, 2), m, nil, Options{}); !errors.Is(err, ErrShardTopologyMismatch) {
		t.Fatalf("New err = %v, want ErrShardTopologyMismatch", err)
	}

	tr := newTrainer(t, 2, 1, nil, tensor.F32)
	st := initState(t, tr)
	st.Params = st.Params[:1]
	_, got, err := tr.TrainStep(context.Background(), st, SingleBatch([]int{1, 2, 3}, []int{2, 3, 4}))
	if !errors.Is(err, ErrShardTopologyMismatch) || got != st {
		t.Fatalf("TrainStep err = %v", err)
	}
}

func TestInvalidBatch(t *testing.T) {
	t.Parallel()

	tr := newTrainer(t, 1, 2, nil, tensor.F32)
	st := initState(t, tr)
	long := make([]int, 40)
	cases := map[string]Batch{
		"empty":         {},
		"replica count": SingleBatch([]int{1, 2, 3}, []int{2, 3, 4}),
		"out of vocab":  {Context: [][][]int{{{1, 2, 3}, {1, 2, 9}}}, Target: [][][]int{{{1, 2, 3}, {1, 2, 3}}}},
		"length":        {Context: [][][]int{{{1, 2}, {1, 2}}}, Target: [][][]int{{{1, 2, 3}, {1, 2, 3}}}},
		"too long": {
			Context: [][][]int{{long, long}},
			Target:  [][][]int{{long, long}},
		},
	}
	for name, b := range cases {
		if _, _, err := tr.TrainStep(context.Background(), st, b); !errors.Is(err, ErrInvalidBatch) {
			t.Errorf("%s: err = %v, want ErrInvalidBatch", name, err)
		}
		if _, err := tr.EvalStep(context.Background(), st, b); !errors.Is(err, ErrInvalidBatch) {
			t.Errorf("%s: eval err = %v, want ErrInvalidBatch", name, err)
		}
	}
	if _, err := tr.Logits(context.Background(), st, long); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("logits err = %v, want ErrInvalidBatch", err)
	}
}

// failingOptimizer fails its Update on one shard only.
type failingOptimizer struct {
	optim.Optimizer
	mu    sync.Mutex
	calls int
}

func (f *failingOptimizer) Update(grads params.Tree, st optim.State, p params.Tree) (params.Tree, optim.State, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n == 1 {
		return nil, optim.State{}, errors.New("boom")
	}
	return f.Optimizer.Update(grads, st, p)
}

func TestTrainStepIsAtomic(t *testing.T) {
	t.Parallel()

	opt := &failingOptimizer{Optimizer: sgd(0.1)}
	tr := newTrainer(t, 2, 1, opt, tensor.F32)
	st := initState(t, tr)
	before := st.Clone()

	res, got, err := tr.TrainStep(context.Background(), st, SingleBatch([]int{1, 2, 3}, []int{2, 3, 4}))
	if err == nil || res != nil {
		t.Fatalf("TrainStep = %v, %v; want error", res, err)
	}
	if got != st {
		t.Fatal("failed step did not return the input state")
	}
	if diff := cmp.Diff(before, got); diff != "" {
		t.Fatalf("state changed on failure:\n%s", diff)
	}
}

func TestEvalStepIsDeterministic(t *testing.T) {
	t.Parallel()

	tr := newTrainer(t, 2, 1, nil, tensor.F32)
	st := initState(t, tr)
	before := st.Clone()
	b := SingleBatch([]int{1, 2, 3}, []int{2, 3, 4})

	a, err := tr.EvalStep(context.Background(), st, b)
	if err != nil {
		t.Fatalf("EvalStep: %v", err)
	}
	c, err := tr.EvalStep(context.Background(), st, b)
	if err != nil {
		t.Fatalf("EvalStep: %v", err)
	}
	if a != c {
		t.Fatalf("eval not deterministic: %v vs %v", a, c)
	}
	if diff := cmp.Diff(before, st); diff != "" {
		t.Fatalf("eval changed state:\n%s", diff)
	}

	res, _, err := tr.TrainStep(context.Background(), st, b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(res.MeanLoss-a)) > 1e-5 {
		t.Fatalf("train loss %v, eval loss %v", res.MeanLoss, a)
	}
}

func TestGradientsIgnoreMicroBatchOrder(t *testing.T) {
	t.Parallel()

	tr := newTrainer(t, 2, 1, nil, tensor.F32)
	st := initState(t, tr)
	ctxs := [][]int{{1, 2, 3}, {4, 5, 6}, {7, 0, 1}}
	tgts := [][]int{{2, 3, 4}, {5, 6, 7}, {0, 1, 2}}
	batch := func(order ...int) Batch {
		var b Batch
		for _, i := range order {
			b.Context = append(b.Context, [][]int{ctxs[i]})
			b.Target = append(b.Target, [][]int{tgts[i]})
		}
		return b
	}

	a, err := tr.Gradients(context.Background(), st, batch(0, 1, 2))
	if err != nil {
		t.Fatalf("Gradients: %v", err)
	}
	b, err := tr.Gradients(context.Background(), st, batch(2, 0, 1))
	if err != nil {
		t.Fatalf("Gradients: %v", err)
	}
	if diff := cmp.Diff(a, b, approx); diff != "" {
		t.Fatalf("gradients depend on micro-batch order:\n%s", diff)
	}
}

func TestDataParallelMatchesSingleReplica(t *testing.T) {
	t.Parallel()

	single := newTrainer(t, 2, 1, sgd(0.1), tensor.F32)
	dp := newTrainer(t, 2, 2, sgd(0.1), tensor.F32)
	s1 := initState(t, single)
	s2 := initState(t, dp)
	if diff := cmp.Diff(s1.Params, s2.Params); diff != "" {
		t.Fatalf("init depends on replica count:\n%s", diff)
	}

	ctx, tgt := []int{1, 2, 3}, []int{2, 3, 4}
	_, n1, err := single.TrainStep(context.Background(), s1, SingleBatch(ctx, tgt))
	if err != nil {
		t.Fatal(err)
	}
	res, n2, err := dp.TrainStep(context.Background(), s2, Batch{
		Context: [][][]int{{ctx, ctx}},
		Target:  [][][]int{{tgt, tgt}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Losses) != 1 || len(res.Losses[0]) != 2 || res.Losses[0][0] != res.Losses[0][1] {
		t.Fatalf("losses = %v", res.Losses)
	}
	if diff := cmp.Diff(n1.Params, n2.Params, approx); diff != "" {
		t.Fatalf("data-parallel step differs:\n%s", diff)
	}
}

func TestLossDecreases(t *testing.T) {
	t.Parallel()

	opt := optim.NewAdamW(optim.Constant(0.05), 0.9, 0.999, 1e-8, 0)
	tr := newTrainer(t, 2, 1, opt, tensor.F32)
	st := initState(t, tr)
	b := SingleBatch([]int{1, 2, 3}, []int{2, 3, 4})

	first, err := tr.EvalStep(context.Background(), st, b)
	if err != nil {
		t.Fatal(err)
	}
	for range 30 {
		if _, st, err = tr.TrainStep(context.Background(), st, b); err != nil {
			t.Fatal(err)
		}
	}
	last, err := tr.EvalStep(context.Background(), st, b)
	if err != nil {
		t.Fatal(err)
	}
	if st.Step != 30 || last >= first*0.75 {
		t.Fatalf("step %d: loss %v -> %v", st.Step, first, last)
	}
}

func TestLogitsMatchEval(t *testing.T) {
	t.Parallel()

	tr := newTrainer(t, 2, 1, nil, tensor.F32)
	st := initState(t, tr)
	ctx, tgt := []int{1, 2, 3}, []int{2, 3, 4}

	logits, err := tr.Logits(context.Background(), st, ctx)
	if err != nil {
		t.Fatalf("Logits: %v", err)
	}
	if !tensor.EqualShape(logits.Shape, []int{3, 8}) {
		t.Fatalf("logits shape = %v", logits.Shape)
	}
	var want float64
	for i, y := range tgt {
		row := logits.Row(i)
		m := math.Inf(-1)
		for _, v := range row {
			m = math.Max(m, float64(v))
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - m)
		}
		want += m + math.Log(sum) - float64(row[y])
	}
	want /= float64(len(tgt))

	got, err := tr.EvalStep(context.Background(), st, SingleBatch(ctx, tgt))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(got)-want) > 1e-4 {
		t.Fatalf("eval loss %v, cross-entropy of logits %v", got, want)
	}
}

func TestSession(t *testing.T) {
	t.Parallel()

	tr := newTrainer(t, 1, 1, sgd(0.1), tensor.F32)
	s := NewSession(tr, nil)
	b := SingleBatch([]int{1, 2, 3}, []int{2, 3, 4})
	if _, err := s.Train(context.Background(), b); !errors.Is(err, ErrNotInitialised) {
		t.Fatalf("Train err = %v", err)
	}
	if _, _, err := s.Eval(context.Background(), b); !errors.Is(err, ErrNotInitialised) {
		t.Fatalf("Eval err = %v", err)
	}

	if err := s.Restore(initState(t, tr)); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	res, err := s.Train(context.Background(), b)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	status := s.Status()
	if status.Step != 1 || status.LastLoss == nil || *status.LastLoss != res.MeanLoss {
		t.Fatalf("status = %+v", status)
	}
	if status.RunID != tr.RunID() || status.Params == 0 || status.Shards != 1 {
		t.Fatalf("status = %+v", status)
	}
	snap, err := s.Snapshot()
	if err != nil || snap.Step != 1 {
		t.Fatalf("Snapshot = %v, %v", snap, err)
	}
	loss, step, err := s.Eval(context.Background(), b)
	if err != nil || step != 1 {
		t.Fatalf("Eval = %v at step %d, %v", loss, step, err)
	}
	want, err := tr.EvalStep(context.Background(), snap, b)
	if err != nil || loss != want {
		t.Fatalf("Eval loss %v, EvalStep on snapshot %v (%v)", loss, want, err)
	}
	if err := s.Restore(&State{}); !errors.Is(err, ErrShardTopologyMismatch) {
		t.Fatalf("Restore err = %v", err)
	}
}
