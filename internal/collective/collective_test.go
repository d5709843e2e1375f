package collective

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/mesh"
	"github.com/samcharles93/meshformer/internal/params"
	"github.com/samcharles93/meshformer/internal/tensor"
)

type shardResult struct {
	out  *tensor.Tensor
	grad *tensor.Tensor
}

// runOp builds loss = sum(op(x) * w) on every shard, where x and w depend on
// the shard index, and returns each shard's forward output and dloss/dx.
func runOp(t *testing.T, shards int, op func(*autodiff.Graph, *autodiff.Node) *autodiff.Node,
	x, w func(shard int) *tensor.Tensor) []shardResult {
	t.Helper()

	m, err := mesh.New(shards, 1)
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	var mu sync.Mutex
	out := make([]shardResult, shards)
	err = m.Run(context.Background(), func(_ context.Context, d *mesh.Device) error {
		tree := params.Tree{}
		tree.Set("toy", "x", x(d.Shard))
		g := autodiff.NewGraph(d, tree)
		xn := g.Param("toy", "x", tree.Get("toy", "x").Shape, nil)
		y := op(g, xn)
		loss := g.RowSum(g.Mul(y, g.Const(w(d.Shard))))
		if err := g.Backward(loss); err != nil {
			return err
		}
		mu.Lock()
		out[d.Shard] = shardResult{out: y.Value(), grad: g.Grads().Get("toy", "x")}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out
}

func xOf(shard int) *tensor.Tensor {
	s := float32(shard + 1)
	return tensor.FromData([]float32{s, 2 * s, -s}, 3)
}

func wOf(shard int) *tensor.Tensor {
	s := float32(shard)
	return tensor.FromData([]float32{1 + s, 0.5, -2 * s}, 3)
}

func assertData(t *testing.T, what string, got *tensor.Tensor, want ...float32) {
	t.Helper()
	for i, v := range want {
		if d := got.Data[i] - v; d > 1e-5 || d < -1e-5 {
			t.Fatalf("%s = %v, want %v", what, got.Data, want)
		}
	}
}

func TestForwardSumBackwardIdentity(t *testing.T) {
	t.Parallel()

	res := runOp(t, 3, ForwardSumBackwardIdentity, xOf, wOf)
	for s, r := range res {
		// 1+2+3 = 6
		assertData(t, "forward", r.out, 6, 12, -6)
		w := wOf(s)
		assertData(t, "gradient", r.grad, w.Data...)
	}
}

func TestForwardIdentityBackwardSum(t *testing.T) {
	t.Parallel()

	res := runOp(t, 2, ForwardIdentityBackwardSum, xOf, wOf)
	for s, r := range res {
		assertData(t, "forward", r.out, xOf(s).Data...)
		// w0 + w1 = {1,0.5,0} + {2,0.5,-2}
		assertData(t, "gradient", r.grad, 3, 1, -2)
	}
}

func TestForwardIdentityBackwardMean(t *testing.T) {
	t.Parallel()

	res := runOp(t, 2, ForwardIdentityBackwardMean, xOf, wOf)
	for s, r := range res {
		assertData(t, "forward", r.out, xOf(s).Data...)
		assertData(t, "gradient", r.grad, 1.5, 0.5, -1)
	}
}

// The sharded sum followed by a replicated loss must match the gradient of
// the same function computed on one device over the concatenated input.
func TestSumMatchesSingleShardReference(t *testing.T) {
	t.Parallel()

	shards := 4
	res := runOp(t, shards, ForwardSumBackwardIdentity, xOf, func(int) *tensor.Tensor {
		return tensor.FromData([]float32{1, 1, 1}, 3)
	})
	ref := tensor.New(3)
	for s := 0; s < shards; s++ {
		tensor.AddInto(ref, xOf(s))
	}
	for _, r := range res {
		if tensor.MaxAbsDiff(r.out, ref) > 1e-6 {
			t.Fatalf("sharded sum %v, reference %v", r.out.Data, ref.Data)
		}
	}
}

func TestOperatorsNeedMesh(t *testing.T) {
	t.Parallel()

	ops := map[string]func(*autodiff.Graph, *autodiff.Node) *autodiff.Node{
		"f_psum":  ForwardIdentityBackwardSum,
		"f_pmean": ForwardIdentityBackwardMean,
		"g_psum":  ForwardSumBackwardIdentity,
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			g := autodiff.NewGraph(nil, params.Tree{})
			x := g.Const(tensor.New(2))
			defer func() {
				err, ok := recover().(error)
				if !ok || !errors.Is(err, mesh.ErrAxisUnavailable) {
					t.Fatalf("expected ErrAxisUnavailable panic, got %v", err)
				}
			}()
			op(g, x)
		})
	}
}
