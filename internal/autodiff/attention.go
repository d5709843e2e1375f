package autodiff

import (
	"fmt"

	"github.com/samcharles93/meshformer/internal/mesh"
	"github.com/samcharles93/meshformer/internal/tensor"
)

// headSlice copies the columns of head h out of x (t, heads*dh) into (t, dh).
func headSlice(x *tensor.Tensor, h, dh int) *tensor.Tensor {
	t := x.Shape[0]
	out := tensor.New(t, dh)
	for i := 0; i < t; i++ {
		copy(out.Row(i), x.Row(i)[h*dh:(h+1)*dh])
	}
	return out
}

// headStore writes src (t, dh) into the columns of head h of dst.
func headStore(dst, src *tensor.Tensor, h, dh int) {
	for i := 0; i < src.Shape[0]; i++ {
		copy(dst.Row(i)[h*dh:(h+1)*dh], src.Row(i))
	}
}

// plane returns a (rows, cols) view of slice h of a (heads, rows, cols) tensor.
func plane(x *tensor.Tensor, h int) *tensor.Tensor {
	rows, cols := x.Shape[1], x.Shape[2]
	return tensor.FromData(x.Data[h*rows*cols:(h+1)*rows*cols], rows, cols)
}

func headDim(op string, x *tensor.Tensor, heads int) int {
	if x.Rank() != 2 || heads <= 0 || x.Shape[1]%heads != 0 {
		panic(fmt.Sprintf("autodiff: %s cannot split %v into %d heads", op, x.Shape, heads))
	}
	return x.Shape[1] / heads
}

// HeadScores computes per-head dot products between queries q (tq, H*dh)
// and keys k (tk, H*dh), giving (H, tq, tk).
func (g *Graph) HeadScores(q, k *Node, heads int) *Node {
	dh := headDim("head-scores", q.value, heads)
	if headDim("head-scores", k.value, heads) != dh {
		panic(fmt.Sprintf("autodiff: head-scores q %v and k %v differ", q.value.Shape, k.value.Shape))
	}
	return g.Apply(prim("head-scores",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			tq, tk := in[0].Shape[0], in[1].Shape[0]
			out := tensor.New(heads, tq, tk)
			for h := 0; h < heads; h++ {
				s := tensor.MatMulTB(headSlice(in[0], h, dh), headSlice(in[1], h, dh))
				copy(plane(out, h).Data, s.Data)
			}
			return out
		},
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			gq := tensor.ZerosLike(in[0])
			gk := tensor.ZerosLike(in[1])
			for h := 0; h < heads; h++ {
				gs := plane(grad, h)
				headStore(gq, tensor.MatMul(gs, headSlice(in[1], h, dh)), h, dh)
				headStore(gk, tensor.MatMulTA(gs, headSlice(in[0], h, dh)), h, dh)
			}
			return []*tensor.Tensor{gq, gk}
		}), q, k)
}

// HeadMix combines values v (tk, H*dh) with per-head weights w (H, tq, tk),
// giving (tq, H*dh) with heads laid out side by side.
func (g *Graph) HeadMix(w, v *Node, heads int) *Node {
	dh := headDim("head-mix", v.value, heads)
	ws := w.value.Shape
	if w.value.Rank() != 3 || ws[0] != heads || ws[2] != v.value.Shape[0] {
		panic(fmt.Sprintf("autodiff: head-mix weights %v do not fit values %v", ws, v.value.Shape))
	}
	return g.Apply(prim("head-mix",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			tq := in[0].Shape[1]
			out := tensor.New(tq, heads*dh)
			for h := 0; h < heads; h++ {
				headStore(out, tensor.MatMul(plane(in[0], h), headSlice(in[1], h, dh)), h, dh)
			}
			return out
		},
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			gw := tensor.ZerosLike(in[0])
			gv := tensor.ZerosLike(in[1])
			for h := 0; h < heads; h++ {
				gh := headSlice(grad, h, dh)
				vh := headSlice(in[1], h, dh)
				copy(plane(gw, h).Data, tensor.MatMulTB(gh, vh).Data)
				headStore(gv, tensor.MatMulTA(plane(in[0], h), gh), h, dh)
			}
			return []*tensor.Tensor{gw, gv}
		}), w, v)
}
