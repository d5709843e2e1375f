package autodiff

import (
	"fmt"
	"math"

	"github.com/samcharles93/meshformer/internal/mesh"
	"github.com/samcharles93/meshformer/internal/tensor"
)

type (
	fwdFn = func(d *mesh.Device, in []*tensor.Tensor) *tensor.Tensor
	bwdFn = func(d *mesh.Device, in []*tensor.Tensor, out, grad *tensor.Tensor) []*tensor.Tensor
)

func prim(name string, fwd fwdFn, bwd bwdFn) Primitive {
	return Primitive{Name: name, Forward: fwd, Backward: bwd}
}

// MatMul multiplies two matrices: (m, k) x (k, n) -> (m, n).
func (g *Graph) MatMul(a, b *Node) *Node {
	return g.Apply(prim("matmul",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			return tensor.MatMul(in[0], in[1])
		},
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{
				tensor.MatMulTB(grad, in[1]),
				tensor.MatMulTA(in[0], grad),
			}
		}), a, b)
}

// Add returns a + b for equal shapes.
func (g *Graph) Add(a, b *Node) *Node {
	return g.Apply(prim("add",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor { return tensor.Add(in[0], in[1]) },
		func(_ *mesh.Device, _ []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{grad, grad}
		}), a, b)
}

// Sub returns a - b for equal shapes.
func (g *Graph) Sub(a, b *Node) *Node {
	return g.Apply(prim("sub",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor { return tensor.Sub(in[0], in[1]) },
		func(_ *mesh.Device, _ []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{grad, tensor.Scale(grad, -1)}
		}), a, b)
}

// Mul returns the elementwise product of equal-shaped values.
func (g *Graph) Mul(a, b *Node) *Node {
	return g.Apply(prim("mul",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor { return tensor.Mul(in[0], in[1]) },
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{tensor.Mul(grad, in[1]), tensor.Mul(grad, in[0])}
		}), a, b)
}

// Scale multiplies x by a constant.
func (g *Graph) Scale(x *Node, s float32) *Node {
	return g.Apply(prim("scale",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor { return tensor.Scale(in[0], s) },
		func(_ *mesh.Device, _ []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{tensor.Scale(grad, s)}
		}), x)
}

func checkRow(op string, x, row *tensor.Tensor) {
	_, cols := x.Dims2()
	if row.Size() != cols {
		panic(fmt.Sprintf("autodiff: %s row of %d values for last axis %d", op, row.Size(), cols))
	}
}

// sumRows reduces every leading axis: (..., n) -> (n), shaped like like.
func sumRows(x, like *tensor.Tensor) *tensor.Tensor {
	rows, cols := x.Dims2()
	acc := make([]float64, cols)
	for r := 0; r < rows; r++ {
		for j, v := range x.Row(r) {
			acc[j] += float64(v)
		}
	}
	out := tensor.New(like.Shape...)
	for j := range out.Data {
		out.Data[j] = float32(acc[j])
	}
	return out
}

// AddRow broadcasts row over the last axis of x: x (..., n) + row (n).
func (g *Graph) AddRow(x, row *Node) *Node {
	checkRow("add-row", x.value, row.value)
	return g.Apply(prim("add-row",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			out := in[0].Clone()
			rows, _ := out.Dims2()
			for r := 0; r < rows; r++ {
				dst := out.Row(r)
				for j, b := range in[1].Data {
					dst[j] += b
				}
			}
			return out
		},
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{grad, sumRows(grad, in[1])}
		}), x, row)
}

// MulRow broadcasts row over the last axis of x: x (..., n) * row (n).
func (g *Graph) MulRow(x, row *Node) *Node {
	checkRow("mul-row", x.value, row.value)
	return g.Apply(prim("mul-row",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			out := in[0].Clone()
			rows, _ := out.Dims2()
			for r := 0; r < rows; r++ {
				dst := out.Row(r)
				for j, s := range in[1].Data {
					dst[j] *= s
				}
			}
			return out
		},
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			gx := grad.Clone()
			rows, _ := gx.Dims2()
			for r := 0; r < rows; r++ {
				dst := gx.Row(r)
				for j, s := range in[1].Data {
					dst[j] *= s
				}
			}
			return []*tensor.Tensor{gx, sumRows(tensor.Mul(grad, in[0]), in[1])}
		}), x, row)
}

// MulScalar multiplies x by a one-element value s.
func (g *Graph) MulScalar(x, s *Node) *Node {
	if s.value.Size() != 1 {
		panic(fmt.Sprintf("autodiff: mul-scalar by shape %v", s.value.Shape))
	}
	return g.Apply(prim("mul-scalar",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			return tensor.Scale(in[0], in[1].Data[0])
		},
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			gs := tensor.New(in[1].Shape...)
			gs.Data[0] = tensor.Sum(tensor.Mul(grad, in[0]))
			return []*tensor.Tensor{tensor.Scale(grad, in[1].Data[0]), gs}
		}), x, s)
}

// AddConst adds a constant of the same shape to x.
func (g *Graph) AddConst(x *Node, c *tensor.Tensor) *Node {
	return g.Apply(prim("add-const",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor { return tensor.Add(in[0], c) },
		func(_ *mesh.Device, _ []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{grad}
		}), x)
}

// SubCol subtracts a constant per row: x (..., n) - c (...).
func (g *Graph) SubCol(x *Node, c *tensor.Tensor) *Node {
	rows, _ := x.value.Dims2()
	if c.Size() != rows {
		panic(fmt.Sprintf("autodiff: sub-col of %d values for %d rows", c.Size(), rows))
	}
	return g.Apply(prim("sub-col",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			out := in[0].Clone()
			for r := 0; r < rows; r++ {
				m := c.Data[r]
				dst := out.Row(r)
				for j := range dst {
					dst[j] -= m
				}
			}
			return out
		},
		func(_ *mesh.Device, _ []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{grad}
		}), x)
}

// Reshape views x with a new shape of the same size.
func (g *Graph) Reshape(x *Node, shape ...int) *Node {
	shape = append([]int(nil), shape...)
	return g.Apply(prim("reshape",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor { return in[0].Clone().Reshape(shape...) },
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{grad.Clone().Reshape(in[0].Shape...)}
		}), x)
}

// GELU applies the tanh-approximated Gaussian error linear unit.
func (g *Graph) GELU(x *Node) *Node {
	return g.Apply(prim("gelu",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor { return tensor.Map(in[0], tensor.Gelu) },
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{tensor.Mul(grad, tensor.Map(in[0], tensor.GeluGrad))}
		}), x)
}

// Exp applies e^x elementwise.
func (g *Graph) Exp(x *Node) *Node {
	return g.Apply(prim("exp",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor { return tensor.Exp(in[0]) },
		func(_ *mesh.Device, _ []*tensor.Tensor, out, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{tensor.Mul(grad, out)}
		}), x)
}

// Log applies ln(x) elementwise.
func (g *Graph) Log(x *Node) *Node {
	return g.Apply(prim("log",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor { return tensor.Log(in[0]) },
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			gx := tensor.New(grad.Shape...)
			for i, v := range grad.Data {
				gx.Data[i] = v / in[0].Data[i]
			}
			return []*tensor.Tensor{gx}
		}), x)
}

// RowSum reduces the last axis: (..., n) -> (...).
func (g *Graph) RowSum(x *Node) *Node {
	return g.Apply(prim("row-sum",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor { return tensor.RowSum(in[0]) },
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			gx := tensor.New(in[0].Shape...)
			rows, _ := gx.Dims2()
			for r := 0; r < rows; r++ {
				v := grad.Data[r]
				dst := gx.Row(r)
				for j := range dst {
					dst[j] = v
				}
			}
			return []*tensor.Tensor{gx}
		}), x)
}

// Mean averages every element into a scalar.
func (g *Graph) Mean(x *Node) *Node {
	n := float32(x.value.Size())
	return g.Apply(prim("mean",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			return tensor.Scalar(tensor.Sum(in[0]) / n)
		},
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{tensor.Full(grad.Item()/n, in[0].Shape...)}
		}), x)
}

// SelectCols picks one column per row: out[r] = x[r, idx[r]]. Rows whose
// index falls outside [0, n) yield 0, which is what a one-hot contraction
// against a shard that does not own the index produces.
func (g *Graph) SelectCols(x *Node, idx []int) *Node {
	rows, cols := x.value.Dims2()
	if len(idx) != rows {
		panic(fmt.Sprintf("autodiff: select-cols with %d indices for %d rows", len(idx), rows))
	}
	idx = append([]int(nil), idx...)
	lead := x.value.Shape[:x.value.Rank()-1]
	return g.Apply(prim("select-cols",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			out := tensor.New(lead...)
			for r, j := range idx {
				if j >= 0 && j < cols {
					out.Data[r] = in[0].Row(r)[j]
				}
			}
			return out
		},
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			gx := tensor.New(in[0].Shape...)
			for r, j := range idx {
				if j >= 0 && j < cols {
					gx.Row(r)[j] = grad.Data[r]
				}
			}
			return []*tensor.Tensor{gx}
		}), x)
}

// SoftmaxRows normalises the last axis.
func (g *Graph) SoftmaxRows(x *Node) *Node {
	return g.Apply(prim("softmax",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			out := in[0].Clone()
			tensor.SoftmaxRows(out)
			return out
		},
		func(_ *mesh.Device, _ []*tensor.Tensor, out, grad *tensor.Tensor) []*tensor.Tensor {
			gx := tensor.New(out.Shape...)
			rows, _ := out.Dims2()
			for r := 0; r < rows; r++ {
				y, gy, dst := out.Row(r), grad.Row(r), gx.Row(r)
				var dot float64
				for j := range y {
					dot += float64(y[j] * gy[j])
				}
				for j := range y {
					dst[j] = y[j] * (gy[j] - float32(dot))
				}
			}
			return []*tensor.Tensor{gx}
		}), x)
}

// LayerNormalize standardises the last axis: (x - mean) / sqrt(var + eps).
func (g *Graph) LayerNormalize(x *Node, eps float32) *Node {
	return g.Apply(prim("layer-normalize",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			out := tensor.New(in[0].Shape...)
			rows, _ := out.Dims2()
			for r := 0; r < rows; r++ {
				src, dst := in[0].Row(r), out.Row(r)
				mean, inv := moments(src, eps)
				for j, v := range src {
					dst[j] = (v - mean) * inv
				}
			}
			return out
		},
		func(_ *mesh.Device, in []*tensor.Tensor, out, grad *tensor.Tensor) []*tensor.Tensor {
			gx := tensor.New(out.Shape...)
			rows, cols := out.Dims2()
			n := float32(cols)
			for r := 0; r < rows; r++ {
				_, inv := moments(in[0].Row(r), eps)
				xhat, gy, dst := out.Row(r), grad.Row(r), gx.Row(r)
				var sg, sgx float64
				for j := range xhat {
					sg += float64(gy[j])
					sgx += float64(gy[j] * xhat[j])
				}
				for j := range xhat {
					dst[j] = inv / n * (n*gy[j] - float32(sg) - xhat[j]*float32(sgx))
				}
			}
			return []*tensor.Tensor{gx}
		}), x)
}

func moments(row []float32, eps float32) (mean, inv float32) {
	var s float64
	for _, v := range row {
		s += float64(v)
	}
	m := s / float64(len(row))
	var vs float64
	for _, v := range row {
		d := float64(v) - m
		vs += d * d
	}
	variance := vs / float64(len(row))
	return float32(m), float32(1 / math.Sqrt(variance+float64(eps)))
}

// L2Normalize divides each row of the last axis by its Euclidean norm plus eps.
func (g *Graph) L2Normalize(x *Node, eps float32) *Node {
	return g.Apply(prim("l2-normalize",
		func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			out := tensor.New(in[0].Shape...)
			rows, _ := out.Dims2()
			for r := 0; r < rows; r++ {
				src, dst := in[0].Row(r), out.Row(r)
				inv := 1 / (l2(src) + eps)
				for j, v := range src {
					dst[j] = v * inv
				}
			}
			return out
		},
		func(_ *mesh.Device, in []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			gx := tensor.New(in[0].Shape...)
			rows, _ := gx.Dims2()
			for r := 0; r < rows; r++ {
				src, gy, dst := in[0].Row(r), grad.Row(r), gx.Row(r)
				norm := l2(src)
				den := norm + eps
				var dot float64
				for j := range src {
					dot += float64(gy[j] * src[j])
				}
				var k float32
				if norm > 0 {
					k = float32(dot) / (den * den * norm)
				}
				for j := range src {
					dst[j] = gy[j]/den - k*src[j]
				}
			}
			return []*tensor.Tensor{gx}
		}), x)
}

func l2(row []float32) float32 {
	var s float64
	for _, v := range row {
		s += float64(v) * float64(v)
	}
	return float32(math.Sqrt(s))
}
