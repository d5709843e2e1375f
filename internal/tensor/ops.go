package tensor

import (
	"fmt"
	"math"
)

func mustMatch(op string, a, b *Tensor) {
	if !a.SameShape(b) {
		panic(fmt.Sprintf("tensor: %s shape mismatch %v vs %v", op, a.Shape, b.Shape))
	}
}

// Add returns a + b.
func Add(a, b *Tensor) *Tensor {
	mustMatch("add", a, b)
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// Sub returns a - b.
func Sub(a, b *Tensor) *Tensor {
	mustMatch("sub", a, b)
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out
}

// Mul returns the elementwise product a * b.
func Mul(a, b *Tensor) *Tensor {
	mustMatch("mul", a, b)
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out
}

// Scale returns s * a.
func Scale(a *Tensor, s float32) *Tensor {
	out := New(a.Shape...)
	for i, v := range a.Data {
		out.Data[i] = v * s
	}
	return out
}

// AddInto accumulates src into dst.
func AddInto(dst, src *Tensor) {
	mustMatch("add-into", dst, src)
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
}

// Axpy computes dst += alpha * x.
func Axpy(dst *Tensor, alpha float32, x *Tensor) {
	mustMatch("axpy", dst, x)
	for i := range dst.Data {
		dst.Data[i] += alpha * x.Data[i]
	}
}

// Map applies f elementwise and returns a new tensor.
func Map(a *Tensor, f func(float32) float32) *Tensor {
	out := New(a.Shape...)
	for i, v := range a.Data {
		out.Data[i] = f(v)
	}
	return out
}

// Exp returns e^a elementwise.
func Exp(a *Tensor) *Tensor {
	return Map(a, func(v float32) float32 { return float32(math.Exp(float64(v))) })
}

// Log returns ln(a) elementwise.
func Log(a *Tensor) *Tensor {
	return Map(a, func(v float32) float32 { return float32(math.Log(float64(v))) })
}

// Sum returns the sum of all elements, accumulated in float64.
func Sum(a *Tensor) float32 {
	var s float64
	for _, v := range a.Data {
		s += float64(v)
	}
	return float32(s)
}

// RowSum reduces the last axis: (..., n) -> (...).
func RowSum(a *Tensor) *Tensor {
	rows, _ := a.Dims2()
	out := New(a.Shape[:len(a.Shape)-1]...)
	for r := 0; r < rows; r++ {
		var s float64
		for _, v := range a.Row(r) {
			s += float64(v)
		}
		out.Data[r] = float32(s)
	}
	return out
}

// RowMax reduces the last axis by maximum: (..., n) -> (...).
func RowMax(a *Tensor) *Tensor {
	rows, _ := a.Dims2()
	out := New(a.Shape[:len(a.Shape)-1]...)
	for r := 0; r < rows; r++ {
		row := a.Row(r)
		m := float32(math.Inf(-1))
		for _, v := range row {
			if v > m {
				m = v
			}
		}
		out.Data[r] = m
	}
	return out
}

// SoftmaxRows applies a numerically stable softmax over the last axis in place.
func SoftmaxRows(a *Tensor) {
	rows, _ := a.Dims2()
	for r := 0; r < rows; r++ {
		Softmax(a.Row(r))
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

const (
	geluSqrt2OverPi = 0.7978845608028654
	geluCoeff       = 0.044715
)

// Gelu is the tanh approximation of the Gaussian error linear unit.
func Gelu(x float32) float32 {
	v := float64(x)
	inner := geluSqrt2OverPi * (v + geluCoeff*v*v*v)
	return float32(0.5 * v * (1 + math.Tanh(inner)))
}

// GeluGrad returns d Gelu(x) / dx.
func GeluGrad(x float32) float32 {
	v := float64(x)
	inner := geluSqrt2OverPi * (v + geluCoeff*v*v*v)
	th := math.Tanh(inner)
	dInner := geluSqrt2OverPi * (1 + 3*geluCoeff*v*v)
	return float32(0.5*(1+th) + 0.5*v*(1-th*th)*dInner)
}

// Transpose2D returns the transpose of a rank-2 tensor.
func Transpose2D(a *Tensor) *Tensor {
	if a.Rank() != 2 {
		panic(fmt.Sprintf("tensor: Transpose2D on shape %v", a.Shape))
	}
	r, c := a.Shape[0], a.Shape[1]
	out := New(c, r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Data[j*r+i] = a.Data[i*c+j]
		}
	}
	return out
}

// Concat joins tensors along their last axis. Leading shapes must agree.
func Concat(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic("tensor: Concat of nothing")
	}
	lead := parts[0].Shape[:len(parts[0].Shape)-1]
	rows, _ := parts[0].Dims2()
	total := 0
	for _, p := range parts {
		if !EqualShape(p.Shape[:len(p.Shape)-1], lead) {
			panic(fmt.Sprintf("tensor: Concat leading shape mismatch %v vs %v", p.Shape, parts[0].Shape))
		}
		total += p.Shape[len(p.Shape)-1]
	}
	out := New(append(append([]int(nil), lead...), total)...)
	for r := 0; r < rows; r++ {
		dst := out.Row(r)
		off := 0
		for _, p := range parts {
			off += copy(dst[off:], p.Row(r))
		}
	}
	return out
}

// Unstack splits the leading axis: (n, ...) -> n tensors of shape (...).
func Unstack(a *Tensor) []*Tensor {
	if a.Rank() == 0 {
		panic("tensor: Unstack of scalar")
	}
	n := a.Shape[0]
	inner := a.Shape[1:]
	step := SizeOf(inner)
	out := make([]*Tensor, n)
	for i := 0; i < n; i++ {
		out[i] = FromData(append([]float32(nil), a.Data[i*step:(i+1)*step]...), inner...)
	}
	return out
}

// MaxAbsDiff returns max |a-b| over all elements.
func MaxAbsDiff(a, b *Tensor) float64 {
	mustMatch("max-abs-diff", a, b)
	var m float64
	for i := range a.Data {
		d := math.Abs(float64(a.Data[i] - b.Data[i]))
		if d > m {
			m = d
		}
	}
	return m
}
