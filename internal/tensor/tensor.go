// Package tensor provides the dense float32 arrays and kernels that every
// shard computes with. Tensors are row-major and never alias unless a view is
// requested explicitly with Reshape.
package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Tensor is a dense row-major array of float32 values.
//
// A tensor with an empty Shape is a scalar holding exactly one element.
// Tensor is not safe for concurrent mutation; shards never share tensors
// except through the mesh collectives, which copy.
type Tensor struct {
	Shape []int
	Data  []float32
}

// SizeOf returns the number of elements described by shape.
func SizeOf(shape []int) int {
	n := 1
	for i, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: shape[%d] is negative (%d)", i, d))
		}
		n *= d
	}
	return n
}

// New allocates a zero tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, SizeOf(shape)),
	}
}

// FromData wraps data as a tensor of the given shape. The slice is not copied.
func FromData(data []float32, shape ...int) *Tensor {
	if SizeOf(shape) != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float32) *Tensor {
	return &Tensor{Shape: []int{}, Data: []float32{v}}
}

// Full returns a tensor of the given shape with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// ZerosLike allocates a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

func (t *Tensor) Size() int { return len(t.Data) }

func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Reshape returns a view over the same data with a new shape.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if SizeOf(shape) != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v into %v", t.Shape, shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return EqualShape(t.Shape, o.Shape)
}

// EqualShape reports whether two shapes are identical.
func EqualShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Dims2 views t as a matrix: every leading axis folds into rows and the last
// axis becomes the columns. A scalar is a 1x1 matrix.
func (t *Tensor) Dims2() (rows, cols int) {
	if len(t.Shape) == 0 {
		return 1, 1
	}
	cols = t.Shape[len(t.Shape)-1]
	if cols == 0 {
		return 0, 0
	}
	return len(t.Data) / cols, cols
}

// Row returns a mutable view of row i of the Dims2 matrix view.
func (t *Tensor) Row(i int) []float32 {
	rows, cols := t.Dims2()
	if i < 0 || i >= rows {
		panic("tensor: row index out of range")
	}
	return t.Data[i*cols : (i+1)*cols]
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.Shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for axis %d (%d)", v, i, t.Shape[i]))
		}
		off = off*t.Shape[i] + v
	}
	return off
}

// At returns the element at the given indices.
func (t *Tensor) At(idx ...int) float32 { return t.Data[t.offset(idx)] }

// Set stores v at the given indices.
func (t *Tensor) Set(v float32, idx ...int) { t.Data[t.offset(idx)] = v }

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float32 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("tensor: Item on tensor of shape %v", t.Shape))
	}
	return t.Data[0]
}

// Zero clears every element in place.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// NonFinite counts NaN and infinite elements.
func (t *Tensor) NonFinite() int {
	n := 0
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			n++
		}
	}
	return n
}

func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tensor%v", t.Shape)
	if len(t.Data) <= 8 {
		fmt.Fprintf(&sb, "%v", t.Data)
	}
	return sb.String()
}
