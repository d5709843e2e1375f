package mesh

import (
	"fmt"

	"github.com/samcharles93/meshformer/internal/tensor"
)

// Device is one logical program instance in a mesh run. Shard is its
// coordinate on AxisShard and Replica its coordinate on AxisBatch.
type Device struct {
	s       *session
	Shard   int
	Replica int
}

func (d *Device) String() string {
	return fmt.Sprintf("device(shard=%d, replica=%d)", d.Shard, d.Replica)
}

// AxisIndex returns this device's coordinate along axis.
func (d *Device) AxisIndex(axis Axis) int {
	switch axis {
	case AxisShard:
		return d.Shard
	case AxisBatch:
		return d.Replica
	default:
		panic(fmt.Errorf("%w: %q", ErrAxisUnavailable, axis))
	}
}

// AxisSize returns the number of devices along axis.
func (d *Device) AxisSize(axis Axis) int {
	n := d.s.mesh.AxisSize(axis)
	if n == 0 {
		panic(fmt.Errorf("%w: %q", ErrAxisUnavailable, axis))
	}
	return n
}

func (d *Device) group(axis Axis) (*group, int) {
	switch axis {
	case AxisShard:
		return d.s.groups[groupKey{AxisShard, d.Replica}], d.Shard
	case AxisBatch:
		return d.s.groups[groupKey{AxisBatch, d.Shard}], d.Replica
	default:
		panic(fmt.Errorf("%w: %q", ErrAxisUnavailable, axis))
	}
}

// Sum returns the elementwise sum of x over every device along axis.
func (d *Device) Sum(axis Axis, x *tensor.Tensor) *tensor.Tensor {
	g, rank := d.group(axis)
	return g.do(rank, opSum, x)
}

// Mean returns the elementwise mean of x over every device along axis.
func (d *Device) Mean(axis Axis, x *tensor.Tensor) *tensor.Tensor {
	g, rank := d.group(axis)
	return g.do(rank, opMean, x)
}

// Max returns the elementwise maximum of x over every device along axis.
func (d *Device) Max(axis Axis, x *tensor.Tensor) *tensor.Tensor {
	g, rank := d.group(axis)
	return g.do(rank, opMax, x)
}

// AllGather stacks x from every device along axis into a new leading
// dimension ordered by axis index.
func (d *Device) AllGather(axis Axis, x *tensor.Tensor) *tensor.Tensor {
	g, rank := d.group(axis)
	return g.do(rank, opGather, x)
}
