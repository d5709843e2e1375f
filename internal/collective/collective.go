// Package collective provides the asymmetric cross-shard operators that
// stitch model-parallel shards together. Each behaves as the identity in one
// direction and as a reduction over the shard axis in the other.
package collective

import (
	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/mesh"
	"github.com/samcharles93/meshformer/internal/tensor"
)

// Axis is the mesh axis all operators in this package reduce over.
const Axis = mesh.AxisShard

func device(d *mesh.Device) *mesh.Device {
	if d == nil {
		panic(mesh.ErrAxisUnavailable)
	}
	return d
}

// ForwardIdentityBackwardSum returns x unchanged and replaces its gradient
// with the sum of that gradient over every shard.
func ForwardIdentityBackwardSum(g *autodiff.Graph, x *autodiff.Node) *autodiff.Node {
	g.Device()
	return g.Apply(autodiff.Primitive{
		Name: "f_psum",
		Forward: func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			return in[0].Clone()
		},
		Backward: func(d *mesh.Device, _ []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{device(d).Sum(Axis, grad)}
		},
	}, x)
}

// ForwardIdentityBackwardMean returns x unchanged and replaces its gradient
// with the mean of that gradient over every shard.
func ForwardIdentityBackwardMean(g *autodiff.Graph, x *autodiff.Node) *autodiff.Node {
	g.Device()
	return g.Apply(autodiff.Primitive{
		Name: "f_pmean",
		Forward: func(_ *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			return in[0].Clone()
		},
		Backward: func(d *mesh.Device, _ []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{device(d).Mean(Axis, grad)}
		},
	}, x)
}

// ForwardSumBackwardIdentity sums partial results over every shard, leaving
// the full result on each, and passes the gradient through unchanged.
func ForwardSumBackwardIdentity(g *autodiff.Graph, x *autodiff.Node) *autodiff.Node {
	g.Device()
	return g.Apply(autodiff.Primitive{
		Name: "g_psum",
		Forward: func(d *mesh.Device, in []*tensor.Tensor) *tensor.Tensor {
			return device(d).Sum(Axis, in[0])
		},
		Backward: func(_ *mesh.Device, _ []*tensor.Tensor, _, grad *tensor.Tensor) []*tensor.Tensor {
			return []*tensor.Tensor{grad}
		},
	}, x)
}

// Max returns the elementwise maximum of x over every shard. It is not
// differentiable and is meant for gradient-detached values.
func Max(g *autodiff.Graph, x *tensor.Tensor) *tensor.Tensor {
	return g.Device().Max(Axis, x)
}

// AllGather stacks every shard's x along a new leading axis, ordered by
// shard index. It is not differentiable.
func AllGather(g *autodiff.Graph, x *tensor.Tensor) *tensor.Tensor {
	return g.Device().AllGather(Axis, x)
}
