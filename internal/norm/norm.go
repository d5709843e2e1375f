// Package norm implements the normalisation variants used by every layer.
package norm

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/collective"
)

// ErrUnsupportedNormKind is returned for an unknown normalisation name.
var ErrUnsupportedNormKind = errors.New("unsupported norm kind")

// Eps is the variance floor for layernorm and the norm floor for rms/scale norms.
const Eps = 1e-5

// Kind selects a normalisation variant.
type Kind int

const (
	LayerNorm Kind = iota
	LayerNormNoBias
	RMSNorm
	ScaleNorm
	RMSNormBias
	ScaleNormBias
)

var kindNames = [...]string{
	LayerNorm:       "layernorm",
	LayerNormNoBias: "layernorm-no-bias",
	RMSNorm:         "rmsnorm",
	ScaleNorm:       "scalenorm",
	RMSNormBias:     "rmsnorm-bias",
	ScaleNormBias:   "scalenorm-bias",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "layernorm-nobias" {
		return LayerNormNoBias, nil
	}
	for k, s := range kindNames {
		if s == n {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedNormKind, name)
}

// Kinds lists every supported variant.
func Kinds() []Kind {
	return []Kind{LayerNorm, LayerNormNoBias, RMSNorm, ScaleNorm, RMSNormBias, ScaleNormBias}
}

// HasOffset reports whether the variant learns an additive offset.
func (k Kind) HasOffset() bool {
	switch k {
	case LayerNorm, RMSNormBias, ScaleNormBias:
		return true
	}
	return false
}

func (k Kind) isLayerNorm() bool { return k == LayerNorm || k == LayerNormNoBias }

// Apply normalises the last axis of x with parameters stored under module.
//
// Layernorm variants learn a per-feature scale (init 1) and offset (init 0)
// whose gradients are summed over shards. Rms and scale norms divide by the
// vector norm, learn a scale initialised to sqrt(D) (per-feature for rms, a
// single value for scale norm) and an optional offset, with gradients
// averaged over shards.
func Apply(g *autodiff.Graph, kind Kind, module string, x *autodiff.Node) *autodiff.Node {
	shape := x.Shape()
	dim := shape[len(shape)-1]

	if kind.isLayerNorm() {
		y := g.LayerNormalize(x, Eps)
		scale := collective.ForwardIdentityBackwardSum(g, g.Param(module, "scale", []int{dim}, autodiff.Ones))
		y = g.MulRow(y, scale)
		if kind.HasOffset() {
			offset := collective.ForwardIdentityBackwardSum(g, g.Param(module, "offset", []int{dim}, autodiff.Zeros))
			y = g.AddRow(y, offset)
		}
		return y
	}

	y := g.L2Normalize(x, Eps)
	scaleInit := autodiff.Constant(float32(math.Sqrt(float64(dim))))
	switch kind {
	case RMSNorm, RMSNormBias:
		scale := collective.ForwardIdentityBackwardMean(g, g.Param(module, "scale", []int{dim}, scaleInit))
		y = g.MulRow(y, scale)
	case ScaleNorm, ScaleNormBias:
		scale := collective.ForwardIdentityBackwardMean(g, g.Param(module, "scale", []int{1}, scaleInit))
		y = g.MulScalar(y, scale)
	default:
		panic(fmt.Errorf("%w: %v", ErrUnsupportedNormKind, kind))
	}
	if kind.HasOffset() {
		offset := collective.ForwardIdentityBackwardMean(g, g.Param(module, "offset", []int{dim}, autodiff.Zeros))
		y = g.AddRow(y, offset)
	}
	return y
}
