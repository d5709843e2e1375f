package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/collective"
	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/norm"
	"github.com/samcharles93/meshformer/internal/tensor"
)

// maskPenalty is subtracted from attention logits of future positions.
const maskPenalty = 1e10

// TransformerLayerShard is one block in which attention and the
// feed-forward path read the same normalised input and are combined over
// shards in a single reduction.
type TransformerLayerShard struct {
	name          string
	norm          norm.Kind
	headsPerShard int
	dimPerHead    int

	q, k, v, o    linear
	dense, denseO linear
}

func NewTransformerLayerShard(cfg config.ShardConfig, index int) TransformerLayerShard {
	name := fmt.Sprintf("layer_%d", index)
	dim, dps := cfg.ModelDim, cfg.DimPerShard()
	outInit := autodiff.TruncatedNormal(cfg.InitScale() / math.Sqrt(float64(dim)))
	return TransformerLayerShard{
		name:          name,
		norm:          cfg.NormKind(),
		headsPerShard: cfg.HeadsPerShard(),
		dimPerHead:    cfg.DimPerHead(),

		q:      linear{module: name + "/q", in: dim, out: dps},
		v:      linear{module: name + "/v", in: dim, out: dps},
		k:      linear{module: name + "/k", in: dim, out: dps},
		o:      linear{module: name + "/o", in: dps, out: dim, init: outInit},
		dense:  linear{module: name + "/dense_proj", in: dim, out: 4 * dps, bias: true},
		denseO: linear{module: name + "/dense_proj_o", in: 4 * dps, out: dim, bias: true, init: outInit},
	}
}

// Name is the module prefix of the layer's parameters.
func (l TransformerLayerShard) Name() string { return l.name }

// CausalMask returns the (heads, t, t) additive mask -1e10*(1-tril).
func CausalMask(heads, t int) *tensor.Tensor {
	m := tensor.New(heads, t, t)
	for h := 0; h < heads; h++ {
		for i := 0; i < t; i++ {
			for j := i + 1; j < t; j++ {
				m.Set(-maskPenalty, h, i, j)
			}
		}
	}
	return m
}

// Forward maps x (seq, modelDim) to the layer output, replicated over
// shards. bias may be nil.
func (l TransformerLayerShard) Forward(g *autodiff.Graph, x, bias *autodiff.Node) *autodiff.Node {
	x = collective.ForwardIdentityBackwardSum(g, x)
	x = norm.Apply(g, l.norm, l.name+"/norm", x)

	q := l.q.apply(g, x)
	v := l.v.apply(g, x)
	k := l.k.apply(g, x)

	seq := x.Shape()[0]
	logits := g.HeadScores(q, k, l.headsPerShard)
	logits = g.Scale(logits, float32(1/math.Sqrt(float64(l.dimPerHead))))
	logits = g.AddConst(logits, CausalMask(l.headsPerShard, seq))
	if bias != nil {
		logits = g.Add(logits, bias)
	}
	weights := g.SoftmaxRows(logits)
	attnOut := l.o.apply(g, g.HeadMix(weights, v, l.headsPerShard))

	hidden := g.GELU(l.dense.apply(g, x))
	denseOut := l.denseO.apply(g, hidden)

	return collective.ForwardSumBackwardIdentity(g, g.Add(attnOut, denseOut))
}
