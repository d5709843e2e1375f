package model

import (
	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/collective"
	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/norm"
	"github.com/samcharles93/meshformer/internal/tensor"
)

// ProjectionShard maps hidden states to this shard's block of vocabulary
// logits.
type ProjectionShard struct {
	norm          norm.Kind
	vocabPerShard int
	proj          linear
}

func NewProjectionShard(cfg config.ShardConfig) ProjectionShard {
	return ProjectionShard{
		norm:          cfg.NormKind(),
		vocabPerShard: cfg.VocabPerShard(),
		proj:          linear{module: "proj/linear", in: cfg.ModelDim, out: cfg.VocabPerShard(), bias: true},
	}
}

func (p ProjectionShard) localLogits(g *autodiff.Graph, x *autodiff.Node) *autodiff.Node {
	return p.proj.apply(g, norm.Apply(g, p.norm, "proj/norm", x))
}

// Forward returns the full (seq, vocab) logits on every shard by gathering
// each shard's block and concatenating along the vocabulary.
func (p ProjectionShard) Forward(g *autodiff.Graph, x *autodiff.Node) *tensor.Tensor {
	logits := p.localLogits(g, x)
	g.CheckFinite("projection logits", logits)
	return tensor.Concat(tensor.Unstack(collective.AllGather(g, logits.Value()))...)
}

// Loss returns the per-token cross-entropy (seq,) without materialising
// full-vocabulary logits on any shard: the global max, the target logit and
// the exponential sum are each combined over shards.
//
// zLoss is accepted for compatibility and has no effect.
func (p ProjectionShard) Loss(g *autodiff.Graph, x *autodiff.Node, targets []int, zLoss bool) *autodiff.Node {
	_ = zLoss

	x = collective.ForwardIdentityBackwardSum(g, x)
	logits := p.localLogits(g, x)

	globalMax := collective.Max(g, tensor.RowMax(logits.Value()))
	shifted := g.SubCol(logits, globalMax)

	start := g.Device().Shard * p.vocabPerShard
	local := make([]int, len(targets))
	for i, tok := range targets {
		local[i] = tok - start
	}
	predicted := collective.ForwardSumBackwardIdentity(g, g.SelectCols(shifted, local))

	sumExp := collective.ForwardSumBackwardIdentity(g, g.RowSum(g.Exp(shifted)))
	g.CheckFinite("softmax normalizer", sumExp)

	return g.Sub(g.Log(sumExp), predicted)
}
