package model

import (
	"math"

	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/collective"
	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/tensor"
)

// EmbeddingShard owns a contiguous block of vocabulary rows. Tokens outside
// the block encode to an all-zero row and contribute nothing locally; the
// forward sum over shards assembles the full embedding on every shard.
type EmbeddingShard struct {
	vocabPerShard int
	proj          linear
}

func NewEmbeddingShard(cfg config.ShardConfig) EmbeddingShard {
	vps := cfg.VocabPerShard()
	return EmbeddingShard{
		vocabPerShard: vps,
		proj: linear{
			module: "embed/proj",
			in:     vps,
			out:    cfg.ModelDim,
			bias:   true,
			init:   autodiff.TruncatedNormal(1 / math.Sqrt(float64(cfg.VocabSize))),
		},
	}
}

// OneHot encodes tokens against the vocabulary block starting at start.
func OneHot(tokens []int, start, width int) *tensor.Tensor {
	oh := tensor.New(len(tokens), width)
	for i, tok := range tokens {
		if j := tok - start; j >= 0 && j < width {
			oh.Set(1, i, j)
		}
	}
	return oh
}

// Forward returns the (seq, modelDim) embedding of tokens, replicated.
func (e EmbeddingShard) Forward(g *autodiff.Graph, tokens []int) *autodiff.Node {
	start := g.Device().Shard * e.vocabPerShard
	oh := g.Const(OneHot(tokens, start, e.vocabPerShard))
	return collective.ForwardSumBackwardIdentity(g, e.proj.apply(g, oh))
}
