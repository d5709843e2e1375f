// Package model defines the per-shard layers of a tensor-parallel causal
// transformer. Every function here runs on one device of a mesh and
// communicates with the other shards only through the collective package.
package model

import (
	"fmt"

	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/posbias"
	"github.com/samcharles93/meshformer/internal/tensor"
)

// CausalTransformerShard composes the embedding, the layer stack and the
// projection for one shard.
type CausalTransformerShard struct {
	cfg    config.ShardConfig
	embed  EmbeddingShard
	layers []TransformerLayerShard
	proj   ProjectionShard
}

func NewCausalTransformerShard(cfg config.ShardConfig) *CausalTransformerShard {
	m := &CausalTransformerShard{
		cfg:   cfg,
		embed: NewEmbeddingShard(cfg),
		proj:  NewProjectionShard(cfg),
	}
	for i := 0; i < cfg.NumLayers; i++ {
		m.layers = append(m.layers, NewTransformerLayerShard(cfg, i))
	}
	return m
}

// Config returns the configuration the model was built with.
func (m *CausalTransformerShard) Config() config.ShardConfig { return m.cfg }

// CheckTokens validates a context/target pair against the vocabulary and
// the configured sequence length. target may be nil for forward-only use.
func (m *CausalTransformerShard) CheckTokens(context, target []int) error {
	if len(context) == 0 {
		return fmt.Errorf("%w: empty context", config.ErrConfiguration)
	}
	if len(context) > m.cfg.SeqLen {
		return fmt.Errorf("%w: context has %d tokens, sequence length is %d", config.ErrConfiguration, len(context), m.cfg.SeqLen)
	}
	if target != nil && len(target) != len(context) {
		return fmt.Errorf("%w: context has %d tokens, target %d", config.ErrConfiguration, len(context), len(target))
	}
	for _, seq := range [][]int{context, target} {
		for i, tok := range seq {
			if tok < 0 || tok >= m.cfg.VocabSize {
				return fmt.Errorf("%w: token %d at position %d outside vocabulary of %d", config.ErrConfiguration, tok, i, m.cfg.VocabSize)
			}
		}
	}
	return nil
}

// hidden runs the embedding and every residual layer.
func (m *CausalTransformerShard) hidden(g *autodiff.Graph, context []int) *autodiff.Node {
	n := len(context)
	bias := posbias.Bias(g, n, n, m.cfg.HeadsPerShard(), posbias.NumBuckets)
	x := m.embed.Forward(g, context)
	for _, l := range m.layers {
		x = g.Add(x, l.Forward(g, x, bias))
	}
	return x
}

// TokenLosses returns the (seq,) per-token cross-entropy.
func (m *CausalTransformerShard) TokenLosses(g *autodiff.Graph, context, target []int, zLoss bool) *autodiff.Node {
	return m.proj.Loss(g, m.hidden(g, context), target, zLoss)
}

// Loss returns the mean per-token cross-entropy as a scalar.
func (m *CausalTransformerShard) Loss(g *autodiff.Graph, context, target []int, zLoss bool) *autodiff.Node {
	return g.Mean(m.TokenLosses(g, context, target, zLoss))
}

// Logits returns the full (seq, vocab) logits for context.
func (m *CausalTransformerShard) Logits(g *autodiff.Graph, context []int) *tensor.Tensor {
	return m.proj.Forward(g, m.hidden(g, context))
}
