package train

import (
	"fmt"

	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/model"
	"github.com/samcharles93/meshformer/internal/optim"
	"github.com/samcharles93/meshformer/internal/params"
)

// State is everything a run carries from one step to the next. Params and
// Opt hold one entry per shard; replicas share their shard's entry. A State
// is never modified after it is returned, so it can be read while the next
// step builds its successor.
type State struct {
	Params []params.Tree
	Opt    []optim.State
	Step   int
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	out := &State{Step: s.Step}
	for _, p := range s.Params {
		out.Params = append(out.Params, p.Clone())
	}
	for _, o := range s.Opt {
		out.Opt = append(out.Opt, o.Clone())
	}
	return out
}

// NumParams returns the number of scalar parameters across every shard.
func (s *State) NumParams() int {
	n := 0
	for _, p := range s.Params {
		n += p.NumElements()
	}
	return n
}

func (s *State) check(shards int) error {
	if s == nil {
		return fmt.Errorf("train: nil state")
	}
	if len(s.Params) != shards || len(s.Opt) != shards {
		return fmt.Errorf("%w: state holds %d parameter and %d optimizer shards, mesh has %d",
			ErrShardTopologyMismatch, len(s.Params), len(s.Opt), shards)
	}
	return nil
}

// Batch is a training or evaluation batch laid out as
// (micro-batch, replica, sequence). Every shard sees the same tokens.
type Batch struct {
	Context [][][]int `json:"context"`
	Target  [][][]int `json:"target"`
}

// SingleBatch wraps one sequence pair as a one-micro-batch, one-replica batch.
func SingleBatch(context, target []int) Batch {
	return Batch{Context: [][][]int{{context}}, Target: [][][]int{{target}}}
}

// MicroBatches returns the number of micro-batches.
func (b Batch) MicroBatches() int { return len(b.Context) }

func (b Batch) check(replicas int, m *model.CausalTransformerShard) error {
	if len(b.Context) == 0 {
		return fmt.Errorf("%w: batch has no micro-batches", ErrInvalidBatch)
	}
	if len(b.Target) != len(b.Context) {
		return fmt.Errorf("%w: %d context and %d target micro-batches", ErrInvalidBatch, len(b.Context), len(b.Target))
	}
	for i := range b.Context {
		if len(b.Context[i]) != replicas || len(b.Target[i]) != replicas {
			return fmt.Errorf("%w: micro-batch %d has %d/%d sequences, mesh has %d replicas",
				ErrInvalidBatch, i, len(b.Context[i]), len(b.Target[i]), replicas)
		}
		for r := 0; r < replicas; r++ {
			if len(b.Target[i][r]) != len(b.Context[i][r]) {
				return fmt.Errorf("%w: micro-batch %d replica %d has %d context and %d target tokens",
					ErrInvalidBatch, i, r, len(b.Context[i][r]), len(b.Target[i][r]))
			}
			if err := m.CheckTokens(b.Context[i][r], b.Target[i][r]); err != nil {
				return fmt.Errorf("%w: micro-batch %d replica %d: %w", ErrInvalidBatch, i, r, err)
			}
		}
	}
	return nil
}

// StepResult reports one training step.
type StepResult struct {
	Step int `json:"step"`
	// Losses holds the mean token loss per micro-batch and replica, indexed
	// [micro][replica]. Per-token losses are averaged within each sequence.
	Losses   [][]float32                          `json:"losses"`
	MeanLoss float32                              `json:"mean_loss"`
	Warnings []autodiff.NumericInstabilityWarning `json:"warnings,omitempty"`
}

func meanOf(losses [][]float32) float32 {
	var sum float64
	n := 0
	for _, row := range losses {
		for _, v := range row {
			sum += float64(v)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float32(sum / float64(n))
}

func lossGrid(micro, replicas int) [][]float32 {
	out := make([][]float32, micro)
	for i := range out {
		out[i] = make([]float32, replicas)
	}
	return out
}
