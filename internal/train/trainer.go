// Package train owns the training state and drives initialisation,
// training and evaluation steps across a device mesh.
package train

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/logger"
	"github.com/samcharles93/meshformer/internal/mesh"
	"github.com/samcharles93/meshformer/internal/model"
	"github.com/samcharles93/meshformer/internal/optim"
	"github.com/samcharles93/meshformer/internal/params"
	"github.com/samcharles93/meshformer/internal/tensor"
)

var (
	// ErrShardTopologyMismatch is returned when the configured shard count
	// differs from the mesh's shard axis.
	ErrShardTopologyMismatch = errors.New("shard topology mismatch")
	// ErrInvalidBatch is returned for a batch that does not fit the mesh or
	// the vocabulary.
	ErrInvalidBatch = errors.New("invalid batch")
)

// Options tunes a Trainer. The zero value computes in f32 and discards logs.
type Options struct {
	Precision tensor.Precision
	Logger    logger.Logger
}

// Trainer runs the sharded model on a mesh. It holds no training state;
// every method takes a State and returns a new one.
type Trainer struct {
	cfg       config.ShardConfig
	mesh      *mesh.Mesh
	opt       optim.Optimizer
	model     *model.CausalTransformerShard
	precision tensor.Precision
	log       logger.Logger
	runID     string
}

// New checks cfg against the mesh and returns a Trainer. A nil optimizer is
// built from cfg.Optimizer.
func New(cfg config.ShardConfig, m *mesh.Mesh, opt optim.Optimizer, opts Options) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: no mesh", ErrShardTopologyMismatch)
	}
	if m.Shards() != cfg.NumShards {
		return nil, fmt.Errorf("%w: config has %d shards, mesh shard axis has %d",
			ErrShardTopologyMismatch, cfg.NumShards, m.Shards())
	}
	if opt == nil {
		var err error
		if opt, err = optim.New(cfg.Optimizer); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	runID := uuid.NewString()
	return &Trainer{
		cfg:       cfg,
		mesh:      m,
		opt:       opt,
		model:     model.NewCausalTransformerShard(cfg),
		precision: opts.Precision,
		log:       log.With("run", runID),
		runID:     runID,
	}, nil
}

func (t *Trainer) Config() config.ShardConfig { return t.cfg }

func (t *Trainer) Mesh() *mesh.Mesh { return t.mesh }

func (t *Trainer) Optimizer() optim.Optimizer { return t.opt }

func (t *Trainer) Precision() tensor.Precision { return t.precision }

// RunID identifies this trainer in logs, checkpoints and API responses.
func (t *Trainer) RunID() string { return t.runID }

// Init creates fresh parameters by tracing the loss once in creation mode.
// Shard s draws from stream s of seed, so every replica of a shard starts
// identical. example holds one sequence per replica; shorter lists are
// reused cyclically.
func (t *Trainer) Init(ctx context.Context, seed int64, example [][]int) (*State, error) {
	if len(example) == 0 {
		return nil, fmt.Errorf("%w: empty example batch", ErrInvalidBatch)
	}
	for i, seq := range example {
		if err := t.model.CheckTokens(seq, nil); err != nil {
			return nil, fmt.Errorf("%w: example %d: %w", ErrInvalidBatch, i, err)
		}
	}

	shards := t.cfg.NumShards
	st := &State{Params: make([]params.Tree, shards), Opt: make([]optim.State, shards)}
	err := t.mesh.Run(ctx, func(_ context.Context, d *mesh.Device) error {
		seq := example[d.Replica%len(example)]
		g := autodiff.NewInitGraph(d, tensor.NewRNG(seed, uint64(d.Shard)))
		t.model.Loss(g, seq, seq, false)
		if d.Replica != 0 {
			return nil
		}
		p := g.Params().Cast(tensor.F32)
		st.Params[d.Shard] = p
		st.Opt[d.Shard] = t.opt.Init(p)
		logger.ForDevice(t.log, d.Shard, d.Replica).Debug("parameters initialised",
			"leaves", p.Len(), "elements", p.NumElements())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	t.log.Info("model initialised", "params", st.NumParams(), "shards", shards,
		"replicas", t.mesh.Replicas(), "optimizer", t.opt.Name(), "precision", t.precision.String())
	return st, nil
}

// stepRecorder collects per-device results of one mesh run.
type stepRecorder struct {
	mu       sync.Mutex
	losses   [][]float32
	warnings []autodiff.NumericInstabilityWarning
}

// record stores the loss seen by shard 0 and every device's warnings. All
// shards of a replica compute the same loss.
func (r *stepRecorder) record(d *mesh.Device, micro int, loss float32, w []autodiff.NumericInstabilityWarning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.losses != nil && d.Shard == 0 {
		r.losses[micro][d.Replica] = loss
	}
	r.warnings = append(r.warnings, w...)
}

// accumulate folds the gradients of every micro-batch, in order, into an
// accumulator held at compute precision, then averages it over replicas.
// Leaves are averaged in sorted key order so devices stay in lockstep.
func (t *Trainer) accumulate(ctx context.Context, d *mesh.Device, p params.Tree, b Batch, rec *stepRecorder) (params.Tree, error) {
	acc := p.ZerosLike()
	for i := range b.Context {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g := autodiff.NewGraph(d, p)
		loss := t.model.Loss(g, b.Context[i][d.Replica], b.Target[i][d.Replica], true)
		if err := g.Backward(loss); err != nil {
			return nil, err
		}
		grads := g.Grads()
		next, err := params.Zip(acc, grads, func(_ params.Key, a, gr *tensor.Tensor) *tensor.Tensor {
			out := tensor.Add(a, tensor.Cast(gr, t.precision))
			tensor.RoundInPlace(out, t.precision)
			return out
		})
		if err != nil {
			return nil, fmt.Errorf("accumulate micro-batch %d: %w", i, err)
		}
		acc = next
		rec.record(d, i, loss.Value().Item(), g.Warnings())
	}

	mean := params.Tree{}
	for _, k := range acc.Keys() {
		v := d.Mean(mesh.AxisBatch, acc.Get(k.Module, k.Name))
		tensor.RoundInPlace(v, t.precision)
		mean.Set(k.Module, k.Name, v)
	}
	return mean, nil
}

// TrainStep runs one optimizer step over every micro-batch of b. On success
// it returns a new State with the step counter advanced; on failure it
// returns st itself, unchanged.
func (t *Trainer) TrainStep(ctx context.Context, st *State, b Batch) (*StepResult, *State, error) {
	if err := st.check(t.cfg.NumShards); err != nil {
		return nil, st, err
	}
	if err := b.check(t.mesh.Replicas(), t.model); err != nil {
		return nil, st, err
	}

	start := time.Now()
	shards := t.cfg.NumShards
	newParams := make([]params.Tree, shards)
	newOpt := make([]optim.State, shards)
	rec := &stepRecorder{losses: lossGrid(len(b.Context), t.mesh.Replicas())}

	err := t.mesh.Run(ctx, func(ctx context.Context, d *mesh.Device) error {
		compute := st.Params[d.Shard].Cast(t.precision)
		grads, err := t.accumulate(ctx, d, compute, b, rec)
		if err != nil {
			return err
		}
		if d.Replica != 0 {
			return nil
		}
		updates, opt, err := t.opt.Update(grads, st.Opt[d.Shard], st.Params[d.Shard])
		if err != nil {
			return fmt.Errorf("optimizer update on shard %d: %w", d.Shard, err)
		}
		next, err := optim.ApplyUpdates(st.Params[d.Shard], updates)
		if err != nil {
			return fmt.Errorf("shard %d: %w", d.Shard, err)
		}
		newParams[d.Shard] = next
		newOpt[d.Shard] = opt
		return nil
	})
	if err != nil {
		t.log.Error("train step failed", "step", st.Step, "error", err)
		return nil, st, fmt.Errorf("train step %d: %w", st.Step, err)
	}

	res := &StepResult{
		Step:     st.Step + 1,
		Losses:   rec.losses,
		MeanLoss: meanOf(rec.losses),
		Warnings: rec.warnings,
	}
	t.logWarnings(res.Warnings)
	t.log.Debug("train step", "step", res.Step, "loss", res.MeanLoss, "elapsed", time.Since(start))
	return res, &State{Params: newParams, Opt: newOpt, Step: st.Step + 1}, nil
}

// Gradients returns, per shard, the accumulated and replica-averaged
// gradient TrainStep would hand to the optimizer.
func (t *Trainer) Gradients(ctx context.Context, st *State, b Batch) ([]params.Tree, error) {
	if err := st.check(t.cfg.NumShards); err != nil {
		return nil, err
	}
	if err := b.check(t.mesh.Replicas(), t.model); err != nil {
		return nil, err
	}
	out := make([]params.Tree, t.cfg.NumShards)
	rec := &stepRecorder{}
	err := t.mesh.Run(ctx, func(ctx context.Context, d *mesh.Device) error {
		grads, err := t.accumulate(ctx, d, st.Params[d.Shard].Cast(t.precision), b, rec)
		if err != nil {
			return err
		}
		if d.Replica == 0 {
			out[d.Shard] = grads
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gradients: %w", err)
	}
	return out, nil
}

// EvalStep returns the mean loss over every micro-batch and replica of b.
// It computes no gradients and leaves st untouched.
func (t *Trainer) EvalStep(ctx context.Context, st *State, b Batch) (float32, error) {
	if err := st.check(t.cfg.NumShards); err != nil {
		return 0, err
	}
	if err := b.check(t.mesh.Replicas(), t.model); err != nil {
		return 0, err
	}
	rec := &stepRecorder{losses: lossGrid(len(b.Context), t.mesh.Replicas())}
	err := t.mesh.Run(ctx, func(ctx context.Context, d *mesh.Device) error {
		compute := st.Params[d.Shard].Cast(t.precision)
		for i := range b.Context {
			if err := ctx.Err(); err != nil {
				return err
			}
			g := autodiff.NewGraph(d, compute)
			loss := t.model.Loss(g, b.Context[i][d.Replica], b.Target[i][d.Replica], false)
			rec.record(d, i, loss.Value().Item(), g.Warnings())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("eval step: %w", err)
	}
	t.logWarnings(rec.warnings)
	return meanOf(rec.losses), nil
}

// Logits returns the full (seq, vocab) logits for one context sequence.
func (t *Trainer) Logits(ctx context.Context, st *State, tokens []int) (*tensor.Tensor, error) {
	if err := st.check(t.cfg.NumShards); err != nil {
		return nil, err
	}
	if err := t.model.CheckTokens(tokens, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	var out *tensor.Tensor
	err := t.mesh.Run(ctx, func(_ context.Context, d *mesh.Device) error {
		if d.Replica != 0 {
			return nil
		}
		g := autodiff.NewGraph(d, st.Params[d.Shard].Cast(t.precision))
		logits := t.model.Logits(g, tokens)
		if d.Shard == 0 {
			out = logits
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("logits: %w", err)
	}
	return out, nil
}

func (t *Trainer) logWarnings(ws []autodiff.NumericInstabilityWarning) {
	for _, w := range ws {
		logger.ForDevice(t.log, w.Shard, w.Replica).Warn("numeric instability", "op", w.Op, "count", w.Count)
	}
}
