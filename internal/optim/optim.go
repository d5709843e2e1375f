// Package optim implements gradient-based optimizers over parameter trees.
// Optimizers are pure: Update returns new trees and never writes to the
// gradients, the state or the parameters it is given.
package optim

import (
	"fmt"
	"math"

	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/params"
	"github.com/samcharles93/meshformer/internal/tensor"
)

// State is an optimizer's per-shard state: a step count and named slot
// trees shaped like the parameters.
type State struct {
	Count int
	Slots map[string]params.Tree
}

// Clone deep-copies the state.
func (s State) Clone() State {
	out := State{Count: s.Count, Slots: make(map[string]params.Tree, len(s.Slots))}
	for name, tree := range s.Slots {
		out.Slots[name] = tree.Clone()
	}
	return out
}

// Optimizer turns gradients into parameter updates.
type Optimizer interface {
	Name() string
	Init(p params.Tree) State
	Update(grads params.Tree, st State, p params.Tree) (params.Tree, State, error)
}

// ApplyUpdates returns p + updates.
func ApplyUpdates(p, updates params.Tree) (params.Tree, error) {
	out, err := params.Add(p, updates)
	if err != nil {
		return nil, fmt.Errorf("apply updates: %w", err)
	}
	return out, nil
}

// New builds the optimizer described by cfg.
func New(cfg config.OptimizerConfig) (Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lr := WarmupCosine(cfg.LearningRate, cfg.MinLR, cfg.WarmupSteps, cfg.TotalSteps)
	switch cfg.Name {
	case "sgd":
		return &SGD{LR: lr, Momentum: cfg.Momentum}, nil
	case "adam":
		return &Adam{LR: lr, Beta1: cfg.Beta1, Beta2: cfg.Beta2, Eps: cfg.Eps}, nil
	default:
		return &Adam{LR: lr, Beta1: cfg.Beta1, Beta2: cfg.Beta2, Eps: cfg.Eps, WeightDecay: cfg.WeightDecay, decoupled: true}, nil
	}
}

// Schedule maps a zero-based step count to a learning rate.
type Schedule func(step int) float64

// Constant returns lr at every step.
func Constant(lr float64) Schedule {
	return func(int) float64 { return lr }
}

// WarmupCosine ramps linearly to peak over warmup steps, then follows a
// half cosine down to floor at total steps. With total <= warmup the rate
// stays at peak after warmup.
func WarmupCosine(peak, floor float64, warmup, total int) Schedule {
	return func(step int) float64 {
		if step < warmup {
			return peak * float64(step+1) / float64(warmup)
		}
		if total <= warmup {
			return peak
		}
		progress := math.Min(1, float64(step-warmup)/float64(total-warmup))
		return floor + 0.5*(peak-floor)*(1+math.Cos(math.Pi*progress))
	}
}

// SGD is stochastic gradient descent with optional heavy-ball momentum.
type SGD struct {
	LR       Schedule
	Momentum float64
}

func (o *SGD) Name() string { return "sgd" }

func (o *SGD) Init(p params.Tree) State {
	st := State{Slots: map[string]params.Tree{}}
	if o.Momentum != 0 {
		st.Slots["trace"] = p.ZerosLike()
	}
	return st
}

func (o *SGD) Update(grads params.Tree, st State, p params.Tree) (params.Tree, State, error) {
	if err := params.SameLayout(grads, p); err != nil {
		return nil, State{}, err
	}
	lr := float32(o.LR(st.Count))
	next := State{Count: st.Count + 1, Slots: map[string]params.Tree{}}

	dir := grads
	if o.Momentum != 0 {
		trace, err := params.Zip(st.Slots["trace"], grads, func(_ params.Key, m, g *tensor.Tensor) *tensor.Tensor {
			out := tensor.Scale(m, float32(o.Momentum))
			tensor.AddInto(out, g)
			return out
		})
		if err != nil {
			return nil, State{}, fmt.Errorf("sgd trace: %w", err)
		}
		next.Slots["trace"] = trace
		dir = trace
	}
	updates := dir.Map(func(_ params.Key, d *tensor.Tensor) *tensor.Tensor { return tensor.Scale(d, -lr) })
	return updates, next, nil
}

// Adam is Adam, or AdamW when weight decay is decoupled.
type Adam struct {
	LR          Schedule
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	decoupled bool
}

// NewAdamW returns Adam with decoupled weight decay.
func NewAdamW(lr Schedule, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{LR: lr, Beta1: beta1, Beta2: beta2, Eps: eps, WeightDecay: weightDecay, decoupled: true}
}

func (o *Adam) Name() string {
	if o.decoupled {
		return "adamw"
	}
	return "adam"
}

func (o *Adam) Init(p params.Tree) State {
	return State{Slots: map[string]params.Tree{"mu": p.ZerosLike(), "nu": p.ZerosLike()}}
}

func (o *Adam) Update(grads params.Tree, st State, p params.Tree) (params.Tree, State, error) {
	if err := params.SameLayout(grads, p); err != nil {
		return nil, State{}, err
	}
	mu, nu := st.Slots["mu"], st.Slots["nu"]
	if mu == nil || nu == nil {
		return nil, State{}, fmt.Errorf("%s: state has no moment slots", o.Name())
	}

	b1, b2 := float32(o.Beta1), float32(o.Beta2)
	newMu, err := params.Zip(mu, grads, func(_ params.Key, m, g *tensor.Tensor) *tensor.Tensor {
		out := tensor.Scale(m, b1)
		tensor.Axpy(out, 1-b1, g)
		return out
	})
	if err != nil {
		return nil, State{}, fmt.Errorf("%s first moment: %w", o.Name(), err)
	}
	newNu, err := params.Zip(nu, grads, func(_ params.Key, v, g *tensor.Tensor) *tensor.Tensor {
		out := tensor.Scale(v, b2)
		tensor.Axpy(out, 1-b2, tensor.Mul(g, g))
		return out
	})
	if err != nil {
		return nil, State{}, fmt.Errorf("%s second moment: %w", o.Name(), err)
	}

	t := float64(st.Count + 1)
	lr := o.LR(st.Count)
	c1 := 1 - math.Pow(o.Beta1, t)
	c2 := 1 - math.Pow(o.Beta2, t)
	updates := newMu.Map(func(k params.Key, m *tensor.Tensor) *tensor.Tensor {
		v := newNu.Get(k.Module, k.Name)
		out := tensor.New(m.Shape...)
		for i := range out.Data {
			mhat := float64(m.Data[i]) / c1
			vhat := float64(v.Data[i]) / c2
			out.Data[i] = float32(-lr * mhat / (math.Sqrt(vhat) + o.Eps))
		}
		if o.decoupled && o.WeightDecay != 0 {
			tensor.Axpy(out, float32(-lr*o.WeightDecay), p.Get(k.Module, k.Name))
		}
		return out
	})
	return updates, State{Count: st.Count + 1, Slots: map[string]params.Tree{"mu": newMu, "nu": newNu}}, nil
}
