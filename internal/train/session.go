package train

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samcharles93/meshformer/internal/tensor"
)

// ErrNotInitialised is returned by a Session that holds no state yet.
var ErrNotInitialised = errors.New("session has no training state")

// Status summarises a Session.
type Status struct {
	RunID     string    `json:"run_id"`
	Step      int       `json:"step"`
	Shards    int       `json:"shards"`
	Replicas  int       `json:"replicas"`
	Params    int       `json:"params"`
	Optimizer string    `json:"optimizer"`
	Precision string    `json:"precision"`
	LastLoss  *float32  `json:"last_loss,omitempty"`
	Updated   time.Time `json:"updated"`
}

// Session owns the current State of a run and serialises every step over it.
// It is safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	trainer  *Trainer
	state    *State
	lastLoss *float32
	updated  time.Time
}

// NewSession wraps st. st may be nil until Restore is called.
func NewSession(t *Trainer, st *State) *Session {
	return &Session{trainer: t, state: st, updated: time.Now()}
}

func (s *Session) Trainer() *Trainer { return s.trainer }

// Train runs one step and, on success, replaces the held state.
func (s *Session) Train(ctx context.Context, b Batch) (*StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, ErrNotInitialised
	}
	res, next, err := s.trainer.TrainStep(ctx, s.state, b)
	if err != nil {
		return nil, err
	}
	s.state = next
	loss := res.MeanLoss
	s.lastLoss = &loss
	s.updated = time.Now()
	return res, nil
}

// Eval returns the mean loss of b under the held state and the step of
// that state.
func (s *Session) Eval(ctx context.Context, b Batch) (float32, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return 0, 0, ErrNotInitialised
	}
	loss, err := s.trainer.EvalStep(ctx, s.state, b)
	if err != nil {
		return 0, 0, err
	}
	return loss, s.state.Step, nil
}

// Logits returns the full logits for one context sequence.
func (s *Session) Logits(ctx context.Context, tokens []int) (*tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, ErrNotInitialised
	}
	return s.trainer.Logits(ctx, s.state, tokens)
}

// Snapshot returns the held state. States are immutable once returned, so
// the caller may read it while further steps run.
func (s *Session) Snapshot() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, ErrNotInitialised
	}
	return s.state, nil
}

// Restore replaces the held state after checking it fits the mesh.
func (s *Session) Restore(st *State) error {
	if err := st.check(s.trainer.cfg.NumShards); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.lastLoss = nil
	s.updated = time.Now()
	return nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		RunID:     s.trainer.runID,
		Shards:    s.trainer.mesh.Shards(),
		Replicas:  s.trainer.mesh.Replicas(),
		Optimizer: s.trainer.opt.Name(),
		Precision: s.trainer.precision.String(),
		LastLoss:  s.lastLoss,
		Updated:   s.updated,
	}
	if s.state != nil {
		st.Step = s.state.Step
		st.Params = s.state.NumParams()
	}
	return st
}
