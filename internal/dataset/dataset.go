// Package dataset cuts a token stream into fixed-length training windows and
// groups them into (micro-batch, replica, sequence) batches.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/samcharles93/meshformer/internal/tensor"
	"github.com/samcharles93/meshformer/internal/train"
)

var (
	ErrTooShort   = errors.New("dataset: not enough tokens for one window")
	ErrOutOfVocab = errors.New("dataset: token outside vocabulary")
)

// Options shapes the batches a Dataset yields.
type Options struct {
	SeqLen       int
	MicroBatches int
	Replicas     int
	Seed         int64
	// Shuffle permutes the window order once per epoch.
	Shuffle bool
}

func (o Options) validate() error {
	if o.SeqLen <= 0 || o.MicroBatches <= 0 || o.Replicas <= 0 {
		return fmt.Errorf("dataset: seq_len, micro_batches and replicas must be positive, got %d/%d/%d",
			o.SeqLen, o.MicroBatches, o.Replicas)
	}
	return nil
}

// Dataset yields batches of windows of SeqLen+1 tokens; the context is the
// first SeqLen tokens and the target the last SeqLen. Windows do not overlap
// except for the one token shared between neighbours. The sequence of
// batches depends only on the tokens and Options.
type Dataset struct {
	tokens []int
	opts   Options
	starts []int

	next  int
	epoch int
	order []int
}

// FromTokens builds a Dataset over tokens, each of which must be below vocab.
func FromTokens(tokens []int, vocab int, opts Options) (*Dataset, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	for i, tok := range tokens {
		if tok < 0 || tok >= vocab {
			return nil, fmt.Errorf("%w: token %d at %d, vocab %d", ErrOutOfVocab, tok, i, vocab)
		}
	}
	n := (len(tokens) - 1) / opts.SeqLen
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d tokens, window needs %d", ErrTooShort, len(tokens), opts.SeqLen+1)
	}
	starts := make([]int, n)
	for i := range starts {
		starts[i] = i * opts.SeqLen
	}
	d := &Dataset{tokens: tokens, opts: opts, starts: starts}
	d.order = d.permutation(0)
	return d, nil
}

// FromBytes treats every byte as one token. Real text needs vocab >= 256.
func FromBytes(data []byte, vocab int, opts Options) (*Dataset, error) {
	tokens := make([]int, len(data))
	for i, b := range data {
		tokens[i] = int(b)
	}
	return FromTokens(tokens, vocab, opts)
}

// FromFile reads path and calls FromBytes.
func FromFile(path string, vocab int, opts Options) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	return FromBytes(data, vocab, opts)
}

// NumWindows returns the number of windows in one epoch.
func (d *Dataset) NumWindows() int { return len(d.starts) }

// Epoch returns the zero-based epoch of the next window.
func (d *Dataset) Epoch() int { return d.epoch }

// BatchWindows returns the number of windows one batch consumes.
func (d *Dataset) BatchWindows() int { return d.opts.MicroBatches * d.opts.Replicas }

func (d *Dataset) permutation(epoch int) []int {
	order := make([]int, len(d.starts))
	for i := range order {
		order[i] = i
	}
	if d.opts.Shuffle {
		rng := tensor.NewRNG(d.opts.Seed, uint64(epoch))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

func (d *Dataset) window() ([]int, []int) {
	if d.next == len(d.order) {
		d.epoch++
		d.next = 0
		d.order = d.permutation(d.epoch)
	}
	s := d.starts[d.order[d.next]]
	d.next++
	w := d.tokens[s : s+d.opts.SeqLen+1]
	return slices.Clone(w[:d.opts.SeqLen]), slices.Clone(w[1:])
}

// Next returns the next batch, starting a new epoch when the current one
// is exhausted.
func (d *Dataset) Next() train.Batch {
	b := train.Batch{
		Context: make([][][]int, d.opts.MicroBatches),
		Target:  make([][][]int, d.opts.MicroBatches),
	}
	for i := range b.Context {
		b.Context[i] = make([][]int, d.opts.Replicas)
		b.Target[i] = make([][]int, d.opts.Replicas)
		for r := range b.Context[i] {
			b.Context[i][r], b.Target[i][r] = d.window()
		}
	}
	return b
}

// Seek positions the dataset as if Next had been called step times since
// construction. Runs resumed from a checkpoint use it to see the same data.
func (d *Dataset) Seek(step int) {
	consumed := step * d.BatchWindows()
	d.epoch = consumed / len(d.starts)
	d.next = consumed % len(d.starts)
	d.order = d.permutation(d.epoch)
}

// Split holds out the last fraction of the windows as an evaluation set.
// The evaluation set is never shuffled. Both halves keep at least one window.
func (d *Dataset) Split(evalFraction float64) (*Dataset, *Dataset, error) {
	if evalFraction <= 0 || evalFraction >= 1 {
		return nil, nil, fmt.Errorf("dataset: eval fraction %g outside (0, 1)", evalFraction)
	}
	n := len(d.starts)
	k := int(float64(n) * evalFraction)
	if k < 1 || k >= n {
		return nil, nil, fmt.Errorf("%w: %d windows cannot be split %g", ErrTooShort, n, evalFraction)
	}
	head := &Dataset{tokens: d.tokens, opts: d.opts, starts: d.starts[:n-k]}
	head.order = head.permutation(0)
	evalOpts := d.opts
	evalOpts.Shuffle = false
	tail := &Dataset{tokens: d.tokens, opts: evalOpts, starts: d.starts[n-k:]}
	tail.order = tail.permutation(0)
	return head, tail, nil
}
