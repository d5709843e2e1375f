package mesh

import (
	"fmt"
	"sync"

	"github.com/samcharles93/meshformer/internal/tensor"
)

type reduceOp int

const (
	opSum reduceOp = iota
	opMean
	opMax
	opGather
)

func (op reduceOp) String() string {
	switch op {
	case opSum:
		return "sum"
	case opMean:
		return "mean"
	case opMax:
		return "max"
	case opGather:
		return "all-gather"
	default:
		return "unknown"
	}
}

// group is a reusable barrier over the devices that share one axis.
// Each round, every member deposits its operand; the last arrival computes
// the result once and releases the others.
type group struct {
	s    *session
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int
	ops     []reduceOp
	slots   []*tensor.Tensor

	out    *tensor.Tensor
	outErr error
}

func newGroup(s *session, size int) *group {
	g := &group{
		s:     s,
		size:  size,
		ops:   make([]reduceOp, size),
		slots: make([]*tensor.Tensor, size),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *group) wake() {
	g.mu.Lock()
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *group) do(rank int, op reduceOp, x *tensor.Tensor) *tensor.Tensor {
	if err := g.s.aborted(); err != nil {
		panic(err)
	}
	if g.size == 1 {
		return finish(op, []*tensor.Tensor{x})
	}

	g.mu.Lock()
	myGen := g.gen
	g.ops[rank] = op
	g.slots[rank] = x
	g.arrived++
	if g.arrived == g.size {
		g.out, g.outErr = g.reduce()
		g.arrived = 0
		clear(g.slots)
		g.gen++
		g.cond.Broadcast()
	} else {
		for g.gen == myGen {
			if err := g.s.aborted(); err != nil {
				g.mu.Unlock()
				panic(err)
			}
			g.cond.Wait()
		}
	}
	out, err := g.out, g.outErr
	g.mu.Unlock()

	if err != nil {
		panic(err)
	}
	return out.Clone()
}

func (g *group) reduce() (*tensor.Tensor, error) {
	op := g.ops[0]
	for r := 1; r < g.size; r++ {
		if g.ops[r] != op {
			return nil, fmt.Errorf("mesh: collective mismatch: rank 0 called %v, rank %d called %v", op, r, g.ops[r])
		}
		if !g.slots[r].SameShape(g.slots[0]) {
			return nil, fmt.Errorf("mesh: %v operand shape mismatch: rank 0 %v, rank %d %v", op, g.slots[0].Shape, r, g.slots[r].Shape)
		}
	}
	return finish(op, g.slots), nil
}

func finish(op reduceOp, in []*tensor.Tensor) *tensor.Tensor {
	switch op {
	case opSum, opMean:
		out := in[0].Clone()
		for _, t := range in[1:] {
			tensor.AddInto(out, t)
		}
		if op == opMean && len(in) > 1 {
			inv := 1 / float32(len(in))
			for i := range out.Data {
				out.Data[i] *= inv
			}
		}
		return out
	case opMax:
		out := in[0].Clone()
		for _, t := range in[1:] {
			for i, v := range t.Data {
				if v > out.Data[i] {
					out.Data[i] = v
				}
			}
		}
		return out
	case opGather:
		shape := append([]int{len(in)}, in[0].Shape...)
		out := tensor.New(shape...)
		step := in[0].Size()
		for i, t := range in {
			copy(out.Data[i*step:], t.Data)
		}
		return out
	default:
		panic(fmt.Sprintf("mesh: unknown collective %d", op))
	}
}
