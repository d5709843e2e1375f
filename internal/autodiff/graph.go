// Package autodiff records a computation as it runs and replays it in
// reverse to produce gradients. Every operation is a Primitive: a forward
// function paired with an explicitly supplied backward rule, which is also
// how collectives with asymmetric forward and backward behaviour are built.
package autodiff

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/meshformer/internal/mesh"
	"github.com/samcharles93/meshformer/internal/params"
	"github.com/samcharles93/meshformer/internal/tensor"
)

// Primitive is a differentiable operation.
//
// Forward computes the output from the input values. Backward receives the
// same inputs, the forward output and the output cotangent, and returns one
// cotangent per input (nil means zero). Both receive the device the graph
// runs on, which is nil outside a mesh run.
type Primitive struct {
	Name     string
	Forward  func(d *mesh.Device, in []*tensor.Tensor) *tensor.Tensor
	Backward func(d *mesh.Device, in []*tensor.Tensor, out, grad *tensor.Tensor) []*tensor.Tensor
}

// Node is a value recorded on a Graph.
type Node struct {
	g         *Graph
	id        int
	value     *tensor.Tensor
	prim      *Primitive
	inputs    []*Node
	needsGrad bool
	grad      *tensor.Tensor
}

// Value returns the computed forward value. Callers must not mutate it.
func (n *Node) Value() *tensor.Tensor { return n.value }

// Shape returns the shape of the forward value.
func (n *Node) Shape() []int { return n.value.Shape }

// Grad returns the accumulated gradient after Backward, or nil.
func (n *Node) Grad() *tensor.Tensor { return n.grad }

// Mode selects how Graph.Param resolves parameters.
type Mode int

const (
	// ModeApply reads parameters from a supplied tree.
	ModeApply Mode = iota
	// ModeCreate draws fresh parameters from initialisers.
	ModeCreate
)

// Initializer produces the initial value of a parameter.
type Initializer func(rng *rand.Rand, shape []int) *tensor.Tensor

// Graph is the tape for one forward (and optionally backward) pass on one
// device. A Graph is used by a single goroutine.
type Graph struct {
	dev    *mesh.Device
	mode   Mode
	tree   params.Tree
	rng    *rand.Rand
	nodes  []*Node
	params map[params.Key]*Node
	order  []params.Key

	warnings []NumericInstabilityWarning
	done     bool
}

// NewGraph returns a graph that reads parameters from tree.
// dev may be nil for single-device use without collectives.
func NewGraph(dev *mesh.Device, tree params.Tree) *Graph {
	return &Graph{
		dev:    dev,
		mode:   ModeApply,
		tree:   tree,
		params: make(map[params.Key]*Node),
	}
}

// NewInitGraph returns a graph that creates parameters on first use.
func NewInitGraph(dev *mesh.Device, rng *rand.Rand) *Graph {
	return &Graph{
		dev:    dev,
		mode:   ModeCreate,
		tree:   params.Tree{},
		rng:    rng,
		params: make(map[params.Key]*Node),
	}
}

// Device returns the device the graph runs on. It panics with
// mesh.ErrAxisUnavailable when the graph is not part of a mesh run.
func (g *Graph) Device() *mesh.Device {
	if g.dev == nil {
		panic(fmt.Errorf("%w: graph has no device", mesh.ErrAxisUnavailable))
	}
	return g.dev
}

// Mode reports how parameters are resolved.
func (g *Graph) Mode() Mode { return g.mode }

// Param returns the parameter (module, name). In ModeCreate the first use
// draws it from init; in ModeApply it must exist in the tree with the given
// shape. Repeated uses return the same node.
func (g *Graph) Param(module, name string, shape []int, init Initializer) *Node {
	key := params.Key{Module: module, Name: name}
	if n, ok := g.params[key]; ok {
		return n
	}

	var v *tensor.Tensor
	switch g.mode {
	case ModeCreate:
		v = init(g.rng, shape)
		if !tensor.EqualShape(v.Shape, shape) {
			panic(fmt.Sprintf("autodiff: initializer for %s produced %v, want %v", key, v.Shape, shape))
		}
		g.tree.Set(module, name, v)
	default:
		v = g.tree.Get(module, name)
		if v == nil {
			panic(fmt.Errorf("autodiff: missing parameter %s", key))
		}
		if !tensor.EqualShape(v.Shape, shape) {
			panic(fmt.Errorf("autodiff: parameter %s has shape %v, want %v", key, v.Shape, shape))
		}
	}

	n := g.record(&Node{value: v, needsGrad: true})
	g.params[key] = n
	g.order = append(g.order, key)
	return n
}

// Const records a value that carries no gradient.
func (g *Graph) Const(v *tensor.Tensor) *Node {
	return g.record(&Node{value: v})
}

// Apply runs p on the inputs and records the result.
func (g *Graph) Apply(p Primitive, in ...*Node) *Node {
	vals := make([]*tensor.Tensor, len(in))
	needs := false
	for i, n := range in {
		if n.g != g {
			panic(fmt.Sprintf("autodiff: %s input %d belongs to another graph", p.Name, i))
		}
		vals[i] = n.value
		needs = needs || n.needsGrad
	}
	out := p.Forward(g.dev, vals)
	return g.record(&Node{value: out, prim: &p, inputs: in, needsGrad: needs})
}

func (g *Graph) record(n *Node) *Node {
	n.g = g
	n.id = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return n
}

// ErrBackwardTwice is returned when Backward runs again on the same graph.
var ErrBackwardTwice = errors.New("autodiff: backward already ran on this graph")

// Backward propagates d(loss)/d(node) to every node that depends on a
// parameter. loss must be a one-element value. Nodes are visited in reverse
// recording order, which is identical on every device of a lockstep run, so
// backward collectives line up across devices.
func (g *Graph) Backward(loss *Node) error {
	if g.done {
		return ErrBackwardTwice
	}
	if loss.g != g {
		return errors.New("autodiff: loss belongs to another graph")
	}
	if loss.value.Size() != 1 {
		return fmt.Errorf("autodiff: loss must be a scalar, got shape %v", loss.value.Shape)
	}
	g.done = true
	if !loss.needsGrad {
		return nil
	}
	loss.grad = tensor.Full(1, loss.value.Shape...)

	for i := loss.id; i >= 0; i-- {
		n := g.nodes[i]
		if n.grad == nil || n.prim == nil || !n.needsGrad {
			continue
		}
		vals := make([]*tensor.Tensor, len(n.inputs))
		for j, in := range n.inputs {
			vals[j] = in.value
		}
		grads := n.prim.Backward(g.dev, vals, n.value, n.grad)
		if len(grads) != len(n.inputs) {
			panic(fmt.Sprintf("autodiff: %s backward returned %d cotangents for %d inputs", n.prim.Name, len(grads), len(n.inputs)))
		}
		for j, in := range n.inputs {
			gj := grads[j]
			if gj == nil || !in.needsGrad {
				continue
			}
			if !gj.SameShape(in.value) {
				panic(fmt.Sprintf("autodiff: %s cotangent %d has shape %v, input has %v", n.prim.Name, j, gj.Shape, in.value.Shape))
			}
			if in.grad == nil {
				in.grad = gj.Clone()
			} else {
				tensor.AddInto(in.grad, gj)
			}
		}
	}
	return nil
}

// Params returns the tree the graph reads from or, in ModeCreate, the tree
// of freshly created parameters.
func (g *Graph) Params() params.Tree { return g.tree }

// Grads returns the gradient of every parameter used by the graph. Unused
// parameters of the source tree are absent; parameters with no path to the
// loss get zeros.
func (g *Graph) Grads() params.Tree {
	out := params.Tree{}
	for _, key := range g.order {
		n := g.params[key]
		grad := n.grad
		if grad == nil {
			grad = tensor.ZerosLike(n.value)
		}
		out.Set(key.Module, key.Name, grad)
	}
	return out
}
