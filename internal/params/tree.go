// Package params holds the parameter tree layout shared by the model, the
// optimizers and checkpoints: a mapping from module path to named weights.
package params

import (
	"fmt"
	"maps"
	"slices"

	"github.com/samcharles93/meshformer/internal/tensor"
)

// Tree maps a module path (for example "layer_0/q") to its named weights
// (for example "w"). Each shard owns one Tree.
type Tree map[string]map[string]*tensor.Tensor

// Key addresses one leaf of a Tree.
type Key struct {
	Module string
	Name   string
}

func (k Key) String() string { return k.Module + "." + k.Name }

// Set stores t at (module, name), creating the module entry if needed.
func (t Tree) Set(module, name string, v *tensor.Tensor) {
	m, ok := t[module]
	if !ok {
		m = make(map[string]*tensor.Tensor)
		t[module] = m
	}
	m[name] = v
}

// Get returns the leaf at (module, name) or nil.
func (t Tree) Get(module, name string) *tensor.Tensor {
	return t[module][name]
}

// Keys returns every leaf key in a stable order. Lockstep code iterates
// trees in this order so all devices issue collectives identically.
func (t Tree) Keys() []Key {
	var keys []Key
	for _, module := range slices.Sorted(maps.Keys(t)) {
		for _, name := range slices.Sorted(maps.Keys(t[module])) {
			keys = append(keys, Key{module, name})
		}
	}
	return keys
}

// Len returns the number of leaves.
func (t Tree) Len() int {
	n := 0
	for _, m := range t {
		n += len(m)
	}
	return n
}

// NumElements returns the total number of scalar parameters.
func (t Tree) NumElements() int {
	n := 0
	for _, m := range t {
		for _, v := range m {
			n += v.Size()
		}
	}
	return n
}

// Map returns a new tree with f applied to every leaf.
func (t Tree) Map(f func(k Key, v *tensor.Tensor) *tensor.Tensor) Tree {
	out := make(Tree, len(t))
	for module, m := range t {
		for name, v := range m {
			out.Set(module, name, f(Key{module, name}, v))
		}
	}
	return out
}

// Clone deep-copies the tree.
func (t Tree) Clone() Tree {
	return t.Map(func(_ Key, v *tensor.Tensor) *tensor.Tensor { return v.Clone() })
}

// ZerosLike returns a tree of zero tensors with the same layout.
func (t Tree) ZerosLike() Tree {
	return t.Map(func(_ Key, v *tensor.Tensor) *tensor.Tensor { return tensor.ZerosLike(v) })
}

// Cast returns a copy of the tree with every leaf rounded to p.
func (t Tree) Cast(p tensor.Precision) Tree {
	return t.Map(func(_ Key, v *tensor.Tensor) *tensor.Tensor { return tensor.Cast(v, p) })
}

// Zip combines two trees with identical layouts leaf by leaf.
func Zip(a, b Tree, f func(k Key, x, y *tensor.Tensor) *tensor.Tensor) (Tree, error) {
	if err := SameLayout(a, b); err != nil {
		return nil, err
	}
	out := make(Tree, len(a))
	for module, m := range a {
		for name, x := range m {
			out.Set(module, name, f(Key{module, name}, x, b[module][name]))
		}
	}
	return out, nil
}

// Add returns a + b leaf by leaf.
func Add(a, b Tree) (Tree, error) {
	return Zip(a, b, func(_ Key, x, y *tensor.Tensor) *tensor.Tensor { return tensor.Add(x, y) })
}

// SameLayout checks that two trees have the same keys and leaf shapes.
func SameLayout(a, b Tree) error {
	if a.Len() != b.Len() {
		return fmt.Errorf("params: trees have %d and %d leaves", a.Len(), b.Len())
	}
	for module, m := range a {
		for name, x := range m {
			y := b.Get(module, name)
			if y == nil {
				return fmt.Errorf("params: %s missing from second tree", Key{module, name})
			}
			if !x.SameShape(y) {
				return fmt.Errorf("params: %s shape %v vs %v", Key{module, name}, x.Shape, y.Shape)
			}
		}
	}
	return nil
}

// Shapes returns the shape of every leaf, keyed by "module.name".
func (t Tree) Shapes() map[string][]int {
	out := make(map[string][]int, t.Len())
	for _, k := range t.Keys() {
		out[k.String()] = append([]int(nil), t[k.Module][k.Name].Shape...)
	}
	return out
}
