package autodiff

import "fmt"

// NumericInstabilityWarning reports non-finite values produced by an
// operation. It is not an error: the step continues and the caller decides
// what to do with the report.
type NumericInstabilityWarning struct {
	Op      string `json:"op"`
	Shard   int    `json:"shard"`
	Replica int    `json:"replica"`
	Count   int    `json:"count"`
}

func (w NumericInstabilityWarning) String() string {
	return fmt.Sprintf("%s produced %d non-finite values on shard %d replica %d", w.Op, w.Count, w.Shard, w.Replica)
}

// CheckFinite records a warning on the graph when n holds NaN or ±Inf.
// It reports whether the value was finite.
func (g *Graph) CheckFinite(op string, n *Node) bool {
	bad := n.value.NonFinite()
	if bad == 0 {
		return true
	}
	w := NumericInstabilityWarning{Op: op, Count: bad}
	if g.dev != nil {
		w.Shard, w.Replica = g.dev.Shard, g.dev.Replica
	}
	g.warnings = append(g.warnings, w)
	return false
}

// Warnings returns every warning recorded so far.
func (g *Graph) Warnings() []NumericInstabilityWarning {
	return append([]NumericInstabilityWarning(nil), g.warnings...)
}
