// Package posbias produces bucketed relative position biases for attention.
package posbias

import (
	"fmt"
	"math"

	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/tensor"
)

const (
	// NumBuckets is the number of distinct relative-distance buckets.
	NumBuckets = 32
	// MaxDistance is where the logarithmic regime saturates.
	MaxDistance = 128

	// Module and Param name the learned (heads, buckets) table.
	Module = "rpe"
	Param  = "rel_embedding"

	initStddev = 0.02
	float32Eps = 1.1920929e-07
)

// Bucket maps rel = key - query to a bucket in [0, numBuckets). Offsets
// pointing forward share bucket 0. Distances below numBuckets/2 get their
// own bucket; farther ones are spaced logarithmically up to maxDistance and
// clamped to the last bucket.
func Bucket(rel, numBuckets, maxDistance int) int {
	n := max(-rel, 0)
	exact := numBuckets / 2
	if n < exact {
		return n
	}
	scaled := math.Log(float64(float32(n)/float32(exact))+float32Eps) /
		math.Log(float64(maxDistance)/float64(exact)) *
		float64(numBuckets-exact)
	return min(exact+int(scaled), numBuckets-1)
}

// Buckets returns the (qLen, kLen) bucket index for every query/key pair.
func Buckets(qLen, kLen, numBuckets int) [][]int {
	out := make([][]int, qLen)
	for q := range out {
		row := make([]int, kLen)
		for k := range row {
			row[k] = Bucket(k-q, numBuckets, MaxDistance)
		}
		out[q] = row
	}
	return out
}

// OneHot encodes the bucket grid as a (numBuckets, qLen*kLen) matrix.
func OneHot(qLen, kLen, numBuckets int) *tensor.Tensor {
	oh := tensor.New(numBuckets, qLen*kLen)
	for q, row := range Buckets(qLen, kLen, numBuckets) {
		for k, b := range row {
			oh.Set(1, b, q*kLen+k)
		}
	}
	return oh
}

// Bias returns the learned (heads, qLen, kLen) attention bias. The table
// lookup is a contraction of the (heads, numBuckets) table with a one-hot
// bucket encoding, so the table gradient falls out of MatMul. Causal
// masking is the caller's job.
func Bias(g *autodiff.Graph, qLen, kLen, heads, numBuckets int) *autodiff.Node {
	if qLen <= 0 || kLen <= 0 || heads <= 0 || numBuckets <= 0 {
		panic(fmt.Sprintf("posbias: invalid bias geometry q=%d k=%d heads=%d buckets=%d", qLen, kLen, heads, numBuckets))
	}
	table := g.Param(Module, Param, []int{heads, numBuckets}, autodiff.TruncatedNormal(initStddev))
	flat := g.MatMul(table, g.Const(OneHot(qLen, kLen, numBuckets)))
	return g.Reshape(flat, heads, qLen, kLen)
}
