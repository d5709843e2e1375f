package autodiff

import (
	"math/rand/v2"

	"github.com/samcharles93/meshformer/internal/tensor"
)

// Zeros initialises every element to 0.
func Zeros(_ *rand.Rand, shape []int) *tensor.Tensor { return tensor.New(shape...) }

// Ones initialises every element to 1.
func Ones(_ *rand.Rand, shape []int) *tensor.Tensor { return tensor.Full(1, shape...) }

// Constant initialises every element to v.
func Constant(v float32) Initializer {
	return func(_ *rand.Rand, shape []int) *tensor.Tensor { return tensor.Full(v, shape...) }
}

// TruncatedNormal draws from a normal of the given stddev truncated at 2σ.
func TruncatedNormal(stddev float64) Initializer {
	return func(rng *rand.Rand, shape []int) *tensor.Tensor {
		return tensor.TruncatedNormal(rng, stddev, shape...)
	}
}
