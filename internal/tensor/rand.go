package tensor

import (
	"math/rand/v2"
)

// truncatedNormalStdCorrection is the standard deviation of a unit normal
// truncated to [-2, 2]; dividing by it keeps the requested stddev exact.
const truncatedNormalStdCorrection = 0.87962566103423978

// NewRNG returns a deterministic generator for a (seed, stream) pair.
// Shards derive their initialisation streams from their shard index.
func NewRNG(seed int64, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), stream))
}

// TruncatedNormal fills a new tensor with samples from a normal distribution
// of the given stddev truncated at two standard deviations.
func TruncatedNormal(rng *rand.Rand, stddev float64, shape ...int) *Tensor {
	t := New(shape...)
	s := stddev / truncatedNormalStdCorrection
	for i := range t.Data {
		for {
			v := rng.NormFloat64()
			if v >= -2 && v <= 2 {
				t.Data[i] = float32(v * s)
				break
			}
		}
	}
	return t
}

// FillRand fills t with reproducible values in (-scale/2, scale/2).
func FillRand(t *Tensor, seed int64, scale float32) {
	rng := NewRNG(seed, 0)
	for i := range t.Data {
		t.Data[i] = (rng.Float32() - 0.5) * scale
	}
}
