// Package prng builds the seeded random sources shared by the sampler, the
// proposals and the estimators.
package prng

import (
	"math/rand/v2"
	"time"
)

// pcgStream is xor-ed into the seed to derive the second PCG word.
const pcgStream = 0x9e3779b97f4a7c15

// NewSource returns a PCG source for seed. A zero seed selects a time-based seed.
func NewSource(seed int64) rand.Source {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.NewPCG(uint64(seed), uint64(seed)^pcgStream)
}
