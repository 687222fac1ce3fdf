package sweep

import "math/rand"

// Seeds returns the training seed of the next trial.
type Seeds func() int64

// FixedSeeds gives every trial the same seed, so trials differ only in their
// hyperparameters.
func FixedSeeds(seed int64) Seeds {
	return func() int64 { return seed }
}

// RandomSeeds draws a fresh seed per trial from a generator seeded with seed,
// so a sweep is reproducible while its trials are not correlated.
func RandomSeeds(seed int64) Seeds {
	rng := rand.New(rand.NewSource(seed))
	return func() int64 { return rng.Int63n(1_000_000) }
}

// NewSeeds picks the seed source by mode name ("fixed" or "random").
func NewSeeds(mode string, seed int64) Seeds {
	if mode == "random" {
		return RandomSeeds(seed)
	}
	return FixedSeeds(seed)
}
