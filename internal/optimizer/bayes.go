package optimizer

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/signalnine/sweep/internal/model"
)

// BayesOptions tunes the Bayesian optimizer.
type BayesOptions struct {
	// InitialSamples random suggestions follow the center before the GP is
	// consulted.
	InitialSamples int
	// NumCandidates random points are scored per suggestion.
	NumCandidates int
	Acquisition   AcquisitionFunc
	Params        AcquisitionParams
}

// Bayes is a Gaussian-process optimizer over the unit hypercube.
type Bayes struct {
	mu        sync.Mutex
	space     Space
	opts      BayesOptions
	rng       *rand.Rand
	gp        *gaussianProcess
	suggested int
	hist      history
	bestX     []float64
}

// NewBayes returns a Bayesian optimizer. Zero options fall back to defaults.
func NewBayes(space Space, goal Goal, opts BayesOptions, rng *rand.Rand) *Bayes {
	if opts.InitialSamples < 0 {
		opts.InitialSamples = 0
	}
	if opts.NumCandidates <= 0 {
		opts.NumCandidates = 256
	}
	if opts.Acquisition == nil {
		opts.Acquisition = UCB
	}
	if opts.Params.Rand == nil {
		opts.Params.Rand = rng
	}
	return &Bayes{
		space: space,
		opts:  opts,
		rng:   rng,
		gp:    newGaussianProcess(),
		hist:  history{goal: goal},
	}
}

func (b *Bayes) Suggest(ctx context.Context) (model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.suggested++
	if b.suggested == 1 && b.gp.Len() == 0 {
		return b.space.Center(), nil
	}
	// The GP needs at least InitialSamples+1 points (center included).
	if b.gp.Len() <= b.opts.InitialSamples {
		return b.space.FromUnit(uniformPoint(b.rng, len(b.space))), nil
	}

	params := b.opts.Params
	best, _ := b.hist.bestObservation()
	params.BestSoFar = b.hist.goal.objective(best.Metric)

	var (
		next    []float64
		nextAcq = math.Inf(1)
	)
	score := func(x []float64) error {
		mean, variance, err := b.gp.Predict(x)
		if err != nil {
			return err
		}
		if acq := b.opts.Acquisition(mean, variance, params); acq < nextAcq {
			nextAcq = acq
			next = x
		}
		return nil
	}
	for i := 0; i < b.opts.NumCandidates; i++ {
		if err := score(uniformPoint(b.rng, len(b.space))); err != nil {
			return nil, eris.Wrap(err, "optimizer: score candidate")
		}
	}
	// Local perturbations around the incumbent refine a good region.
	for i := 0; i < b.opts.NumCandidates/4; i++ {
		if err := score(b.perturb(b.bestX, 0.1)); err != nil {
			return nil, eris.Wrap(err, "optimizer: score perturbation")
		}
	}
	if next == nil {
		return nil, eris.New("optimizer: no candidate scored")
	}
	return b.space.FromUnit(next), nil
}

func (b *Bayes) perturb(x []float64, scale float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = clamp(v+b.rng.NormFloat64()*scale, 0, 1)
	}
	return out
}

func (b *Bayes) Observe(ctx context.Context, obs model.Observation) error {
	x, err := checkObservation(b.space, obs)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gp.Update(x, b.hist.goal.objective(obs.Metric))
	b.hist.record(obs)
	if best, _ := b.hist.bestObservation(); best.Candidate.Equal(obs.Candidate) {
		b.bestX = x
	}
	return nil
}

// Best returns the best observation so far.
func (b *Bayes) Best() (model.Observation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hist.bestObservation()
}

// Observations returns the number of observations recorded.
func (b *Bayes) Observations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hist.observations)
}
