// Package optimizer holds the black-box search strategies the sweep driver
// consults: a Gaussian-process Bayesian optimizer and a random-search
// baseline. Both share the same Suggest/Observe contract.
package optimizer

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/signalnine/sweep/internal/config"
	"github.com/signalnine/sweep/internal/model"
)

// Optimizer is a stateful suggest/observe search.
type Optimizer interface {
	Suggest(ctx context.Context) (model.Candidate, error)
	Observe(ctx context.Context, obs model.Observation) error
}

// Goal is the direction in which the metric improves.
type Goal string

const (
	Maximize Goal = "maximize"
	Minimize Goal = "minimize"
)

// objective converts a metric into the lower-is-better value used internally.
func (g Goal) objective(metric float64) float64 {
	if g == Maximize {
		return -metric
	}
	return metric
}

// New builds the optimizer named by cfg.Method.
func New(cfg *config.Optimizer, goal string, seed int64) (Optimizer, error) {
	space, err := SpaceFromConfig(cfg.Params)
	if err != nil {
		return nil, err
	}
	g := Goal(goal)
	if g != Maximize && g != Minimize {
		return nil, eris.Errorf("optimizer: unknown goal %q", goal)
	}
	rng := rand.New(rand.NewSource(seed))

	switch cfg.Method {
	case "random":
		return NewRandom(space, g, rng), nil
	case "", "bayes":
		acq, err := AcquisitionByName(cfg.Acquisition)
		if err != nil {
			return nil, err
		}
		return NewBayes(space, g, BayesOptions{
			InitialSamples: cfg.InitialSamples,
			NumCandidates:  cfg.NumCandidates,
			Acquisition:    acq,
			Params: AcquisitionParams{
				Beta:      cfg.Beta,
				Xi:        cfg.Xi,
				BestSoFar: math.MaxFloat64,
				Rand:      rng,
			},
		}, rng), nil
	default:
		return nil, eris.Errorf("optimizer: unknown method %q", cfg.Method)
	}
}

// SpaceFromConfig converts and validates configured parameters.
func SpaceFromConfig(params []config.Param) (Space, error) {
	space := make(Space, 0, len(params))
	for _, p := range params {
		scale := Scale(p.Space)
		if scale == "" {
			scale = Linear
		}
		space = append(space, Param{
			Name:   p.Name,
			Scale:  scale,
			Min:    p.Min,
			Max:    p.Max,
			Center: p.Center,
		})
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	return space, nil
}

// history is the observation record both optimizers keep.
type history struct {
	goal         Goal
	observations []model.Observation
	best         int
}

func (h *history) record(obs model.Observation) {
	obs.Candidate = obs.Candidate.Clone()
	h.observations = append(h.observations, obs)
	i := len(h.observations) - 1
	if i == 0 || h.goal.objective(obs.Metric) < h.goal.objective(h.observations[h.best].Metric) {
		h.best = i
	}
}

func (h *history) bestObservation() (model.Observation, bool) {
	if len(h.observations) == 0 {
		return model.Observation{}, false
	}
	return h.observations[h.best], true
}

func checkObservation(space Space, obs model.Observation) ([]float64, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(obs.Metric) || math.IsInf(obs.Metric, 0) {
		return nil, eris.Errorf("optimizer: metric %v is not finite", obs.Metric)
	}
	return space.ToUnit(obs.Candidate)
}

// Random suggests the search center first, then uniform samples.
type Random struct {
	mu        sync.Mutex
	space     Space
	rng       *rand.Rand
	suggested int
	hist      history
}

// NewRandom returns a random-search optimizer.
func NewRandom(space Space, goal Goal, rng *rand.Rand) *Random {
	return &Random{space: space, rng: rng, hist: history{goal: goal}}
}

func (r *Random) Suggest(ctx context.Context) (model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.suggested++
	if r.suggested == 1 {
		return r.space.Center(), nil
	}
	return r.space.FromUnit(uniformPoint(r.rng, len(r.space))), nil
}

func (r *Random) Observe(ctx context.Context, obs model.Observation) error {
	if _, err := checkObservation(r.space, obs); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hist.record(obs)
	return nil
}

// Best returns the best observation so far.
func (r *Random) Best() (model.Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hist.bestObservation()
}

func uniformPoint(rng *rand.Rand, dim int) []float64 {
	x := make([]float64, dim)
	for i := range x {
		x[i] = rng.Float64()
	}
	return x
}
