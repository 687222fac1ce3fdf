package optimizer

import (
	"math"
	"math/rand"

	"github.com/rotisserie/eris"
)

// AcquisitionFunc scores a point from the GP posterior. Lower values are more
// promising; the optimizer minimizes the objective internally.
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams carries the knobs the acquisition functions read.
type AcquisitionParams struct {
	// Beta trades exploration for exploitation in UCB.
	Beta float64
	// Xi is the minimum improvement PI and EI look for.
	Xi float64
	// BestSoFar is the lowest objective observed.
	BestSoFar float64
	// Rand drives Thompson sampling.
	Rand *rand.Rand
}

// UCB is the (lower) confidence bound.
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement returns the negated probability of beating
// BestSoFar by at least Xi.
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return 0
	}
	z := (params.BestSoFar - params.Xi - mean) / sigma
	return -normalCDF(z)
}

// ExpectedImprovement returns the negated expected improvement over BestSoFar.
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return 0
	}
	imp := params.BestSoFar - params.Xi - mean
	z := imp / sigma
	return -(imp*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling draws one sample from the posterior.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.Rand.NormFloat64()
}

// AcquisitionByName maps a config name to its function.
func AcquisitionByName(name string) (AcquisitionFunc, error) {
	switch name {
	case "", "ucb":
		return UCB, nil
	case "pi":
		return ProbabilityOfImprovement, nil
	case "ei":
		return ExpectedImprovement, nil
	case "thompson":
		return ThompsonSampling, nil
	default:
		return nil, eris.Errorf("optimizer: unknown acquisition function %q", name)
	}
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normalPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}
