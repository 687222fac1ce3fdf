package model

import "github.com/rotisserie/eris"

// Observation is the feedback reported to the optimizer for a finished trial.
type Observation struct {
	Candidate Candidate
	Metric    float64
	Cost      float64
}

// DefaultCost is used when no natural cost is available.
const DefaultCost = 1.0

// Validate checks the observation is fit to report.
func (o Observation) Validate() error {
	if o.Candidate == nil {
		return eris.New("observation: nil candidate")
	}
	if !(o.Cost > 0) {
		return eris.Errorf("observation: cost must be positive, got %v", o.Cost)
	}
	return nil
}

// TrialState is a step of the per-trial state machine.
type TrialState string

const (
	TrialSuggested TrialState = "suggested"
	TrialLaunched  TrialState = "launched"
	TrialResolved  TrialState = "resolved"
	TrialExtracted TrialState = "extracted"
	TrialObserved  TrialState = "observed"
	TrialPersisted TrialState = "persisted"
	TrialAbandoned TrialState = "abandoned"
)

// Terminal reports whether no further transition can follow.
func (s TrialState) Terminal() bool {
	return s == TrialPersisted || s == TrialAbandoned
}
