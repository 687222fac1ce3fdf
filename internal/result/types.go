package result

import (
	"time"

	"github.com/signalnine/sweep/internal/model"
)

// TrialKey is the ledger key holding per-trial provenance.
const TrialKey = "_trial"

// Entry is one ledger record: a candidate with the metric and cost it scored.
type Entry struct {
	Candidate model.Candidate
	Metric    float64
	Cost      float64
	// Trial is optional provenance; records from older ledgers lack it.
	Trial *TrialInfo
}

// Observation returns the entry as an optimizer observation.
func (e Entry) Observation() model.Observation {
	return model.Observation{Candidate: e.Candidate.Clone(), Metric: e.Metric, Cost: e.Cost}
}

// TrialInfo records how an entry was produced.
type TrialInfo struct {
	Identity   string    `json:"identity"`
	Seq        int64     `json:"seq"`
	Seed       int64     `json:"seed"`
	RunDir     string    `json:"run_dir,omitempty"`
	ExitReason string    `json:"exit_reason,omitempty"`
	DurationS  float64   `json:"duration_s"`
	GitCommit  string    `json:"git_commit,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
