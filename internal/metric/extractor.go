// Package metric reads the objective value of a finished training run.
package metric

import (
	"context"
	"errors"
	"math"

	"github.com/rotisserie/eris"

	"github.com/signalnine/sweep/internal/tbevent"
)

// ErrMetricNotFound means a run recorded no usable value for the metric tag.
var ErrMetricNotFound = eris.New("metric not found")

// Extractor reads scalar metrics from a run directory's event files.
type Extractor struct{}

// Extract returns the last recorded value of tag in runDir. It never falls
// back to a max, mean or default: absent, empty or non-finite series are
// ErrMetricNotFound.
func (Extractor) Extract(ctx context.Context, runDir, tag string) (float64, error) {
	acc := &tbevent.Accumulator{Dir: runDir}
	if err := acc.Reload(ctx); err != nil {
		if errors.Is(err, tbevent.ErrNoEventFiles) {
			return 0, eris.Wrapf(ErrMetricNotFound, "metric: %s: no event files in %s", tag, runDir)
		}
		return 0, eris.Wrapf(err, "metric: load %s", runDir)
	}

	events, ok := acc.Scalars(tag)
	if !ok || len(events) == 0 {
		return 0, eris.Wrapf(ErrMetricNotFound, "metric: %s: tag absent in %s", tag, runDir)
	}
	last := events[len(events)-1].Value
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return 0, eris.Wrapf(ErrMetricNotFound, "metric: %s: last value %v is not finite", tag, last)
	}
	return last, nil
}

// Summary describes every scalar tag of a run.
type Summary struct {
	Tag     string
	Samples int
	Step    int64
	Last    float64
}

// Describe lists the scalar tags of runDir with their last values.
func Describe(ctx context.Context, runDir string) ([]Summary, error) {
	acc := &tbevent.Accumulator{Dir: runDir}
	if err := acc.Reload(ctx); err != nil {
		return nil, eris.Wrapf(err, "metric: load %s", runDir)
	}
	var out []Summary
	for _, tag := range acc.Tags() {
		events, _ := acc.Scalars(tag)
		if len(events) == 0 {
			continue
		}
		last := events[len(events)-1]
		out = append(out, Summary{Tag: tag, Samples: len(events), Step: last.Step, Last: last.Value})
	}
	return out, nil
}
