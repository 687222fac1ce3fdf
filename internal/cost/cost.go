// Package cost turns a finished trial into the positive cost reported to the
// optimizer alongside its metric.
package cost

import (
	"math"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/signalnine/sweep/internal/config"
	"github.com/signalnine/sweep/internal/model"
)

// Modes.
const (
	Unit     = "unit"
	Param    = "param"
	Duration = "duration"
)

// Model computes trial costs.
type Model struct {
	Mode  string
	Param string
	// Fixed holds the run configuration shared by every trial; Param is looked
	// up here when the candidate does not carry it.
	Fixed map[string]any
}

// New builds a cost model from config.
func New(cfg config.Cost, fixed map[string]any) (*Model, error) {
	switch cfg.Mode {
	case "", Unit, Duration:
	case Param:
		if cfg.Param == "" {
			return nil, eris.New("cost: param mode needs a parameter name")
		}
	default:
		return nil, eris.Errorf("cost: unknown mode %q", cfg.Mode)
	}
	return &Model{Mode: cfg.Mode, Param: cfg.Param, Fixed: fixed}, nil
}

// Cost returns the trial cost. Missing, non-numeric or non-positive inputs
// fall back to model.DefaultCost so the optimizer always sees a positive cost.
func (m *Model) Cost(c model.Candidate, elapsed time.Duration) float64 {
	var v float64
	switch m.Mode {
	case Param:
		v = m.lookup(c)
	case Duration:
		v = elapsed.Seconds()
	default:
		return model.DefaultCost
	}
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return model.DefaultCost
	}
	return v
}

func (m *Model) lookup(c model.Candidate) float64 {
	if v, ok := c.Float(m.Param); ok {
		return v
	}
	raw, ok := m.Fixed[m.Param]
	if !ok {
		return 0
	}
	if s, ok := raw.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	}
	nv, err := model.NormalizeValue(raw)
	if err != nil {
		return 0
	}
	f, _ := nv.(float64)
	return f
}
