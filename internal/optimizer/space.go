package optimizer

import (
	"math"

	"github.com/rotisserie/eris"
	"golang.org/x/exp/constraints"

	"github.com/signalnine/sweep/internal/model"
)

// Scale is how a parameter is laid out between Min and Max.
type Scale string

const (
	Linear Scale = "linear"
	Log    Scale = "log"
	Int    Scale = "int"
)

// Param is one tunable dimension of the search space.
type Param struct {
	Name   string
	Scale  Scale
	Min    float64
	Max    float64
	Center float64
}

// Space is the ordered set of tunable parameters.
type Space []Param

// Validate rejects empty, duplicate or inconsistent parameters.
func (s Space) Validate() error {
	if len(s) == 0 {
		return eris.New("space: no parameters")
	}
	seen := make(map[string]bool, len(s))
	for i, p := range s {
		if p.Name == "" {
			return eris.Errorf("space: parameter %d: name is required", i)
		}
		if model.IsReservedKey(p.Name) {
			return eris.Errorf("space: parameter %q: name is reserved", p.Name)
		}
		if seen[p.Name] {
			return eris.Errorf("space: parameter %q defined twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Scale {
		case Linear, Int:
		case Log:
			if p.Min <= 0 {
				return eris.Errorf("space: parameter %q: log scale needs min > 0", p.Name)
			}
		default:
			return eris.Errorf("space: parameter %q: unknown scale %q", p.Name, p.Scale)
		}
		if !(p.Min < p.Max) {
			return eris.Errorf("space: parameter %q: min must be below max", p.Name)
		}
		if p.Center < p.Min || p.Center > p.Max {
			return eris.Errorf("space: parameter %q: center %v outside [%v, %v]", p.Name, p.Center, p.Min, p.Max)
		}
	}
	return nil
}

// Names returns the parameter names in space order.
func (s Space) Names() []string {
	names := make([]string, len(s))
	for i, p := range s {
		names[i] = p.Name
	}
	return names
}

// toUnit maps a raw value into [0, 1].
func (p Param) toUnit(v float64) float64 {
	var u float64
	if p.Scale == Log {
		u = (math.Log10(v) - math.Log10(p.Min)) / (math.Log10(p.Max) - math.Log10(p.Min))
	} else {
		u = (v - p.Min) / (p.Max - p.Min)
	}
	return clamp(u, 0, 1)
}

// fromUnit maps a point of [0, 1] back into the parameter's range.
func (p Param) fromUnit(u float64) float64 {
	u = clamp(u, 0, 1)
	var v float64
	switch p.Scale {
	case Log:
		lo, hi := math.Log10(p.Min), math.Log10(p.Max)
		v = math.Pow(10, lo+u*(hi-lo))
	case Int:
		v = math.Round(p.Min + u*(p.Max-p.Min))
	default:
		v = p.Min + u*(p.Max-p.Min)
	}
	return clamp(v, p.Min, p.Max)
}

// Center returns the candidate at every parameter's search center.
func (s Space) Center() model.Candidate {
	c := make(model.Candidate, len(s))
	for _, p := range s {
		v := p.Center
		if p.Scale == Int {
			v = math.Round(v)
		}
		c[p.Name] = v
	}
	return c
}

// ToUnit projects a candidate onto the unit hypercube.
func (s Space) ToUnit(c model.Candidate) ([]float64, error) {
	x := make([]float64, len(s))
	for i, p := range s {
		v, ok := c.Float(p.Name)
		if !ok {
			return nil, eris.Errorf("space: candidate has no numeric %q", p.Name)
		}
		x[i] = p.toUnit(v)
	}
	return x, nil
}

// FromUnit builds a candidate from a point of the unit hypercube.
func (s Space) FromUnit(x []float64) model.Candidate {
	c := make(model.Candidate, len(s))
	for i, p := range s {
		c[p.Name] = p.fromUnit(x[i])
	}
	return c
}

func clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
