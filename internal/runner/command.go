package runner

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/signalnine/sweep/internal/model"
)

// ErrInvalidCandidate means a candidate cannot be turned into a training
// command. The optimizer and launcher disagree on the space, which is a bug.
var ErrInvalidCandidate = eris.New("invalid candidate")

// Spec describes the training program and the run configuration shared by
// every trial.
type Spec struct {
	// Command is the program prefix, e.g. uv run python train.py.
	Command []string
	// Fixed flags passed to every trial.
	Fixed map[string]any
	// Tunable names the flags every candidate must supply.
	Tunable        []string
	CurriculumPath string
	CUDA           bool
}

// Validate rejects specs whose flags would collide.
func (s *Spec) Validate() error {
	if len(s.Command) == 0 {
		return eris.New("runner: empty training command")
	}
	reserved := map[string]bool{"exp-name": true, "seed": true, "curriculum-path": true, "cuda": true}
	for k := range s.Fixed {
		if reserved[k] {
			return eris.Errorf("runner: fixed flag %q is set by the launcher", k)
		}
	}
	for _, k := range s.Tunable {
		if reserved[k] {
			return eris.Errorf("runner: tunable flag %q is set by the launcher", k)
		}
		if _, ok := s.Fixed[k]; ok {
			return eris.Errorf("runner: %q is both fixed and tunable", k)
		}
	}
	return nil
}

// BuildTrainingCommand renders the argv of one trial:
//
//	<command> --exp-name <identity> --<fixed>... --<tunable>... --seed <seed>
//	  --curriculum-path <path> [--cuda]
//
// Fixed and tunable flags are emitted in sorted order.
func BuildTrainingCommand(spec *Spec, identity string, seed int64, c model.Candidate) ([]string, error) {
	argv := append([]string{}, spec.Command...)
	argv = append(argv, "--exp-name", identity)

	fixed := make([]string, 0, len(spec.Fixed))
	for k := range spec.Fixed {
		fixed = append(fixed, k)
	}
	sort.Strings(fixed)
	for _, k := range fixed {
		v, err := formatValue(spec.Fixed[k])
		if err != nil {
			return nil, eris.Wrapf(err, "runner: fixed flag %s", k)
		}
		argv = append(argv, "--"+k, v)
	}

	tunable := append([]string{}, spec.Tunable...)
	sort.Strings(tunable)
	for _, k := range tunable {
		raw, ok := c[k]
		if !ok {
			return nil, eris.Wrapf(ErrInvalidCandidate, "runner: candidate lacks %q", k)
		}
		v, err := formatValue(raw)
		if err != nil {
			return nil, eris.Wrapf(ErrInvalidCandidate, "runner: %s: %v", k, err)
		}
		argv = append(argv, "--"+k, v)
	}

	argv = append(argv, "--seed", strconv.FormatInt(seed, 10))
	if spec.CurriculumPath != "" {
		argv = append(argv, "--curriculum-path", spec.CurriculumPath)
	}
	if spec.CUDA {
		argv = append(argv, "--cuda")
	}
	return argv, nil
}

// formatValue renders a flag value; integral floats print as integers so
// integer-typed training flags parse.
func formatValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", eris.Errorf("value %v is not finite", t)
		}
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10), nil
		}
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	default:
		return fmt.Sprint(v), nil
	}
}
