package model

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateClone(t *testing.T) {
	c := Candidate{"lr": 0.001, "curriculum": "a.json"}
	cp := c.Clone()
	cp["lr"] = 0.5
	assert.Equal(t, 0.001, c["lr"])
	assert.True(t, c.Equal(Candidate{"curriculum": "a.json", "lr": 0.001}))
}

func TestCandidateKeysSorted(t *testing.T) {
	c := Candidate{"vf-coef": 0.1, "clip-coef": 0.2, "ent-coef": 0.001}
	assert.Equal(t, []string{"clip-coef", "ent-coef", "vf-coef"}, c.Keys())
}

func TestCandidateAccessors(t *testing.T) {
	c := Candidate{"lr": 0.25, "path": "x"}
	f, ok := c.Float("lr")
	require.True(t, ok)
	assert.Equal(t, 0.25, f)

	_, ok = c.Float("path")
	assert.False(t, ok)

	s, ok := c.String("path")
	require.True(t, ok)
	assert.Equal(t, "x", s)

	_, ok = c.String("missing")
	assert.False(t, ok)
}

func TestCandidateValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       Candidate
		wantErr bool
	}{
		{"ok", Candidate{"lr": 0.1, "path": "p"}, false},
		{"reserved metric", Candidate{"metric": 1.0}, true},
		{"reserved cost", Candidate{"cost": 1.0}, true},
		{"underscore", Candidate{"_trial": 1.0}, true},
		{"nan", Candidate{"lr": math.NaN()}, true},
		{"inf", Candidate{"lr": math.Inf(1)}, true},
		{"int type", Candidate{"n": 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeMap(t *testing.T) {
	c, err := NormalizeMap(map[string]any{
		"num-envs":  8,
		"num-steps": int64(200),
		"clip":      float32(0.5),
		"lr":        json.Number("2.5e-05"),
		"path":      "c.json",
	})
	require.NoError(t, err)
	assert.Equal(t, Candidate{
		"num-envs":  8.0,
		"num-steps": 200.0,
		"clip":      0.5,
		"lr":        2.5e-05,
		"path":      "c.json",
	}, c)

	_, err = NormalizeMap(map[string]any{"bad": []int{1}})
	assert.Error(t, err)
}

func TestObservationValidate(t *testing.T) {
	assert.NoError(t, Observation{Candidate: Candidate{}, Metric: 0.5, Cost: 1}.Validate())
	assert.Error(t, Observation{Candidate: Candidate{}, Cost: 0}.Validate())
	assert.Error(t, Observation{Cost: 1}.Validate())
}

func TestTrialStateTerminal(t *testing.T) {
	assert.True(t, TrialPersisted.Terminal())
	assert.True(t, TrialAbandoned.Terminal())
	assert.False(t, TrialLaunched.Terminal())
}
