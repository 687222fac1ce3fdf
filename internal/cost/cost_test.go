package cost

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/sweep/internal/config"
	"github.com/signalnine/sweep/internal/model"
)

func TestCost(t *testing.T) {
	fixed := map[string]any{"total-timesteps": 5000000, "num-envs": "8", "label": "x"}
	tests := []struct {
		name    string
		cfg     config.Cost
		cand    model.Candidate
		elapsed time.Duration
		want    float64
	}{
		{"unit", config.Cost{Mode: Unit}, model.Candidate{"lr": 0.1}, time.Hour, 1},
		{"empty mode is unit", config.Cost{}, model.Candidate{}, time.Hour, 1},
		{"duration", config.Cost{Mode: Duration}, model.Candidate{}, 90 * time.Second, 90},
		{"zero duration", config.Cost{Mode: Duration}, model.Candidate{}, 0, 1},
		{"param from fixed", config.Cost{Mode: Param, Param: "total-timesteps"}, model.Candidate{}, 0, 5000000},
		{"param from string fixed", config.Cost{Mode: Param, Param: "num-envs"}, model.Candidate{}, 0, 8},
		{"param from candidate", config.Cost{Mode: Param, Param: "total-timesteps"}, model.Candidate{"total-timesteps": 1e6}, 0, 1e6},
		{"param missing", config.Cost{Mode: Param, Param: "nope"}, model.Candidate{}, 0, 1},
		{"param not numeric", config.Cost{Mode: Param, Param: "label"}, model.Candidate{}, 0, 1},
		{"param negative", config.Cost{Mode: Param, Param: "lr"}, model.Candidate{"lr": -1.0}, 0, 1},
		{"param nan", config.Cost{Mode: Param, Param: "lr"}, model.Candidate{"lr": math.NaN()}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg, fixed)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Cost(tt.cand, tt.elapsed))
		})
	}
}

func TestNewRejects(t *testing.T) {
	_, err := New(config.Cost{Mode: "tokens"}, nil)
	assert.Error(t, err)
	_, err = New(config.Cost{Mode: Param}, nil)
	assert.Error(t, err)
}
