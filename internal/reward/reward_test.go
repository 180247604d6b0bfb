package reward

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/junction.control/internal/config"
)

func defaultEvaluator() Evaluator {
	return Evaluator{W: WeightsFromConfig(config.EmptySimConfig())}
}

func TestEvaluate_ZeroInputsIsZero(t *testing.T) {
	r := defaultEvaluator().Evaluate(Inputs{}, NewCreditSet())
	assert.Equal(t, Result{}, r)
	assert.Equal(t, 0.0, r.Total)
}

func TestEvaluate_Terms(t *testing.T) {
	tests := []struct {
		name         string
		in           Inputs
		preCredited  []string
		wantTotal    float64
		wantCredited int
	}{
		{"one pass", Inputs{NewlyPassed: []string{"a"}}, nil, 10, 1},
		{"queue only", Inputs{Queued: 7}, nil, -0.7, 0},
		{"emissions only", Inputs{Emissions: 4}, nil, -0.2, 0},
		{"mixed", Inputs{NewlyPassed: []string{"a", "b"}, Queued: 3, Emissions: 10}, nil, 20 - 0.3 - 0.5, 2},
		{"already credited", Inputs{NewlyPassed: []string{"a", "b"}}, []string{"a"}, 10, 1},
		{"duplicate ids credit once", Inputs{NewlyPassed: []string{"c", "c"}}, nil, 10, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := NewCreditSet()
			for _, id := range tt.preCredited {
				cs.Add(id)
			}
			r := defaultEvaluator().Evaluate(tt.in, cs)
			assert.InDelta(t, tt.wantTotal, r.Total, 1e-9)
			assert.Equal(t, tt.wantCredited, r.Credited)
			assert.InDelta(t, r.Total, r.PassTerm+r.QueueTerm+r.EmissionTerm, 1e-12)
			for _, id := range tt.in.NewlyPassed {
				assert.True(t, cs.Has(id))
			}
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	in := Inputs{NewlyPassed: []string{"x"}, Queued: 5, Emissions: 2.5}
	a := defaultEvaluator().Evaluate(in, NewCreditSet())
	b := defaultEvaluator().Evaluate(in, NewCreditSet())
	assert.Equal(t, a, b)
}

func TestCreditSet(t *testing.T) {
	var cs CreditSet
	assert.False(t, cs.Has("a"))
	cs.Add("a")
	cs.Add("b")
	cs.Add("a")
	assert.Equal(t, 2, cs.Len())
	cs.Clear()
	assert.Equal(t, 0, cs.Len())
	assert.False(t, cs.Has("a"))
}
