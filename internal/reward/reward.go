// Package reward computes the per-decision reward signal.
package reward

import "github.com/banshee-data/junction.control/internal/config"

// Weights scale the reward terms.
type Weights struct {
	PassReward      float64 `json:"pass_reward"`
	QueuePenalty    float64 `json:"queue_penalty"`
	EmissionPenalty float64 `json:"emission_penalty"`
}

// WeightsFromConfig reads the reward weights from cfg.
func WeightsFromConfig(cfg *config.SimConfig) Weights {
	return Weights{
		PassReward:      cfg.GetPassReward(),
		QueuePenalty:    cfg.GetQueuePenalty(),
		EmissionPenalty: cfg.GetEmissionPenalty(),
	}
}

// Inputs is everything observed over one decision interval.
type Inputs struct {
	// NewlyPassed holds ids of vehicles that crossed the center since the
	// previous decision.
	NewlyPassed []string
	// Queued is the number of unpassed vehicles at decision time.
	Queued int
	// Emissions accumulated since the previous decision.
	Emissions float64
}

// Result is the reward with its components.
type Result struct {
	Total           float64 `json:"total"`
	PassTerm        float64 `json:"pass_term"`
	QueueTerm       float64 `json:"queue_term"`
	EmissionTerm    float64 `json:"emission_term"`
	Credited        int     `json:"credited"`
	IntervalEmitted float64 `json:"interval_emissions"`
}

// Evaluator scores decision intervals.
type Evaluator struct {
	W Weights
}

// Evaluate scores one interval. Vehicles already in credited earn nothing;
// newly credited ids are added to it. It has no other side effects.
func (e Evaluator) Evaluate(in Inputs, credited *CreditSet) Result {
	var r Result
	for _, id := range in.NewlyPassed {
		if credited.Has(id) {
			continue
		}
		credited.Add(id)
		r.Credited++
	}
	r.PassTerm = e.W.PassReward * float64(r.Credited)
	r.QueueTerm = -e.W.QueuePenalty * float64(in.Queued)
	r.EmissionTerm = -e.W.EmissionPenalty * in.Emissions
	r.IntervalEmitted = in.Emissions
	r.Total = r.PassTerm + r.QueueTerm + r.EmissionTerm
	return r
}

// CreditSet is the set of vehicle ids already rewarded in this episode.
type CreditSet struct {
	ids map[string]struct{}
}

// NewCreditSet returns an empty set.
func NewCreditSet() *CreditSet {
	return &CreditSet{ids: make(map[string]struct{})}
}

func (c *CreditSet) Add(id string) {
	if c.ids == nil {
		c.ids = make(map[string]struct{})
	}
	c.ids[id] = struct{}{}
}

func (c *CreditSet) Has(id string) bool {
	_, ok := c.ids[id]
	return ok
}

func (c *CreditSet) Len() int { return len(c.ids) }

// Clear empties the set at an episode boundary.
func (c *CreditSet) Clear() { clear(c.ids) }
