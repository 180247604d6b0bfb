// Package perception turns the simulation state into the fixed-length,
// normalised observation vector consumed by the agent.
//
// The slot order and caps are part of the agent contract: a policy trained
// against one layout is meaningless under another.
package perception

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/junction.control/internal/signal"
	"github.com/banshee-data/junction.control/internal/traffic"
)

// Size is the observation length.
const Size = 12

const (
	queueCap        = 20
	stoppedCap      = 20
	speedCap        = 5
	waitingCap      = 100
	imbalanceCap    = 20
	totalStoppedCap = 40
)

var labels = [Size]string{
	"queue_ns",
	"queue_ew",
	"stopped_ns",
	"stopped_ew",
	"active_side",
	"phase",
	"timer",
	"mean_speed",
	"weather_severity",
	"max_waiting",
	"queue_imbalance",
	"stopped_total",
}

// Labels names each observation slot.
func Labels() []string { return append([]string(nil), labels[:]...) }

// Observation is a normalised feature vector; every element is in [0,1].
type Observation []float64

// Valid reports whether o has the expected length and range.
func (o Observation) Valid() bool {
	if len(o) != Size {
		return false
	}
	return floats.Min(o) >= 0 && floats.Max(o) <= 1
}

// Named pairs each value with its label.
func (o Observation) Named() map[string]float64 {
	m := make(map[string]float64, len(o))
	for i, v := range o {
		if i < Size {
			m[labels[i]] = v
		}
	}
	return m
}

// Featurizer builds observations. MaxGreen is the timer cap in seconds.
type Featurizer struct {
	MaxGreen float64
}

// New returns a Featurizer normalising the timer by the signal's max green.
func New(t signal.Timings) Featurizer {
	return Featurizer{MaxGreen: float64(t.MaxGreen)}
}

func norm(x, limit float64) float64 {
	if limit <= 0 || x <= 0 {
		return 0
	}
	return math.Min(x/limit, 1)
}

// Observe encodes the population statistics, the intersection state and
// the weather severity.
func (f Featurizer) Observe(st traffic.Stats, sig signal.State, severity float64) Observation {
	obs := make(Observation, Size)
	obs[0] = norm(float64(st.QueueNS), queueCap)
	obs[1] = norm(float64(st.QueueEW), queueCap)
	obs[2] = norm(float64(st.StoppedNS), stoppedCap)
	obs[3] = norm(float64(st.StoppedEW), stoppedCap)
	if sig.ActiveSide == signal.NS {
		obs[4] = 1
	}
	switch sig.Phase {
	case signal.Green:
		obs[5] = 1
	case signal.Yellow:
		obs[5] = 0.5
	}
	obs[6] = norm(float64(sig.Timer), f.MaxGreen)
	obs[7] = norm(st.MeanSpeed, speedCap)
	obs[8] = math.Max(0, math.Min(severity, 1))
	obs[9] = norm(st.MaxWaiting, waitingCap)
	obs[10] = norm(math.Abs(float64(st.QueueNS-st.QueueEW)), imbalanceCap)
	obs[11] = norm(float64(st.StoppedNS+st.StoppedEW), totalStoppedCap)
	return obs
}
