package control

import (
	"time"

	"github.com/banshee-data/junction.control/internal/config"
	"github.com/banshee-data/junction.control/internal/signal"
	"github.com/banshee-data/junction.control/internal/telemetry"
	"github.com/banshee-data/junction.control/internal/traffic"
)

// SignalView is the intersection as shown to clients.
type SignalView struct {
	signal.State
	DisplayTimer int                          `json:"display_timer"`
	Lights       map[signal.Side]signal.Phase `json:"lights"`
}

// EpisodeView is the running episode.
type EpisodeView struct {
	Number int     `json:"number"`
	Step   int     `json:"step"`
	Reward float64 `json:"reward"`
}

// Snapshot is a consistent, deep-copied view of the controller.
type Snapshot struct {
	Time      time.Time           `json:"time"`
	Vehicles  []traffic.Vehicle   `json:"vehicles"`
	Signal    SignalView          `json:"signal"`
	Stats     traffic.Stats       `json:"stats"`
	Metrics   Metrics             `json:"metrics"`
	Episode   EpisodeView         `json:"episode"`
	Telemetry *telemetry.Decision `json:"telemetry,omitempty"`
	Weather   config.Weather      `json:"weather"`
	Paused    bool                `json:"paused"`
	AutoSpawn bool                `json:"auto_spawn"`
	Degraded  bool                `json:"degraded"`
}

// Snapshot copies the current state under the lock.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.sig.State()
	snap := Snapshot{
		Time:     c.clock.Now(),
		Vehicles: c.world.Snapshot(),
		Signal: SignalView{
			State:        state,
			DisplayTimer: c.sig.DisplayTimer(),
			Lights: map[signal.Side]signal.Phase{
				signal.NS: c.sig.LightFor(signal.NS),
				signal.EW: c.sig.LightFor(signal.EW),
			},
		},
		Stats:   c.world.Stats(),
		Metrics: c.metricsLocked(),
		Episode: EpisodeView{
			Number: c.metrics.Episodes + 1,
			Step:   c.ep.steps,
			Reward: c.ep.reward,
		},
		Weather:   c.world.Weather(),
		Paused:    c.paused,
		AutoSpawn: c.autoSpawn,
	}
	if c.latest != nil {
		d := c.latest.Clone()
		snap.Telemetry = &d
		snap.Degraded = d.Degraded
	}
	if dr, ok := c.agent.(degradedReporter); ok && dr.Degraded() {
		snap.Degraded = true
	}
	return snap
}

// Metrics returns a copy of the cumulative metrics.
func (c *Controller) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsLocked()
}

func (c *Controller) metricsLocked() Metrics {
	m := c.metrics
	m.TotalEmissions = c.world.TotalEmissions()
	m.VehiclesPassed = c.world.PassedCount()
	m.RewardHistory = append([]float64{}, c.metrics.RewardHistory...)
	return m
}

// LatestDecision returns the most recent decision telemetry, if any.
func (c *Controller) LatestDecision() (telemetry.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return telemetry.Decision{}, false
	}
	return c.latest.Clone(), true
}
