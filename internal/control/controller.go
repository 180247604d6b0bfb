// Package control runs the intersection: it owns the vehicle world, the
// signal state machine and the episode bookkeeping behind a single mutex,
// and drives the frame, decision, spawn and learning loops.
package control

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/junction.control/internal/agent"
	"github.com/banshee-data/junction.control/internal/config"
	"github.com/banshee-data/junction.control/internal/monitoring"
	"github.com/banshee-data/junction.control/internal/perception"
	"github.com/banshee-data/junction.control/internal/reward"
	"github.com/banshee-data/junction.control/internal/signal"
	"github.com/banshee-data/junction.control/internal/telemetry"
	"github.com/banshee-data/junction.control/internal/timeutil"
	"github.com/banshee-data/junction.control/internal/traffic"
)

// Options configures a Controller.
type Options struct {
	Config *config.SimConfig
	Agent  agent.Agent
	Clock  timeutil.Clock
	// Seed drives spawning. Zero picks a random seed.
	Seed   uint64
	Events *telemetry.Dispatcher
}

// degradedReporter is implemented by agents that can fall back to a
// default policy, such as agent.Resilient.
type degradedReporter interface {
	Degraded() bool
}

// Metrics are cumulative counters for reporting. Control logic never reads
// them.
type Metrics struct {
	TotalEmissions float64   `json:"total_emissions"`
	VehiclesPassed int       `json:"vehicles_passed"`
	Episodes       int       `json:"episodes"`
	RewardHistory  []float64 `json:"reward_history"` // oldest first
	Decisions      int64     `json:"decisions"`
	LearnSteps     int64     `json:"learn_steps"`
	LearnSkipped   int64     `json:"learn_skipped"`
	LearnErrors    int64     `json:"learn_errors"`
	SpawnBlocked   int64     `json:"spawn_blocked"`
}

// episode is the per-episode training state.
type episode struct {
	prevObs    perception.Observation
	prevAction int
	hasPrev    bool
	steps      int
	reward     float64
	credited   *reward.CreditSet
}

func (e *episode) reset() {
	e.prevObs = nil
	e.prevAction = 0
	e.hasPrev = false
	e.steps = 0
	e.reward = 0
	e.credited.Clear()
}

// Controller is the simulation aggregate and its loops.
type Controller struct {
	cfg        *config.SimConfig
	agent      agent.Agent
	clock      timeutil.Clock
	events     *telemetry.Dispatcher
	featurizer perception.Featurizer
	evaluator  reward.Evaluator
	horizon    int
	historyLen int
	defaultAct int
	log        *monitoring.Throttle

	mu        sync.Mutex
	world     *traffic.World
	sig       *signal.Intersection
	ep        episode
	metrics   Metrics
	latest    *telemetry.Decision
	paused    bool
	autoSpawn bool
	rng       *rand.Rand
	seq       int64

	learnTrigger chan struct{}
	learnBusy    atomic.Bool
}

// New builds a controller from opts. The agent is required.
func New(opts Options) (*Controller, error) {
	if opts.Agent == nil {
		return nil, errors.New("control: agent is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.EmptySimConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	world, err := traffic.NewWorld(cfg)
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	timings := signal.TimingsFromConfig(cfg)
	th := monitoring.NewThrottle(30 * time.Second)
	th.Now = clock.Now

	return &Controller{
		cfg:          cfg,
		agent:        opts.Agent,
		clock:        clock,
		events:       opts.Events,
		featurizer:   perception.New(timings),
		evaluator:    reward.Evaluator{W: reward.WeightsFromConfig(cfg)},
		horizon:      cfg.GetEpisodeHorizon(),
		historyLen:   cfg.GetRewardHistoryLen(),
		defaultAct:   cfg.GetDefaultAction(),
		log:          th,
		world:        world,
		sig:          signal.New(timings),
		ep:           episode{credited: reward.NewCreditSet()},
		autoSpawn:    cfg.GetAutoSpawn(),
		rng:          rand.New(rand.NewPCG(seed, seed>>1|1)),
		learnTrigger: make(chan struct{}, 1),
	}, nil
}

// Frame advances the kinematics by dt seconds. It does nothing while paused.
func (c *Controller) Frame(dt float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.world.Step(c.sig, dt)
}

// DecisionTick counts the signal timer down by one second and, on expiry,
// closes the previous decision interval and applies the next transition.
// It does nothing while paused.
func (c *Controller) DecisionTick(ctx context.Context) {
	c.mu.Lock()
	if c.paused || !c.sig.Tick() {
		c.mu.Unlock()
		return
	}
	dec, finished := c.decideLocked()
	c.mu.Unlock()

	if finished != nil {
		monitoring.Logf("episode %d finished: reward=%.2f steps=%d", finished.Number, finished.Reward, finished.Steps)
		c.events.PublishEpisode(*finished)
	}
	c.events.PublishDecision(dec)
}

func (c *Controller) decideLocked() (telemetry.Decision, *telemetry.Episode) {
	now := c.clock.Now()
	stats := c.world.Stats()
	obs := c.featurizer.Observe(stats, c.sig.State(), c.world.Weather().Severity)
	res := c.evaluator.Evaluate(reward.Inputs{
		NewlyPassed: c.world.TakePassed(),
		Queued:      stats.Queued(),
		Emissions:   c.world.TakeIntervalEmissions(),
	}, c.ep.credited)
	c.ep.reward += res.Total

	var finished *telemetry.Episode
	if c.ep.hasPrev {
		done := c.ep.steps >= c.horizon
		err := c.agent.RecordTransition(agent.Transition{
			Obs:    c.ep.prevObs,
			Action: c.ep.prevAction,
			Reward: res.Total,
			Next:   obs,
			Done:   done,
		})
		if err != nil {
			c.log.Logf("record", "record transition: %v", err)
		} else {
			c.requestLearn()
		}
		if done {
			finished = c.finishEpisodeLocked(now)
		}
	}

	forced := c.sig.NextIsForced()
	action := c.defaultAct
	agentFailed := false
	if !forced {
		a, err := c.agent.SelectAction(obs)
		switch {
		case err != nil:
			agentFailed = true
			c.log.Logf("select", "select action: %v; using default %d", err, c.defaultAct)
		case !signal.Action(a).Valid():
			agentFailed = true
			c.log.Logf("select", "agent returned invalid action %d; using default %d", a, c.defaultAct)
		default:
			action = a
		}
	}
	values, err := c.agent.EstimateValues(obs)
	if err != nil {
		values = nil
	}
	st, err := c.agent.Stats()
	if err != nil {
		agentFailed = true
	}

	state, err := c.sig.Apply(signal.Action(action))
	if err != nil {
		// Only reachable with a misconfigured default action.
		monitoring.Logf("apply action %d: %v", action, err)
	}

	c.ep.steps++
	c.ep.prevObs = obs
	c.ep.prevAction = action
	c.ep.hasPrev = true
	c.metrics.Decisions++
	c.seq++

	degraded := agentFailed
	if dr, ok := c.agent.(degradedReporter); ok && dr.Degraded() {
		degraded = true
	}
	confidence := 1 - st.Epsilon
	if degraded {
		confidence = 0
	}

	dec := telemetry.Decision{
		Seq:         c.seq,
		Time:        now,
		Episode:     c.metrics.Episodes + 1,
		Step:        c.ep.steps,
		Action:      action,
		ActionLabel: signal.Action(action).String(),
		Forced:      forced,
		Values:      values,
		Confidence:  confidence,
		Agent:       st,
		Degraded:    degraded,
		Reward:      res,
		EpisodeSum:  c.ep.reward,
		Observation: obs,
		Signal:      state,
	}
	latest := dec.Clone()
	c.latest = &latest
	return dec, finished
}

// finishEpisodeLocked archives the episode reward and resets the episode.
func (c *Controller) finishEpisodeLocked(now time.Time) *telemetry.Episode {
	c.metrics.Episodes++
	c.metrics.RewardHistory = append(c.metrics.RewardHistory, c.ep.reward)
	if over := len(c.metrics.RewardHistory) - c.historyLen; over > 0 {
		c.metrics.RewardHistory = append([]float64(nil), c.metrics.RewardHistory[over:]...)
	}
	ep := &telemetry.Episode{
		Number:         c.metrics.Episodes,
		Reward:         c.ep.reward,
		Steps:          c.ep.steps,
		EndedAt:        now,
		VehiclesPassed: c.world.PassedCount(),
		Emissions:      c.world.TotalEmissions(),
		Weather:        c.world.Weather().Name,
	}
	c.ep.reset()
	return ep
}

// requestLearn hands a learning step to the learn worker unless one is
// already pending or running.
func (c *Controller) requestLearn() {
	if !c.learnBusy.CompareAndSwap(false, true) {
		c.metrics.LearnSkipped++
		return
	}
	select {
	case c.learnTrigger <- struct{}{}:
	default:
		c.learnBusy.Store(false)
		c.metrics.LearnSkipped++
	}
}

// learn runs one agent learning step bounded by the learn timeout.
func (c *Controller) learn(ctx context.Context) {
	defer c.learnBusy.Store(false)
	lctx, cancel := context.WithTimeout(ctx, c.cfg.GetLearnTimeout())
	defer cancel()
	err := c.agent.LearnStep(lctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.metrics.LearnErrors++
		c.log.Logf("learn", "learn step: %v", err)
		return
	}
	c.metrics.LearnSteps++
}

// SpawnVehicle adds a vehicle at the entry point of dir. It returns
// traffic.ErrSpawnBlocked when the entry point is occupied.
func (c *Controller) SpawnVehicle(dir traffic.Direction) (traffic.Vehicle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.world.Spawn(dir, c.rng)
	if err != nil {
		if errors.Is(err, traffic.ErrSpawnBlocked) {
			c.metrics.SpawnBlocked++
		}
		return traffic.Vehicle{}, err
	}
	return *v, nil
}

// autoSpawnOnce spawns at a random approach unless paused or disabled.
// Blocked entry points are skipped silently.
func (c *Controller) autoSpawnOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || !c.autoSpawn {
		return
	}
	dirs := traffic.Directions()
	if _, err := c.world.Spawn(dirs[c.rng.IntN(len(dirs))], c.rng); err != nil {
		c.metrics.SpawnBlocked++
	}
}

// TogglePause flips the pause flag and returns the new value.
func (c *Controller) TogglePause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = !c.paused
	return c.paused
}

// ToggleAutoSpawn flips the autospawn flag and returns the new value.
func (c *Controller) ToggleAutoSpawn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoSpawn = !c.autoSpawn
	return c.autoSpawn
}

// SetWeather switches the weather preset for new spawns. Unknown modes are
// rejected and the current weather is kept.
func (c *Controller) SetWeather(mode string) error {
	w, err := config.LookupWeather(mode)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.world.SetWeather(w)
	return nil
}

// Reset clears vehicles, signal, episode state and cumulative metrics. The
// reward history and the agent's learned state are kept.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.world.Reset()
	c.sig.Reset()
	c.ep.reset()
	c.metrics = Metrics{RewardHistory: c.metrics.RewardHistory}
	c.latest = nil
	monitoring.Logf("simulation reset")
}

// Agent returns the agent driving decisions.
func (c *Controller) Agent() agent.Agent { return c.agent }
