package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/junction.control/internal/agent"
	"github.com/banshee-data/junction.control/internal/config"
	"github.com/banshee-data/junction.control/internal/monitoring"
	"github.com/banshee-data/junction.control/internal/signal"
	"github.com/banshee-data/junction.control/internal/telemetry"
	"github.com/banshee-data/junction.control/internal/timeutil"
	"github.com/banshee-data/junction.control/internal/traffic"
)

type stubAgent struct {
	mu          sync.Mutex
	action      int
	epsilon     float64
	err         error
	selectErr   error // fails SelectAction only
	recordErr   error // fails RecordTransition only
	selectCalls int
	learnCalls  int
	transitions []agent.Transition
	shutdown    bool
}

func (s *stubAgent) SelectAction([]float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectCalls++
	if s.selectErr != nil {
		return 0, s.selectErr
	}
	return s.action, s.err
}

func (s *stubAgent) EstimateValues([]float64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return []float64{0.1, 0.2, 0.3}, nil
}

func (s *stubAgent) RecordTransition(t agent.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.recordErr != nil {
		return s.recordErr
	}
	s.transitions = append(s.transitions, t)
	return nil
}

func (s *stubAgent) LearnStep(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learnCalls++
	return s.err
}

func (s *stubAgent) Stats() (agent.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return agent.Stats{}, s.err
	}
	return agent.Stats{Epsilon: s.epsilon}, nil
}

func (s *stubAgent) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}

func (s *stubAgent) snapshot() (selects int, transitions []agent.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectCalls, append([]agent.Transition(nil), s.transitions...)
}

func ptr[T any](v T) *T { return &v }

// fastConfig makes every decision tick a timer expiry.
func fastConfig() *config.SimConfig {
	cfg := config.EmptySimConfig()
	cfg.MinGreenSecs = ptr(1)
	cfg.YellowSecs = ptr(1)
	cfg.ShortExtensionSecs = ptr(1)
	cfg.LongExtensionSecs = ptr(1)
	return cfg
}

func newTestController(t *testing.T, cfg *config.SimConfig, a agent.Agent) (*Controller, *timeutil.MockClock) {
	t.Helper()
	monitoring.SetLogger(nil)
	clock := timeutil.NewMockClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	c, err := New(Options{Config: cfg, Agent: a, Clock: clock, Seed: 11})
	require.NoError(t, err)
	return c, clock
}

func TestNew_RequiresAgent(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Agent: &stubAgent{}, Config: &config.SimConfig{Weather: ptr("hail")}})
	assert.ErrorIs(t, err, config.ErrUnknownWeather)
}

func TestDecisionTick_WaitsForTimer(t *testing.T) {
	a := &stubAgent{action: int(signal.ActionExtendShort), epsilon: 0.25}
	c, _ := newTestController(t, nil, a)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		c.DecisionTick(ctx)
	}
	_, ok := c.LatestDecision()
	assert.False(t, ok)
	assert.Equal(t, 1, c.Snapshot().Signal.Timer)

	c.DecisionTick(ctx)
	dec, ok := c.LatestDecision()
	require.True(t, ok)
	assert.Equal(t, "extend_short", dec.ActionLabel)
	assert.False(t, dec.Forced)
	assert.Equal(t, 1, dec.Step)
	assert.Equal(t, 1, dec.Episode)
	assert.InDelta(t, 0.75, dec.Confidence, 1e-12)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, dec.Values)
	assert.Len(t, dec.Observation, 12)
	assert.Equal(t, signal.State{ActiveSide: signal.NS, Phase: signal.Green, Timer: 5}, dec.Signal)

	selects, transitions := a.snapshot()
	assert.Equal(t, 1, selects)
	assert.Empty(t, transitions, "first decision has no previous observation")
}

func TestDecisionTick_ForcedYellowSkipsAgent(t *testing.T) {
	a := &stubAgent{action: int(signal.ActionSwitch)}
	c, _ := newTestController(t, fastConfig(), a)
	ctx := context.Background()

	c.DecisionTick(ctx) // green expires, agent says switch
	assert.Equal(t, signal.Yellow, c.Snapshot().Signal.Phase)

	a.mu.Lock()
	a.action = int(signal.ActionExtendLong)
	a.mu.Unlock()

	c.DecisionTick(ctx) // yellow expires, forced
	dec, _ := c.LatestDecision()
	assert.True(t, dec.Forced)
	assert.Equal(t, "switch", dec.ActionLabel)
	assert.Equal(t, signal.State{ActiveSide: signal.EW, Phase: signal.Green, Timer: 1}, dec.Signal)

	selects, transitions := a.snapshot()
	assert.Equal(t, 1, selects, "forced transition must not query the agent")
	require.Len(t, transitions, 1)
	assert.Equal(t, int(signal.ActionSwitch), transitions[0].Action)
}

func TestPauseFreezesTicks(t *testing.T) {
	c, _ := newTestController(t, nil, &stubAgent{})
	c.world.Place(traffic.North, 300, traffic.Standard)
	before := c.Snapshot()

	assert.True(t, c.TogglePause())
	for i := 0; i < 20; i++ {
		c.Frame(0.05)
		c.DecisionTick(context.Background())
	}
	c.autoSpawnOnce()

	after := c.Snapshot()
	assert.Equal(t, before.Vehicles, after.Vehicles)
	assert.Equal(t, before.Signal, after.Signal)
	assert.True(t, after.Paused)

	assert.False(t, c.TogglePause())
	c.Frame(0.05)
	assert.NotEqual(t, before.Vehicles[0].Y, c.Snapshot().Vehicles[0].Y)
}

func TestEpisodeHorizon(t *testing.T) {
	cfg := fastConfig()
	cfg.EpisodeHorizon = ptr(3)
	a := &stubAgent{action: int(signal.ActionExtendShort)}
	c, _ := newTestController(t, cfg, a)

	for i := 0; i < 4; i++ {
		c.DecisionTick(context.Background())
	}

	_, transitions := a.snapshot()
	require.Len(t, transitions, 3)
	assert.False(t, transitions[0].Done)
	assert.False(t, transitions[1].Done)
	assert.True(t, transitions[2].Done)

	m := c.Metrics()
	assert.Equal(t, 1, m.Episodes)
	assert.Len(t, m.RewardHistory, 1)

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.Episode.Step, "new episode has taken its first decision")
	assert.Equal(t, 2, snap.Episode.Number)
}

func TestRewardHistoryIsBoundedFIFO(t *testing.T) {
	c, _ := newTestController(t, nil, &stubAgent{})
	c.mu.Lock()
	for i := 1; i <= 60; i++ {
		c.ep.reward = float64(i)
		c.finishEpisodeLocked(c.clock.Now())
		require.LessOrEqual(t, len(c.metrics.RewardHistory), 50)
	}
	c.mu.Unlock()

	m := c.Metrics()
	require.Len(t, m.RewardHistory, 50)
	assert.Equal(t, 11.0, m.RewardHistory[0], "oldest entries dropped first")
	assert.Equal(t, 60.0, m.RewardHistory[49])
	assert.Equal(t, 60, m.Episodes)
}

func TestRewardHistoryThroughDecisions(t *testing.T) {
	cfg := fastConfig()
	cfg.EpisodeHorizon = ptr(1)
	c, _ := newTestController(t, cfg, &stubAgent{action: 1})
	for i := 0; i < 80; i++ {
		c.DecisionTick(context.Background())
	}
	m := c.Metrics()
	assert.Equal(t, 79, m.Episodes)
	assert.Len(t, m.RewardHistory, 50)
}

func TestReset(t *testing.T) {
	a := &stubAgent{action: 1}
	c, _ := newTestController(t, nil, a)
	for _, d := range []traffic.Direction{traffic.North, traffic.South, traffic.East, traffic.West} {
		c.world.Place(d, 300, traffic.Standard)
	}
	c.world.Place(traffic.North, 200, traffic.Heavy)
	c.Frame(0.1)

	c.mu.Lock()
	c.ep.reward = 1234
	c.ep.steps = 42
	c.ep.hasPrev = true
	c.ep.credited.Add("v1")
	c.metrics.RewardHistory = []float64{1, 2, 3}
	c.metrics.Episodes = 3
	c.metrics.Decisions = 300
	c.mu.Unlock()
	_, err := c.sig.Apply(signal.ActionSwitch)
	require.NoError(t, err)

	require.Len(t, c.Snapshot().Vehicles, 5)
	c.Reset()

	snap := c.Snapshot()
	assert.Empty(t, snap.Vehicles)
	assert.Equal(t, 0.0, snap.Episode.Reward)
	assert.Equal(t, 0, snap.Episode.Step)
	assert.Equal(t, []float64{1, 2, 3}, snap.Metrics.RewardHistory)
	assert.Zero(t, snap.Metrics.TotalEmissions)
	assert.Zero(t, snap.Metrics.VehiclesPassed)
	assert.Zero(t, snap.Metrics.Episodes)
	assert.Zero(t, snap.Metrics.Decisions)
	assert.Equal(t, signal.State{ActiveSide: signal.NS, Phase: signal.Green, Timer: 10}, snap.Signal.State)
	assert.Nil(t, snap.Telemetry)
	assert.Zero(t, c.ep.credited.Len())
	assert.Same(t, agent.Agent(a), c.Agent())
	assert.False(t, a.shutdown)
}

func TestSetWeather(t *testing.T) {
	c, _ := newTestController(t, nil, &stubAgent{})
	require.NoError(t, c.SetWeather("fog"))
	assert.Equal(t, config.WeatherFog, c.Snapshot().Weather.Name)

	err := c.SetWeather("sandstorm")
	assert.ErrorIs(t, err, config.ErrUnknownWeather)
	assert.Equal(t, config.WeatherFog, c.Snapshot().Weather.Name, "previous weather retained")
}

func TestSpawnVehicle(t *testing.T) {
	c, _ := newTestController(t, nil, &stubAgent{})
	v, err := c.SpawnVehicle(traffic.West)
	require.NoError(t, err)
	assert.Equal(t, traffic.West, v.Direction)

	_, err = c.SpawnVehicle(traffic.West)
	assert.ErrorIs(t, err, traffic.ErrSpawnBlocked)
	assert.Equal(t, int64(1), c.Metrics().SpawnBlocked)
}

func TestToggleAutoSpawn(t *testing.T) {
	c, _ := newTestController(t, nil, &stubAgent{})
	assert.False(t, c.ToggleAutoSpawn())
	c.autoSpawnOnce()
	assert.Empty(t, c.Snapshot().Vehicles)

	assert.True(t, c.ToggleAutoSpawn())
	c.autoSpawnOnce()
	assert.Len(t, c.Snapshot().Vehicles, 1)
}

func TestPassedVehicleIsCreditedAfterRemoval(t *testing.T) {
	c, _ := newTestController(t, nil, &stubAgent{action: 1})
	c.world.Place(traffic.North, 5, traffic.Standard)
	for i := 0; i < 200; i++ {
		c.Frame(1.0 / 60)
	}
	require.Empty(t, c.Snapshot().Vehicles)
	assert.Equal(t, 1, c.Metrics().VehiclesPassed)

	for i := 0; i < 10; i++ {
		c.DecisionTick(context.Background())
	}
	dec, ok := c.LatestDecision()
	require.True(t, ok)
	assert.Equal(t, 1, dec.Reward.Credited)
	assert.InDelta(t, 10.0, dec.Reward.PassTerm, 1e-12)
	assert.Zero(t, dec.Reward.QueueTerm)
}

func TestLearnRequestsCoalesce(t *testing.T) {
	a := &stubAgent{}
	c, _ := newTestController(t, nil, a)

	c.mu.Lock()
	c.requestLearn()
	c.requestLearn()
	c.requestLearn()
	skipped := c.metrics.LearnSkipped
	c.mu.Unlock()
	assert.Equal(t, int64(2), skipped, "only one learning step may be pending")

	<-c.learnTrigger
	c.learn(context.Background())
	assert.False(t, c.learnBusy.Load())
	assert.Equal(t, int64(1), c.Metrics().LearnSteps)

	a.err = errors.New("boom")
	c.learn(context.Background())
	assert.Equal(t, int64(1), c.Metrics().LearnErrors)
}

func TestDegradedAgentFallsBackToDefault(t *testing.T) {
	inner := &stubAgent{action: 2, err: errors.New("gpu gone")}
	clock := timeutil.NewMockClock(time.Now())
	r := agent.NewResilient(inner, agent.ResilientConfig{MaxFailures: 3, RetryAfter: time.Minute, Clock: clock})
	c, _ := newTestController(t, fastConfig(), r)

	for i := 0; i < 4; i++ {
		c.DecisionTick(context.Background())
	}
	dec, ok := c.LatestDecision()
	require.True(t, ok)
	assert.True(t, dec.Degraded)
	assert.Zero(t, dec.Confidence)
	assert.True(t, c.Snapshot().Degraded)
	assert.NotEqual(t, "extend_long", dec.ActionLabel)
}

func TestFailingSelectIsReportedDegraded(t *testing.T) {
	inner := &stubAgent{action: 2, epsilon: 0.1, selectErr: errors.New("policy backend unavailable")}
	clock := timeutil.NewMockClock(time.Now())
	r := agent.NewResilient(inner, agent.ResilientConfig{MaxFailures: 3, RetryAfter: time.Minute, Clock: clock})
	c, _ := newTestController(t, fastConfig(), r)

	c.DecisionTick(context.Background())
	dec, ok := c.LatestDecision()
	require.True(t, ok)
	assert.True(t, dec.Degraded, "the first fallback decision is already degraded")
	assert.Zero(t, dec.Confidence)

	for i := 0; i < 200; i++ {
		c.DecisionTick(context.Background())
		clock.Advance(time.Second)
	}
	dec, _ = c.LatestDecision()
	assert.True(t, dec.Degraded)
	assert.Zero(t, dec.Confidence)
	assert.NotEqual(t, "extend_long", dec.ActionLabel)
	assert.True(t, c.Snapshot().Degraded)
	assert.Equal(t, agent.StateOpen, r.Status().State)
}

func TestDroppedTransitionSkipsLearning(t *testing.T) {
	inner := &stubAgent{action: int(signal.ActionExtendShort), recordErr: errors.New("buffer rejected")}
	r := agent.NewResilient(inner, agent.ResilientConfig{MaxFailures: 100, RetryAfter: time.Minute})
	c, _ := newTestController(t, fastConfig(), r)

	for i := 0; i < 5; i++ {
		c.DecisionTick(context.Background())
	}
	assert.Len(t, c.learnTrigger, 0, "no learning for a dropped transition")
	assert.False(t, c.learnBusy.Load())
	assert.Zero(t, c.Metrics().LearnSkipped)
	assert.Equal(t, int64(5), c.Metrics().Decisions)
}

func TestRun_DrivesLoopsFromClock(t *testing.T) {
	rec := &memRecorder{}
	cfg := config.EmptySimConfig()
	monitoring.SetLogger(nil)
	clock := timeutil.NewMockClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	events := telemetry.NewDispatcher(16, time.Second, rec)
	c, err := New(Options{Config: cfg, Agent: &stubAgent{action: 1}, Clock: clock, Seed: 3, Events: events})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return clock.Tickers() == 3 }, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		want := 9 - i
		require.Eventually(t, func() bool {
			s := c.Snapshot()
			return s.Signal.Timer == want || (want == 0 && s.Telemetry != nil)
		}, time.Second, time.Millisecond, "tick %d", i)
	}

	require.Eventually(t, func() bool { return rec.decisionCount() == 1 }, time.Second, time.Millisecond)
	assert.NotEmpty(t, c.Snapshot().Vehicles, "autospawn should have produced traffic")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type memRecorder struct {
	mu        sync.Mutex
	decisions []telemetry.Decision
	episodes  []telemetry.Episode
}

func (m *memRecorder) RecordDecision(_ context.Context, d telemetry.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *memRecorder) RecordEpisode(_ context.Context, e telemetry.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodes = append(m.episodes, e)
	return nil
}

func (m *memRecorder) decisionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.decisions)
}
