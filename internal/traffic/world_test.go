package traffic

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/junction.control/internal/config"
	"github.com/banshee-data/junction.control/internal/signal"
)

const frame = 1.0 / 60

type fixedLights map[signal.Side]signal.Phase

func (f fixedLights) LightFor(s signal.Side) signal.Phase {
	if p, ok := f[s]; ok {
		return p
	}
	return signal.Red
}

var greenNS = fixedLights{signal.NS: signal.Green}

func newTestWorld(t *testing.T, cfg *config.SimConfig) *World {
	t.Helper()
	if cfg == nil {
		cfg = config.EmptySimConfig()
	}
	w, err := NewWorld(cfg)
	require.NoError(t, err)
	return w
}

func progressOf(w *World, v Vehicle) float64 {
	return w.geo.Progress(v.Direction, v.X, v.Y)
}

func TestGeometry_EntryPoints(t *testing.T) {
	g := GeometryFromConfig(config.EmptySimConfig())
	tests := []struct {
		dir    Direction
		wantX  float64
		wantY  float64
		wantVX float64
		wantVY float64
	}{
		{North, 420, 850, 0, -1},
		{South, 380, -50, 0, 1},
		{East, -50, 420, 1, 0},
		{West, 850, 380, -1, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.dir), func(t *testing.T) {
			x, y := g.PointAt(tt.dir, g.EntryProgress(tt.dir))
			assert.InDelta(t, tt.wantX, x, 1e-9)
			assert.InDelta(t, tt.wantY, y, 1e-9)
			assert.InDelta(t, 450, g.Progress(tt.dir, x, y), 1e-9)
			vx, vy := tt.dir.unit()
			assert.Equal(t, tt.wantVX, vx)
			assert.Equal(t, tt.wantVY, vy)
		})
	}
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{"n": North, "South": South, " E ": East, "WEST": West} {
		got, err := ParseDirection(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseDirection("up")
	assert.True(t, errors.Is(err, ErrUnknownDirection))
	assert.Equal(t, signal.NS, North.Side())
	assert.Equal(t, signal.EW, West.Side())
}

func TestStep_NorthboundVehiclePassesBeforeLeaving(t *testing.T) {
	w := newTestWorld(t, nil)
	v, err := w.Spawn(North, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	id := v.ID

	var sawPassed bool
	for i := 0; i < 60*60 && w.Len() > 0; i++ {
		w.Step(greenNS, frame)
		if w.Len() == 1 && w.Snapshot()[0].Passed {
			sawPassed = true
		}
	}
	assert.True(t, sawPassed, "vehicle should be marked passed while still in bounds")
	assert.Equal(t, 0, w.Len(), "vehicle should leave the bounds")
	assert.Equal(t, 1, w.PassedCount())
	assert.Equal(t, []string{id}, w.TakePassed())
	assert.Empty(t, w.TakePassed(), "passed ids are handed out once")
}

func TestStep_GreenOutsideZoneDoesNotStop(t *testing.T) {
	w := newTestWorld(t, nil)
	for _, s := range []float64{400, 200, 131, 69, 10, -50} {
		w.Reset()
		v := w.Place(North, s, Standard)
		assert.False(t, w.ShouldStop(v.ID, greenNS), "s=%v", s)
	}
}

func TestStep_StopsAtRedInsideZone(t *testing.T) {
	w := newTestWorld(t, nil)
	w.Place(East, 200, Standard)

	red := fixedLights{signal.NS: signal.Green}
	for i := 0; i < 600; i++ {
		w.Step(red, frame)
	}
	snap := w.Snapshot()
	require.Len(t, snap, 1)
	v := snap[0]
	assert.Zero(t, v.Speed)
	assert.False(t, v.Passed)
	assert.True(t, v.IsStopping)
	assert.Greater(t, v.Waiting, 5.0)
	s := progressOf(w, v)
	assert.GreaterOrEqual(t, s, 70.0)
	assert.LessOrEqual(t, s, 130.0)

	// Turning green releases it and resets the waiting time.
	w.Step(fixedLights{signal.EW: signal.Green}, frame)
	v = w.Snapshot()[0]
	assert.False(t, v.IsStopping)
	assert.Zero(t, v.Waiting)
	assert.Greater(t, v.Speed, 0.0)
}

func TestStep_YellowHoldsVehiclesInZone(t *testing.T) {
	w := newTestWorld(t, nil)
	v := w.Place(South, 100, Standard)
	assert.True(t, w.ShouldStop(v.ID, fixedLights{signal.NS: signal.Yellow}))
}

func TestStep_HeavyVehiclesBlockAtNinetyUnits(t *testing.T) {
	w := newTestWorld(t, nil)
	lead := w.Place(North, 300, Heavy)
	trail := w.Place(North, 390, Heavy)

	assert.False(t, w.ShouldStop(lead.ID, greenNS))
	assert.True(t, w.ShouldStop(trail.ID, greenNS), "trailing heavy vehicle inside 100-unit gap")

	w.Step(greenNS, frame)
	snap := w.Snapshot()
	assert.True(t, snap[1].IsStopping)
	assert.Less(t, snap[1].Speed, snap[1].MaxSpeed)
}

func TestStep_StandardVehiclesAtNinetyUnitsFlow(t *testing.T) {
	w := newTestWorld(t, nil)
	w.Place(North, 300, Standard)
	trail := w.Place(North, 390, Standard)
	assert.False(t, w.ShouldStop(trail.ID, greenNS))

	// Mixed pair uses the heavy gap.
	w.Reset()
	w.Place(North, 300, Heavy)
	trail = w.Place(North, 390, Standard)
	assert.True(t, w.ShouldStop(trail.ID, greenNS))
}

func TestStep_BlockingIgnoresOtherLanesAndTrailers(t *testing.T) {
	w := newTestWorld(t, nil)
	v := w.Place(North, 300, Standard)
	w.Place(South, 250, Standard) // opposite lane
	w.Place(North, 340, Standard) // behind
	assert.False(t, w.ShouldStop(v.ID, greenNS))
}

func TestStep_ClampsDt(t *testing.T) {
	w := newTestWorld(t, nil)
	v := w.Place(North, 300, Standard)
	startY := v.Y
	w.Step(greenNS, 1.0)
	// 3 units/frame × 0.1 s × 60 frames/s
	assert.InDelta(t, startY-18, w.Snapshot()[0].Y, 1e-9)

	w.Step(greenNS, 0)
	w.Step(greenNS, -1)
	assert.InDelta(t, startY-18, w.Snapshot()[0].Y, 1e-9)
}

func TestStep_Emissions(t *testing.T) {
	red := fixedLights{}
	tests := []struct {
		name  string
		class Class
		speed float64
		want  float64
	}{
		{"idle standard", Standard, 0, 0.5 * 0.1},
		{"idle heavy", Heavy, 0, 0.5 * 2.5 * 0.1},
		{"running", Standard, -1, 1.0 * 0.1},
		{"accelerating", Standard, 1, 2.0 * 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorld(t, nil)
			lights := Lights(red)
			s := 100.0
			if tt.speed != 0 {
				lights = greenNS
				s = 300
			}
			v := w.Place(North, s, tt.class)
			if tt.speed >= 0 {
				v.Speed = tt.speed
			}
			w.Step(lights, 0.1)
			assert.InDelta(t, tt.want, w.TotalEmissions(), 1e-9)
			assert.InDelta(t, tt.want, w.TakeIntervalEmissions(), 1e-9)
			assert.Zero(t, w.TakeIntervalEmissions())
			assert.InDelta(t, tt.want, w.TotalEmissions(), 1e-9, "total is not reset by the interval take")
		})
	}
}

func TestSpawn_Clearance(t *testing.T) {
	w := newTestWorld(t, nil)
	rng := rand.New(rand.NewPCG(7, 7))

	_, err := w.Spawn(North, rng)
	require.NoError(t, err)
	_, err = w.Spawn(North, rng)
	assert.True(t, errors.Is(err, ErrSpawnBlocked))
	assert.Equal(t, 1, w.Len())

	_, err = w.Spawn(East, rng)
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		w.Step(fixedLights{signal.NS: signal.Green, signal.EW: signal.Green}, frame)
	}
	_, err = w.Spawn(North, rng)
	assert.NoError(t, err, "entry should be clear once the first vehicle moved on")
}

func TestSpawn_ClassAndSpeedBand(t *testing.T) {
	heavy := 1.0
	cfg := config.EmptySimConfig()
	cfg.HeavyFraction = &heavy
	snow := config.WeatherSnow
	cfg.Weather = &snow

	w := newTestWorld(t, cfg)
	rng := rand.New(rand.NewPCG(3, 4))
	for _, d := range Directions() {
		v, err := w.Spawn(d, rng)
		require.NoError(t, err)
		assert.Equal(t, Heavy, v.Class)
		assert.Equal(t, 34.0, v.Length)
		assert.GreaterOrEqual(t, v.MaxSpeed, 1.6*0.8)
		assert.LessOrEqual(t, v.MaxSpeed, 1.6*1.2)
		assert.NotEmpty(t, v.ID)
	}
}

func TestSetWeather_OnlyAffectsNewSpawns(t *testing.T) {
	w := newTestWorld(t, nil)
	old := w.Place(North, 300, Standard)
	snow, err := config.LookupWeather(config.WeatherSnow)
	require.NoError(t, err)
	w.SetWeather(snow)

	assert.Equal(t, 3.0, w.Snapshot()[0].MaxSpeed)
	assert.Equal(t, 3.0, old.MaxSpeed)
	assert.Equal(t, 1.6, w.Place(South, 300, Standard).MaxSpeed)
	assert.Equal(t, config.WeatherSnow, w.Weather().Name)
}

func TestStats(t *testing.T) {
	w := newTestWorld(t, nil)
	assert.Equal(t, Stats{}, w.Stats(), "empty population has zero mean speed")

	a := w.Place(North, 100, Standard)
	a.Speed = 0
	a.Waiting = 12
	b := w.Place(East, 300, Standard)
	b.Speed = 2
	c := w.Place(West, -30, Standard)
	c.Speed = 3
	c.Passed = true

	st := w.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.QueueNS)
	assert.Equal(t, 1, st.QueueEW)
	assert.Equal(t, 2, st.Queued())
	assert.Equal(t, 1, st.StoppedNS)
	assert.Equal(t, 0, st.StoppedEW)
	assert.InDelta(t, 1.0, st.MeanSpeed, 1e-9)
	assert.Equal(t, 12.0, st.MaxWaiting)
}

func TestSnapshotIsCopy(t *testing.T) {
	w := newTestWorld(t, nil)
	w.Place(North, 300, Standard)
	snap := w.Snapshot()
	snap[0].Speed = 99
	assert.NotEqual(t, 99.0, w.Snapshot()[0].Speed)
}

func TestReset(t *testing.T) {
	w := newTestWorld(t, nil)
	rng := rand.New(rand.NewPCG(1, 1))
	for _, d := range Directions() {
		_, err := w.Spawn(d, rng)
		require.NoError(t, err)
	}
	w.Step(greenNS, 0.1)
	w.Reset()
	assert.Zero(t, w.Len())
	assert.Zero(t, w.TotalEmissions())
	assert.Zero(t, w.TakeIntervalEmissions())
	assert.Zero(t, w.PassedCount())
	assert.Empty(t, w.TakePassed())
}

// Random traffic under a cycling signal: passed never reverts and speed
// stays within [0, MaxSpeed].
func TestStep_Invariants(t *testing.T) {
	w := newTestWorld(t, nil)
	rng := rand.New(rand.NewPCG(42, 99))
	sig := signal.New(signal.TimingsFromConfig(config.EmptySimConfig()))
	passed := map[string]bool{}

	for i := 0; i < 60*120; i++ {
		if i%30 == 0 {
			_, _ = w.Spawn(Directions()[rng.IntN(4)], rng)
		}
		if i%60 == 0 && sig.Tick() {
			_, err := sig.Apply(signal.Action(rng.IntN(signal.NumActions)))
			require.NoError(t, err)
		}
		dt := frame * (0.5 + rng.Float64()*10)
		w.Step(sig, dt)

		for _, v := range w.Snapshot() {
			if passed[v.ID] {
				require.True(t, v.Passed, "vehicle %s reverted passed", v.ID)
			}
			passed[v.ID] = v.Passed
			require.GreaterOrEqual(t, v.Speed, 0.0)
			require.LessOrEqual(t, v.Speed, v.MaxSpeed)
			require.False(t, math.IsNaN(v.X) || math.IsNaN(v.Y))
		}
	}
	assert.Greater(t, w.PassedCount(), 0)
}
