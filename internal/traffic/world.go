// Package traffic is the kinematics engine: vehicle motion, car-following,
// stop-line behaviour, emissions and spawning at the four approaches.
package traffic

import (
	"errors"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/junction.control/internal/config"
	"github.com/banshee-data/junction.control/internal/signal"
)

// framesPerSecond converts seconds to reference frames. Speeds and
// acceleration rates are expressed per reference frame.
const framesPerSecond = 60.0

// ErrSpawnBlocked is returned when the entry point is occupied.
var ErrSpawnBlocked = errors.New("spawn point occupied")

// Lights is the part of the intersection the kinematics read.
type Lights interface {
	LightFor(side signal.Side) signal.Phase
}

// Params are the kinematic and emission constants.
type Params struct {
	StopZoneNear     float64
	StopZoneFar      float64
	MinGap           float64
	HeavyMinGap      float64
	LateralTolerance float64

	ClearanceLateral      float64
	ClearanceLongitudinal float64

	Acceleration  float64 // per frame
	Braking       float64 // per frame
	StopThreshold float64
	AccelEpsilon  float64
	MaxStepDt     float64 // seconds

	HeavyFraction  float64
	SpeedFactorMin float64
	SpeedFactorMax float64
	StandardLength float64
	HeavyLength    float64

	IdleRate       float64 // per second
	AccelRate      float64
	RunningRate    float64
	HeavyEmissions float64 // multiplier
}

// ParamsFromConfig reads the kinematic constants from cfg.
func ParamsFromConfig(cfg *config.SimConfig) Params {
	return Params{
		StopZoneNear:          cfg.GetStopZoneNear(),
		StopZoneFar:           cfg.GetStopZoneFar(),
		MinGap:                cfg.GetMinGap(),
		HeavyMinGap:           cfg.GetHeavyMinGap(),
		LateralTolerance:      cfg.GetLateralTolerance(),
		ClearanceLateral:      cfg.GetSpawnClearanceLateral(),
		ClearanceLongitudinal: cfg.GetSpawnClearanceLongitudinal(),
		Acceleration:          cfg.GetAcceleration(),
		Braking:               cfg.GetBraking(),
		StopThreshold:         cfg.GetStopSpeedThreshold(),
		AccelEpsilon:          cfg.GetAccelEpsilon(),
		MaxStepDt:             cfg.GetMaxStepDt(),
		HeavyFraction:         cfg.GetHeavyFraction(),
		SpeedFactorMin:        cfg.GetSpeedFactorMin(),
		SpeedFactorMax:        cfg.GetSpeedFactorMax(),
		StandardLength:        cfg.GetStandardLength(),
		HeavyLength:           cfg.GetHeavyLength(),
		IdleRate:              cfg.GetIdleEmissionRate(),
		AccelRate:             cfg.GetAccelEmissionRate(),
		RunningRate:           cfg.GetRunningEmissionRate(),
		HeavyEmissions:        cfg.GetHeavyEmissionMultiplier(),
	}
}

// Stats aggregates the vehicle set for observations and reporting.
type Stats struct {
	Total      int     `json:"total"`
	QueueNS    int     `json:"queue_ns"` // unpassed vehicles on the axis
	QueueEW    int     `json:"queue_ew"`
	StoppedNS  int     `json:"stopped_ns"`
	StoppedEW  int     `json:"stopped_ew"`
	MeanSpeed  float64 `json:"mean_speed"` // unpassed vehicles; 0 when none
	MaxWaiting float64 `json:"max_waiting"`
}

// Queued is the number of unpassed vehicles on both axes.
func (s Stats) Queued() int { return s.QueueNS + s.QueueEW }

// World is the vehicle population and its emission counters. It is not safe
// for concurrent use; the controller serialises access.
type World struct {
	geo     Geometry
	params  Params
	weather config.Weather

	vehicles []*Vehicle

	totalEmissions    float64
	intervalEmissions float64
	passedCount       int
	newlyPassed       []string
}

// NewWorld builds an empty world from cfg.
func NewWorld(cfg *config.SimConfig) (*World, error) {
	w, err := config.LookupWeather(cfg.GetWeather())
	if err != nil {
		return nil, err
	}
	return &World{
		geo:     GeometryFromConfig(cfg),
		params:  ParamsFromConfig(cfg),
		weather: w,
	}, nil
}

func (w *World) Geometry() Geometry      { return w.geo }
func (w *World) Params() Params          { return w.params }
func (w *World) Weather() config.Weather { return w.weather }
func (w *World) Len() int                { return len(w.vehicles) }

// SetWeather changes the base speed used for subsequent spawns. Vehicles
// already on the road keep their max speed.
func (w *World) SetWeather(weather config.Weather) { w.weather = weather }

// TotalEmissions is the emission total since the last Reset.
func (w *World) TotalEmissions() float64 { return w.totalEmissions }

// PassedCount is the number of passed vehicles that have left the bounds.
func (w *World) PassedCount() int { return w.passedCount }

// TakeIntervalEmissions returns the emissions accumulated since the previous
// call and zeroes the accumulator.
func (w *World) TakeIntervalEmissions() float64 {
	e := w.intervalEmissions
	w.intervalEmissions = 0
	return e
}

// TakePassed returns the ids of vehicles that crossed the center since the
// previous call, including any already removed from the world.
func (w *World) TakePassed() []string {
	ids := w.newlyPassed
	w.newlyPassed = nil
	return ids
}

// Reset removes all vehicles and zeroes every counter. Weather is kept.
func (w *World) Reset() {
	w.vehicles = nil
	w.totalEmissions = 0
	w.intervalEmissions = 0
	w.passedCount = 0
	w.newlyPassed = nil
}

// Snapshot returns value copies of the vehicles.
func (w *World) Snapshot() []Vehicle {
	out := make([]Vehicle, len(w.vehicles))
	for i, v := range w.vehicles {
		out[i] = *v
	}
	return out
}

// Step advances the world by dt seconds under the given lights. dt is
// clamped to MaxStepDt; the remainder is dropped, not carried over.
func (w *World) Step(lights Lights, dt float64) {
	if dt <= 0 {
		return
	}
	dt = math.Min(dt, w.params.MaxStepDt)
	frames := dt * framesPerSecond

	// Stop decisions see the start-of-tick positions of every vehicle.
	stops := make([]bool, len(w.vehicles))
	for i, v := range w.vehicles {
		stops[i] = w.shouldStop(v, lights)
	}

	for i, v := range w.vehicles {
		stop := stops[i]
		target := v.MaxSpeed
		if stop {
			target = 0
		}

		prev := v.Speed
		switch {
		case v.Speed < target:
			v.Speed = math.Min(v.Speed+w.params.Acceleration*frames, target)
		case v.Speed > target:
			v.Speed = math.Max(v.Speed-w.params.Braking*frames, target)
		}
		v.Speed = math.Max(0, math.Min(v.Speed, v.MaxSpeed))

		rate := w.params.RunningRate
		switch {
		case v.Speed < w.params.StopThreshold:
			rate = w.params.IdleRate
		case v.Speed-prev > w.params.AccelEpsilon:
			rate = w.params.AccelRate
		}
		if v.heavy() {
			rate *= w.params.HeavyEmissions
		}
		w.totalEmissions += rate * dt
		w.intervalEmissions += rate * dt

		if v.Speed > 0 {
			v.X += v.VX * v.Speed * frames
			v.Y += v.VY * v.Speed * frames
		}

		if !v.Passed && w.geo.Progress(v.Direction, v.X, v.Y) < 0 {
			v.Passed = true
			w.newlyPassed = append(w.newlyPassed, v.ID)
		}

		v.IsStopping = stop
		if stop {
			v.Waiting += dt
		} else {
			v.Waiting = 0
		}
	}

	w.vehicles = lo.Filter(w.vehicles, func(v *Vehicle, _ int) bool {
		if w.geo.InBounds(v.X, v.Y) {
			return true
		}
		if v.Passed {
			w.passedCount++
		}
		return false
	})
}

func (w *World) inStopZone(s float64) bool {
	return s >= w.params.StopZoneNear && s <= w.params.StopZoneFar
}

// ShouldStop reports the stop decision for the vehicle with the given id
// against the current positions. It is false for unknown ids.
func (w *World) ShouldStop(id string, lights Lights) bool {
	v, ok := lo.Find(w.vehicles, func(v *Vehicle) bool { return v.ID == id })
	return ok && w.shouldStop(v, lights)
}

func (w *World) shouldStop(v *Vehicle, lights Lights) bool {
	s := w.geo.Progress(v.Direction, v.X, v.Y)
	light := lights.LightFor(v.Direction.Side())
	// Red and yellow both hold traffic at the line.
	if w.inStopZone(s) && light != signal.Green {
		return true
	}
	return w.blocked(v, s)
}

func (w *World) blocked(v *Vehicle, s float64) bool {
	lat := w.geo.Lateral(v.Direction, v.X, v.Y)
	return lo.ContainsBy(w.vehicles, func(o *Vehicle) bool {
		if o == v || o.Direction != v.Direction {
			return false
		}
		os := w.geo.Progress(o.Direction, o.X, o.Y)
		if os >= s {
			return false
		}
		gap := w.params.MinGap
		if v.heavy() || o.heavy() {
			gap = w.params.HeavyMinGap
		}
		return s-os < gap && math.Abs(w.geo.Lateral(o.Direction, o.X, o.Y)-lat) < w.params.LateralTolerance
	})
}

// Stats aggregates the current population.
func (w *World) Stats() Stats {
	st := Stats{Total: len(w.vehicles)}
	var speeds []float64
	for _, v := range w.vehicles {
		ns := v.Direction.Side() == signal.NS
		if !v.Passed {
			speeds = append(speeds, v.Speed)
			if ns {
				st.QueueNS++
			} else {
				st.QueueEW++
			}
		}
		if v.Speed < w.params.StopThreshold {
			if ns {
				st.StoppedNS++
			} else {
				st.StoppedEW++
			}
		}
		st.MaxWaiting = math.Max(st.MaxWaiting, v.Waiting)
	}
	if len(speeds) > 0 {
		st.MeanSpeed = stat.Mean(speeds, nil)
	}
	return st
}

// Spawn adds a vehicle at the entry point of d. It returns ErrSpawnBlocked
// if another vehicle occupies the clearance box around that point.
func (w *World) Spawn(d Direction, rng *rand.Rand) (*Vehicle, error) {
	ex, ey := w.geo.PointAt(d, w.geo.EntryProgress(d))
	latTol, longTol := w.params.ClearanceLateral, w.params.ClearanceLongitudinal
	if !d.vertical() {
		latTol, longTol = longTol, latTol
	}
	if lo.ContainsBy(w.vehicles, func(o *Vehicle) bool {
		return math.Abs(o.X-ex) < latTol && math.Abs(o.Y-ey) < longTol
	}) {
		return nil, ErrSpawnBlocked
	}

	class := Standard
	if rng.Float64() < w.params.HeavyFraction {
		class = Heavy
	}
	factor := w.params.SpeedFactorMin + rng.Float64()*(w.params.SpeedFactorMax-w.params.SpeedFactorMin)
	return w.add(d, w.geo.EntryProgress(d), class, w.weather.BaseSpeed*factor), nil
}

// Place inserts a vehicle at progress s on direction d with the weather base
// speed and no random factor. It ignores spawn clearance and is meant for
// scripted scenarios.
func (w *World) Place(d Direction, s float64, class Class) *Vehicle {
	return w.add(d, s, class, w.weather.BaseSpeed)
}

func (w *World) add(d Direction, s float64, class Class, maxSpeed float64) *Vehicle {
	length := w.params.StandardLength
	if class == Heavy {
		length = w.params.HeavyLength
	}
	v := newVehicle(uuid.NewString(), w.geo, d, s, class, length, maxSpeed)
	w.vehicles = append(w.vehicles, v)
	return v
}
