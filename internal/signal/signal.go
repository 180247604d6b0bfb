// Package signal implements the two-phase intersection state machine. One
// side (north-south or east-west) holds the active phase; the other side is
// implicitly red.
package signal

import (
	"errors"
	"fmt"

	"github.com/banshee-data/junction.control/internal/config"
)

// Side identifies an approach axis.
type Side string

const (
	NS Side = "NS"
	EW Side = "EW"
)

// Opposite returns the crossing axis.
func (s Side) Opposite() Side {
	if s == NS {
		return EW
	}
	return NS
}

// Phase is the light shown to an approach.
type Phase string

const (
	Green  Phase = "GREEN"
	Yellow Phase = "YELLOW"
	Red    Phase = "RED"
)

// Action is a controller decision applied at timer expiry.
type Action int

const (
	// ActionSwitch ends the current green with a yellow.
	ActionSwitch Action = iota
	// ActionExtendShort keeps the current green for ShortExtension seconds.
	ActionExtendShort
	// ActionExtendLong keeps the current green for LongExtension seconds.
	ActionExtendLong
)

// NumActions is the size of the action space.
const NumActions = 3

var actionLabels = [NumActions]string{"switch", "extend_short", "extend_long"}

func (a Action) Valid() bool { return a >= 0 && int(a) < NumActions }

func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionLabels[a]
}

// ActionLabels returns the labels indexed by action.
func ActionLabels() []string {
	return append([]string(nil), actionLabels[:]...)
}

// ErrInvalidAction is returned by Apply for indices outside the action space.
var ErrInvalidAction = errors.New("invalid action")

// Timings holds the phase durations in whole seconds.
type Timings struct {
	MinGreen       int `json:"min_green"`
	Yellow         int `json:"yellow"`
	ShortExtension int `json:"short_extension"`
	LongExtension  int `json:"long_extension"`
	// MaxGreen is not enforced by the state machine; it is the timer
	// normalisation cap for observations.
	MaxGreen int `json:"max_green"`
}

// TimingsFromConfig reads the phase durations from cfg.
func TimingsFromConfig(cfg *config.SimConfig) Timings {
	return Timings{
		MinGreen:       cfg.GetMinGreenSecs(),
		Yellow:         cfg.GetYellowSecs(),
		ShortExtension: cfg.GetShortExtensionSecs(),
		LongExtension:  cfg.GetLongExtensionSecs(),
		MaxGreen:       cfg.GetMaxGreenSecs(),
	}
}

// State is a value copy of the intersection.
type State struct {
	ActiveSide Side  `json:"active_side"`
	Phase      Phase `json:"phase"`
	Timer      int   `json:"timer"`
}

// Intersection is the phase state machine. It is not safe for concurrent
// use; the controller guards it together with the vehicle world.
type Intersection struct {
	timings Timings
	state   State
}

// New returns an intersection in its initial state: north-south green for
// MinGreen seconds.
func New(t Timings) *Intersection {
	in := &Intersection{timings: t}
	in.Reset()
	return in
}

// Reset restores the initial state.
func (in *Intersection) Reset() {
	in.state = State{ActiveSide: NS, Phase: Green, Timer: in.timings.MinGreen}
}

func (in *Intersection) State() State     { return in.state }
func (in *Intersection) Timings() Timings { return in.timings }

// Tick decrements the timer by one second and reports whether it expired.
func (in *Intersection) Tick() bool {
	in.state.Timer--
	return in.state.Timer <= 0
}

// NextIsForced reports whether the next transition ignores the action. Only
// a green phase offers a choice; yellow always hands over to the other side.
func (in *Intersection) NextIsForced() bool {
	return in.state.Phase != Green
}

// Apply performs the transition for action a and returns the new state.
func (in *Intersection) Apply(a Action) (State, error) {
	if !a.Valid() {
		return in.state, fmt.Errorf("%w: %d", ErrInvalidAction, int(a))
	}

	switch in.state.Phase {
	case Green:
		switch a {
		case ActionSwitch:
			in.state.Phase = Yellow
			in.state.Timer = in.timings.Yellow
		case ActionExtendShort:
			in.state.Timer = in.timings.ShortExtension
		case ActionExtendLong:
			in.state.Timer = in.timings.LongExtension
		}
	default:
		in.state = State{
			ActiveSide: in.state.ActiveSide.Opposite(),
			Phase:      Green,
			Timer:      in.timings.MinGreen,
		}
	}
	return in.state, nil
}

// LightFor returns the light shown to side.
func (in *Intersection) LightFor(side Side) Phase {
	if side != in.state.ActiveSide {
		return Red
	}
	return in.state.Phase
}

// RightOfWay reports whether vehicles on side may proceed.
func (in *Intersection) RightOfWay(side Side) bool {
	return in.LightFor(side) == Green
}

// DisplayTimer is the timer clamped at zero.
func (in *Intersection) DisplayTimer() int {
	return max(in.state.Timer, 0)
}
