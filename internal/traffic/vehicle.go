package traffic

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/junction.control/internal/config"
	"github.com/banshee-data/junction.control/internal/signal"
)

// Direction is a vehicle's direction of travel. Screen coordinates are used:
// y grows downward, so northbound traffic moves towards smaller y.
type Direction string

const (
	North Direction = "N"
	South Direction = "S"
	East  Direction = "E"
	West  Direction = "W"
)

// ErrUnknownDirection is returned by ParseDirection.
var ErrUnknownDirection = errors.New("unknown direction")

// Directions lists every approach in a stable order.
func Directions() []Direction { return []Direction{North, South, East, West} }

// ParseDirection accepts N/S/E/W or the full compass names, case-insensitively.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "N", "NORTH":
		return North, nil
	case "S", "SOUTH":
		return South, nil
	case "E", "EAST":
		return East, nil
	case "W", "WEST":
		return West, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownDirection, s)
}

// Side returns the signal axis controlling the direction.
func (d Direction) Side() signal.Side {
	if d == North || d == South {
		return signal.NS
	}
	return signal.EW
}

// unit returns the unit velocity vector.
func (d Direction) unit() (float64, float64) {
	switch d {
	case North:
		return 0, -1
	case South:
		return 0, 1
	case East:
		return 1, 0
	default:
		return -1, 0
	}
}

func (d Direction) vertical() bool { return d == North || d == South }

// Class distinguishes standard cars from heavy vehicles.
type Class string

const (
	Standard Class = "standard"
	Heavy    Class = "heavy"
)

// Vehicle is a single simulated road user.
type Vehicle struct {
	ID        string    `json:"id"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	VX        float64   `json:"vx"`
	VY        float64   `json:"vy"`
	Heading   float64   `json:"heading"` // radians
	Direction Direction `json:"direction"`
	Class     Class     `json:"class"`
	Length    float64   `json:"length"`
	// MaxSpeed is fixed at spawn from the weather base speed.
	MaxSpeed   float64 `json:"max_speed"`
	Speed      float64 `json:"speed"`
	Passed     bool    `json:"passed"`
	Waiting    float64 `json:"waiting"` // seconds
	IsStopping bool    `json:"is_stopping"`
}

func (v *Vehicle) heavy() bool { return v.Class == Heavy }

// Geometry describes the canvas and lane layout.
type Geometry struct {
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	LaneOffset   float64 `json:"lane_offset"`
	BoundsMargin float64 `json:"bounds_margin"`
	SpawnOffset  float64 `json:"spawn_offset"`
}

// GeometryFromConfig reads the layout from cfg.
func GeometryFromConfig(cfg *config.SimConfig) Geometry {
	return Geometry{
		Width:        cfg.GetCanvasWidth(),
		Height:       cfg.GetCanvasHeight(),
		LaneOffset:   cfg.GetLaneOffset(),
		BoundsMargin: cfg.GetBoundsMargin(),
		SpawnOffset:  cfg.GetSpawnOffset(),
	}
}

// Center is the intersection center.
func (g Geometry) Center() (float64, float64) {
	return g.Width / 2, g.Height / 2
}

// Progress is the signed distance still to travel before the center along
// the vehicle's axis. It is negative once the vehicle has crossed.
func (g Geometry) Progress(d Direction, x, y float64) float64 {
	cx, cy := g.Center()
	switch d {
	case North:
		return y - cy
	case South:
		return cy - y
	case East:
		return cx - x
	default:
		return x - cx
	}
}

// Lateral is the cross-axis coordinate.
func (g Geometry) Lateral(d Direction, x, y float64) float64 {
	if d.vertical() {
		return x
	}
	return y
}

// PointAt returns the lane position at progress s for direction d.
// Traffic keeps to the right of the center line.
func (g Geometry) PointAt(d Direction, s float64) (float64, float64) {
	cx, cy := g.Center()
	switch d {
	case North:
		return cx + g.LaneOffset, cy + s
	case South:
		return cx - g.LaneOffset, cy - s
	case East:
		return cx - s, cy + g.LaneOffset
	default:
		return cx + s, cy - g.LaneOffset
	}
}

// EntryProgress is the progress value of the off-canvas spawn point.
func (g Geometry) EntryProgress(d Direction) float64 {
	if d.vertical() {
		return g.Height/2 + g.SpawnOffset
	}
	return g.Width/2 + g.SpawnOffset
}

// InBounds reports whether a point lies inside the canvas plus margin.
func (g Geometry) InBounds(x, y float64) bool {
	m := g.BoundsMargin
	return x >= -m && x <= g.Width+m && y >= -m && y <= g.Height+m
}

func newVehicle(id string, g Geometry, d Direction, s float64, class Class, length, maxSpeed float64) *Vehicle {
	x, y := g.PointAt(d, s)
	vx, vy := d.unit()
	return &Vehicle{
		ID:        id,
		X:         x,
		Y:         y,
		VX:        vx,
		VY:        vy,
		Heading:   math.Atan2(vy, vx),
		Direction: d,
		Class:     class,
		Length:    length,
		MaxSpeed:  maxSpeed,
		Speed:     maxSpeed,
	}
}
