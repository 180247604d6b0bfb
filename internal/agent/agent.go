// Package agent defines the learning-agent contract used by the controller
// and ships a linear Q-learning reference implementation plus a
// circuit-breaking wrapper.
package agent

import (
	"context"
	"errors"
)

var (
	// ErrShutdown is returned by every method once Shutdown has been called.
	ErrShutdown = errors.New("agent: shut down")
	// ErrBadInput is returned for observations or actions of the wrong shape.
	ErrBadInput = errors.New("agent: bad input")
)

// Transition is one experience tuple.
type Transition struct {
	Obs    []float64 `msgpack:"obs"`
	Action int       `msgpack:"action"`
	Reward float64   `msgpack:"reward"`
	Next   []float64 `msgpack:"next"`
	Done   bool      `msgpack:"done"`
}

// Stats is the agent state reported in telemetry.
type Stats struct {
	Epsilon     float64 `json:"epsilon"`      // current exploration rate
	AverageLoss float64 `json:"average_loss"` // rolling mean of recent TD losses
	Steps       int     `json:"steps"`        // learning updates applied
	Buffered    int     `json:"buffered"`     // transitions held for replay
}

// Agent is a learning policy over a discrete action space.
//
// SelectAction may run concurrently with LearnStep and must then use the
// most recently published policy. RecordTransition must only do bounded
// local work. After Shutdown every method returns ErrShutdown.
type Agent interface {
	SelectAction(obs []float64) (int, error)
	// EstimateValues returns per-action scores without side effects.
	EstimateValues(obs []float64) ([]float64, error)
	RecordTransition(t Transition) error
	LearnStep(ctx context.Context) error
	Stats() (Stats, error)
	Shutdown() error
}
