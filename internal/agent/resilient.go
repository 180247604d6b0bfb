package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/junction.control/internal/monitoring"
	"github.com/banshee-data/junction.control/internal/timeutil"
)

// BreakerState is the circuit state of a Resilient agent.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // calls go to the agent
	StateOpen     BreakerState = "open"      // calls are skipped until RetryAt
	StateHalfOpen BreakerState = "half-open" // the next call is a probe
	StateDisposed BreakerState = "disposed"  // the agent was shut down
)

// ResilientConfig configures the failure handling of a Resilient agent.
type ResilientConfig struct {
	MaxFailures   int
	RetryAfter    time.Duration
	DefaultAction int
	Clock         timeutil.Clock
}

// ResilientStatus is a point-in-time view of the breaker.
type ResilientStatus struct {
	State     BreakerState `json:"state"`
	Failures  int          `json:"failures"`
	RetryAt   time.Time    `json:"retry_at,omitzero"`
	LastError string       `json:"last_error,omitempty"`
}

// ErrUnavailable is returned by Resilient.RecordTransition when the
// transition was not stored, either because the circuit is open or because
// the agent rejected it.
var ErrUnavailable = errors.New("agent: unavailable")

// Resilient wraps an Agent with a circuit breaker. After MaxFailures
// consecutive errors from one operation it stops calling the agent for
// RetryAfter, answering SelectAction with DefaultAction and skipping
// learning. The first call after that window probes the agent again.
// ErrShutdown opens the circuit for good.
//
// Only SelectAction, RecordTransition and LearnStep are counted. Stats and
// EstimateValues feed telemetry and never move the breaker, except that an
// ErrShutdown from them still marks the agent disposed.
//
// Agent failures never surface as errors from SelectAction, so the control
// loop keeps running on the default pattern. Calls made after the
// wrapper's own Shutdown fail with ErrShutdown.
type Resilient struct {
	inner Agent
	cfg   ResilientConfig
	log   *monitoring.Throttle

	mu        sync.Mutex
	state     BreakerState
	failures  map[string]int // consecutive failures per operation
	retryAt   time.Time
	lastErr   error
	lastStats Stats
	fellBack  bool // the last SelectAction answered with DefaultAction
	closed    bool // Shutdown was called on the wrapper itself
}

var _ Agent = (*Resilient)(nil)

// NewResilient wraps inner. Zero config fields take the defaults of three
// failures and a 30 second retry window.
func NewResilient(inner Agent, cfg ResilientConfig) *Resilient {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	th := monitoring.NewThrottle(cfg.RetryAfter)
	th.Now = cfg.Clock.Now
	return &Resilient{
		inner:    inner,
		cfg:      cfg,
		log:      th,
		state:    StateClosed,
		failures: make(map[string]int),
	}
}

// allow reports whether the inner agent may be called now, moving an
// expired open circuit to half-open. It fails with ErrShutdown once the
// wrapper itself has been shut down.
func (r *Resilient) allow() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrShutdown
	}
	switch r.state {
	case StateDisposed:
		return false, nil
	case StateOpen:
		if r.cfg.Clock.Now().Before(r.retryAt) {
			return false, nil
		}
		r.state = StateHalfOpen
	}
	return true, nil
}

// peek is allow without side effects, for telemetry reads.
func (r *Resilient) peek() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrShutdown
	}
	return r.state == StateClosed || r.state == StateHalfOpen, nil
}

func (r *Resilient) maxFailuresLocked() int {
	n := 0
	for _, f := range r.failures {
		n = max(n, f)
	}
	return n
}

// record accounts the outcome of op. A success clears only op's own count,
// so a healthy operation cannot mask one that keeps failing.
func (r *Resilient) record(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		r.failures[op] = 0
		if r.state == StateHalfOpen {
			monitoring.Logf("agent recovered on %s", op)
			r.state = StateClosed
		}
		return
	}

	r.failures[op]++
	r.lastErr = err
	switch {
	case errors.Is(err, ErrShutdown):
		r.state = StateDisposed
		r.log.Logf("agent-disposed", "agent %s: %v; using default action %d", op, err, r.cfg.DefaultAction)
	case r.state == StateDisposed:
	case r.state == StateHalfOpen || r.failures[op] >= r.cfg.MaxFailures:
		r.state = StateOpen
		r.retryAt = r.cfg.Clock.Now().Add(r.cfg.RetryAfter)
		r.log.Logf("agent-open", "agent %s failed (%d consecutive): %v; degraded until %s",
			op, r.failures[op], err, r.retryAt.Format(time.RFC3339))
	default:
		monitoring.Logf("agent %s failed: %v", op, err)
	}
}

// recordShutdown marks the agent disposed when a telemetry read reports
// ErrShutdown. Other errors are ignored.
func (r *Resilient) recordShutdown(op string, err error) {
	if errors.Is(err, ErrShutdown) {
		r.record(op, err)
	}
}

func (r *Resilient) setFellBack(v bool) {
	r.mu.Lock()
	r.fellBack = v
	r.mu.Unlock()
}

// SelectAction returns the agent's action, or DefaultAction when the agent
// is unavailable or fails.
func (r *Resilient) SelectAction(obs []float64) (int, error) {
	ok, err := r.allow()
	if !ok {
		if err == nil {
			r.setFellBack(true)
		}
		return r.cfg.DefaultAction, err
	}
	a, err := r.inner.SelectAction(obs)
	r.record("select", err)
	r.setFellBack(err != nil)
	if err != nil {
		return r.cfg.DefaultAction, nil
	}
	return a, nil
}

// EstimateValues returns nil values while the agent is unavailable or when
// it fails.
func (r *Resilient) EstimateValues(obs []float64) ([]float64, error) {
	ok, err := r.peek()
	if !ok {
		return nil, err
	}
	v, err := r.inner.EstimateValues(obs)
	if err != nil {
		r.recordShutdown("estimate", err)
		return nil, nil
	}
	return v, nil
}

// RecordTransition stores the transition. It returns ErrUnavailable when
// the transition was dropped, so callers can skip the matching learn step.
func (r *Resilient) RecordTransition(t Transition) error {
	ok, err := r.allow()
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnavailable
	}
	err = r.inner.RecordTransition(t)
	r.record("record", err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// LearnStep skips learning while the agent is unavailable. Context
// cancellation is returned to the caller and does not count as a failure.
func (r *Resilient) LearnStep(ctx context.Context) error {
	ok, err := r.allow()
	if !ok {
		return err
	}
	err = r.inner.LearnStep(ctx)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	r.record("learn", err)
	return nil
}

// Stats returns the agent's stats, or the last known stats while it is
// unavailable or failing.
func (r *Resilient) Stats() (Stats, error) {
	ok, err := r.peek()
	if err != nil {
		return Stats{}, err
	}
	if ok {
		s, err := r.inner.Stats()
		if err == nil {
			r.mu.Lock()
			r.lastStats = s
			r.mu.Unlock()
			return s, nil
		}
		r.recordShutdown("stats", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStats, nil
}

// Shutdown shuts the inner agent down. Every later call on the wrapper
// returns ErrShutdown.
func (r *Resilient) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	r.closed = true
	r.state = StateDisposed
	r.mu.Unlock()
	return r.inner.Shutdown()
}

// Degraded reports whether decisions currently come from DefaultAction:
// the circuit is open, the agent is disposed, or the last SelectAction
// failed.
func (r *Resilient) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fellBack || r.state == StateOpen || r.state == StateDisposed
}

// Status returns the breaker state.
func (r *Resilient) Status() ResilientStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := ResilientStatus{State: r.state, Failures: r.maxFailuresLocked()}
	if r.state == StateOpen {
		st.RetryAt = r.retryAt
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// Inner returns the wrapped agent.
func (r *Resilient) Inner() Agent { return r.inner }
