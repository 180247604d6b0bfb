// Package telemetry carries decision and episode events from the controller
// to pluggable recorders (the episode database, Kafka, MQTT).
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/junction.control/internal/agent"
	"github.com/banshee-data/junction.control/internal/monitoring"
	"github.com/banshee-data/junction.control/internal/reward"
	"github.com/banshee-data/junction.control/internal/signal"
)

// Decision describes one controller decision at timer expiry.
type Decision struct {
	Seq         int64     `json:"seq"`
	Time        time.Time `json:"time"`
	Episode     int       `json:"episode"`
	Step        int       `json:"step"`
	Action      int       `json:"action"`
	ActionLabel string    `json:"action_label"`
	// Forced is set when the transition was non-discretionary (yellow to
	// green) and the default action was applied without asking the agent.
	Forced      bool          `json:"forced"`
	Values      []float64     `json:"values,omitempty"`
	Confidence  float64       `json:"confidence"`
	Agent       agent.Stats   `json:"agent"`
	Degraded    bool          `json:"degraded"`
	Reward      reward.Result `json:"reward"`
	EpisodeSum  float64       `json:"episode_reward"`
	Observation []float64     `json:"observation"`
	Signal      signal.State  `json:"signal"` // state after the transition
}

// Clone returns a deep copy.
func (d Decision) Clone() Decision {
	d.Values = append([]float64(nil), d.Values...)
	d.Observation = append([]float64(nil), d.Observation...)
	return d
}

// Episode summarises a finished episode.
type Episode struct {
	Number         int       `json:"number"`
	Reward         float64   `json:"reward"`
	Steps          int       `json:"steps"`
	EndedAt        time.Time `json:"ended_at"`
	VehiclesPassed int       `json:"vehicles_passed"`
	Emissions      float64   `json:"emissions"`
	Weather        string    `json:"weather"`
}

// Recorder consumes controller events.
type Recorder interface {
	RecordDecision(ctx context.Context, d Decision) error
	RecordEpisode(ctx context.Context, e Episode) error
}

type event struct {
	decision *Decision
	episode  *Episode
}

// Dispatcher fans events out to recorders on its own goroutine so slow
// sinks never stall the control loops. Events are dropped when the queue
// is full.
type Dispatcher struct {
	recorders []Recorder
	queue     chan event
	timeout   time.Duration
	log       *monitoring.Throttle

	dropped atomic.Int64
	failed  atomic.Int64

	mu       sync.Mutex
	running  bool
	finished chan struct{}
}

// NewDispatcher returns a dispatcher with a queue of the given size. Each
// recorder call is bounded by timeout.
func NewDispatcher(queueSize int, timeout time.Duration, recorders ...Recorder) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Dispatcher{
		recorders: recorders,
		queue:     make(chan event, queueSize),
		timeout:   timeout,
		log:       monitoring.NewThrottle(30 * time.Second),
		finished:  make(chan struct{}),
	}
}

// Add registers another recorder. It must be called before Run.
func (d *Dispatcher) Add(r Recorder) {
	d.recorders = append(d.recorders, r)
}

// PublishDecision queues a decision without blocking.
func (d *Dispatcher) PublishDecision(dec Decision) {
	dec = dec.Clone()
	d.enqueue(event{decision: &dec})
}

// PublishEpisode queues an episode summary without blocking.
func (d *Dispatcher) PublishEpisode(ep Episode) {
	d.enqueue(event{episode: &ep})
}

func (d *Dispatcher) enqueue(ev event) {
	if d == nil || len(d.recorders) == 0 {
		return
	}
	select {
	case d.queue <- ev:
	default:
		n := d.dropped.Add(1)
		d.log.Logf("telemetry-drop", "telemetry queue full, dropped %d events so far", n)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed is the number of recorder calls that returned an error.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// Run delivers queued events until ctx is cancelled, then drains whatever
// is already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	defer close(d.finished)

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.queue:
					d.deliver(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.finished }

func (d *Dispatcher) deliver(parent context.Context, ev event) {
	for _, r := range d.recorders {
		ctx, cancel := context.WithTimeout(parent, d.timeout)
		var err error
		if ev.decision != nil {
			err = r.RecordDecision(ctx, *ev.decision)
		} else if ev.episode != nil {
			err = r.RecordEpisode(ctx, *ev.episode)
		}
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.log.Logf("telemetry-fail", "telemetry recorder %T failed: %v", r, err)
		}
	}
}
