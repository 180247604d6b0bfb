package agent

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// LinearQConfig configures a LinearQ agent.
type LinearQConfig struct {
	Features int
	Actions  int

	LearningRate float64
	Discount     float64

	EpsilonStart float64
	EpsilonMin   float64
	EpsilonDecay float64 // multiplied in after every learning update

	ReplayCapacity int
	BatchSize      int
	TargetSync     int     // learning updates between target refreshes
	TDClip         float64 // absolute clamp on the TD error

	// LossSmoothing is the weight given to the newest loss in the rolling
	// average.
	LossSmoothing float64

	Seed uint64
}

// DefaultLinearQConfig returns the reference hyperparameters for the given
// observation and action sizes.
func DefaultLinearQConfig(features, actions int) LinearQConfig {
	return LinearQConfig{
		Features:       features,
		Actions:        actions,
		LearningRate:   0.01,
		Discount:       0.95,
		EpsilonStart:   1.0,
		EpsilonMin:     0.05,
		EpsilonDecay:   0.995,
		ReplayCapacity: 10000,
		BatchSize:      32,
		TargetSync:     50,
		TDClip:         10,
		LossSmoothing:  0.1,
		Seed:           1,
	}
}

// LinearQ approximates Q(s,a) = w_a · [s, 1] with one weight row per action
// and learns by minibatch semi-gradient TD(0) from a replay buffer.
//
// The weight matrix is published copy-on-write: a learning step works on a
// private copy and swaps it in under the write lock, so SelectAction never
// sees a half-applied update.
type LinearQ struct {
	cfg LinearQConfig

	mu      sync.RWMutex
	weights *mat.Dense // published, never mutated after publication
	target  *mat.Dense
	epsilon float64
	avgLoss float64
	steps   int
	closed  bool

	rngMu sync.Mutex
	rng   *rand.Rand

	learnMu sync.Mutex
	replay  *replayBuffer
}

var _ Agent = (*LinearQ)(nil)

// NewLinearQ returns an agent with zero weights.
func NewLinearQ(cfg LinearQConfig) (*LinearQ, error) {
	if cfg.Features <= 0 || cfg.Actions <= 0 {
		return nil, fmt.Errorf("%w: features=%d actions=%d", ErrBadInput, cfg.Features, cfg.Actions)
	}
	if cfg.ReplayCapacity <= 0 || cfg.BatchSize <= 0 || cfg.TargetSync <= 0 {
		return nil, fmt.Errorf("%w: replay capacity, batch size and target sync must be positive", ErrBadInput)
	}
	w := mat.NewDense(cfg.Actions, cfg.Features+1, nil)
	return &LinearQ{
		cfg:     cfg,
		weights: w,
		target:  mat.DenseCopyOf(w),
		epsilon: cfg.EpsilonStart,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		replay:  newReplayBuffer(cfg.ReplayCapacity),
	}, nil
}

func (q *LinearQ) augment(obs []float64) (*mat.VecDense, error) {
	if len(obs) != q.cfg.Features {
		return nil, fmt.Errorf("%w: observation has %d features, want %d", ErrBadInput, len(obs), q.cfg.Features)
	}
	x := make([]float64, q.cfg.Features+1)
	copy(x, obs)
	x[q.cfg.Features] = 1
	return mat.NewVecDense(len(x), x), nil
}

func values(w mat.Matrix, x *mat.VecDense) []float64 {
	var out mat.VecDense
	out.MulVec(w, x)
	return mat.Col(nil, 0, &out)
}

func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// published returns the current weights and epsilon, or ErrShutdown.
func (q *LinearQ) published() (*mat.Dense, float64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, 0, ErrShutdown
	}
	return q.weights, q.epsilon, nil
}

// SelectAction is epsilon-greedy over the published weights.
func (q *LinearQ) SelectAction(obs []float64) (int, error) {
	w, eps, err := q.published()
	if err != nil {
		return 0, err
	}
	x, err := q.augment(obs)
	if err != nil {
		return 0, err
	}

	q.rngMu.Lock()
	explore := q.rng.Float64() < eps
	random := q.rng.IntN(q.cfg.Actions)
	q.rngMu.Unlock()
	if explore {
		return random, nil
	}
	return argmax(values(w, x)), nil
}

// EstimateValues returns Q(obs, a) for every action.
func (q *LinearQ) EstimateValues(obs []float64) ([]float64, error) {
	w, _, err := q.published()
	if err != nil {
		return nil, err
	}
	x, err := q.augment(obs)
	if err != nil {
		return nil, err
	}
	return values(w, x), nil
}

// RecordTransition stores t for replay.
func (q *LinearQ) RecordTransition(t Transition) error {
	if _, _, err := q.published(); err != nil {
		return err
	}
	if len(t.Obs) != q.cfg.Features || len(t.Next) != q.cfg.Features {
		return fmt.Errorf("%w: transition observation sizes %d/%d, want %d", ErrBadInput, len(t.Obs), len(t.Next), q.cfg.Features)
	}
	if t.Action < 0 || t.Action >= q.cfg.Actions {
		return fmt.Errorf("%w: action %d", ErrBadInput, t.Action)
	}
	t.Obs = append([]float64(nil), t.Obs...)
	t.Next = append([]float64(nil), t.Next...)
	q.replay.Push(t)
	return nil
}

// LearnStep runs one minibatch update. It is a no-op until the replay buffer
// holds at least one batch. Concurrent calls are serialised.
func (q *LinearQ) LearnStep(ctx context.Context) error {
	q.learnMu.Lock()
	defer q.learnMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	w, _, err := q.published()
	if err != nil {
		return err
	}
	if q.replay.Len() < q.cfg.BatchSize {
		return nil
	}

	q.rngMu.Lock()
	batch := q.replay.Sample(q.cfg.BatchSize, q.rng)
	q.rngMu.Unlock()

	q.mu.RLock()
	target := q.target
	q.mu.RUnlock()

	next := mat.DenseCopyOf(w)
	grad := mat.NewDense(q.cfg.Actions, q.cfg.Features+1, nil)
	sq := make([]float64, len(batch))
	for i, t := range batch {
		x, err := q.augment(t.Obs)
		if err != nil {
			return err
		}
		y := t.Reward
		if !t.Done {
			xn, err := q.augment(t.Next)
			if err != nil {
				return err
			}
			tv := values(target, xn)
			y += q.cfg.Discount * tv[argmax(tv)]
		}
		td := y - mat.Dot(w.RowView(t.Action), x)
		if q.cfg.TDClip > 0 {
			td = math.Max(-q.cfg.TDClip, math.Min(td, q.cfg.TDClip))
		}
		sq[i] = td * td

		row := grad.RawRowView(t.Action)
		for j := range row {
			row[j] += td * x.AtVec(j)
		}
	}
	grad.Scale(q.cfg.LearningRate/float64(len(batch)), grad)
	next.Add(next, grad)
	loss := stat.Mean(sq, nil)

	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrShutdown
	}
	q.weights = next
	q.steps++
	if q.steps%q.cfg.TargetSync == 0 {
		q.target = mat.DenseCopyOf(next)
	}
	q.epsilon = math.Max(q.cfg.EpsilonMin, q.epsilon*q.cfg.EpsilonDecay)
	if q.steps == 1 {
		q.avgLoss = loss
	} else {
		q.avgLoss += q.cfg.LossSmoothing * (loss - q.avgLoss)
	}
	return nil
}

// Stats reports exploration rate, rolling loss and progress counters.
func (q *LinearQ) Stats() (Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Stats{}, ErrShutdown
	}
	return Stats{
		Epsilon:     q.epsilon,
		AverageLoss: q.avgLoss,
		Steps:       q.steps,
		Buffered:    q.replay.Len(),
	}, nil
}

// Shutdown releases the replay buffer. It fails with ErrShutdown if called
// twice.
func (q *LinearQ) Shutdown() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrShutdown
	}
	q.closed = true
	q.replay.Reset()
	return nil
}
