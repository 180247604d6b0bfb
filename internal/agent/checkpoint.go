package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

const checkpointVersion = 1

type checkpoint struct {
	Version  int       `msgpack:"version"`
	Features int       `msgpack:"features"`
	Actions  int       `msgpack:"actions"`
	Weights  []float64 `msgpack:"weights"` // row-major actions×(features+1)
	Epsilon  float64   `msgpack:"epsilon"`
	Steps    int       `msgpack:"steps"`
	AvgLoss  float64   `msgpack:"avg_loss"`
}

// Save writes the learned weights and exploration state as msgpack. The
// replay buffer is not persisted.
func (q *LinearQ) Save(w io.Writer) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrShutdown
	}
	cp := checkpoint{
		Version:  checkpointVersion,
		Features: q.cfg.Features,
		Actions:  q.cfg.Actions,
		Weights:  append([]float64(nil), q.weights.RawMatrix().Data...),
		Epsilon:  q.epsilon,
		Steps:    q.steps,
		AvgLoss:  q.avgLoss,
	}
	q.mu.RUnlock()

	if err := msgpack.NewEncoder(w).Encode(&cp); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// Load replaces the weights and exploration state with a checkpoint written
// by Save. The dimensions must match this agent.
func (q *LinearQ) Load(r io.Reader) error {
	var cp checkpoint
	if err := msgpack.NewDecoder(r).Decode(&cp); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version != checkpointVersion {
		return fmt.Errorf("unsupported checkpoint version %d", cp.Version)
	}
	if cp.Features != q.cfg.Features || cp.Actions != q.cfg.Actions {
		return fmt.Errorf("%w: checkpoint is %dx%d, agent is %dx%d",
			ErrBadInput, cp.Actions, cp.Features, q.cfg.Actions, q.cfg.Features)
	}
	if len(cp.Weights) != cp.Actions*(cp.Features+1) {
		return fmt.Errorf("%w: checkpoint holds %d weights", ErrBadInput, len(cp.Weights))
	}

	w := mat.NewDense(cp.Actions, cp.Features+1, cp.Weights)

	q.learnMu.Lock()
	defer q.learnMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrShutdown
	}
	q.weights = w
	q.target = mat.DenseCopyOf(w)
	q.epsilon = cp.Epsilon
	q.steps = cp.Steps
	q.avgLoss = cp.AvgLoss
	return nil
}

// SaveFile writes a checkpoint atomically via a temporary file in the same
// directory.
func (q *LinearQ) SaveFile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := q.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// LoadFile loads a checkpoint from path. A missing file is not an error and
// reports loaded=false.
func (q *LinearQ) LoadFile(path string) (loaded bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	if err := q.Load(f); err != nil {
		return false, err
	}
	return true, nil
}
