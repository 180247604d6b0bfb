package agent

import (
	"math/rand/v2"
	"sync"
)

// replayBuffer is a fixed-capacity ring of transitions. The oldest entry is
// overwritten once full.
type replayBuffer struct {
	mu   sync.Mutex
	buf  []Transition
	next int
	full bool
}

func newReplayBuffer(capacity int) *replayBuffer {
	return &replayBuffer{buf: make([]Transition, capacity)}
}

func (r *replayBuffer) Push(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = t
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *replayBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *replayBuffer) lenLocked() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Sample draws n transitions uniformly with replacement. It returns nil if
// the buffer is empty.
func (r *replayBuffer) Sample(n int, rng *rand.Rand) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.lenLocked()
	if size == 0 {
		return nil
	}
	out := make([]Transition, n)
	for i := range out {
		out[i] = r.buf[rng.IntN(size)]
	}
	return out
}

func (r *replayBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.next = 0
	r.full = false
}
