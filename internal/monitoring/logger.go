// Package monitoring holds the process-wide diagnostic logger used by the
// simulation, controller and sinks.
package monitoring

import (
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle emits at most one line per key within Every. Lines dropped in
// between are counted and reported with the next emitted line.
type Throttle struct {
	Every time.Duration
	Now   func() time.Time

	mu      sync.Mutex
	last    map[string]time.Time
	dropped map[string]int
}

// NewThrottle returns a Throttle using wall-clock time.
func NewThrottle(every time.Duration) *Throttle {
	return &Throttle{Every: every, Now: time.Now}
}

// Logf logs through the package logger unless key was logged recently.
// It reports whether the line was emitted.
func (t *Throttle) Logf(key, format string, v ...interface{}) bool {
	t.mu.Lock()
	if t.last == nil {
		t.last = make(map[string]time.Time)
		t.dropped = make(map[string]int)
	}
	now := t.Now()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.Every {
		t.dropped[key]++
		t.mu.Unlock()
		return false
	}
	suppressed := t.dropped[key]
	t.last[key] = now
	t.dropped[key] = 0
	t.mu.Unlock()

	if suppressed > 0 {
		Logf(format+" (%d similar suppressed)", append(v, suppressed)...)
	} else {
		Logf(format, v...)
	}
	return true
}
