// Package timing provides the time sources the scheduler and the owning loop read.
//
// All clocks report milliseconds as float64 and never go backwards within one
// instance.
package timing

import (
	"sync"
	"time"
)

// Clock is an opaque, monotonically non-decreasing time source in milliseconds.
//
// Implementations must be pointer types so that two clocks can be compared by
// identity.
type Clock interface {
	CurrentTime() float64
}

// StopwatchClock is a wall-clock backed clock that can be paused and sped up.
type StopwatchClock struct {
	mu sync.Mutex

	// accumulated holds the time collected before the current run segment.
	accumulated float64
	segStart    time.Time
	running     bool
	rate        float64
}

// NewStopwatchClock creates a stopwatch at time 0, optionally already running.
func NewStopwatchClock(start bool) *StopwatchClock {
	c := &StopwatchClock{rate: 1}
	if start {
		c.running = true
		c.segStart = time.Now()
	}
	return c
}

func (c *StopwatchClock) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

func (c *StopwatchClock) currentLocked() float64 {
	if !c.running {
		return c.accumulated
	}
	seg := float64(time.Since(c.segStart)) / float64(time.Millisecond)
	return c.accumulated + seg*c.rate
}

func (c *StopwatchClock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.segStart = time.Now()
}

func (c *StopwatchClock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.accumulated = c.currentLocked()
	c.running = false
}

func (c *StopwatchClock) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *StopwatchClock) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// SetRate changes the playback speed. Negative rates are clamped to 0 so the
// clock stays monotonic. Elapsed time up to the call is kept at the old rate.
func (c *StopwatchClock) SetRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.accumulated = c.currentLocked()
		c.segStart = time.Now()
	}
	c.rate = rate
}

// ManualClock only moves when told to. It is used for deterministic tests and
// replays.
type ManualClock struct {
	mu  sync.Mutex
	now float64
}

func NewManualClock(start float64) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Values earlier than the current time are ignored.
func (c *ManualClock) Set(t float64) {
	c.mu.Lock()
	if t > c.now {
		c.now = t
	}
	c.mu.Unlock()
}

// Advance moves the clock forward by d milliseconds (negative d is ignored).
func (c *ManualClock) Advance(d float64) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}
