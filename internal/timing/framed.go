package timing

import "sync"

const fpsWindow = 1000.0 // ms

// FramedClock samples a source clock once per frame, so that everything which
// runs during one frame observes the same time.
type FramedClock struct {
	mu sync.Mutex

	source Clock

	current float64
	last    float64
	frames  uint64

	// fps bookkeeping over a rolling window
	windowStart  float64
	windowFrames int
	fps          float64
}

// NewFramedClock wraps source. A nil source gets a running StopwatchClock.
func NewFramedClock(source Clock) *FramedClock {
	if source == nil {
		source = NewStopwatchClock(true)
	}
	now := source.CurrentTime()
	return &FramedClock{source: source, current: now, last: now, windowStart: now}
}

// ProcessFrame samples the source clock and starts a new frame.
func (c *FramedClock) ProcessFrame() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.source.CurrentTime()
	if now < c.current {
		now = c.current
	}
	c.last = c.current
	c.current = now
	c.frames++

	c.windowFrames++
	if span := now - c.windowStart; span >= fpsWindow {
		c.fps = float64(c.windowFrames) * 1000 / span
		c.windowStart = now
		c.windowFrames = 0
	}
}

// CurrentTime is the time sampled by the latest ProcessFrame.
func (c *FramedClock) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ElapsedFrameTime is the time between the two latest frames.
func (c *FramedClock) ElapsedFrameTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current - c.last
}

func (c *FramedClock) FramesPerSecond() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

func (c *FramedClock) FrameCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *FramedClock) Source() Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}
