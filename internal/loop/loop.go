// Package loop runs the owning frame loop: one goroutine, locked to its OS
// thread, that samples the frame clock, drains the scheduler and steps the
// registered systems.
package loop

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickwork/internal/eventbus"
	"tickwork/internal/scheduler"
	"tickwork/internal/timing"
	logx "tickwork/pkg/logx"
)

const (
	DefaultTickRate     = 60
	DefaultDrainTimeout = 2 * time.Second
	DefaultMaxFrameTime = 250 * time.Millisecond
)

type Config struct {
	TickRate     int
	DrainTimeout time.Duration
	// MaxFrameTime caps the dt handed to systems and is the threshold for the
	// slow frame warning.
	MaxFrameTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickRate <= 0 {
		c.TickRate = DefaultTickRate
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.MaxFrameTime <= 0 {
		c.MaxFrameTime = DefaultMaxFrameTime
	}
	return c
}

// System is stepped once per frame after the scheduler pass. dt is the frame
// time in milliseconds.
type System interface {
	Step(dt float64)
}

type SystemFunc func(dt float64)

func (f SystemFunc) Step(dt float64) { f(dt) }

type namedSystem struct {
	name string
	sys  System
}

type Stats struct {
	Running     bool
	Frames      uint64
	TasksRun    uint64
	LastFrameMS float64 // time spent working in the latest frame
	AvgFrameMS  float64 // smoothed work time
	FPS         float64
	Pending     int
	Faults      uint64
}

// DrainedEvent is published on the bus when Run returns.
type DrainedEvent struct {
	Ran       int           `json:"ran"`
	Passes    int           `json:"passes"`
	Cancelled int           `json:"cancelled"`
	Leftover  int           `json:"leftover"`
	TimedOut  bool          `json:"timed_out"`
	Took      time.Duration `json:"took"`
}

type Loop struct {
	mu      sync.Mutex
	cfg     Config
	systems []namedSystem

	log   logx.Logger
	bus   eventbus.Bus
	clock *timing.FramedClock
	sched *scheduler.Scheduler

	running  atomic.Bool
	frames   atomic.Uint64
	tasksRun atomic.Uint64
	lastWork atomic.Uint64 // float64 bits, ms
	avgWork  atomic.Uint64 // float64 bits, ms

	slowWarn rate.Sometimes
}

// New builds a loop driving sched. The scheduler is switched to the loop's
// frame clock so every task in a frame observes the same time. A nil clock
// gets a FramedClock over a running stopwatch.
func New(cfg Config, sched *scheduler.Scheduler, clock *timing.FramedClock, log logx.Logger, bus eventbus.Bus) (*Loop, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if clock == nil {
		clock = timing.NewFramedClock(nil)
	}
	if err := sched.UpdateClock(clock); err != nil {
		return nil, err
	}
	return &Loop{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		clock:    clock,
		sched:    sched,
		slowWarn: rate.Sometimes{Interval: 5 * time.Second},
	}, nil
}

func (l *Loop) Scheduler() *scheduler.Scheduler { return l.sched }
func (l *Loop) Clock() *timing.FramedClock      { return l.clock }

func (l *Loop) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	prev := l.cfg
	l.cfg = cfg
	l.mu.Unlock()
	if prev != cfg {
		l.log.Debug("loop config applied",
			logx.Int("tick_rate", cfg.TickRate),
			logx.Duration("drain_timeout", cfg.DrainTimeout),
			logx.Duration("max_frame_time", cfg.MaxFrameTime),
		)
	}
}

func (l *Loop) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// AddSystem registers a per-frame system. Systems run in registration order.
func (l *Loop) AddSystem(name string, sys System) {
	if sys == nil {
		return
	}
	l.mu.Lock()
	l.systems = append(l.systems, namedSystem{name: name, sys: sys})
	l.mu.Unlock()
}

// Run owns the scheduler until ctx is done, then drains it. It must be the
// only caller of Frame while it runs.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.sched.BindOwner(scheduler.CurrentGoroutine())
	defer l.sched.BindOwner(nil)
	l.running.Store(true)
	defer l.running.Store(false)

	cfg := l.config()
	l.log.Info("loop started", logx.Int("tick_rate", cfg.TickRate))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return nil
		default:
		}

		l.Frame()

		period := time.Second / time.Duration(l.config().TickRate)
		next = next.Add(period)
		now := time.Now()
		if now.Sub(next) > period {
			// Fell more than a frame behind; don't try to catch up.
			next = now
		}
		if wait := next.Sub(now); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				l.drain()
				return nil
			case <-timer.C:
			}
		}
	}
}

// Frame runs one frame on the calling goroutine and returns the number of
// scheduler tasks invoked.
func (l *Loop) Frame() int {
	start := time.Now()
	l.clock.ProcessFrame()
	ran := l.sched.Update()

	cfg := l.config()
	dt := min(l.clock.ElapsedFrameTime(), float64(cfg.MaxFrameTime.Milliseconds()))

	l.mu.Lock()
	systems := l.systems
	l.mu.Unlock()
	for _, s := range systems {
		s.sys.Step(dt)
	}

	work := time.Since(start)
	l.frames.Add(1)
	l.tasksRun.Add(uint64(ran))
	l.noteWork(float64(work.Microseconds()) / 1000)
	if work > cfg.MaxFrameTime {
		l.slowWarn.Do(func() {
			l.log.Warn("slow frame", logx.Duration("work", work), logx.Int("tasks", ran), logx.Duration("max_frame_time", cfg.MaxFrameTime))
		})
	}
	return ran
}

// noteWork records the latest frame work time and folds it into an
// exponential moving average.
func (l *Loop) noteWork(ms float64) {
	l.lastWork.Store(floatBits(ms))
	prev := bitsFloat(l.avgWork.Load())
	if l.frames.Load() <= 1 {
		prev = ms
	}
	l.avgWork.Store(floatBits(prev*0.9 + ms*0.1))
}

// drain keeps running scheduler passes until nothing is runnable or the drain
// timeout passes, then cancels what is left on the timed list.
func (l *Loop) drain() {
	cfg := l.config()
	start := time.Now()
	deadline := start.Add(cfg.DrainTimeout)

	ev := DrainedEvent{}
	for {
		l.clock.ProcessFrame()
		ev.Ran += l.sched.Update()
		ev.Passes++

		snap := l.sched.Snapshot()
		runnable := snap.RunQueue > 0 || (snap.NextDue >= 0 && snap.NextDue <= l.clock.Source().CurrentTime())
		if !runnable {
			break
		}
		if time.Now().After(deadline) {
			ev.TimedOut = true
			break
		}
		if snap.RunQueue == 0 {
			// Only timed work that is due by the source clock; let it catch up.
			time.Sleep(time.Millisecond)
		}
	}

	ev.Cancelled = l.sched.CancelDelayedTasks()
	ev.Leftover = l.sched.TotalPendingTasks()
	ev.Took = time.Since(start)
	l.tasksRun.Add(uint64(ev.Ran))

	fields := []logx.Field{
		logx.Int("ran", ev.Ran),
		logx.Int("passes", ev.Passes),
		logx.Int("cancelled_timed", ev.Cancelled),
		logx.Int("leftover", ev.Leftover),
		logx.Duration("took", ev.Took),
	}
	if ev.TimedOut {
		l.log.Warn("loop drain timed out", fields...)
	} else {
		l.log.Info("loop drained", fields...)
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeDrained, Data: ev})
}

func (l *Loop) Stats() Stats {
	snap := l.sched.Snapshot()
	return Stats{
		Running:     l.running.Load(),
		Frames:      l.frames.Load(),
		TasksRun:    l.tasksRun.Load(),
		LastFrameMS: bitsFloat(l.lastWork.Load()),
		AvgFrameMS:  bitsFloat(l.avgWork.Load()),
		FPS:         l.clock.FramesPerSecond(),
		Pending:     snap.Total,
		Faults:      snap.Faults,
	}
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }
