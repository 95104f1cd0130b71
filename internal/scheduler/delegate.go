package scheduler

import (
	"math"
	"sync/atomic"
)

// ScheduledDelegate is one unit of scheduled work and the handle returned to
// producers.
//
// RepeatInterval < 0 runs once, == 0 runs on every Update, > 0 re-arms at
// ExecutionTime + RepeatInterval after each promotion.
type ScheduledDelegate struct {
	task           func()
	name           string
	repeatInterval float64
	catchUp        bool
	// once marks delegates queued by AddOnce; only they take part in name
	// coalescing.
	once bool

	// float64 bits; written under the scheduler mutex, read from anywhere.
	execBits atomic.Uint64

	cancelled atomic.Bool
	completed atomic.Bool
	ran       atomic.Bool

	// queued is set while the delegate sits in a run queue.
	// Guarded by the owning scheduler's mutex.
	queued bool
}

// DelegateOption configures a ScheduledDelegate.
type DelegateOption func(*ScheduledDelegate)

// WithName labels the delegate for logs, snapshots and AddOnce coalescing.
func WithName(name string) DelegateOption {
	return func(d *ScheduledDelegate) { d.name = name }
}

// WithCatchUp controls what a repeating delegate does after missing intervals.
// With catch-up (the default) every missed interval still fires, one per
// Update. Without it, missed intervals are skipped and the delegate keeps its
// phase.
func WithCatchUp(enabled bool) DelegateOption {
	return func(d *ScheduledDelegate) { d.catchUp = enabled }
}

// NewScheduledDelegate builds a delegate that becomes eligible at
// executionTime. It panics if task is nil.
func NewScheduledDelegate(task func(), executionTime, repeatInterval float64, opts ...DelegateOption) *ScheduledDelegate {
	if task == nil {
		panic("scheduler: nil task")
	}
	d := &ScheduledDelegate{task: task, repeatInterval: repeatInterval, catchUp: true}
	d.setExecutionTime(executionTime)
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

func newImmediate(task func(), name string) *ScheduledDelegate {
	return NewScheduledDelegate(task, 0, -1, WithName(name))
}

// Name is the label given with WithName or AddOnce.
func (d *ScheduledDelegate) Name() string { return d.name }

// ExecutionTime is the clock time at which the delegate becomes due.
func (d *ScheduledDelegate) ExecutionTime() float64 {
	return math.Float64frombits(d.execBits.Load())
}

func (d *ScheduledDelegate) setExecutionTime(t float64) {
	d.execBits.Store(math.Float64bits(t))
}

// RepeatInterval is < 0 for one-shot, 0 for per-frame and > 0 for repeating
// delegates.
func (d *ScheduledDelegate) RepeatInterval() float64 { return d.repeatInterval }

// Cancelled reports whether Cancel was called before the delegate completed.
func (d *ScheduledDelegate) Cancelled() bool { return d.cancelled.Load() }

// Completed reports whether a one-shot delegate has run or was dropped.
func (d *ScheduledDelegate) Completed() bool { return d.completed.Load() }

// Cancel stops the delegate from running again. It is idempotent and has no
// effect on a completed delegate. The scheduler drops cancelled delegates the
// next time it scans the collection holding them.
func (d *ScheduledDelegate) Cancel() {
	if d.completed.Load() {
		return
	}
	d.cancelled.Store(true)
}

// RunTask runs the callback on the calling goroutine unless the delegate was
// cancelled. A one-shot delegate runs at most once and is completed afterwards,
// even when the callback panics.
func (d *ScheduledDelegate) RunTask() {
	d.run()
}

// run reports whether the callback was invoked.
func (d *ScheduledDelegate) run() bool {
	oneShot := d.repeatInterval < 0
	if d.cancelled.Load() {
		if oneShot {
			d.completed.Store(true)
		}
		return false
	}
	if oneShot {
		if !d.ran.CompareAndSwap(false, true) {
			return false
		}
		defer d.completed.Store(true)
	}
	d.task()
	return true
}

// SetNextExecution advances ExecutionTime by one interval. Without catch-up the
// result is moved to the first point of the interval grid after now.
//
// The scheduler calls this itself; calling it on a delegate that is pending in
// a scheduler breaks the time ordering.
func (d *ScheduledDelegate) SetNextExecution(now float64) error {
	if d.repeatInterval <= 0 {
		return ErrNotRepeating
	}
	next := d.ExecutionTime() + d.repeatInterval
	if !d.catchUp && next <= now {
		missed := math.Floor((now-next)/d.repeatInterval) + 1
		next += missed * d.repeatInterval
	}
	d.setExecutionTime(next)
	return nil
}
