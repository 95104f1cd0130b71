package scheduler

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickwork/internal/eventbus"
	"tickwork/internal/timing"
	logx "tickwork/pkg/logx"
)

const warnEvery = 5 * time.Second

// Scheduler queues work from any goroutine and runs it on the owning
// goroutine during Update.
type Scheduler struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus

	owner OwnerCheck
	clock timing.Clock

	runQueue  []*ScheduledDelegate
	timed     []*ScheduledDelegate // ascending ExecutionTime, ties in insertion order
	perUpdate []*ScheduledDelegate

	executed  atomic.Uint64
	faults    atomic.Uint64
	dropped   atomic.Uint64
	coalesced atomic.Uint64
	overflows atomic.Uint64

	lateWarn  *rate.Limiter
	ownerWarn *rate.Limiter
}

// New creates a scheduler owned by the calling goroutine and driven by a
// running wall-clock stopwatch.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	return NewWithClock(cfg, CurrentGoroutine(), timing.NewStopwatchClock(true), log, bus)
}

// NewWithClock creates a scheduler with an explicit owner predicate and clock.
//
// clock may be nil; timed tasks are then relative to the clock attached later
// with UpdateClock.
func NewWithClock(cfg Config, owner OwnerCheck, clock timing.Clock, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if owner == nil {
		owner = neverOwner
	}
	if isNilClock(clock) {
		clock = nil
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		owner:     owner,
		clock:     clock,
		lateWarn:  rate.NewLimiter(rate.Every(warnEvery), 1),
		ownerWarn: rate.NewLimiter(rate.Every(warnEvery), 1),
	}
}

// Apply swaps the runtime configuration. Pending tasks are kept even if they
// exceed a lowered MaxTimedTasks; only new admissions are refused.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if prev != cfg {
		s.log.Debug("scheduler config applied",
			logx.String("name", cfg.Name),
			logx.Int("max_timed_tasks", cfg.MaxTimedTasks),
			logx.Bool("recover_panics", cfg.RecoverPanics),
			logx.Float64("late_warn_ms", cfg.LateWarn),
		)
	}
}

// BindOwner replaces the owner predicate. A nil check means no goroutine owns
// the scheduler, so AddOrRun always queues.
func (s *Scheduler) BindOwner(check OwnerCheck) {
	if check == nil {
		check = neverOwner
	}
	s.mu.Lock()
	s.owner = check
	s.mu.Unlock()
}

// IsOwner reports whether the calling goroutine owns the scheduler.
func (s *Scheduler) IsOwner() bool {
	s.mu.Lock()
	owner := s.owner
	s.mu.Unlock()
	return owner()
}

// UpdateClock attaches a new time source.
//
// Replacing a clock with itself is a no-op. When the scheduler had no clock,
// every pending timed task is re-based onto the new clock's current time, so
// delays count from the moment a clock is attached.
func (s *Scheduler) UpdateClock(clock timing.Clock) error {
	if isNilClock(clock) {
		return ErrInvalidClock
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sameClock(s.clock, clock) {
		return nil
	}
	if s.clock == nil {
		base := clock.CurrentTime()
		for _, d := range s.timed {
			d.setExecutionTime(d.ExecutionTime() + base)
		}
	}
	s.clock = clock
	return nil
}

// CurrentTime reads the attached clock, or 0 when there is none.
func (s *Scheduler) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTimeLocked()
}

func (s *Scheduler) currentTimeLocked() float64 {
	if s.clock == nil {
		return 0
	}
	return s.clock.CurrentTime()
}

// ---- Admission ----

// Add queues task for the next Update and returns its handle.
func (s *Scheduler) Add(task func()) *ScheduledDelegate {
	d := newImmediate(task, "")
	s.mu.Lock()
	s.enqueueLocked(d)
	s.mu.Unlock()
	return d
}

// AddOrRun runs task right away when called on the owning goroutine and
// returns nil. From any other goroutine it behaves like Add.
func (s *Scheduler) AddOrRun(task func()) *ScheduledDelegate {
	if task == nil {
		panic("scheduler: nil task")
	}
	if s.IsOwner() {
		task()
		s.executed.Add(1)
		return nil
	}
	return s.Add(task)
}

// AddOnce queues task under name unless another AddOnce task with the same
// name is already waiting in the run queue. It reports whether the task was
// newly queued. Tasks added by Add or AddDelayed never coalesce with it, and
// an empty name always queues.
//
// The run queue is scanned under the admission mutex, which is linear in the
// number of immediate tasks.
func (s *Scheduler) AddOnce(name string, task func()) bool {
	d := newImmediate(task, name)
	d.once = true
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		s.enqueueLocked(d)
		return true
	}
	for _, q := range s.runQueue {
		if q.once && q.name == name && !q.cancelled.Load() && !q.completed.Load() {
			s.coalesced.Add(1)
			return false
		}
	}
	s.enqueueLocked(d)
	return true
}

// AddDelegate inserts a pre-built delegate into the time-ordered list.
func (s *Scheduler) AddDelegate(d *ScheduledDelegate) error {
	if d == nil {
		panic("scheduler: nil delegate")
	}
	if d.Completed() {
		return ErrDelegateCompleted
	}
	s.mu.Lock()
	err := s.insertTimedLocked(d)
	limit := s.cfg.MaxTimedTasks
	s.mu.Unlock()
	if err != nil {
		s.reportOverflow(d, limit)
	}
	return err
}

// AddDelayed runs task delay milliseconds from now. With repeat it re-arms
// every delay milliseconds; a repeating delay of 0 runs on every Update.
func (s *Scheduler) AddDelayed(task func(), delay float64, repeat bool, opts ...DelegateOption) (*ScheduledDelegate, error) {
	interval := -1.0
	if repeat {
		interval = delay
		if interval < 0 {
			interval = 0
		}
	}
	d := NewScheduledDelegate(task, 0, interval, opts...)
	s.mu.Lock()
	d.setExecutionTime(s.currentTimeLocked() + delay)
	err := s.insertTimedLocked(d)
	limit := s.cfg.MaxTimedTasks
	s.mu.Unlock()
	if err != nil {
		s.reportOverflow(d, limit)
		return nil, err
	}
	return d, nil
}

// CancelDelayedTasks cancels and forgets every pending timed task. Immediate
// and per-frame tasks are not touched.
func (s *Scheduler) CancelDelayedTasks() int {
	s.mu.Lock()
	timed := s.timed
	s.timed = nil
	s.mu.Unlock()

	for _, d := range timed {
		d.Cancel()
	}
	if n := len(timed); n > 0 {
		s.dropped.Add(uint64(n))
		s.log.Debug("delayed tasks cancelled", logx.Int("count", n))
	}
	return len(timed)
}

// insertTimedLocked keeps s.timed sorted; equal times keep insertion order.
func (s *Scheduler) insertTimedLocked(d *ScheduledDelegate) error {
	if len(s.timed) >= s.cfg.MaxTimedTasks {
		return ErrTooManyTimedTasks
	}
	s.insertSortedLocked(d)
	return nil
}

func (s *Scheduler) insertSortedLocked(d *ScheduledDelegate) {
	t := d.ExecutionTime()
	i := sort.Search(len(s.timed), func(i int) bool { return s.timed[i].ExecutionTime() > t })
	s.timed = append(s.timed, nil)
	copy(s.timed[i+1:], s.timed[i:])
	s.timed[i] = d
}

func (s *Scheduler) reportOverflow(d *ScheduledDelegate, limit int) {
	s.overflows.Add(1)
	s.mu.Lock()
	name := s.cfg.Name
	s.mu.Unlock()
	s.log.Warn("timed task rejected", logx.String("task", d.name), logx.Int("limit", limit))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeOverflow, Data: OverflowEvent{
		Scheduler: name, Task: d.name, Limit: limit, At: time.Now(),
	}})
}

// ---- Observability ----

// TotalPendingTasks counts tasks across the run queue, the timed list and the
// per-frame list.
func (s *Scheduler) TotalPendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runQueue) + len(s.timed) + len(s.perUpdate)
}

// HasPendingTasks reports whether any collection holds a task.
func (s *Scheduler) HasPendingTasks() bool { return s.TotalPendingTasks() > 0 }

// Snapshot reports queue sizes and counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Name:          s.cfg.Name,
		Now:           s.currentTimeLocked(),
		HasClock:      s.clock != nil,
		RunQueue:      len(s.runQueue),
		Timed:         len(s.timed),
		PerUpdate:     len(s.perUpdate),
		NextDue:       -1,
		MaxTimedTasks: s.cfg.MaxTimedTasks,
		RecoverPanics: s.cfg.RecoverPanics,
	}
	if len(s.timed) > 0 {
		snap.NextDue = s.timed[0].ExecutionTime()
	}
	s.mu.Unlock()

	snap.Total = snap.RunQueue + snap.Timed + snap.PerUpdate
	snap.Executed = s.executed.Load()
	snap.Faults = s.faults.Load()
	snap.Dropped = s.dropped.Load()
	snap.Coalesced = s.coalesced.Load()
	snap.Overflows = s.overflows.Load()
	return snap
}

func isNilClock(c timing.Clock) bool {
	if c == nil {
		return true
	}
	v := reflect.ValueOf(c)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Slice, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func sameClock(a, b timing.Clock) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
