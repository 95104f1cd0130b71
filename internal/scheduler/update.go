package scheduler

import (
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"tickwork/internal/eventbus"
	logx "tickwork/pkg/logx"
)

// Update promotes due work and runs the current run queue. It must be called
// from the owning goroutine and returns the number of callbacks invoked.
//
// Only the tasks present in the run queue after promotion are run; anything
// queued meanwhile waits for the next call.
func (s *Scheduler) Update() int {
	s.mu.Lock()
	owner := s.owner
	s.mu.Unlock()
	if !owner() && s.ownerWarn.Allow() {
		s.log.Warn("update called off the owning goroutine")
	}

	s.mu.Lock()
	cfg := s.cfg
	now := s.currentTimeLocked()
	late := s.promoteTimedLocked(now, cfg.LateWarn)
	s.promotePerUpdateLocked()
	countToRun := len(s.runQueue)
	s.mu.Unlock()

	if late.count > 0 {
		s.reportLate(late)
	}

	ran := 0
	for i := 0; i < countToRun; i++ {
		d := s.dequeue()
		if d == nil {
			break
		}
		if s.runOne(d, cfg) {
			ran++
			s.executed.Add(1)
		}
	}
	return ran
}

type lateSummary struct {
	count int
	worst float64
	task  string
}

// promoteTimedLocked moves every task with ExecutionTime <= now out of the
// timed list. The due tasks are a prefix of the sorted list, so each delegate
// is promoted at most once per pass.
func (s *Scheduler) promoteTimedLocked(now, lateWarn float64) lateSummary {
	var late lateSummary
	n := sort.Search(len(s.timed), func(i int) bool { return s.timed[i].ExecutionTime() > now })
	if n == 0 {
		return late
	}
	due := make([]*ScheduledDelegate, n)
	copy(due, s.timed[:n])
	rest := copy(s.timed, s.timed[n:])
	clear(s.timed[rest:])
	s.timed = s.timed[:rest]

	for _, d := range due {
		if d.Cancelled() {
			s.dropped.Add(1)
			continue
		}
		if d.Completed() {
			continue
		}
		if lateWarn > 0 {
			if by := now - d.ExecutionTime(); by > lateWarn {
				late.count++
				if by > late.worst {
					late.worst = by
					late.task = d.name
				}
			}
		}
		switch {
		case d.repeatInterval == 0:
			// Picked up by promotePerUpdateLocked in this same pass.
			s.perUpdate = append(s.perUpdate, d)
		case d.repeatInterval > 0:
			_ = d.SetNextExecution(now)
			s.insertSortedLocked(d)
			s.enqueueLocked(d)
		default:
			s.enqueueLocked(d)
		}
	}
	return late
}

func (s *Scheduler) promotePerUpdateLocked() {
	kept := s.perUpdate[:0]
	for _, d := range s.perUpdate {
		d.setExecutionTime(0)
		if d.Cancelled() {
			s.dropped.Add(1)
			continue
		}
		kept = append(kept, d)
		s.enqueueLocked(d)
	}
	clear(s.perUpdate[len(kept):])
	s.perUpdate = kept
}

func (s *Scheduler) enqueueLocked(d *ScheduledDelegate) {
	if d.queued {
		return
	}
	d.queued = true
	s.runQueue = append(s.runQueue, d)
}

func (s *Scheduler) dequeue() *ScheduledDelegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runQueue) == 0 {
		return nil
	}
	d := s.runQueue[0]
	s.runQueue[0] = nil
	s.runQueue = s.runQueue[1:]
	if len(s.runQueue) == 0 {
		s.runQueue = nil
	}
	d.queued = false
	return d
}

// runOne reports whether the callback was invoked (a recovered panic counts).
func (s *Scheduler) runOne(d *ScheduledDelegate, cfg Config) (ran bool) {
	if !cfg.RecoverPanics {
		return d.run()
	}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		ran = true
		s.faults.Add(1)
		stack := string(debug.Stack())
		s.log.Error("scheduled task panicked",
			logx.String("scheduler", cfg.Name),
			logx.String("task", d.name),
			logx.Any("panic", r),
			logx.Stack(stack),
		)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskPanic, Data: TaskPanicEvent{
			Scheduler: cfg.Name,
			Task:      d.name,
			Panic:     fmt.Sprint(r),
			Stack:     stack,
			At:        time.Now(),
		}})
	}()
	return d.run()
}

func (s *Scheduler) reportLate(l lateSummary) {
	if !s.lateWarn.Allow() {
		return
	}
	s.log.Warn("timed tasks ran late",
		logx.Int("count", l.count),
		logx.Float64("worst_ms", l.worst),
		logx.String("worst_task", l.task),
	)
}
