// Package diag records scheduler faults and loop statistics.
//
// The Recorder listens on the event bus, keeps a short in-memory history of
// task panics and persists faults and frame samples to the configured store.
package diag

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickwork/internal/eventbus"
	"tickwork/internal/loop"
	rtsup "tickwork/internal/runtime/supervisor"
	"tickwork/internal/scheduler"
	"tickwork/internal/storage"
	logx "tickwork/pkg/logx"
)

const (
	recentFaults = 64
	sampleBuffer = 8
	writeTimeout = 2 * time.Second
)

type Counters struct {
	Faults      uint64
	Overflows   uint64
	Drains      uint64
	Samples     uint64
	SampleDrops uint64
	WriteErrors uint64
}

type Recorder struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store // nil when storage is disabled

	samplesCh chan loop.Stats

	mu     sync.Mutex
	recent []storage.FaultEntry // oldest first

	faults    atomic.Uint64
	overflows atomic.Uint64
	drains    atomic.Uint64
	samples   atomic.Uint64
	sampleDrp atomic.Uint64
	writeErrs atomic.Uint64

	writeWarn    rate.Sometimes
	overflowWarn rate.Sometimes
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Recorder{
		log:          log,
		bus:          bus,
		store:        store,
		samplesCh:    make(chan loop.Stats, sampleBuffer),
		writeWarn:    rate.Sometimes{Interval: 30 * time.Second},
		overflowWarn: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Start subscribes to the bus and consumes events and queued samples on a
// supervised goroutine until sup's context is done. The subscription is in
// place when Start returns.
func (r *Recorder) Start(sup *rtsup.Supervisor) {
	events, unsub := r.bus.Subscribe(128)
	sup.Go0("diag.recorder", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				r.handle(ctx, e)
			case st := <-r.samplesCh:
				_ = r.SampleFrame(ctx, st)
			}
		}
	})
}

func (r *Recorder) handle(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeTaskPanic:
		ev, ok := e.Data.(scheduler.TaskPanicEvent)
		if !ok {
			return
		}
		r.recordFault(ctx, storage.FaultEntry{
			At:        ev.At,
			Scheduler: ev.Scheduler,
			Task:      ev.Task,
			Panic:     ev.Panic,
			Stack:     ev.Stack,
		})
	case eventbus.TypeOverflow:
		ev, _ := e.Data.(scheduler.OverflowEvent)
		r.overflows.Add(1)
		r.overflowWarn.Do(func() {
			r.log.Warn("timed task limit reached",
				logx.String("scheduler", ev.Scheduler),
				logx.Int("limit", ev.Limit),
				logx.Uint64("total_overflows", r.overflows.Load()),
			)
		})
	case eventbus.TypeDrained:
		r.drains.Add(1)
		if ev, ok := e.Data.(loop.DrainedEvent); ok && ev.Leftover > 0 {
			r.log.Debug("loop drained with leftover tasks", logx.Int("leftover", ev.Leftover))
		}
	}
}

func (r *Recorder) recordFault(ctx context.Context, f storage.FaultEntry) {
	defer r.faults.Add(1)
	if f.At.IsZero() {
		f.At = time.Now()
	}

	r.mu.Lock()
	r.recent = append(r.recent, f)
	if over := len(r.recent) - recentFaults; over > 0 {
		r.recent = append(r.recent[:0], r.recent[over:]...)
	}
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.store.AppendFault(wctx, f); err != nil {
		r.noteWriteError("fault", err)
	}
}

// QueueSample hands st to the recorder goroutine without blocking. It reports
// false when the queue is full and the sample was dropped.
func (r *Recorder) QueueSample(st loop.Stats) bool {
	select {
	case r.samplesCh <- st:
		return true
	default:
		r.sampleDrp.Add(1)
		return false
	}
}

// SampleFrame persists a copy of the loop statistics. It is a no-op without a
// store.
func (r *Recorder) SampleFrame(ctx context.Context, st loop.Stats) error {
	defer r.samples.Add(1)
	if r.store == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := r.store.AppendFrameStats(wctx, storage.FrameSample{
		At:          time.Now(),
		Frames:      st.Frames,
		FPS:         st.FPS,
		AvgFrameMS:  st.AvgFrameMS,
		LastFrameMS: st.LastFrameMS,
		TasksRun:    st.TasksRun,
		Pending:     st.Pending,
		Faults:      st.Faults,
	})
	if err != nil {
		r.noteWriteError("frame_stats", err)
	}
	return err
}

func (r *Recorder) noteWriteError(kind string, err error) {
	r.writeErrs.Add(1)
	r.writeWarn.Do(func() {
		r.log.Warn("diagnostics write failed", logx.String("kind", kind), logx.Err(err))
	})
}

// RecentFaults returns up to n faults, newest first. The store is consulted
// when present so faults from earlier runs are included.
func (r *Recorder) RecentFaults(ctx context.Context, n int) ([]storage.FaultEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	if r.store != nil {
		return r.store.RecentFaults(ctx, n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n = min(n, len(r.recent))
	out := make([]storage.FaultEntry, 0, n)
	for i := len(r.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.recent[i])
	}
	return out, nil
}

func (r *Recorder) Counters() Counters {
	return Counters{
		Faults:      r.faults.Load(),
		Overflows:   r.overflows.Load(),
		Drains:      r.drains.Load(),
		Samples:     r.samples.Load(),
		SampleDrops: r.sampleDrp.Load(),
		WriteErrors: r.writeErrs.Load(),
	}
}
