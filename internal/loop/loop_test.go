package loop

import (
	"context"
	"reflect"
	"testing"
	"time"

	"tickwork/internal/eventbus"
	"tickwork/internal/scheduler"
	"tickwork/internal/timing"
	logx "tickwork/pkg/logx"
)

func newManualLoop(t *testing.T, cfg Config) (*Loop, *scheduler.Scheduler, *timing.ManualClock) {
	t.Helper()
	src := timing.NewManualClock(0)
	sched := scheduler.NewWithClock(scheduler.Config{}, scheduler.CurrentGoroutine(), nil, logx.Nop(), nil)
	l, err := New(cfg, sched, timing.NewFramedClock(src), logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, sched, src
}

func TestFrameRunsTasksBeforeSystems(t *testing.T) {
	t.Parallel()
	l, sched, src := newManualLoop(t, Config{})
	var order []string
	var gotDT float64
	sched.Add(func() { order = append(order, "task") })
	l.AddSystem("physics", SystemFunc(func(dt float64) {
		order = append(order, "system")
		gotDT = dt
	}))

	src.Advance(16)
	if n := l.Frame(); n != 1 {
		t.Fatalf("Frame = %d, want 1", n)
	}
	if !reflect.DeepEqual(order, []string{"task", "system"}) {
		t.Fatalf("order = %v", order)
	}
	if gotDT != 16 {
		t.Fatalf("dt = %v, want 16", gotDT)
	}

	src.Advance(5000)
	l.Frame()
	if gotDT != float64(DefaultMaxFrameTime.Milliseconds()) {
		t.Fatalf("dt = %v, want clamp to %v", gotDT, DefaultMaxFrameTime.Milliseconds())
	}
	if st := l.Stats(); st.Frames != 2 || st.TasksRun != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDelayedTasksFollowFrameTime(t *testing.T) {
	t.Parallel()
	l, sched, src := newManualLoop(t, Config{})
	ran := false
	if _, err := sched.AddDelayed(func() { ran = true }, 10, false); err != nil {
		t.Fatalf("AddDelayed: %v", err)
	}
	src.Advance(10)
	// The source moved but no frame was processed yet.
	sched.Update()
	if ran {
		t.Fatal("task ran before the frame clock advanced")
	}
	l.Frame()
	if !ran {
		t.Fatal("task should run once the frame samples the new time")
	}
}

func TestRunDrainsOnShutdown(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	sched := scheduler.New(scheduler.Config{}, logx.Nop(), bus)
	l, err := New(Config{}, sched, nil, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ran := 0
	sched.Add(func() { ran++ })
	sched.Add(func() { ran++ })
	far, _ := sched.AddDelayed(func() { t.Error("far task ran") }, float64(time.Hour.Milliseconds()), false)
	sched.AddDelayed(func() {}, 0, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran != 2 {
		t.Fatalf("ran = %d, want 2", ran)
	}
	if !far.Cancelled() {
		t.Fatal("far task should be cancelled by the drain")
	}

	select {
	case e := <-events:
		ev, ok := e.Data.(DrainedEvent)
		if e.Type != eventbus.TypeDrained || !ok {
			t.Fatalf("event = %+v", e)
		}
		if ev.Ran != 3 || ev.Cancelled != 1 || ev.Leftover != 1 || ev.TimedOut {
			t.Fatalf("drained = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("drained event not published")
	}
}

func TestDrainTimesOut(t *testing.T) {
	t.Parallel()
	sched := scheduler.New(scheduler.Config{}, logx.Nop(), nil)
	l, err := New(Config{DrainTimeout: 20 * time.Millisecond}, sched, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var again func()
	again = func() { sched.Add(again) }
	sched.Add(again)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_ = l.Run(ctx)
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("drain took %v", took)
	}
	if sched.TotalPendingTasks() != 1 {
		t.Fatalf("TotalPendingTasks = %d, want the one requeued task", sched.TotalPendingTasks())
	}
}

func TestRunOwnsScheduler(t *testing.T) {
	t.Parallel()
	sched := scheduler.New(scheduler.Config{}, logx.Nop(), nil)
	l, err := New(Config{TickRate: 200}, sched, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	type result struct{ owner, inline bool }
	got := make(chan result, 1)
	sched.Add(func() {
		inline := false
		sched.AddOrRun(func() { inline = true })
		got <- result{owner: sched.IsOwner(), inline: inline}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case r := <-got:
		if !r.owner || !r.inline {
			t.Fatalf("result = %+v; tasks must run on the owning goroutine", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}

	time.Sleep(50 * time.Millisecond)
	if st := l.Stats(); !st.Running || st.Frames < 2 {
		t.Fatalf("stats = %+v", st)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sched.IsOwner() {
		t.Fatal("owner should be released after Run")
	}
	if l.Stats().Running {
		t.Fatal("Running should be false after Run")
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	l, _, _ := newManualLoop(t, Config{})
	l.Apply(Config{TickRate: 30})
	cfg := l.config()
	if cfg.TickRate != 30 || cfg.DrainTimeout != DefaultDrainTimeout || cfg.MaxFrameTime != DefaultMaxFrameTime {
		t.Fatalf("cfg = %+v", cfg)
	}
}
