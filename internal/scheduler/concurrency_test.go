package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"

	"tickwork/internal/timing"
	logx "tickwork/pkg/logx"
)

func TestConcurrentProducersRunExactlyOnce(t *testing.T) {
	t.Parallel()
	const producers = 16
	const perProducer = 500

	clock := timing.NewManualClock(0)
	s := NewWithClock(Config{MaxTimedTasks: producers * perProducer}, CurrentGoroutine(), clock, logx.Nop(), nil)

	var immediate, delayed atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.Add(func() { immediate.Add(1) })
				if _, err := s.AddDelayed(func() { delayed.Add(1) }, float64(i%7), false); err != nil {
					t.Errorf("AddDelayed: %v", err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	// The test goroutine owns s and keeps draining while producers run.
	running := true
	for running {
		select {
		case <-done:
			running = false
		default:
		}
		clock.Advance(1)
		s.Update()
	}
	clock.Advance(10)
	for s.HasPendingTasks() {
		s.Update()
	}

	want := int64(producers * perProducer)
	if got := immediate.Load(); got != want {
		t.Fatalf("immediate runs = %d, want %d", got, want)
	}
	if got := delayed.Load(); got != want {
		t.Fatalf("delayed runs = %d, want %d", got, want)
	}
}

func TestConcurrentAddOnceCoalesces(t *testing.T) {
	t.Parallel()
	s := NewWithClock(Config{}, CurrentGoroutine(), timing.NewManualClock(0), logx.Nop(), nil)

	var runs atomic.Int64
	var queued atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.AddOnce("redraw", func() { runs.Add(1) }) {
				queued.Add(1)
			}
		}()
	}
	wg.Wait()

	if queued.Load() != 1 {
		t.Fatalf("queued = %d, want 1", queued.Load())
	}
	s.Update()
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestConcurrentCancelRacesUpdate(t *testing.T) {
	t.Parallel()
	clock := timing.NewManualClock(0)
	s := NewWithClock(Config{}, CurrentGoroutine(), clock, logx.Nop(), nil)

	var runs atomic.Int64
	handles := make([]*ScheduledDelegate, 200)
	for i := range handles {
		handles[i] = s.Add(func() { runs.Add(1) })
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, d := range handles {
			d.Cancel()
		}
	}()
	s.Update()
	wg.Wait()
	s.Update()

	if runs.Load() > int64(len(handles)) {
		t.Fatalf("runs = %d exceeds task count", runs.Load())
	}
	if s.HasPendingTasks() {
		t.Fatalf("TotalPendingTasks = %d, want 0", s.TotalPendingTasks())
	}
	for _, d := range handles {
		if !d.Completed() {
			t.Fatal("every one-shot should be completed after its turn")
		}
	}
}

func TestCurrentGoroutine(t *testing.T) {
	t.Parallel()
	check := CurrentGoroutine()
	if !check() {
		t.Fatal("owner check should hold on the creating goroutine")
	}
	other := make(chan bool)
	go func() { other <- check() }()
	if <-other {
		t.Fatal("owner check should fail on another goroutine")
	}
}
