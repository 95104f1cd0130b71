package scheduler

import (
	"errors"
	"testing"
)

func TestRunTaskOneShotRunsOnce(t *testing.T) {
	t.Parallel()
	runs := 0
	d := NewScheduledDelegate(func() { runs++ }, 0, -1)
	d.RunTask()
	d.RunTask()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
	if !d.Completed() {
		t.Fatal("one-shot should be completed after running")
	}
}

func TestRunTaskCompletesEvenWhenPanicking(t *testing.T) {
	t.Parallel()
	d := NewScheduledDelegate(func() { panic("x") }, 0, -1)
	func() {
		defer func() { _ = recover() }()
		d.RunTask()
	}()
	if !d.Completed() {
		t.Fatal("panicking one-shot should still be completed")
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		interval      float64
		runFirst      bool
		wantCancelled bool
	}{
		{name: "pending one-shot", interval: -1, wantCancelled: true},
		{name: "completed one-shot", interval: -1, runFirst: true, wantCancelled: false},
		{name: "repeating", interval: 10, runFirst: true, wantCancelled: true},
		{name: "per-frame", interval: 0, wantCancelled: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runs := 0
			d := NewScheduledDelegate(func() { runs++ }, 0, tt.interval)
			if tt.runFirst {
				d.RunTask()
			}
			d.Cancel()
			d.Cancel()
			if d.Cancelled() != tt.wantCancelled {
				t.Fatalf("Cancelled = %v, want %v", d.Cancelled(), tt.wantCancelled)
			}
			before := runs
			d.RunTask()
			if tt.wantCancelled && runs != before {
				t.Fatal("cancelled delegate ran")
			}
		})
	}
}

func TestCancelledOneShotIsCompletedOnItsTurn(t *testing.T) {
	t.Parallel()
	d := NewScheduledDelegate(func() { t.Fatal("should not run") }, 0, -1)
	d.Cancel()
	d.RunTask()
	if !d.Completed() {
		t.Fatal("cancelled one-shot should complete when skipped")
	}
}

func TestSetNextExecution(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		start    float64
		interval float64
		catchUp  bool
		now      float64
		want     float64
		wantErr  error
	}{
		{name: "one-shot", start: 5, interval: -1, catchUp: true, now: 5, want: 5, wantErr: ErrNotRepeating},
		{name: "per-frame", start: 0, interval: 0, catchUp: true, now: 5, want: 0, wantErr: ErrNotRepeating},
		{name: "on time", start: 10, interval: 10, catchUp: true, now: 10, want: 20},
		{name: "late keeps grid", start: 10, interval: 10, catchUp: true, now: 13, want: 20},
		{name: "very late with catch-up", start: 10, interval: 10, catchUp: true, now: 45, want: 20},
		{name: "very late without catch-up", start: 10, interval: 10, catchUp: false, now: 45, want: 50},
		{name: "exactly on a slot without catch-up", start: 10, interval: 10, catchUp: false, now: 40, want: 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := NewScheduledDelegate(func() {}, tt.start, tt.interval, WithCatchUp(tt.catchUp))
			err := d.SetNextExecution(tt.now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got := d.ExecutionTime(); got != tt.want {
				t.Fatalf("ExecutionTime = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewScheduledDelegateRejectsNilTask(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil task")
		}
	}()
	NewScheduledDelegate(nil, 0, -1)
}
