package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "tickwork/pkg/logx"
)

// fakeTarget mimics the scheduler's AddOnce: a name already queued is absorbed.
type fakeTarget struct {
	mu     sync.Mutex
	queued map[string]func()
	calls  chan string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{queued: map[string]func(){}, calls: make(chan string, 16)}
}

func (f *fakeTarget) AddOnce(name string, task func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls <- name
	if _, ok := f.queued[name]; ok {
		return false
	}
	f.queued[name] = task
	return true
}

// drain runs and clears the queued jobs, like one scheduler Update.
func (f *fakeTarget) drain() int {
	f.mu.Lock()
	jobs := f.queued
	f.queued = map[string]func(){}
	f.mu.Unlock()
	for _, j := range jobs {
		j()
	}
	return len(jobs)
}

func waitCall(t *testing.T, f *fakeTarget) string {
	t.Helper()
	select {
	case n := <-f.calls:
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("trigger did not fire")
		return ""
	}
}

func TestAddAtMarshalsJobThroughTarget(t *testing.T) {
	t.Parallel()
	target := newFakeTarget()
	s := New(Config{Enabled: true}, target, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ran := false
	if err := s.AddAt("save", time.Now(), func() { ran = true }); err != nil {
		t.Fatalf("AddAt: %v", err)
	}
	if got := waitCall(t, target); got != TaskName("save") {
		t.Fatalf("task name = %q", got)
	}
	if ran {
		t.Fatal("job must not run on the timer goroutine")
	}
	if n := target.drain(); n != 1 || !ran {
		t.Fatalf("drain = %d, ran = %v", n, ran)
	}
	if names := s.Names(); len(names) != 0 {
		t.Fatalf("one-shot should be forgotten after firing, got %v", names)
	}
}

func TestFireCoalescesWhileQueued(t *testing.T) {
	t.Parallel()
	target := newFakeTarget()
	s := New(Config{}, target, logx.Nop())
	st := &fireStats{}
	job := func() {}

	s.fire("stats", job, st)
	s.fire("stats", job, st)
	s.fire("stats", job, st)
	if st.fires.Load() != 3 || st.coalesced.Load() != 2 {
		t.Fatalf("fires = %d, coalesced = %d", st.fires.Load(), st.coalesced.Load())
	}
	target.drain()
	s.fire("stats", job, st)
	if st.coalesced.Load() != 2 {
		t.Fatalf("fire after drain should queue; coalesced = %d", st.coalesced.Load())
	}
	snap := s.Snapshot()
	if snap.Fires != 4 || snap.Coalesced != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRemoveForgetsCoalesceLog(t *testing.T) {
	t.Parallel()
	target := newFakeTarget()
	s := New(Config{Timezone: "UTC"}, target, logx.Nop())
	job := func() {}
	if err := s.AddSchedule("stats", "30s", job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	s.fire("stats", job, nil)
	s.fire("stats", job, nil)
	s.coalesceMu.Lock()
	n := len(s.coalesceLog)
	s.coalesceMu.Unlock()
	if n != 1 {
		t.Fatalf("coalesce log entries = %d, want 1", n)
	}

	if !s.Remove("stats") {
		t.Fatal("Remove should report the schedule")
	}
	s.coalesceMu.Lock()
	_, ok := s.coalesceLog["stats"]
	s.coalesceMu.Unlock()
	if ok {
		t.Fatal("coalesce log entry kept after Remove")
	}
}

func TestRegistrationBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, newFakeTarget(), logx.Nop())

	if err := s.AddSchedule("autosave", "*/5 * * * *", func() {}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddSchedule("stats", "30s", func() {}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddDaily("daily", "03:15", func() {}); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
	if err := s.AddWeekly("weekly", time.Sunday, "23:59", func() {}); err != nil {
		t.Fatalf("AddWeekly: %v", err)
	}
	if err := s.AddCron("bad", "not cron", func() {}); err == nil {
		t.Fatal("invalid cron should fail at registration")
	}
	if err := s.AddInterval("", time.Second, func() {}); err != ErrNameRequired {
		t.Fatalf("err = %v, want ErrNameRequired", err)
	}
	if err := s.AddInterval("nil", time.Second, nil); err != ErrNilJob {
		t.Fatalf("err = %v, want ErrNilJob", err)
	}

	snap := s.Snapshot()
	if snap.Running || len(snap.Schedules) != 4 {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, it := range snap.Schedules {
		if !it.Next.IsZero() {
			t.Fatalf("%s: Next should be unset before Start", it.Name)
		}
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	snap = s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, it := range snap.Schedules {
		if it.Next.IsZero() {
			t.Fatalf("%s: Next should be set after Start", it.Name)
		}
		if it.Name == "stats" && it.Kind != KindInterval {
			t.Fatalf("stats kind = %s", it.Kind)
		}
	}
}

func TestUpsertAndRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newFakeTarget(), logx.Nop())
	_ = s.AddSchedule("x", "1m", func() {})
	_ = s.AddSchedule("x", "2m", func() {})
	if names := s.Names(); len(names) != 1 {
		t.Fatalf("names = %v, want one entry", names)
	}
	_ = s.AddAt("x", time.Now().Add(time.Hour), func() {})
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Kind != KindOnce {
		t.Fatalf("AddAt should replace the interval: %+v", snap.Schedules)
	}
	if !s.Remove("x") {
		t.Fatal("Remove should report removal")
	}
	if s.Remove("x") {
		t.Fatal("second Remove should report nothing")
	}
}

func TestStopKeepsOneShotForNextStart(t *testing.T) {
	t.Parallel()
	target := newFakeTarget()
	s := New(Config{}, target, logx.Nop())
	s.Start(context.Background())
	_ = s.AddAt("later", time.Now().Add(150*time.Millisecond), func() {})
	s.Stop(context.Background())

	select {
	case n := <-target.calls:
		t.Fatalf("stopped trigger fired %q", n)
	case <-time.After(300 * time.Millisecond):
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	if got := waitCall(t, target); got != TaskName("later") {
		t.Fatalf("fired %q", got)
	}
}
