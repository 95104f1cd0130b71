package diag

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tickwork/internal/eventbus"
	"tickwork/internal/loop"
	rtsup "tickwork/internal/runtime/supervisor"
	"tickwork/internal/scheduler"
	"tickwork/internal/storage"
	logx "tickwork/pkg/logx"
)

type memStore struct {
	mu      sync.Mutex
	faults  []storage.FaultEntry
	samples []storage.FrameSample
	err     error
}

func (m *memStore) AppendFault(_ context.Context, e storage.FaultEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.faults = append(m.faults, e)
	return nil
}

func (m *memStore) AppendFrameStats(_ context.Context, s storage.FrameSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.samples = append(m.samples, s)
	return nil
}

func (m *memStore) RecentFaults(_ context.Context, n int) ([]storage.FaultEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.FaultEntry
	for i := len(m.faults) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.faults[i])
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startRecorder(t *testing.T, store storage.Store) (*Recorder, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	r := New(store, bus, logx.Nop())
	sup := rtsup.New(context.Background())
	r.Start(sup)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return r, bus
}

func TestRecorderPersistsTaskPanics(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	r, bus := startRecorder(t, store)

	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskPanic, Data: scheduler.TaskPanicEvent{
		Scheduler: "main", Task: "explode", Panic: "boom",
	}})
	waitFor(t, "fault", func() bool { return r.Counters().Faults == 1 })

	got, err := r.RecentFaults(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentFaults: %v", err)
	}
	if len(got) != 1 || got[0].Task != "explode" || got[0].Panic != "boom" {
		t.Fatalf("faults = %+v", got)
	}
	if got[0].At.IsZero() {
		t.Fatal("fault time should be filled in")
	}
}

func TestRecorderWithoutStoreKeepsRecentInMemory(t *testing.T) {
	t.Parallel()
	r, bus := startRecorder(t, nil)

	for i := 0; i < recentFaults+3; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.TypeTaskPanic, Data: scheduler.TaskPanicEvent{
			Scheduler: "main", Task: "t", Panic: string(rune('a' + i%26)),
		}})
		// The subscription buffer is bounded; pace the producer.
		want := uint64(i + 1)
		waitFor(t, "fault", func() bool { return r.Counters().Faults == want })
	}

	got, _ := r.RecentFaults(context.Background(), 1000)
	if len(got) != recentFaults {
		t.Fatalf("len = %d, want %d", len(got), recentFaults)
	}
	last := string(rune('a' + (recentFaults+2)%26))
	if got[0].Panic != last {
		t.Fatalf("newest = %q, want %q", got[0].Panic, last)
	}
	if none, _ := r.RecentFaults(context.Background(), 0); none != nil {
		t.Fatalf("RecentFaults(0) = %v", none)
	}
}

func TestRecorderCountsOverflowAndDrain(t *testing.T) {
	t.Parallel()
	r, bus := startRecorder(t, nil)

	bus.Publish(eventbus.Event{Type: eventbus.TypeOverflow, Data: scheduler.OverflowEvent{Scheduler: "main", Limit: 1}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeDrained, Data: loop.DrainedEvent{Leftover: 2}})
	bus.Publish(eventbus.Event{Type: "unrelated"})

	waitFor(t, "counters", func() bool {
		c := r.Counters()
		return c.Overflows == 1 && c.Drains == 1
	})
	if c := r.Counters(); c.Faults != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestSampleFrame(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		store   *memStore
		wantErr bool
	}{
		{name: "no store"},
		{name: "stored", store: &memStore{}},
		{name: "write error", store: &memStore{err: errors.New("disk full")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var store storage.Store
			if tt.store != nil {
				store = tt.store
			}
			r := New(store, nil, logx.Nop())
			err := r.SampleFrame(context.Background(), loop.Stats{Frames: 10, FPS: 60, Pending: 3})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			c := r.Counters()
			if c.Samples != 1 {
				t.Fatalf("Samples = %d", c.Samples)
			}
			if tt.wantErr && c.WriteErrors != 1 {
				t.Fatalf("WriteErrors = %d", c.WriteErrors)
			}
			if tt.store != nil && !tt.wantErr {
				if len(tt.store.samples) != 1 || tt.store.samples[0].Frames != 10 || tt.store.samples[0].Pending != 3 {
					t.Fatalf("samples = %+v", tt.store.samples)
				}
			}
		})
	}
}

func TestQueueSampleIsPersistedByRecorder(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	r, _ := startRecorder(t, store)

	if !r.QueueSample(loop.Stats{Frames: 99}) {
		t.Fatal("QueueSample should accept")
	}
	waitFor(t, "sample", func() bool { return r.Counters().Samples == 1 })
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.samples) != 1 || store.samples[0].Frames != 99 {
		t.Fatalf("samples = %+v", store.samples)
	}
}

func TestQueueSampleDropsWhenFull(t *testing.T) {
	t.Parallel()
	r := New(nil, nil, logx.Nop()) // not started, nothing drains the queue
	for i := 0; i < sampleBuffer; i++ {
		if !r.QueueSample(loop.Stats{}) {
			t.Fatalf("QueueSample %d rejected", i)
		}
	}
	if r.QueueSample(loop.Stats{}) {
		t.Fatal("QueueSample should drop on a full queue")
	}
	if c := r.Counters(); c.SampleDrops != 1 {
		t.Fatalf("SampleDrops = %d", c.SampleDrops)
	}
}
