package logx

import (
	"reflect"
	"strings"
	"testing"
)

func TestRingKeepsNewestOldestFirst(t *testing.T) {
	t.Parallel()
	r := newRing(3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.push(s)
	}
	if got := r.last(0); !reflect.DeepEqual(got, []string{"c", "d", "e"}) {
		t.Fatalf("last(0) = %v", got)
	}
	if got := r.last(2); !reflect.DeepEqual(got, []string{"d", "e"}) {
		t.Fatalf("last(2) = %v", got)
	}
}

func TestFormatLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fields sorted",
			in:   `{"level":"warn","time":"x","message":"late","worst_ms":12.5,"count":2}`,
			want: "[WARN] late count=2 worst_ms=12.5",
		},
		{name: "not json", in: "  plain text \n", want: "plain text"},
		{name: "stack dropped", in: `{"level":"error","message":"panic","stack":"goroutine 1"}`, want: "[ERROR] panic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := formatLine([]byte(tt.in)); got != tt.want {
				t.Fatalf("formatLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServiceRecentCapturesAboveMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		Ring:  RingConfig{Enabled: true, Size: 8, MinLevel: "warn", RatePerSec: 100},
	})
	defer svc.Close()

	log.Info("ignored")
	log.Warn("task late", String("task", "blink"))
	log.Error("task panicked", Int("faults", 1))

	got := svc.Recent(10)
	if len(got) != 2 {
		t.Fatalf("Recent = %v, want 2 lines", got)
	}
	if !strings.HasPrefix(got[0], "[WARN] task late") || !strings.Contains(got[0], "task=blink") {
		t.Fatalf("first line = %q", got[0])
	}
	if !strings.HasPrefix(got[1], "[ERROR] task panicked") {
		t.Fatalf("second line = %q", got[1])
	}
}

func TestServiceRecentDisabled(t *testing.T) {
	svc, _ := New(Config{Level: "info", Console: true})
	defer svc.Close()
	if got := svc.Recent(5); got != nil {
		t.Fatalf("Recent = %v, want nil", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}
