package scheduler

import "time"

// DefaultMaxTimedTasks bounds the time-ordered list.
const DefaultMaxTimedTasks = 1000

// Config controls a Scheduler. It can be changed at runtime with Apply.
type Config struct {
	// Name identifies the scheduler in logs and events.
	Name string

	// MaxTimedTasks caps the number of pending timed tasks. 0 means DefaultMaxTimedTasks.
	MaxTimedTasks int

	// RecoverPanics makes Update recover a panicking task, report it and keep
	// draining. When false the panic propagates out of Update.
	RecoverPanics bool

	// LateWarn logs a warning when a timed task runs more than LateWarn
	// milliseconds after its execution time. 0 disables the warning.
	LateWarn float64
}

func (c Config) withDefaults() Config {
	if c.MaxTimedTasks <= 0 {
		c.MaxTimedTasks = DefaultMaxTimedTasks
	}
	if c.LateWarn < 0 {
		c.LateWarn = 0
	}
	if c.Name == "" {
		c.Name = "main"
	}
	return c
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Name     string
	Now      float64
	HasClock bool

	RunQueue  int
	Timed     int
	PerUpdate int
	Total     int

	// NextDue is the earliest pending execution time, or -1 when nothing is timed.
	NextDue float64

	Executed  uint64
	Faults    uint64
	Dropped   uint64
	Coalesced uint64
	Overflows uint64

	MaxTimedTasks int
	RecoverPanics bool
}

// TaskPanicEvent is published on the event bus when a recovered task panics.
type TaskPanicEvent struct {
	Scheduler string    `json:"scheduler"`
	Task      string    `json:"task"`
	Panic     string    `json:"panic"`
	Stack     string    `json:"stack,omitempty"`
	At        time.Time `json:"at"`
}

// OverflowEvent is published when a timed admission hits MaxTimedTasks.
type OverflowEvent struct {
	Scheduler string    `json:"scheduler"`
	Task      string    `json:"task"`
	Limit     int       `json:"limit"`
	At        time.Time `json:"at"`
}
