package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Loop      LoopConfig      `json:"loop"`
	Triggers  TriggersConfig  `json:"triggers"`

	// Storage is optional; nil disables persistence.
	Storage *StorageConfig `json:"storage,omitempty"`
	Sim     SimConfig      `json:"sim"`
	Debug   DebugConfig    `json:"debug,omitempty"`
	Systemd SystemdConfig  `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ring    LoggingRing `json:"ring"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRing keeps recent log lines in memory for the debug console.
type LoggingRing struct {
	Enabled    bool   `json:"enabled"`
	Size       int    `json:"size,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the owning loop's task scheduler.
//
// Defaults (when fields are omitted/zero):
//   - max_timed_tasks: 1000
//   - recover_panics: false (a panicking task stops the loop)
//   - late_warn: "0s" (disabled)
type SchedulerConfig struct {
	MaxTimedTasks int  `json:"max_timed_tasks,omitempty"`
	RecoverPanics bool `json:"recover_panics,omitempty"`

	// LateWarn is a Go duration string (e.g. "50ms").
	LateWarn string `json:"late_warn,omitempty"`
}

// LoopConfig controls the frame loop.
//
// Defaults: tick_rate 60, drain_timeout "2s", max_frame_time "250ms".
type LoopConfig struct {
	TickRate     int    `json:"tick_rate,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
	MaxFrameTime string `json:"max_frame_time,omitempty"`
}

// TriggersConfig controls wall-clock timers that feed the scheduler.
//
// Example:
//
//	"triggers": {
//	  "enabled": true,
//	  "timezone": "Asia/Jakarta",
//	  "timers": { "stats": "@every 30s", "autosave": "*/5 * * * *" }
//	}
type TriggersConfig struct {
	Enabled  bool              `json:"enabled"`
	Timezone string            `json:"timezone,omitempty"`
	Timers   map[string]string `json:"timers,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tickwork.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SimConfig sizes the demo world.
type SimConfig struct {
	Entities int   `json:"entities,omitempty"`
	Workers  int   `json:"workers,omitempty"`
	Seed     int64 `json:"seed,omitempty"`

	// BlinkInterval is a Go duration string; default "500ms".
	BlinkInterval string `json:"blink_interval,omitempty"`
	// PhysicsStep is how often each physics worker integrates; default "20ms".
	PhysicsStep string `json:"physics_step,omitempty"`
}

// DebugConfig controls the debug HTTP server (pprof, /healthz, /status).
//
// Binding to a non-loopback addr requires token or allow_insecure.
// Profiling rates of -1 leave the runtime setting untouched.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}
