package app

import (
	"strings"
	"testing"
	"time"

	"tickwork/internal/config"
)

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "zero config", mutate: func(*Config) {}},
		{name: "full", mutate: func(c *Config) {
			c.Scheduler.LateWarn = "50ms"
			c.Loop = config.LoopConfig{TickRate: 120, DrainTimeout: "1s", MaxFrameTime: "100ms"}
			c.Triggers = config.TriggersConfig{Enabled: true, Timezone: "UTC", Timers: map[string]string{
				"stats": "@every 30s", "report": "*/5 * * * *", "redraw": "00:10",
			}}
			c.Storage = &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "2s"}
			c.Sim = config.SimConfig{Entities: 10, Workers: 2, BlinkInterval: "250ms", PhysicsStep: "10ms"}
		}},
		{name: "negative max timed", mutate: func(c *Config) { c.Scheduler.MaxTimedTasks = -1 }, wantErr: "max_timed_tasks"},
		{name: "bad late warn", mutate: func(c *Config) { c.Scheduler.LateWarn = "soon" }, wantErr: "scheduler.late_warn"},
		{name: "tick rate too high", mutate: func(c *Config) { c.Loop.TickRate = 5000 }, wantErr: "tick_rate"},
		{name: "negative drain", mutate: func(c *Config) { c.Loop.DrainTimeout = "-1s" }, wantErr: "loop.drain_timeout"},
		{name: "bad timezone", mutate: func(c *Config) { c.Triggers.Timezone = "Mars/Olympus" }, wantErr: "triggers.timezone"},
		{name: "unknown job", mutate: func(c *Config) { c.Triggers.Timers = map[string]string{"backup": "1h"} }, wantErr: "unknown job"},
		{name: "bad schedule", mutate: func(c *Config) { c.Triggers.Timers = map[string]string{"stats": "every now and then"} }, wantErr: "triggers.timers.stats"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, wantErr: "storage.path"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage = &config.StorageConfig{Driver: "redis", Path: "x"} }, wantErr: "unknown storage.driver"},
		{name: "busy timeout on file", mutate: func(c *Config) {
			c.Storage = &config.StorageConfig{Driver: "file", Path: "x", BusyTimeout: "1s"}
		}, wantErr: "busy_timeout"},
		{name: "negative workers", mutate: func(c *Config) { c.Sim.Workers = -2 }, wantErr: "sim.workers"},
		{name: "bad debug addr", mutate: func(c *Config) { c.Debug.Addr = "localhost" }, wantErr: "debug.addr"},
		{name: "bad physics step", mutate: func(c *Config) { c.Sim.PhysicsStep = "fast" }, wantErr: "sim.physics_step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapConfigs(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Scheduler = config.SchedulerConfig{MaxTimedTasks: 10, RecoverPanics: true, LateWarn: "1.5s"}
	cfg.Loop = config.LoopConfig{TickRate: 30}
	cfg.Sim = config.SimConfig{BlinkInterval: "1s"}

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if sc.LateWarn != 1500 || sc.MaxTimedTasks != 10 || !sc.RecoverPanics {
		t.Fatalf("scheduler = %+v", sc)
	}

	lc, err := mapLoopConfig(cfg)
	if err != nil {
		t.Fatalf("mapLoopConfig: %v", err)
	}
	if lc.TickRate != 30 || lc.DrainTimeout <= 0 || lc.MaxFrameTime <= 0 {
		t.Fatalf("loop = %+v", lc)
	}

	simCfg, err := mapSimConfig(cfg)
	if err != nil {
		t.Fatalf("mapSimConfig: %v", err)
	}
	if simCfg.BlinkInterval != time.Second || simCfg.PhysicsStep != 0 {
		t.Fatalf("sim = %+v", simCfg)
	}

	if _, enabled, err := mapStorageConfig(cfg); err != nil || enabled {
		t.Fatalf("storage: enabled=%v err=%v", enabled, err)
	}
	cfg.Storage = &config.StorageConfig{Driver: " SQLite3 ", Path: "a.db"}
	st, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled || st.Driver != "sqlite" || st.BusyTimeout != time.Second {
		t.Fatalf("storage = %+v enabled=%v err=%v", st, enabled, err)
	}
}
