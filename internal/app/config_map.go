package app

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"tickwork/internal/config"
	"tickwork/internal/debugsrv"
	"tickwork/internal/loop"
	"tickwork/internal/scheduler"
	"tickwork/internal/sim"
	"tickwork/internal/trigger"
	logx "tickwork/pkg/logx"
)

const maxTickRate = 1000

func mapLoggingConfig(cfg *Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Ring: logx.RingConfig{
			Enabled:    l.Ring.Enabled,
			Size:       l.Ring.Size,
			MinLevel:   l.Ring.MinLevel,
			RatePerSec: l.Ring.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if sc.MaxTimedTasks < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_timed_tasks must be >= 0")
	}
	late, err := config.Duration("scheduler.late_warn", sc.LateWarn, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Name:          "main",
		MaxTimedTasks: sc.MaxTimedTasks,
		RecoverPanics: sc.RecoverPanics,
		LateWarn:      config.Millis(late),
	}, nil
}

func mapLoopConfig(cfg *Config) (loop.Config, error) {
	lc := cfg.Loop
	if lc.TickRate < 0 || lc.TickRate > maxTickRate {
		return loop.Config{}, fmt.Errorf("loop.tick_rate must be between 0 and %d", maxTickRate)
	}
	drain, err := config.Duration("loop.drain_timeout", lc.DrainTimeout, loop.DefaultDrainTimeout)
	if err != nil {
		return loop.Config{}, err
	}
	maxFrame, err := config.Duration("loop.max_frame_time", lc.MaxFrameTime, loop.DefaultMaxFrameTime)
	if err != nil {
		return loop.Config{}, err
	}
	return loop.Config{TickRate: lc.TickRate, DrainTimeout: drain, MaxFrameTime: maxFrame}, nil
}

func mapTriggerConfig(cfg *Config) (trigger.Config, error) {
	tc := cfg.Triggers
	if tz := strings.TrimSpace(tc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return trigger.Config{}, fmt.Errorf("triggers.timezone: invalid %q: %w", tz, err)
		}
	}
	for _, name := range sortedTimerNames(tc.Timers) {
		if _, ok := builtinJobs[name]; !ok {
			return trigger.Config{}, fmt.Errorf("triggers.timers.%s: unknown job (known: %s)", name, strings.Join(jobNames(), ", "))
		}
		if err := trigger.ValidateSchedule(tc.Timers[name]); err != nil {
			return trigger.Config{}, fmt.Errorf("triggers.timers.%s: %w", name, err)
		}
	}
	return trigger.Config{Enabled: tc.Enabled, Timezone: tc.Timezone}, nil
}

func mapSimConfig(cfg *Config) (sim.Config, error) {
	sc := cfg.Sim
	if sc.Entities < 0 {
		return sim.Config{}, fmt.Errorf("sim.entities must be >= 0")
	}
	if sc.Workers < 0 {
		return sim.Config{}, fmt.Errorf("sim.workers must be >= 0")
	}
	blink, err := config.Duration("sim.blink_interval", sc.BlinkInterval, 0)
	if err != nil {
		return sim.Config{}, err
	}
	step, err := config.Duration("sim.physics_step", sc.PhysicsStep, 0)
	if err != nil {
		return sim.Config{}, err
	}
	return sim.Config{
		Entities:      sc.Entities,
		Workers:       sc.Workers,
		Seed:          sc.Seed,
		BlinkInterval: blink,
		PhysicsStep:   step,
	}, nil
}

func mapDebugConfig(cfg *Config) (debugsrv.Config, error) {
	dc := cfg.Debug
	addr := strings.TrimSpace(dc.Addr)
	if addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return debugsrv.Config{}, fmt.Errorf("debug.addr: invalid %q: %w", addr, err)
		}
	}
	if dc.MutexProfileFraction < -1 || dc.BlockProfileRate < -1 {
		return debugsrv.Config{}, fmt.Errorf("debug profiling rates must be >= -1")
	}
	return debugsrv.Config{
		Enabled:              dc.Enabled,
		Addr:                 addr,
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}, nil
}

// validateConfig rejects a config before it is committed, so a bad hot reload
// keeps the previous one.
func validateConfig(cfg *Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLoopConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSimConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

func sortedTimerNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
