package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tickwork/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// structured attrs for logging. Section names are sorted.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Ring != newCfg.Logging.Ring {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.ring_enabled", newCfg.Logging.Ring.Enabled),
		)
	}

	// Scheduler
	if oldCfg.Scheduler.MaxTimedTasks != newCfg.Scheduler.MaxTimedTasks ||
		oldCfg.Scheduler.RecoverPanics != newCfg.Scheduler.RecoverPanics ||
		strings.TrimSpace(oldCfg.Scheduler.LateWarn) != strings.TrimSpace(newCfg.Scheduler.LateWarn) {
		changed = append(changed, SectionScheduler)
		attrs = append(attrs,
			logx.Int("scheduler.max_timed_tasks", newCfg.Scheduler.MaxTimedTasks),
			logx.Bool("scheduler.recover_panics", newCfg.Scheduler.RecoverPanics),
			logx.String("scheduler.late_warn", strings.TrimSpace(newCfg.Scheduler.LateWarn)),
		)
	}

	// Loop
	if oldCfg.Loop.TickRate != newCfg.Loop.TickRate ||
		strings.TrimSpace(oldCfg.Loop.DrainTimeout) != strings.TrimSpace(newCfg.Loop.DrainTimeout) ||
		strings.TrimSpace(oldCfg.Loop.MaxFrameTime) != strings.TrimSpace(newCfg.Loop.MaxFrameTime) {
		changed = append(changed, SectionLoop)
		attrs = append(attrs,
			logx.Int("loop.tick_rate", newCfg.Loop.TickRate),
			logx.String("loop.drain_timeout", strings.TrimSpace(newCfg.Loop.DrainTimeout)),
			logx.String("loop.max_frame_time", strings.TrimSpace(newCfg.Loop.MaxFrameTime)),
		)
	}

	// Triggers (timer list summarized; names at debug)
	timersChanged := diffTimers(oldCfg.Triggers.Timers, newCfg.Triggers.Timers)
	if oldCfg.Triggers.Enabled != newCfg.Triggers.Enabled ||
		strings.TrimSpace(oldCfg.Triggers.Timezone) != strings.TrimSpace(newCfg.Triggers.Timezone) ||
		len(timersChanged) > 0 {
		changed = append(changed, SectionTriggers)
		attrs = append(attrs,
			logx.Bool("triggers.enabled", newCfg.Triggers.Enabled),
			logx.String("triggers.timezone", strings.TrimSpace(newCfg.Triggers.Timezone)),
			logx.Int("triggers.timer_count", len(newCfg.Triggers.Timers)),
		)
		if len(timersChanged) > 0 {
			attrs = append(attrs, logx.Any("triggers.changed_timers", timersChanged))
		}
	}

	// Storage (persistence). Nil means disabled.
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPath = strings.TrimSpace(oldS.Path)
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPath = strings.TrimSpace(newS.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, SectionStorage)
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Sim
	if !reflect.DeepEqual(oldCfg.Sim, newCfg.Sim) {
		changed = append(changed, SectionSim)
		attrs = append(attrs,
			logx.Int("sim.entities", newCfg.Sim.Entities),
			logx.Int("sim.workers", newCfg.Sim.Workers),
		)
	}

	// Debug server. The token is never logged.
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, SectionDebug)
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, SectionSystemd)
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports which of the changed sections cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case SectionStorage, SectionSim, SectionSystemd:
			out = append(out, s)
		}
	}
	return out
}

func diffTimers(oldM, newM map[string]string) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || strings.TrimSpace(o) != strings.TrimSpace(n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
