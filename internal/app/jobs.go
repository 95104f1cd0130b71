package app

import (
	"sort"

	logx "tickwork/pkg/logx"
)

// builtinJobs are the actions a triggers.timers entry can name. They run on
// the loop goroutine.
var builtinJobs = map[string]func(a *App){
	// stats hands the loop statistics to the recorder; the write happens off
	// the loop.
	"stats": func(a *App) {
		a.diag.QueueSample(a.loop.Stats())
	},
	"report": func(a *App) {
		snap := a.sched.Snapshot()
		st := a.world.Stats()
		a.log.Info("scheduler report",
			logx.Int("pending", snap.Total),
			logx.Int("timed", snap.Timed),
			logx.Int("per_frame", snap.PerUpdate),
			logx.Uint64("executed", snap.Executed),
			logx.Uint64("coalesced", snap.Coalesced),
			logx.Uint64("faults", snap.Faults),
			logx.Float64("fps", a.loop.Clock().FramesPerSecond()),
			logx.Uint64("sim_steps", st.Steps),
			logx.Uint64("sim_redraws", st.Redraws),
		)
	},
	"redraw": func(a *App) {
		a.world.RequestRedraw()
	},
}

func jobNames() []string {
	names := make([]string, 0, len(builtinJobs))
	for k := range builtinJobs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// syncTimers brings the registered triggers in line with next. Unchanged
// entries keep their registration and startup spread.
func (a *App) syncTimers(prev, next map[string]string) {
	for name, spec := range prev {
		if nspec, ok := next[name]; !ok || nspec != spec {
			a.trig.Remove(name)
		}
	}
	for _, name := range sortedTimerNames(next) {
		spec := next[name]
		if pspec, ok := prev[name]; ok && pspec == spec {
			continue
		}
		job, ok := builtinJobs[name]
		if !ok {
			a.log.Warn("unknown timer job; skipped", logx.String("name", name))
			continue
		}
		if err := a.trig.AddSchedule(name, spec, func() { job(a) }); err != nil {
			a.log.Warn("timer not registered", logx.String("name", name), logx.String("schedule", spec), logx.Err(err))
		}
	}
}
