package app

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"tickwork/internal/config"
	"tickwork/internal/debugsrv"
	"tickwork/internal/diag"
	"tickwork/internal/eventbus"
	"tickwork/internal/loop"
	"tickwork/internal/scheduler"
	"tickwork/internal/sim"
	"tickwork/internal/storage"
	"tickwork/internal/timing"
	"tickwork/internal/trigger"
	logx "tickwork/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched *scheduler.Scheduler
	loop  *loop.Loop
	trig  *trigger.Service
	world *sim.World
	diag  *diag.Recorder
	debug *debugsrv.Service
	sd    sdNotifier

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	watchdog   *scheduler.ScheduledDelegate
	timers     map[string]string // last registered triggers.timers
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.Named("app")

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.Named("storage"))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	// Errors below are impossible after validateConfig.
	schedCfg, _ := mapSchedulerConfig(cfg)
	loopCfg, _ := mapLoopConfig(cfg)
	trigCfg, _ := mapTriggerConfig(cfg)
	simCfg, _ := mapSimConfig(cfg)
	debugCfg, _ := mapDebugConfig(cfg)

	// No owner until the loop goroutine binds itself in Run.
	sched := scheduler.NewWithClock(schedCfg, nil, nil, log.Named("scheduler"), bus)
	lp, err := loop.New(loopCfg, sched, timing.NewFramedClock(nil), log.Named("loop"), bus)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
		loop:    lp,
		trig:    trigger.New(trigCfg, sched, log.Named("triggers")),
		world:   sim.New(simCfg, sched, log.Named("sim")),
		diag:    diag.New(store, bus, log.Named("diag")),
		sd:      sdNotifier{enabled: cfg.Systemd.Notify, log: log.Named("systemd")},
	}
	a.debug = debugsrv.New(debugCfg,
		func(ctx context.Context) any { return a.Status(ctx) },
		a.health,
		log.Named("debug"),
	)
	return a, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Loop() *loop.Loop                { return a.loop }
func (a *App) World() *sim.World               { return a.world }
func (a *App) Triggers() *trigger.Service      { return a.trig }
func (a *App) Diagnostics() *diag.Recorder     { return a.diag }

// RecentLogs returns the newest lines kept by the log ring sink, if enabled.
func (a *App) RecentLogs(n int) []string { return a.logs.Recent(n) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.Named("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})
	cfg := a.cfgm.Get()

	a.diag.Start(a.sup)
	if err := a.world.Start(a.sup); err != nil {
		return err
	}

	a.syncTimers(nil, cfg.Triggers.Timers)
	a.timers = maps.Clone(cfg.Triggers.Timers)
	if a.trig.Enabled() {
		a.trig.Start(a.sup.Context())
	}

	a.watchdog = a.sd.armWatchdog(a.sched)

	loopCtx, cancel := context.WithCancel(a.sup.Context())
	a.loopCancel = cancel
	a.loopDone = make(chan struct{})
	a.sup.GoLocked("loop", func(context.Context) error {
		defer close(a.loopDone)
		return a.loop.Run(loopCtx)
	})

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case ch, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts into one change spanning all of them.
			drain:
				for {
					select {
					case newer, ok := <-sub:
						if !ok {
							break drain
						}
						ch = ch.Merge(newer)
					default:
						break drain
					}
				}
				a.applyConfig(c, ch)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.ready()
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig pushes the changed sections of a committed config into the
// live components.
func (a *App) applyConfig(ctx context.Context, ch config.Change) {
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	newCfg := ch.New
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)

	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	if ch.Has(config.SectionLogging) {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	if ch.Has(config.SectionScheduler) {
		if sc, err := mapSchedulerConfig(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
	}
	if ch.Has(config.SectionLoop) {
		if lc, err := mapLoopConfig(newCfg); err != nil {
			a.log.Warn("invalid loop config; keeping previous", logx.Err(err))
		} else {
			a.loop.Apply(lc)
		}
	}

	if ch.Has(config.SectionTriggers) {
		a.applyTriggers(ctx, newCfg)
	}

	if ch.Has(config.SectionDebug) {
		if dc, err := mapDebugConfig(newCfg); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, dc)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyTriggers(ctx context.Context, newCfg *Config) {
	tc, err := mapTriggerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid triggers config; keeping previous", logx.Err(err))
		return
	}
	prevEnabled := a.trig.Enabled()
	a.trig.Apply(tc)
	a.syncTimers(a.timers, newCfg.Triggers.Timers)
	a.timers = maps.Clone(newCfg.Triggers.Timers)
	switch {
	case prevEnabled && !tc.Enabled:
		a.log.Info("triggers disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.trig.Stop(stopCtx)
		cancel()
	case !prevEnabled && tc.Enabled:
		a.log.Info("triggers enabled via config")
		a.trig.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// No new firings while the loop drains.
	step("triggers", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("sim", time.Second, func(context.Context) error {
		a.world.Stop()
		if a.watchdog != nil {
			a.watchdog.Cancel()
		}
		return nil
	})
	// The loop drains queued work before returning.
	step("loop", a.drainBudget(), func(c context.Context) error {
		if a.loopCancel == nil {
			return nil
		}
		a.loopCancel()
		select {
		case <-a.loopDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("frames", a.loop.Stats().Frames))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// drainBudget leaves the loop its drain timeout plus a margin to return.
func (a *App) drainBudget() time.Duration {
	lc, err := mapLoopConfig(a.cfgm.Get())
	if err != nil {
		return loop.DefaultDrainTimeout + time.Second
	}
	return lc.DrainTimeout + time.Second
}
