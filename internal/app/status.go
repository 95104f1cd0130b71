package app

import (
	"context"
	"errors"

	"tickwork/internal/diag"
	"tickwork/internal/loop"
	"tickwork/internal/runtime/supervisor"
	"tickwork/internal/scheduler"
	"tickwork/internal/sim"
	"tickwork/internal/storage"
	"tickwork/internal/trigger"
)

const (
	statusFaults = 20
	statusLogs   = 50
)

var errLoopStopped = errors.New("loop not running")

// Status is the debug console view served on /status.
type Status struct {
	Scheduler  scheduler.Snapshot   `json:"scheduler"`
	Loop       loop.Stats           `json:"loop"`
	Triggers   trigger.Snapshot     `json:"triggers"`
	Sim        sim.Stats            `json:"sim"`
	Diag       diag.Counters        `json:"diag"`
	Faults     []storage.FaultEntry `json:"faults,omitempty"`
	FaultsErr  string               `json:"faults_err,omitempty"`
	Logs       []string             `json:"logs,omitempty"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

func (a *App) Status(ctx context.Context) Status {
	st := Status{
		Scheduler: a.sched.Snapshot(),
		Loop:      a.loop.Stats(),
		Triggers:  a.trig.Snapshot(),
		Sim:       a.world.Stats(),
		Diag:      a.diag.Counters(),
		Logs:      a.logs.Recent(statusLogs),
	}
	faults, err := a.diag.RecentFaults(ctx, statusFaults)
	if err != nil {
		st.FaultsErr = err.Error()
	}
	st.Faults = faults
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	return st
}

func (a *App) health() error {
	if !a.loop.Stats().Running {
		return errLoopStopped
	}
	return nil
}
