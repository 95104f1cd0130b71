package app

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tickwork/internal/scheduler"
	logx "tickwork/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd when enabled. Without
// NOTIFY_SOCKET every call is a no-op.
type sdNotifier struct {
	enabled bool
	log     logx.Logger
}

func (n sdNotifier) notify(state string) {
	if !n.enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n sdNotifier) ready()    { n.notify(daemon.SdNotifyReady) }
func (n sdNotifier) stopping() { n.notify(daemon.SdNotifyStopping) }

// armWatchdog pings the systemd watchdog from a repeating scheduler task, so
// pings stop when the loop stalls. It returns nil when no watchdog is
// configured.
func (n sdNotifier) armWatchdog(s *scheduler.Scheduler) *scheduler.ScheduledDelegate {
	if !n.enabled {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog config unreadable", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	every := float64(interval/2) / float64(time.Millisecond)
	d, err := s.AddDelayed(func() { n.notify(daemon.SdNotifyWatchdog) }, every, true,
		scheduler.WithName("systemd.watchdog"), scheduler.WithCatchUp(false))
	if err != nil {
		n.log.Warn("watchdog task not scheduled", logx.Err(err))
		return nil
	}
	n.log.Info("systemd watchdog armed", logx.Duration("interval", interval))
	return d
}
