package trigger

import (
	"time"

	"golang.org/x/time/rate"

	logx "tickwork/pkg/logx"
)

// TaskName is the scheduler task name used for a trigger's firings.
func TaskName(name string) string { return "trigger:" + name }

// fire hands job to the target. When the previous firing of the same trigger
// is still queued the new one is absorbed.
func (s *Service) fire(name string, job func(), st *fireStats) {
	if s.target == nil || job == nil {
		return
	}
	s.fires.Add(1)
	if st != nil {
		st.fires.Add(1)
		st.lastNano.Store(time.Now().UnixNano())
	}
	if s.target.AddOnce(TaskName(name), job) {
		return
	}

	s.coalesced.Add(1)
	if st != nil {
		st.coalesced.Add(1)
	}
	s.coalesceMu.Lock()
	sm := s.coalesceLog[name]
	if sm == nil {
		sm = &rate.Sometimes{Interval: coalesceLogEvery}
		s.coalesceLog[name] = sm
	}
	s.coalesceMu.Unlock()
	sm.Do(func() {
		var n uint64
		if st != nil {
			n = st.coalesced.Load()
		}
		s.log.Debug("trigger coalesced; previous firing still queued",
			logx.String("trigger", name),
			logx.Uint64("coalesced_total", n),
		)
	})
}
