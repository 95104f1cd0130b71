package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "tickwork/pkg/logx"
)

var (
	ErrNameRequired = errors.New("trigger: name required")
	ErrNilJob       = errors.New("trigger: nil job")
)

// AddSchedule parses schedule and registers either a cron or interval trigger.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - One-shot: "at:2026-01-02T15:04:05Z"
func (s *Service) AddSchedule(name, schedule string, job func()) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, job)
	case SpecAt:
		return s.AddAt(name, ps.At, job)
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

// AddCron registers a cron trigger, replacing any trigger with the same name.
func (s *Service) AddCron(name, spec string, job func()) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("trigger %q: %w", name, err)
	}
	kind := KindCron
	if strings.HasPrefix(strings.TrimSpace(spec), "@every") {
		kind = KindInterval
	}
	return s.register(name, spec, kind, job)
}

// AddInterval registers a fixed-interval trigger. The first firing is spread
// by a random delay up to min(every, 30s).
func (s *Service) AddInterval(name string, every time.Duration, job func()) error {
	if every <= 0 {
		return fmt.Errorf("trigger %q: interval must be > 0", name)
	}
	return s.register(name, fmt.Sprintf("@every %s", every.String()), KindInterval, job)
}

// AddDaily fires at HH:MM every day in the configured timezone.
func (s *Service) AddDaily(name string, atHHMM string, job func()) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), job)
}

// AddWeekly fires at HH:MM on the given weekday in the configured timezone.
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, job func()) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), job)
}

func (s *Service) register(name, spec string, kind Kind, job func()) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if job == nil {
		return ErrNilJob
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so hot reloads don't stack duplicates.
	_ = s.removeScheduleLocked(name)
	s.removeOnce(name)

	s.defs = append(s.defs, scheduleDef{
		name:  name,
		spec:  spec,
		kind:  kind,
		job:   job,
		stats: &fireStats{},
	})
	if s.c == nil {
		// registered with cron on Start
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	if d.startupSpread > 0 {
		args = append(args, logx.Duration("startup_spread", d.startupSpread))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// AddAt fires job once at the given wall-clock time. A time in the past fires
// immediately.
func (s *Service) AddAt(name string, at time.Time, job func()) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if job == nil {
		return ErrNilJob
	}
	if at.IsZero() {
		return errors.New("trigger: at required")
	}

	s.mu.Lock()
	_ = s.removeScheduleLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
	}
	var ver uint64 = 1
	if prev, ok := s.once[name]; ok {
		ver = prev.ver + 1
	}
	od := &onceDef{at: at, job: job, ver: ver, stats: &fireStats{}}
	s.once[name] = od
	if running {
		s.armOnceLocked(name, od)
	}
	return nil
}

// armOnceLocked starts the runtime timer for a one-shot. Call with s.tmu held.
func (s *Service) armOnceLocked(name string, od *onceDef) {
	delay := time.Until(od.at)
	if delay < 0 {
		delay = 0
	}
	ver := od.ver
	s.timers[name] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			// removed or replaced meanwhile
			s.tmu.Unlock()
			return
		}
		delete(s.timers, name)
		delete(s.once, name)
		s.tmu.Unlock()

		s.fire(name, cur.job, cur.stats)
	})
}

func (s *Service) rebuildOnceTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	for name, od := range s.once {
		s.armOnceLocked(name, od)
	}
}

// Remove unregisters every trigger with the given name and reports whether
// anything was removed. A firing already handed to the scheduler is not
// recalled.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()

	removed = s.removeOnce(name) || removed
	if removed {
		s.coalesceMu.Lock()
		delete(s.coalesceLog, name)
		s.coalesceMu.Unlock()
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Names lists the registered trigger names.
func (s *Service) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for name := range s.once {
		out = append(out, name)
	}
	s.tmu.Unlock()
	return out
}

// removeScheduleLocked removes all defs matching name and unregisters them
// from cron if running. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	removed := false
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	if _, ok := s.once[name]; ok {
		delete(s.once, name)
		removed = true
	}
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, job, stats := d.name, d.job, d.stats
	fn := cron.FuncJob(func() { s.fire(name, job, stats) })

	spec := strings.TrimSpace(d.spec)
	if strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, fn)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, fn)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// previewNextRunsLocked returns the next n fire times for spec, for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
