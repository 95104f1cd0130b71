package trigger

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Kind: d.kind, StartupSpread: d.startupSpread}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		fillStats(&it, d.stats)
		items = append(items, it)
	}

	s.tmu.Lock()
	for name, od := range s.once {
		it := ScheduleInfo{Name: name, Spec: od.at.Format(time.RFC3339), Kind: KindOnce, Next: od.at}
		fillStats(&it, od.stats)
		items = append(items, it)
	}
	s.tmu.Unlock()

	return Snapshot{
		Enabled:   enabled,
		Running:   c != nil,
		Timezone:  tz,
		Fires:     s.fires.Load(),
		Coalesced: s.coalesced.Load(),
		Schedules: items,
	}
}

func fillStats(it *ScheduleInfo, st *fireStats) {
	if st == nil {
		return
	}
	it.Fires = st.fires.Load()
	it.Coalesced = st.coalesced.Load()
	if n := st.lastNano.Load(); n != 0 {
		it.LastFire = time.Unix(0, n)
	}
}
