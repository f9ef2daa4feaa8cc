package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(s.order))
	for _, name := range s.order {
		d := s.defs[name]
		if d == nil {
			continue
		}
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Kind:    d.parsed.Kind.String(),
			Timeout: d.timeout,
			Next:    d.next,
			Prev:    d.prev,
			Fires:   d.fires,
		}
		if !s.running {
			if next := s.nextRunsLocked(d, 1); len(next) == 1 {
				it.Next = next[0]
			}
		}
		items = append(items, it)
	}

	return Snapshot{
		Enabled:   s.cfg.Enabled,
		Running:   s.running,
		Timezone:  s.loc.String(),
		Now:       s.clock.Now().In(s.loc),
		Schedules: items,
	}
}
