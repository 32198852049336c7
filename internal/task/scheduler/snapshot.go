package scheduler

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	state := s.state
	started := s.started
	s.mu.Unlock()

	jobs, states := s.store.Counts()
	triggers := make(map[string]int, len(states))
	for st, n := range states {
		triggers[st.String()] = n
	}

	return Snapshot{
		InstanceName:        s.cfg.InstanceName,
		State:               state.String(),
		Started:             started,
		Timezone:            s.cfg.Location.String(),
		MisfireThreshold:    s.cfg.MisfireThreshold,
		MaxCoalescedBacklog: s.cfg.MaxCoalescedBacklog,
		Jobs:                jobs,
		Triggers:            triggers,
		InFlight:            s.inflight.Load(),
		Fired:               s.fired.Load(),
		Misfired:            s.misfired.Load(),
		Vetoed:              s.vetoed.Load(),
		Faults:              s.faults.Load(),
		ListenerPanics:      s.listeners.ListenerPanics(),
		Pool:                s.pool.Snapshot(),
	}
}
