package session

// armWatchdogLocked restarts the turn timer for s while a turn is in flight.
func (r *Registry) armWatchdogLocked(s *Session) {
	r.stopWatchdogLocked(s)
	if r.turnTimeout <= 0 || !s.execution.InFlight() {
		return
	}
	s.watchdogGen++
	gen := s.watchdogGen
	key := s.key
	s.cancelWatchdog = r.schedule(r.turnTimeout, func() { r.turnExpired(key, gen) })
}

func (r *Registry) stopWatchdogLocked(s *Session) {
	s.watchdogGen++
	if s.cancelWatchdog != nil {
		s.cancelWatchdog()
		s.cancelWatchdog = nil
	}
}

func (r *Registry) turnExpired(key Key, gen uint64) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok || s.watchdogGen != gen || r.closed {
		r.mu.Unlock()
		return
	}
	s.cancelWatchdog = nil
	if !s.expire(r.turnTimeout) {
		r.mu.Unlock()
		return
	}
	snap := s.snapshot()
	r.mu.Unlock()

	r.logf("session: %s turn timed out after %s", key, r.turnTimeout)
	r.publish(s, snap)
}
