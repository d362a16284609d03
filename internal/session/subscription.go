package session

// Subscription delivers snapshots from a Manager. Only the latest undelivered
// snapshot is kept, so a slow reader skips intermediate states but never sees
// them out of order.
type Subscription struct {
	m  *Manager
	ch chan Snapshot
}

// Subscribe registers a new subscription. The current snapshot is delivered
// immediately.
func (m *Manager) Subscribe() *Subscription {
	sub := &Subscription{m: m, ch: make(chan Snapshot, 1)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(sub.ch)
		return sub
	}
	sub.ch <- m.snapshotLocked()
	m.subs[sub] = struct{}{}
	return sub
}

// C returns the snapshot channel. It is closed when the subscription or the
// manager is closed.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.subs[s]; !ok {
		return
	}
	delete(s.m.subs, s)
	select {
	case <-s.ch:
	default:
	}
	close(s.ch)
}

// offer replaces any pending snapshot with snap. Callers hold the manager lock.
func (s *Subscription) offer(snap Snapshot) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}
