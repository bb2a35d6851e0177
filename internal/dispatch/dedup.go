package dispatch

import (
	"sync"
	"time"
)

// seenSet remembers event IDs for a fixed window. Backends redeliver
// notifications after reconnects; a replay inside the window is dropped.
type seenSet struct {
	mu     sync.Mutex
	ttl    time.Duration
	seen   map[string]time.Time
	now    func() time.Time
	pruned time.Time
}

func newSeenSet(ttl time.Duration, now func() time.Time) *seenSet {
	return &seenSet{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  now,
	}
}

// firstSight records id and reports whether it was new. Empty IDs are
// always new.
func (s *seenSet) firstSight(id string) bool {
	if id == "" || s.ttl <= 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.pruned) >= s.ttl {
		for k, at := range s.seen {
			if now.Sub(at) >= s.ttl {
				delete(s.seen, k)
			}
		}
		s.pruned = now
	}

	if at, ok := s.seen[id]; ok && now.Sub(at) < s.ttl {
		return false
	}
	s.seen[id] = now
	return true
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
