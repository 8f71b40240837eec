// Package announce drives periodic time announcements on an announcer
// stream. [State] reconciles the announcer's time base across parser resets
// and [Scheduler] fires the announcements.
package announce

import (
	"sync"
	"time"
)

// State tracks when the announcer last fired and the running time offset
// applied downstream of the parser. The offset only ever grows.
//
// A State is owned by one announcer and is safe for concurrent use.
type State struct {
	mu     sync.Mutex
	last   time.Time
	fired  bool
	offset time.Duration
}

// Fold records a firing at now and returns the new accumulated offset. The
// first firing only records the instant. Later firings add the time elapsed
// since the previous one; a negative delta (the clock stepped backwards)
// adds nothing.
func (s *State) Fold(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		if delta := now.Sub(s.last); delta > 0 {
			s.offset += delta
		}
	}
	s.fired = true
	s.last = now
	return s.offset
}

// LastFiredAt returns the instant of the last firing and whether there was one.
func (s *State) LastFiredAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.fired
}

// AccumulatedOffset returns the current offset.
func (s *State) AccumulatedOffset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}
