package announce

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPeriod is the announcement interval used when none is configured.
const DefaultPeriod = 10 * time.Second

// Target is the announcer a [Scheduler] drives.
type Target interface {
	// State returns the announcer's time base state.
	State() *State

	// Announce injects an announcement for the wall-clock instant now.
	Announce(now time.Time) error
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock replaces time.Now as the source of firing instants.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger used for failed announcements.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithObserver registers fn to be called after every firing with the time
// the announcement took and its error, if any.
func WithObserver(fn func(took time.Duration, err error)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// Scheduler fires a [Target] every period using a single timer that is
// re-armed after each firing completes. Firings therefore never overlap and
// a slow announcement delays the next one instead of piling up.
type Scheduler struct {
	target  Target
	period  time.Duration
	now     func() time.Time
	log     *slog.Logger
	observe func(time.Duration, error)

	mu       sync.Mutex
	timer    *time.Timer
	started  bool
	stopped  bool
	inflight sync.WaitGroup
	release  func() bool
}

// NewScheduler returns a stopped scheduler for target. A non-positive period
// selects [DefaultPeriod].
func NewScheduler(target Target, period time.Duration, opts ...Option) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	s := &Scheduler{
		target: target,
		period: period,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Period returns the firing interval.
func (s *Scheduler) Period() time.Duration { return s.period }

// Start arms the timer. The first firing happens one period from now.
// Cancelling ctx has the same effect as [Scheduler.Stop]. Calling Start
// more than once, or after Stop, does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.timer = time.AfterFunc(s.period, s.fire)
	s.release = context.AfterFunc(ctx, s.Stop)
}

// Stop disarms the timer and waits for an in-flight firing to return. After
// Stop returns the target is never called again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	release := s.release
	s.mu.Unlock()

	if release != nil {
		release()
	}
	s.inflight.Wait()
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	now := s.now()
	offset := s.target.State().Fold(now)

	begin := time.Now()
	err := s.target.Announce(now)
	took := time.Since(begin)
	if err != nil {
		s.log.Warn("announce: announcement failed", "offset", offset, "err", err)
	} else {
		s.log.Debug("announce: announced", "at", now.Format(time.TimeOnly), "offset", offset, "took", took)
	}
	if s.observe != nil {
		s.observe(took, err)
	}

	s.mu.Lock()
	if !s.stopped {
		s.timer.Reset(s.period)
	}
	s.mu.Unlock()
}
