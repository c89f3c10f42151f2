package reconnect

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler keeps at most one pending reconnect timer. Scheduling a new
// timer stops the previous one, and every timer carries a generation so a
// callback that was already in flight when it was superseded can be told
// apart from the current one.
type Scheduler struct {
	clock clock.Clock

	mu    sync.Mutex
	timer *clock.Timer
	gen   uint64
	due   time.Time
	delay time.Duration
}

// NewScheduler creates a scheduler on the given clock. A nil clock means
// the wall clock.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{clock: clk}
}

// Schedule arms a timer that calls fire with the timer's generation after
// delay. Any pending timer is cancelled first.
func (s *Scheduler) Schedule(delay time.Duration, fire func(gen uint64)) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
	gen := s.gen
	s.delay = delay
	s.due = s.clock.Now().Add(delay)
	s.timer = s.clock.AfterFunc(delay, func() { fire(gen) })
	return gen
}

// Cancel stops the pending timer, if any. It returns true if a timer was
// pending.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.timer != nil
	s.stopLocked()
	// Bump the generation so a callback racing with Cancel is rejected.
	s.gen++
	return pending
}

// Accept consumes the pending timer if gen is still current. Callbacks
// must check Accept before acting.
func (s *Scheduler) Accept(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil || gen != s.gen {
		return false
	}
	s.timer = nil
	s.due = time.Time{}
	s.delay = 0
	return true
}

// Due returns when the pending timer fires and the delay it was armed with.
func (s *Scheduler) Due() (time.Time, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}, 0, false
	}
	return s.due, s.delay, true
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.due = time.Time{}
	s.delay = 0
}
