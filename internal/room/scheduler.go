package room

import "time"

// DefaultInterval caps broadcasts at 20 per second per room
const DefaultInterval = 50 * time.Millisecond

type Decision int

const (
	// Flush now; the interval has elapsed since the last broadcast
	FlushNow Decision = iota

	// Arm a timer for the returned delay
	Arm

	// A flush is already armed; this request rides along with it
	Coalesced
)

func (d Decision) String() string {
	switch d {
	case FlushNow:
		return "flush"
	case Arm:
		return "arm"
	default:
		return "coalesced"
	}
}

// Scheduler is the rate limiter behind requestBroadcast, a two-state
// machine: idle, or armed with exactly one pending flush timer.
type Scheduler struct {
	interval      time.Duration
	lastBroadcast time.Time
	armed         bool
}

// NewScheduler starts the rate-limit window at start, so the first
// request within one interval of start is deferred.
func NewScheduler(interval time.Duration, start time.Time) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{interval: interval, lastBroadcast: start}
}

func (s *Scheduler) Request(now time.Time) (Decision, time.Duration) {
	elapsed := now.Sub(s.lastBroadcast)
	if elapsed >= s.interval {
		return FlushNow, 0
	}
	if s.armed {
		return Coalesced, 0
	}
	s.armed = true
	return Arm, s.interval - elapsed
}

// Disarm returns the scheduler to idle, after the timer fired or was stopped.
func (s *Scheduler) Disarm() {
	s.armed = false
}

func (s *Scheduler) Flushed(now time.Time) {
	s.lastBroadcast = now
}

func (s *Scheduler) Armed() bool {
	return s.armed
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}
