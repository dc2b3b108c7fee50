package eventloop

import (
	"sort"
	"time"
)

// ManualScheduler is a Scheduler driven by Advance instead of wall time.
// Callbacks run synchronously inside Advance, in deadline order.
type ManualScheduler struct {
	now    time.Duration
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	s        *ManualScheduler
	deadline time.Duration
	seq      int
	fn       func()
	done     bool
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.seq++
	t := &manualTimer{s: s, deadline: s.now + d, seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves the clock forward by d, firing every timer that comes due,
// including timers armed by callbacks fired along the way.
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.now + d
	for {
		next := s.nextDue(target)
		if next == nil {
			break
		}
		s.now = next.deadline
		next.done = true
		next.fn()
	}
	s.now = target
	s.compact()
}

func (s *ManualScheduler) nextDue(target time.Duration) *manualTimer {
	var due []*manualTimer
	for _, t := range s.timers {
		if !t.done && t.deadline <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline != due[j].deadline {
			return due[i].deadline < due[j].deadline
		}
		return due[i].seq < due[j].seq
	})
	return due[0]
}

func (s *ManualScheduler) compact() {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	s.timers = live
}

// Pending reports how many timers are armed.
func (s *ManualScheduler) Pending() int {
	n := 0
	for _, t := range s.timers {
		if !t.done {
			n++
		}
	}
	return n
}

type scheduledLoop struct {
	*Loop
	sched Scheduler
}

func (s scheduledLoop) AfterFunc(d time.Duration, fn func()) Timer {
	return s.sched.AfterFunc(d, fn)
}

// WithScheduler returns an Executor that posts to l but takes its timers
// from sched. Paired with a ManualScheduler, Advance must then be called
// on the loop.
func (l *Loop) WithScheduler(sched Scheduler) Executor {
	return scheduledLoop{Loop: l, sched: sched}
}
