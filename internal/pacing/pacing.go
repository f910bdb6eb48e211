// Package pacing provides the single-slot deferred action used to pace the
// dispatch engine: the grace period before a disconnect and the delayed
// start or restart of the message transport.
package pacing

import (
	"errors"
	"fmt"
)

// Kind of deferred action.
type Kind int

const (
	Disconnect Kind = iota + 1
	StartTransport
	RestartTransport
)

func (k Kind) String() string {
	switch k {
	case Disconnect:
		return "disconnect"
	case StartTransport:
		return "start-transport"
	case RestartTransport:
		return "restart-transport"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// ErrPending is returned when an action is already scheduled.
var ErrPending = errors.New("action already pending")

// Action is the outstanding deferred action.
type Action struct {
	Kind      Kind
	Countdown int
}

// Scheduler holds at most one Action. It is not safe for concurrent use; the
// dispatch loop owns it.
type Scheduler struct {
	pending *Action
}

// ScheduleOnce arms kind to fire after ticks ticks. A second call while an
// action is outstanding fails with ErrPending and leaves the first untouched.
func (s *Scheduler) ScheduleOnce(kind Kind, ticks int) error {
	if s.pending != nil {
		return fmt.Errorf("%w: %s in %d ticks, rejected %s", ErrPending, s.pending.Kind, s.pending.Countdown, kind)
	}
	if ticks < 1 {
		ticks = 1
	}
	s.pending = &Action{Kind: kind, Countdown: ticks}
	return nil
}

// Tick advances the countdown and returns the action that fired, if any.
func (s *Scheduler) Tick() (Kind, bool) {
	if s.pending == nil {
		return 0, false
	}
	s.pending.Countdown--
	if s.pending.Countdown > 0 {
		return 0, false
	}
	kind := s.pending.Kind
	s.pending = nil
	return kind, true
}

// Pending returns a copy of the outstanding action.
func (s *Scheduler) Pending() (Action, bool) {
	if s.pending == nil {
		return Action{}, false
	}
	return *s.pending, true
}

// Idle reports whether no action is outstanding.
func (s *Scheduler) Idle() bool {
	return s.pending == nil
}

// Cancel drops the outstanding action.
func (s *Scheduler) Cancel() {
	s.pending = nil
}
