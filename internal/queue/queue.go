// Package queue holds the single global FIFO of valve commands waiting for the radio.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/srg/trvd/internal/trv"
)

// ErrUnknownPolicy is returned by ParsePolicy for an unrecognised name.
var ErrUnknownPolicy = errors.New("unknown retry policy")

// Policy decides where a failed command with retries left goes.
type Policy int

const (
	// RequeueToTail moves a failed head behind the other queued commands so a
	// flaky valve cannot block the rest. With nothing else queued it retries in place.
	RequeueToTail Policy = iota
	// RetryInPlace keeps a failed head at the front until it succeeds or runs out of retries.
	RetryInPlace
)

func (p Policy) String() string {
	switch p {
	case RequeueToTail:
		return "requeue"
	case RetryInPlace:
		return "in-place"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "requeue" or "in-place".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "requeue", "requeue-to-tail":
		return RequeueToTail, nil
	case "in-place", "inplace", "retry":
		return RetryInPlace, nil
	default:
		return RequeueToTail, fmt.Errorf("%w %q (must be requeue or in-place)", ErrUnknownPolicy, s)
	}
}

// Outcome of a failed attempt.
type Outcome int

const (
	// Retrying: the command stays at the head.
	Retrying Outcome = iota
	// Requeued: the command moved to the tail.
	Requeued
	// Exhausted: the command was removed; report the failure.
	Exhausted
	// Empty: there was no head to fail.
	Empty
)

func (o Outcome) String() string {
	switch o {
	case Retrying:
		return "retrying"
	case Requeued:
		return "requeued"
	case Exhausted:
		return "exhausted"
	default:
		return "empty"
	}
}

// Queue is safe for concurrent use; the dispatch loop is the only caller of
// Complete and Fail.
type Queue struct {
	mu       sync.Mutex
	policy   Policy
	commands []trv.Command
}

// New creates an empty queue.
func New(policy Policy) *Queue {
	return &Queue{policy: policy}
}

// Policy returns the configured retry policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Enqueue appends cmd unless the last queued entry for the same valve is the
// same request. Returns false when coalesced.
func (q *Queue) Enqueue(cmd trv.Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.commands) - 1; i >= 0; i-- {
		if q.commands[i].Target != cmd.Target {
			continue
		}
		if q.commands[i].SameRequest(cmd) {
			return false
		}
		break
	}
	q.commands = append(q.commands, cmd)
	return true
}

// Head returns the next command without removing it.
func (q *Queue) Head() (trv.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.commands) == 0 {
		return trv.Command{}, false
	}
	return q.commands[0], true
}

// Complete removes the head after a successful delivery.
func (q *Queue) Complete() (trv.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.commands) == 0 {
		return trv.Command{}, false
	}
	head := q.commands[0]
	q.removeHeadLocked()
	return head, true
}

// Fail charges one retry to the head and applies the policy. The returned
// command reflects the remaining retry budget.
func (q *Queue) Fail() (Outcome, trv.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.commands) == 0 {
		return Empty, trv.Command{}
	}

	head := q.commands[0]
	head.Retries--
	if head.Retries <= 0 {
		q.removeHeadLocked()
		return Exhausted, head
	}

	if q.policy == RequeueToTail && len(q.commands) > 1 {
		q.removeHeadLocked()
		q.commands = append(q.commands, head)
		return Requeued, head
	}

	q.commands[0] = head
	return Retrying, head
}

// Len returns the number of queued commands, including the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

// Snapshot returns a copy of the queue in dispatch order.
func (q *Queue) Snapshot() []trv.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]trv.Command, len(q.commands))
	copy(out, q.commands)
	return out
}

func (q *Queue) removeHeadLocked() {
	q.commands[0] = trv.Command{}
	q.commands = q.commands[1:]
	if len(q.commands) == 0 {
		q.commands = nil
	}
}
