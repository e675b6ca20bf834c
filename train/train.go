// Package train implements the per-destination transmit train scheduler
// (spec §4.3): debounce/retention-bounded batching of outbound SOME/IP
// payloads, a dispatched-trains ordered structure, a bounded send queue, and
// TP segment pacing.
//
// The scheduler's decision logic is a pure function of an explicit "now"
// passed by the caller -- it never reads the wall clock itself -- so that it
// can be driven deterministically by both production code (real
// time.Timer) and tests (synthetic clocks). See Scheduler in scheduler.go.
package train

import (
	"errors"
	"time"
)

// ErrQueueFull is returned by Submit when admission would exceed the
// destination's queue_limit.
var ErrQueueFull = errors.New("train: queue_limit exceeded")

// ErrMsgTooBig is returned by Submit when a payload exceeds the transport's
// maximum message size and TP is not configured for its (service, method).
var ErrMsgTooBig = errors.New("train: message exceeds max size and TP is not configured")

// ErrStopping is returned by Submit when the destination has been told to
// stop accepting admissions for the payload's service (or all services).
var ErrStopping = errors.New("train: endpoint is stopping for this service")

// Passenger identifies a (service, method) pair admitted into a train.
type Passenger struct {
	Service uint16
	Method  uint16
}

// Train is a staging object per destination holding the concatenation of
// admitted payloads plus the passenger set and running timing minima. See
// spec §3 "Train" for its invariants.
type Train struct {
	Buffer           []byte
	Passengers       map[Passenger]bool
	MinDebounce      time.Duration
	MinMaxRetention  time.Duration
	Departure        time.Time
	hasMinima        bool
}

func newTrain(departure time.Time) *Train {
	return &Train{
		Passengers: make(map[Passenger]bool),
		Departure:  departure,
	}
}

// hasPassenger reports whether p is already admitted into t.
func (t *Train) hasPassenger(p Passenger) bool { return t.Passengers[p] }

// admit appends payload to the train's buffer and records p's timing
// minima, per spec §4.3 step 8.
func (t *Train) admit(payload []byte, debounce, maxRetention time.Duration, p Passenger) {
	t.Buffer = append(t.Buffer, payload...)
	t.Passengers[p] = true
	if !t.hasMinima {
		t.MinDebounce = debounce
		t.MinMaxRetention = maxRetention
		t.hasMinima = true
		return
	}
	if debounce < t.MinDebounce {
		t.MinDebounce = debounce
	}
	if maxRetention < t.MinMaxRetention {
		t.MinMaxRetention = maxRetention
	}
}

// size returns the current buffer length.
func (t *Train) size() int { return len(t.Buffer) }
