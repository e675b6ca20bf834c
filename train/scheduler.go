package train

import (
	"time"

	"github.com/someip-go/core/tp"
)

// HeaderInfo is the (service, method) pair read from a raw payload. The
// scheduler is transport-agnostic, so it reads these two fields itself
// rather than importing the message package's full parsing surface.
type HeaderInfo struct {
	Service uint16
	Method  uint16
}

// ParseHeaderFunc extracts a HeaderInfo from a raw SOME/IP payload. Declared as
// a var so tests and transports can swap in a stub without a fake wire
// format.
var ParseHeaderFunc = func(payload []byte) HeaderInfo {
	if len(payload) < 4 {
		return HeaderInfo{}
	}
	return HeaderInfo{
		Service: uint16(payload[0])<<8 | uint16(payload[1]),
		Method:  uint16(payload[2])<<8 | uint16(payload[3]),
	}
}

// Policy supplies the per-submission configuration the scheduler needs:
// timing minima, size/queue limits, and TP settings. It mirrors the
// relevant slice of config.Capability so the train package has no import
// dependency on the config package (kept decoupled per component).
type Policy struct {
	MaxMessageSize uint32
	QueueLimit     uint32

	// Timing returns (debounce, max_retention) for (service, method).
	Timing func(service, method uint16) (debounce, maxRetention time.Duration)

	// TP returns whether TP is enabled for (service, method) and, if so,
	// the max segment length and separation time to use when splitting.
	TP func(service, method uint16) (enabled bool, maxSegmentLength uint16, separationTime time.Duration)
}

// Scheduler is the per-destination transmit train scheduler described in
// spec §4.3. One Scheduler exists per client-endpoint instance or per
// server-side remote record.
type Scheduler struct {
	policy Policy

	current    *Train
	dispatched dispatchedTrains
	queue      sendQueue

	lastDeparture    time.Time
	hasLastDeparture bool

	lastSent    time.Time
	hasLastSent bool

	isSending bool

	stoppingAll      bool
	stoppingServices map[uint16]bool
}

// NewScheduler creates a Scheduler bounded by policy.QueueLimit bytes.
func NewScheduler(policy Policy) *Scheduler {
	return &Scheduler{
		policy:           policy,
		queue:            sendQueue{limit: policy.QueueLimit},
		stoppingServices: make(map[uint16]bool),
	}
}

// outstandingBytes sums the current train, every dispatched train, and the
// send queue -- the pool that queue_limit bounds (spec §4.3 step 2).
func (s *Scheduler) outstandingBytes() uint32 {
	n := uint32(s.queue.size) + uint32(s.dispatched.pendingBytes())
	if s.current != nil {
		n += uint32(s.current.size())
	}
	return n
}

// QueueSize reports the current send-queue byte total (invariant checked in
// spec §8: "queue_size equals the sum of the sizes of buffers in the send
// queue").
func (s *Scheduler) QueueSize() uint32 { return s.queue.size }

// Submit admits payload at time now, per spec §4.3 "Admission". It may
// finalize the current train, split the payload via TP, or append directly
// to the current train.
func (s *Scheduler) Submit(now time.Time, payload []byte) error {
	hdr := ParseHeaderFunc(payload)
	p := Passenger{Service: hdr.Service, Method: hdr.Method}

	if s.stoppingAll || s.stoppingServices[p.Service] {
		return ErrStopping
	}

	if s.policy.QueueLimit > 0 && uint64(s.outstandingBytes())+uint64(len(payload)) > uint64(s.policy.QueueLimit) {
		return ErrQueueFull
	}

	if s.policy.MaxMessageSize > 0 && uint32(len(payload)) > s.policy.MaxMessageSize {
		enabled, maxSeg, sep := false, uint16(0), time.Duration(0)
		if s.policy.TP != nil {
			enabled, maxSeg, sep = s.policy.TP(p.Service, p.Method)
		}
		if !enabled {
			return ErrMsgTooBig
		}
		segments, err := tp.Split(payload, maxSeg)
		if err != nil {
			return err
		}
		for i, seg := range segments {
			s.queue.push(Entry{Buffer: seg, SeparationMicros: uint32(tp.SeparationTime(i, uint32(sep.Microseconds())))})
		}
		return nil
	}

	debounce, maxRetention := time.Duration(0), time.Duration(0)
	if s.policy.Timing != nil {
		debounce, maxRetention = s.policy.Timing(p.Service, p.Method)
	}

	if s.current == nil {
		s.current = newTrain(now.Add(maxRetention))
	}

	mustDepart := s.current.hasPassenger(p) ||
		(s.policy.MaxMessageSize > 0 && s.current.size()+len(payload) > int(s.policy.MaxMessageSize)) ||
		(s.current.hasMinima && debounce > s.current.MinMaxRetention) ||
		now.Add(debounce).After(s.current.Departure) ||
		(s.current.hasMinima && maxRetention < s.current.MinDebounce)

	if mustDepart {
		s.finalizeCurrent(now)
		s.current = newTrain(now.Add(maxRetention))
	} else {
		candidate := now.Add(maxRetention)
		if candidate.Before(s.current.Departure) {
			s.current.Departure = candidate
		}
	}

	s.current.admit(payload, debounce, maxRetention, p)
	return nil
}

// finalizeCurrent applies the per-destination debounce floor (spec §4.3
// "Debounce enforcement between trains") and moves the current train into
// the dispatched structure.
func (s *Scheduler) finalizeCurrent(now time.Time) {
	if s.current == nil || s.current.size() == 0 {
		return
	}
	departure := s.current.Departure
	if s.hasLastDeparture {
		floor := s.lastDeparture.Add(s.current.MinDebounce)
		if floor.After(departure) {
			departure = floor
		}
	}
	s.current.Departure = departure
	s.dispatched.insert(s.current)
	s.current = nil
}

// NextDeadline returns the earliest time at which Dispatch should next be
// invoked: the current train's departure (if any) or the earliest
// dispatched-bucket departure, whichever is sooner. The bool is false if
// there is nothing pending at all.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	var deadline time.Time
	has := false
	if s.current != nil {
		deadline = s.current.Departure
		has = true
	}
	if nd, ok := s.dispatched.nextDeparture(); ok {
		if !has || nd.Before(deadline) {
			deadline = nd
			has = true
		}
	}
	return deadline, has
}

// Dispatch promotes every train with departure <= now onto the send queue,
// in departure order with FIFO tie-breaking (spec §4.3 "Dispatch", §8).
func (s *Scheduler) Dispatch(now time.Time) {
	if s.current != nil && !s.current.Departure.After(now) {
		s.finalizeCurrent(now)
	}
	for _, t := range s.dispatched.promoteDue(now) {
		if t.size() == 0 {
			continue
		}
		s.queue.push(Entry{Buffer: t.Buffer})
		s.lastDeparture = t.Departure
		s.hasLastDeparture = true
	}
}

// ReadyToSend reports whether a write should be started: the queue is
// non-empty and no write is already in progress.
func (s *Scheduler) ReadyToSend() bool {
	return !s.isSending && !s.queue.empty()
}

// StartSend marks a write in progress and returns the front queue entry.
func (s *Scheduler) StartSend() (Entry, bool) {
	e, ok := s.queue.peekFront()
	if ok {
		s.isSending = true
	}
	return e, ok
}

// CompleteSend pops the entry that was being sent, records lastSent, and
// returns the pacing delay (microseconds) that must elapse, measured
// against lastSent, before the next write may start (spec §4.3 "Pacing for
// TP segments").
func (s *Scheduler) CompleteSend(now time.Time) (pacingMicros uint32) {
	e, ok := s.queue.popFront()
	s.isSending = false
	if !ok {
		return 0
	}
	s.lastSent = now
	s.hasLastSent = true
	return e.SeparationMicros
}

// PrepareStop marks the destination as stopping admissions for service (or
// every service if all is true). Outstanding queue entries still drain;
// see spec §4.3 "Cancellation" and the Open Question decision recorded in
// DESIGN.md (in-flight TP sequences are allowed to complete).
func (s *Scheduler) PrepareStop(service uint16, all bool) {
	if all {
		s.stoppingAll = true
		return
	}
	s.stoppingServices[service] = true
}

// DrainedFor reports whether the send queue no longer holds any entry whose
// header names service, i.e. prepare_stop(service) has finished draining.
func (s *Scheduler) DrainedFor(service uint16, serviceOf func([]byte) uint16) bool {
	return !s.queue.hasServicePending(service, serviceOf)
}

// IsSending reports whether a write is currently believed in progress.
func (s *Scheduler) IsSending() bool { return s.isSending }
