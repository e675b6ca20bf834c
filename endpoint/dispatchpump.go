package endpoint

import (
	"time"

	"github.com/someip-go/core/train"
)

// DispatchPump drives one destination's train.Scheduler end to end on a
// Loop: admission, the dispatch timer armed off Scheduler.NextDeadline,
// and paced send draining. Every transport endpoint owns one pump per
// scheduler instead of hand-rolling the submit/dispatch/drain sequence,
// so the dispatch timer spec §4.3 step 9 and §4.5 describe (the one that
// promotes a debounced/retained train once its departure arrives with no
// further traffic) is wired exactly once. Send pacing (spec §4.3 "Pacing
// for TP segments") is likewise timer-based here rather than a
// time.Sleep, so a paced write never blocks the goroutine that called
// Submit.
type DispatchPump struct {
	loop  *Loop
	sched *train.Scheduler
	send  func(train.Entry) error
	onErr func(error)

	timer *time.Timer
}

// NewDispatchPump builds a pump bound to sched, writing ready entries via
// send and reporting mid-drain write failures via onErr (nil is fine, the
// error is then simply dropped -- same "errors from asynchronous sends
// have no caller to return to" situation the original handles by logging
// from inside the send callback).
func NewDispatchPump(loop *Loop, sched *train.Scheduler, send func(train.Entry) error, onErr func(error)) *DispatchPump {
	return &DispatchPump{loop: loop, sched: sched, send: send, onErr: onErr}
}

// Submit admits payload, then dispatches and drains whatever is
// immediately ready, all serialized on the pump's Loop so a concurrent
// timer firing for the same destination can never race the admission.
func (p *DispatchPump) Submit(payload []byte) error {
	errCh := make(chan error, 1)
	posted := p.loop.Post(func() {
		now := time.Now()
		err := p.sched.Submit(now, payload)
		if err == nil {
			p.sched.Dispatch(now)
			p.drain()
			p.rearm()
		}
		errCh <- err
	})
	if !posted {
		return ErrLoopClosed
	}
	return <-errCh
}

// drain writes every queue entry ready to send right now. It must only
// run on the pump's Loop goroutine.
func (p *DispatchPump) drain() {
	for p.sched.ReadyToSend() {
		e, ok := p.sched.StartSend()
		if !ok {
			break
		}
		if err := p.send(e); err != nil {
			if p.onErr != nil {
				p.onErr(err)
			}
			return
		}
		delay := p.sched.CompleteSend(time.Now())
		if delay > 0 {
			// Pace the next write off the Loop's timer instead of
			// blocking this goroutine in time.Sleep (spec §5).
			p.loop.PostAfter(time.Duration(delay)*time.Microsecond, func() {
				p.drain()
				p.rearm()
			})
			return
		}
	}
}

// rearm replaces any timer already armed with one firing at the
// scheduler's next departure deadline (train.Scheduler.NextDeadline),
// the dispatch timer spec §4.3 step 9 requires so a debounced/retained
// train departs even if nothing else is ever submitted to the same
// destination again. Must only run on the Loop goroutine.
func (p *DispatchPump) rearm() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	deadline, ok := p.sched.NextDeadline()
	if !ok {
		return
	}
	p.timer = p.loop.PostAfter(time.Until(deadline), p.onTimer)
}

func (p *DispatchPump) onTimer() {
	now := time.Now()
	p.sched.Dispatch(now)
	p.drain()
	p.rearm()
}

// Stop cancels any armed dispatch timer. It does not close the pump's
// Loop -- the owning endpoint does that once its own teardown is safe.
func (p *DispatchPump) Stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}
