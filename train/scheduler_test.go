package train

import (
	"encoding/binary"
	"testing"
	"time"
)

func payloadFor(service, method uint16, extra int) []byte {
	buf := make([]byte, 16+extra)
	binary.BigEndian.PutUint16(buf[0:2], service)
	binary.BigEndian.PutUint16(buf[2:4], method)
	binary.BigEndian.PutUint32(buf[4:8], uint32(8+extra))
	return buf
}

func fixedTiming(debounce, maxRetention time.Duration) func(uint16, uint16) (time.Duration, time.Duration) {
	return func(uint16, uint16) (time.Duration, time.Duration) { return debounce, maxRetention }
}

func TestSubmitQueueSizeMatchesBufferSum(t *testing.T) {
	s := NewScheduler(Policy{MaxMessageSize: 4096, QueueLimit: 1 << 20, Timing: fixedTiming(0, 0)})
	base := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		if err := s.Submit(base, payloadFor(1, 1, 10)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	s.Dispatch(base.Add(time.Second))
	initial := s.QueueSize()

	want := uint32(0)
	for s.ReadyToSend() {
		e, _ := s.StartSend()
		want += uint32(len(e.Buffer))
		s.CompleteSend(base.Add(time.Second))
		if s.QueueSize() == 0 {
			break
		}
	}
	if want == 0 {
		t.Fatal("expected queued bytes after dispatch")
	}
	if want != initial {
		t.Fatalf("QueueSize after dispatch = %d, want sum of queued buffers %d", initial, want)
	}
}

// TestTrainDebounceScenario mirrors the spec scenario: debounce=50ms,
// max_retention=200ms for (svcA, m1) and (svcA, m2); two submissions for
// different passengers 10ms apart coalesce into a single train, which only
// a same-passenger resubmit (mustDepart's hasPassenger clause) would split.
// Neither submission's own debounce (t0+50ms, t0+60ms) is reached before
// max_retention (t0+200ms) governs the train's departure instead.
func TestTrainDebounceScenario(t *testing.T) {
	s := NewScheduler(Policy{
		MaxMessageSize: 4096,
		QueueLimit:     1 << 20,
		Timing:         fixedTiming(50*time.Millisecond, 200*time.Millisecond),
	})
	t0 := time.Unix(0, 0)
	p1 := payloadFor(0xA, 1, 4)
	p2 := payloadFor(0xA, 2, 4)

	if err := s.Submit(t0, p1); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(t0.Add(10*time.Millisecond), p2); err != nil {
		t.Fatal(err)
	}

	// Before max_retention elapses nothing should be dispatched.
	s.Dispatch(t0.Add(190 * time.Millisecond))
	if !s.queue.empty() {
		t.Fatal("expected no send before max_retention elapses")
	}

	s.Dispatch(t0.Add(200 * time.Millisecond))
	if s.queue.empty() {
		t.Fatal("expected a send once max_retention elapses")
	}
	e, ok := s.StartSend()
	if !ok {
		t.Fatal("expected queued entry")
	}
	if len(e.Buffer) != len(p1)+len(p2) {
		t.Fatalf("expected concatenated train of %d bytes, got %d", len(p1)+len(p2), len(e.Buffer))
	}
}

// TestTrainSamePassengerForcesSeparateTrains mirrors server_endpoint_impl's
// STEP 4 same-identifier rule: resubmitting (service, method) that the
// current train already carries closes that train (it goes to the
// dispatched set at its own scheduled departure) and starts a new one for
// the resubmit, rather than coalescing the two.
func TestTrainSamePassengerForcesSeparateTrains(t *testing.T) {
	s := NewScheduler(Policy{
		MaxMessageSize: 4096,
		QueueLimit:     1 << 20,
		Timing:         fixedTiming(50*time.Millisecond, 200*time.Millisecond),
	})
	t0 := time.Unix(0, 0)
	p1 := payloadFor(0xA, 1, 4)
	p2 := payloadFor(0xA, 1, 4)

	if err := s.Submit(t0, p1); err != nil {
		t.Fatal(err)
	}
	// Same (service, method) as p1: this Submit closes the first train
	// instead of adding p2 to it.
	if err := s.Submit(t0.Add(10*time.Millisecond), p2); err != nil {
		t.Fatal(err)
	}

	s.Dispatch(t0.Add(time.Second))
	var trains [][]byte
	for s.ReadyToSend() {
		e, ok := s.StartSend()
		if !ok {
			break
		}
		trains = append(trains, append([]byte(nil), e.Buffer...))
		s.CompleteSend(t0.Add(time.Second))
	}
	if len(trains) != 2 {
		t.Fatalf("expected 2 separate trains, got %d", len(trains))
	}
	if len(trains[0]) != len(p1) || len(trains[1]) != len(p2) {
		t.Fatalf("expected each train to carry exactly one payload, got lens %d,%d", len(trains[0]), len(trains[1]))
	}
}

func TestSubmitRejectsOversizeWithoutTP(t *testing.T) {
	s := NewScheduler(Policy{MaxMessageSize: 16, QueueLimit: 1 << 20, Timing: fixedTiming(0, 0)})
	err := s.Submit(time.Unix(0, 0), payloadFor(1, 1, 100))
	if err != ErrMsgTooBig {
		t.Fatalf("got %v, want ErrMsgTooBig", err)
	}
}

func TestSubmitSplitsOversizeWithTP(t *testing.T) {
	s := NewScheduler(Policy{
		MaxMessageSize: 32,
		QueueLimit:     1 << 20,
		Timing:         fixedTiming(0, 0),
		TP: func(uint16, uint16) (bool, uint16, time.Duration) {
			return true, 16, 100 * time.Microsecond
		},
	})
	if err := s.Submit(time.Unix(0, 0), payloadFor(1, 1, 80)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if s.QueueSize() == 0 {
		t.Fatal("expected TP segments pushed directly to send queue")
	}
	first, ok := s.StartSend()
	if !ok {
		t.Fatal("expected a queued segment")
	}
	if first.SeparationMicros != 0 {
		t.Fatalf("first segment separation = %d, want 0", first.SeparationMicros)
	}
}

func TestSubmitRejectsOverQueueLimit(t *testing.T) {
	s := NewScheduler(Policy{MaxMessageSize: 4096, QueueLimit: 32, Timing: fixedTiming(0, 0)})
	if err := s.Submit(time.Unix(0, 0), payloadFor(1, 1, 16)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := s.Submit(time.Unix(0, 0), payloadFor(2, 2, 16)); err == nil {
		t.Fatal("expected ErrQueueFull once outstanding bytes exceed queue_limit")
	}
}

func TestDispatchedTrainsFIFOTieBreak(t *testing.T) {
	var d dispatchedTrains
	t0 := time.Unix(100, 0)
	first := newTrain(t0)
	first.Buffer = []byte("first")
	second := newTrain(t0)
	second.Buffer = []byte("second")

	d.insert(first)
	d.insert(second)

	due := d.promoteDue(t0)
	if len(due) != 2 {
		t.Fatalf("expected 2 due trains, got %d", len(due))
	}
	if string(due[0].Buffer) != "first" || string(due[1].Buffer) != "second" {
		t.Fatalf("expected FIFO order first,second; got %s,%s", due[0].Buffer, due[1].Buffer)
	}
}

func TestPrepareStopRejectsFurtherSubmissions(t *testing.T) {
	s := NewScheduler(Policy{MaxMessageSize: 4096, QueueLimit: 1 << 20, Timing: fixedTiming(0, 0)})
	s.PrepareStop(0xA, false)
	err := s.Submit(time.Unix(0, 0), payloadFor(0xA, 1, 4))
	if err != ErrStopping {
		t.Fatalf("got %v, want ErrStopping", err)
	}
	// Other services remain admissible.
	if err := s.Submit(time.Unix(0, 0), payloadFor(0xB, 1, 4)); err != nil {
		t.Fatalf("expected unrelated service still admissible, got %v", err)
	}
}

func TestCompleteSendReturnsPacingDelay(t *testing.T) {
	s := NewScheduler(Policy{
		MaxMessageSize: 32,
		QueueLimit:     1 << 20,
		Timing:         fixedTiming(0, 0),
		TP: func(uint16, uint16) (bool, uint16, time.Duration) {
			return true, 16, 500 * time.Microsecond
		},
	})
	if err := s.Submit(time.Unix(0, 0), payloadFor(1, 1, 100)); err != nil {
		t.Fatal(err)
	}
	_, ok := s.StartSend()
	if !ok {
		t.Fatal("expected a queued entry to send")
	}
	delay := s.CompleteSend(time.Unix(0, 0))
	if delay != 0 {
		t.Fatalf("first segment pacing = %d, want 0", delay)
	}
	_, ok = s.StartSend()
	if !ok {
		t.Fatal("expected a second queued segment")
	}
	delay = s.CompleteSend(time.Unix(0, 0))
	if delay != 500 {
		t.Fatalf("second segment pacing = %d, want 500", delay)
	}
}
