package endpoint

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPeriodicTicksUntilStopped(t *testing.T) {
	loop := NewLoop(8)
	defer loop.Close()

	var ticks int32
	p := NewPeriodic(loop, 10*time.Millisecond, func(time.Time) {
		atomic.AddInt32(&ticks, 1)
	})

	time.Sleep(55 * time.Millisecond)
	p.Stop()
	seenAtStop := atomic.LoadInt32(&ticks)
	if seenAtStop < 3 {
		t.Fatalf("expected at least 3 ticks in 55ms at a 10ms interval, got %d", seenAtStop)
	}

	time.Sleep(40 * time.Millisecond)
	if got := atomic.LoadInt32(&ticks); got != seenAtStop {
		t.Fatalf("expected no further ticks after Stop, got %d -> %d", seenAtStop, got)
	}
}
