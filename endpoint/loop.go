package endpoint

import (
	"errors"
	"sync"
	"time"
)

// ErrLoopClosed is returned by a pump/post helper when the Loop it was
// posting onto has already been closed.
var ErrLoopClosed = errors.New("endpoint: loop closed")

// Loop is a per-endpoint cooperative single-threaded executor (spec §5
// "Scheduling"): every socket callback, timer firing, and queue mutation
// for one endpoint is posted here as a closure, so handlers belonging to
// the same endpoint never race with each other even though many endpoints
// share the process's goroutines. It mirrors the teacher's doneCh-guarded
// single-consumer channel loop, generalized from one fixed read-loop
// goroutine into a general command queue.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewLoop creates a Loop with the given task-queue depth and starts its
// single worker goroutine.
func NewLoop(queueDepth int) *Loop {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	l := &Loop{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.done:
			// Drain whatever was already queued before this loop's
			// owner observed shutdown; no new Post succeeds after Close.
			for {
				select {
				case task := <-l.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the loop's single goroutine. It returns false
// without running fn if the loop has been closed -- the "operation_aborted
// is swallowed" rule from spec §5 is the caller's responsibility to apply
// to whatever fn would have done.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// PostAfter arms a timer that posts fn onto the loop once d has elapsed,
// the primitive every timer-driven duty (train dispatch deadlines, TP
// reassembly expiry, clients-map aging) is built on so a timer firing
// never touches endpoint state from its own goroutine -- it always runs
// fn on the loop's single worker instead (spec §5). The returned *time.
// Timer is for Stop/cancellation only; d <= 0 fires as soon as possible.
func (l *Loop) PostAfter(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Close stops accepting new tasks and waits for the worker goroutine to
// drain whatever was already queued. Idempotent.
func (l *Loop) Close() {
	l.once.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}
