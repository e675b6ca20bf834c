package train

// Entry is one send-queue item: a fully-formed byte buffer (a dispatched
// train's concatenated payload, or a single TP segment that bypassed
// training) plus the pacing delay, in microseconds, that must elapse after
// this entry's send completes before the next write to the same
// destination (spec §3 "Send queue", §4.3 "Pacing for TP segments").
type Entry struct {
	Buffer           []byte
	SeparationMicros uint32
}

// sendQueue is an ordered sequence of Entry plus a running byte total,
// bounded by limit (0 = unlimited). See spec §3 "Send queue".
type sendQueue struct {
	entries []Entry
	size    uint32
	limit   uint32
}

// wouldOverflow reports whether admitting addlBytes more would exceed limit.
func (q *sendQueue) wouldOverflow(addlBytes uint32) bool {
	return q.limit > 0 && uint64(q.size)+uint64(addlBytes) > uint64(q.limit)
}

func (q *sendQueue) push(e Entry) {
	q.entries = append(q.entries, e)
	q.size += uint32(len(e.Buffer))
}

// popFront removes and returns the first entry, or ok=false if empty.
func (q *sendQueue) popFront() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	q.size -= uint32(len(e.Buffer))
	return e, true
}

// peekFront returns the first entry without removing it.
func (q *sendQueue) peekFront() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

func (q *sendQueue) empty() bool { return len(q.entries) == 0 }

// hasServicePending reports whether any queued entry's header names
// service (used by prepare_stop draining, spec §4.3 "Cancellation").
func (q *sendQueue) hasServicePending(service uint16, serviceOf func([]byte) uint16) bool {
	for _, e := range q.entries {
		if serviceOf(e.Buffer) == service {
			return true
		}
	}
	return false
}
