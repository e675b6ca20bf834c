package tp

import (
	"errors"
	"sync"
	"time"

	"github.com/someip-go/core/message"
)

// ErrTooLarge is returned when an in-progress reassembly would exceed the
// configured per-transport maximum message size.
var ErrTooLarge = errors.New("tp: reassembled message would exceed the configured maximum size")

// Key identifies one in-flight reassembly: remote endpoint plus the SOME/IP
// 4-tuple (service, method, client, session) that ties segments together.
type Key struct {
	RemoteIP   string
	RemotePort uint16
	Service    uint16
	Method     uint16
	Client     uint16
	Session    uint16
}

type fragment struct {
	data []byte
	end  uint32 // offset + len(data)
}

type entry struct {
	header   []byte // copy of the original 16-byte header (TP bit still set)
	frags    map[uint32]fragment
	lastSeen time.Time
	sawLast  bool
	total    uint32 // total size once the last fragment (more=0) is seen
}

// Reassembler accumulates TP segments keyed by Key and yields whole
// messages once a segment with more-segments=0 arrives and the assembled
// range [0, end) is contiguous. Entries older than TTL are dropped by
// Cleanup, which callers should invoke periodically (see spec §4.2.4).
type Reassembler struct {
	mu      sync.Mutex
	entries map[Key]*entry
	maxSize uint32
	ttl     time.Duration
}

// NewReassembler creates a Reassembler bounding any single reassembled
// message to maxSize bytes and expiring stale entries after ttl.
func NewReassembler(maxSize uint32, ttl time.Duration) *Reassembler {
	return &Reassembler{
		entries: make(map[Key]*entry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Feed ingests one TP segment. It returns the reconstructed message (with
// the TP bit cleared and length rewritten) when the segment completes the
// sequence, or nil if reassembly is still pending. now is passed in rather
// than read internally so callers can drive it deterministically in tests.
func (r *Reassembler) Feed(key Key, segment []byte, now time.Time) ([]byte, error) {
	if len(segment) < message.HeaderSize+HeaderSize {
		return nil, errors.New("tp: segment shorter than header+TP header")
	}
	offset := SegmentOffset(segment)
	more := SegmentMoreFlag(segment)
	payload := SegmentPayload(segment)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &entry{
			header: append([]byte(nil), segment[:message.HeaderSize]...),
			frags:  make(map[uint32]fragment),
		}
		r.entries[key] = e
	}

	end := offset + uint32(len(payload))
	if r.maxSize > 0 && end > r.maxSize {
		delete(r.entries, key)
		return nil, ErrTooLarge
	}

	// Last-writer-wins on overlapping offsets (spec §4.2 step 2).
	e.frags[offset] = fragment{data: append([]byte(nil), payload...), end: end}
	e.lastSeen = now
	if !more {
		e.sawLast = true
		e.total = end
	}

	if !e.sawLast {
		return nil, nil
	}

	assembled, complete := assemble(e)
	if !complete {
		return nil, nil
	}

	delete(r.entries, key)

	out := make([]byte, message.HeaderSize+len(assembled))
	copy(out, e.header)
	out[message.OffsetMessageType] &^= message.TPFlag
	copy(out[message.HeaderSize:], assembled)
	message.SetLength(out, uint32(len(assembled)))
	return out, nil
}

// assemble checks whether fragments tile [0, e.total) contiguously and, if
// so, concatenates them in offset order.
func assemble(e *entry) ([]byte, bool) {
	out := make([]byte, e.total)
	var covered uint32
	offsets := make([]uint32, 0, len(e.frags))
	for off := range e.frags {
		offsets = append(offsets, off)
	}
	// simple insertion sort; fragment counts are small (segments <= a few
	// hundred for any sane max-segment-length / message-size combination).
	for i := 1; i < len(offsets); i++ {
		for j := i; j > 0 && offsets[j-1] > offsets[j]; j-- {
			offsets[j-1], offsets[j] = offsets[j], offsets[j-1]
		}
	}

	expect := uint32(0)
	for _, off := range offsets {
		f := e.frags[off]
		if off != expect {
			// gap or overlap-not-starting-at-expect; bail without giving up
			// the entry (handled by caller retaining it until TTL).
			copy(out[off:f.end], f.data)
			if f.end > covered {
				covered = f.end
			}
			continue
		}
		copy(out[off:f.end], f.data)
		expect = f.end
		if f.end > covered {
			covered = f.end
		}
	}
	return out, expect == e.total
}

// Cleanup drops entries whose most recent fragment is older than the
// configured TTL. Call this from a periodic timer (spec §4.2.4).
func (r *Reassembler) Cleanup(now time.Time) (expired int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) > r.ttl {
			delete(r.entries, k)
			expired++
		}
	}
	return
}

// Pending reports how many reassemblies are currently in flight (test/
// observability hook).
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
