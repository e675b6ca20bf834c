package message

import "errors"

// ErrShort is returned by parsers that need more bytes than are present.
// Callers generally treat a short buffer as "not enough data yet" rather
// than a hard failure (see spec §4.1: pure functions return 0, not an
// error; ErrShort exists for call sites that want the sentinel).
var ErrShort = errors.New("message: buffer shorter than a SOME/IP header")

// Buffer is an ordered byte sequence shared among a send-queue entry, an
// in-flight write, and completion callbacks. It is immutable once queued;
// the refcount lets multiple holders release it independently.
type Buffer struct {
	Data []byte

	refs int32
	free func()
}

// NewBuffer wraps data with a single reference. free, if non-nil, runs once
// the last reference is released.
func NewBuffer(data []byte, free func()) *Buffer {
	return &Buffer{Data: data, refs: 1, free: free}
}

// Retain adds a reference, returning the same buffer for chaining.
func (b *Buffer) Retain() *Buffer {
	b.refs++
	return b
}

// Release drops a reference, invoking free when the last one goes away.
func (b *Buffer) Release() {
	b.refs--
	if b.refs <= 0 && b.free != nil {
		b.free()
		b.free = nil
	}
}

// Len returns the size of the underlying data.
func (b *Buffer) Len() int { return len(b.Data) }

// ExtractMessages walks buf extracting whole SOME/IP messages (header +
// declared length). It returns the consumed prefix length and the list of
// message byte-slices found (views into buf, not copies); the remainder
// buf[consumed:] is an incomplete trailing message, if any.
func ExtractMessages(buf []byte) (consumed int, msgs [][]byte) {
	off := 0
	for {
		remaining := buf[off:]
		if len(remaining) < 8 {
			break
		}
		sz := Size(remaining)
		if sz == 0 || uint64(len(remaining)) < sz {
			break
		}
		msgs = append(msgs, remaining[:sz])
		off += int(sz)
	}
	return off, msgs
}
