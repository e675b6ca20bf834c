// Package tcpendpoint implements the reliable (TCP) client endpoint state
// machine (spec §4.4), the reliable server with per-remote response
// routing (spec §4.5 "C5"), and stream magic-cookie resynchronization
// (spec §4.6 "C6").
package tcpendpoint

import (
	"github.com/someip-go/core/message"
)

// initialCapacity is the receive buffer's starting size; it grows on
// demand and shrinks back down once idle (spec §4.4 receive loop step 1).
const initialCapacity = 4096

// streamBuffer is the single growing receive buffer a reliable-stream
// reader maintains, implementing the three per-iteration conditions from
// spec §4.4: shrink when empty and idle, grow by exactly the known missing
// capacity, and extract whole messages after every read.
type streamBuffer struct {
	data []byte

	idleReads       int
	shrinkAfter     int
	missingCapacity int

	magicCookiesEnabled bool
}

func newStreamBuffer(shrinkAfter int) *streamBuffer {
	if shrinkAfter <= 0 {
		shrinkAfter = 8
	}
	return &streamBuffer{data: make([]byte, 0, initialCapacity), shrinkAfter: shrinkAfter}
}

// nextReadSize returns how many bytes the next read should request: at
// least the missing capacity recorded by a prior partial extraction.
func (b *streamBuffer) nextReadSize() int {
	if b.missingCapacity > 0 {
		return b.missingCapacity
	}
	return initialCapacity
}

// append adds newly-read bytes, shrinking a long-idle empty buffer back to
// its initial capacity first (step 1), and clearing missingCapacity since
// the caller sized its read to satisfy it (step 2).
func (b *streamBuffer) append(chunk []byte) {
	if len(chunk) == 0 {
		b.idleReads++
	} else {
		b.idleReads = 0
	}
	if len(b.data) == 0 && cap(b.data) > initialCapacity && b.idleReads >= b.shrinkAfter {
		b.data = make([]byte, 0, initialCapacity)
	}
	b.data = append(b.data, chunk...)
	b.missingCapacity = 0
}

// extractResult is one outcome of extractMessages: either a whole message
// ready for validation, or a magic-cookie frame to swallow silently.
type extractResult struct {
	msg      []byte
	isCookie bool
	isClient bool
}

// extractMessages walks the buffer extracting every whole SOME/IP message
// or magic-cookie frame, applying resync per spec §4.6: with magic cookies
// enabled, an embedded cookie found inside what should be payload causes
// the prefix up to the cookie to be discarded (resync), rather than
// treated as a framing error.
func (b *streamBuffer) extractMessages() []extractResult {
	var out []extractResult
	consumed := 0
	for {
		remaining := b.data[consumed:]
		if len(remaining) == 0 {
			break
		}

		if b.magicCookiesEnabled {
			if off := message.FindCookie(remaining, 0); off == 0 {
				out = append(out, extractResult{isCookie: true, isClient: message.IsClientCookie(remaining, 0)})
				consumed += message.HeaderSize
				continue
			} else if off > 0 && uint64(off) < message.Size(remaining) {
				// An embedded cookie inside what should be payload:
				// discard the prefix up to it and resync there.
				consumed += off
				continue
			}
		}

		size := message.Size(remaining)
		if size == 0 {
			// Not even a full header yet.
			if len(remaining) < message.HeaderSize {
				b.missingCapacity = message.HeaderSize - len(remaining)
			}
			break
		}
		if uint64(len(remaining)) < size {
			b.missingCapacity = int(size) - len(remaining)
			break
		}
		out = append(out, extractResult{msg: remaining[:size]})
		consumed += int(size)
	}
	b.data = append(b.data[:0], b.data[consumed:]...)
	return out
}
