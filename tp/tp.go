// Package tp implements SOME/IP-TP: segmentation of oversized messages into
// numbered segments and reassembly of those segments back into the original
// message. See spec §4.2.
package tp

import (
	"encoding/binary"
	"errors"

	"github.com/someip-go/core/message"
)

// DefaultMaxSegmentLength is the default maximum payload length carried by a
// single TP segment. It must always be a multiple of 16.
const DefaultMaxSegmentLength = 1392

// HeaderSize is the width of the TP header that follows the SOME/IP header
// in every segment.
const HeaderSize = 4

// ErrOversize is returned by Split when the input is shorter than a SOME/IP
// header or carries no payload to segment. The train scheduler reports an
// oversize message without TP configured as train.ErrMsgTooBig instead.
var ErrOversize = errors.New("tp: message has no payload to segment")

// moreSegmentsBit is the low bit of the packed TP header.
const moreSegmentsBit = 0x1

// packHeader packs offset (must be a multiple of 16, fitting in 28 bits)
// and the more-segments flag into the wire's 32-bit TP header.
func packHeader(offset uint32, more bool) uint32 {
	h := offset &^ 0xf
	if more {
		h |= moreSegmentsBit
	}
	return h
}

// Offset extracts the 28-bit offset from a decoded TP header word.
func Offset(tpHeader uint32) uint32 { return tpHeader &^ 0xf }

// MoreSegments reports the more-segments bit of a decoded TP header word.
func MoreSegments(tpHeader uint32) bool { return tpHeader&moreSegmentsBit != 0 }

// Split divides an oversize SOME/IP message into ascending-offset segments,
// each carrying at most maxSegmentLength payload bytes. The original header
// is copied into every segment with the TP bit set in the message-type byte
// and the length field rewritten to match the segment's own size.
//
// Split does not itself decide whether TP is configured for the
// (service,instance,method) in question -- callers (the train scheduler,
// §4.3) make that admission decision and invoke Split only when appropriate.
func Split(original []byte, maxSegmentLength uint16) ([][]byte, error) {
	if maxSegmentLength == 0 || maxSegmentLength%16 != 0 {
		maxSegmentLength = DefaultMaxSegmentLength
	}
	if len(original) < message.HeaderSize {
		return nil, ErrOversize
	}
	payload := original[message.HeaderSize:]
	if len(payload) == 0 {
		return nil, ErrOversize
	}

	var segments [][]byte
	for off := 0; off < len(payload); {
		end := off + int(maxSegmentLength)
		last := end >= len(payload)
		if last {
			end = len(payload)
		}

		seg := make([]byte, message.HeaderSize+HeaderSize+(end-off))
		copy(seg, original[:message.HeaderSize])
		seg[message.OffsetMessageType] |= message.TPFlag

		tpHeader := packHeader(uint32(off), !last)
		binary.BigEndian.PutUint32(seg[message.HeaderSize:message.HeaderSize+HeaderSize], tpHeader)

		copy(seg[message.HeaderSize+HeaderSize:], payload[off:end])
		message.SetLength(seg, uint32(HeaderSize+(end-off)))

		segments = append(segments, seg)
		off = end
	}
	return segments, nil
}

// SeparationTime returns the pacing delay, in microseconds, that should
// follow the send completion of segment index i of total segments, given
// the transport's configured separation time. The first segment (offset 0)
// always uses separation 0, per spec §4.2.
func SeparationTime(index int, configuredMicros uint32) uint32 {
	if index == 0 {
		return 0
	}
	return configuredMicros
}

// IsTPSegment reports whether buf's message-type byte has the TP bit set.
func IsTPSegment(buf []byte) bool {
	return len(buf) > message.OffsetMessageType && buf[message.OffsetMessageType]&message.TPFlag != 0
}

// SegmentOffset and SegmentMoreFlag extract the TP header fields from a
// decoded segment buffer (header already validated as >= HeaderSize+TP
// HeaderSize bytes by the caller).
func SegmentOffset(buf []byte) uint32 {
	return Offset(binary.BigEndian.Uint32(buf[message.HeaderSize : message.HeaderSize+HeaderSize]))
}

func SegmentMoreFlag(buf []byte) bool {
	return MoreSegments(binary.BigEndian.Uint32(buf[message.HeaderSize : message.HeaderSize+HeaderSize]))
}

// SegmentPayload returns the payload bytes carried after the TP header.
func SegmentPayload(buf []byte) []byte {
	return buf[message.HeaderSize+HeaderSize:]
}
