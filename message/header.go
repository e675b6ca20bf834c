// Package message provides SOME/IP wire-header parsing and validity
// predicates shared by every transport in this module. It is deliberately
// free of any socket or protocol-state concerns: callers hand it raw bytes
// and get back offsets, sizes, and booleans.
package message

import "encoding/binary"

// HeaderSize is the fixed length of a SOME/IP header in bytes.
const HeaderSize = 16

// LengthFieldSize is the width of the length field itself; message_size
// counts the length field's own bytes plus everything the field reports.
const LengthFieldSize = 4

// Header field byte offsets (big-endian on the wire).
const (
	OffsetService          = 0
	OffsetMethod            = 2
	OffsetLength             = 4
	OffsetClient             = 8
	OffsetSession            = 10
	OffsetProtocolVersion    = 12
	OffsetInterfaceVersion   = 13
	OffsetMessageType        = 14
	OffsetReturnCode         = 15
)

// ProtocolVersion is the only protocol-version byte this module considers valid.
const ProtocolVersion byte = 0x01

// MessageType enumerates the SOME/IP message-type byte (message-type bit
// 0x20, TPFlag, is handled by the tp package, not here).
type MessageType byte

const (
	TypeRequest             MessageType = 0x00
	TypeRequestNoReturn     MessageType = 0x01
	TypeNotification        MessageType = 0x02
	TypeRequestAck          MessageType = 0x40
	TypeRequestNoReturnAck  MessageType = 0x41
	TypeNotificationAck     MessageType = 0x42
	TypeResponse            MessageType = 0x80
	TypeError               MessageType = 0x81
	TypeResponseAck         MessageType = 0xc0
	TypeErrorAck            MessageType = 0xc1

	// TPFlag marks a message as a SOME/IP-TP segment; see package tp.
	TPFlag byte = 0x20
)

// ReturnCode enumerates the SOME/IP return-code byte.
type ReturnCode byte

const (
	ReturnOK                      ReturnCode = 0x00
	ReturnNotOK                   ReturnCode = 0x01
	ReturnUnknownService          ReturnCode = 0x02
	ReturnUnknownMethod           ReturnCode = 0x03
	ReturnNotReady                ReturnCode = 0x04
	ReturnNotReachable            ReturnCode = 0x05
	ReturnTimeout                 ReturnCode = 0x06
	ReturnWrongProtocolVersion    ReturnCode = 0x07
	ReturnWrongInterfaceVersion   ReturnCode = 0x08
	ReturnMalformedMessage        ReturnCode = 0x09
	ReturnWrongMessageType        ReturnCode = 0x0a
	ReturnE2ERepeated             ReturnCode = 0x0b
	ReturnE2EWrongSequence        ReturnCode = 0x0c
	ReturnE2E                     ReturnCode = 0x0d
	ReturnE2ENotAvailable         ReturnCode = 0x0e
	ReturnE2ENoNewData            ReturnCode = 0x0f
)

// Size returns the full message_size (header + payload), or 0 if fewer than
// 8 bytes of length-field context are present.
// It mirrors the original "8 bytes needed before the length field is
// meaningful" rule: service+method+length occupy the first 8 bytes.
func Size(buf []byte) uint64 {
	if len(buf) < 8 {
		return 0
	}
	return 8 + uint64(binary.BigEndian.Uint32(buf[OffsetLength:OffsetLength+4]))
}

// PayloadSize returns message_size-16 (the byte count after the 16-byte
// header) when at least 8 header bytes are available and message_size is
// at least 16, else 0.
func PayloadSize(buf []byte) uint32 {
	sz := Size(buf)
	if sz < HeaderSize {
		return 0
	}
	return uint32(sz - HeaderSize)
}

// Service returns the 16-bit service identifier.
func Service(buf []byte) uint16 { return binary.BigEndian.Uint16(buf[OffsetService:]) }

// Method returns the 16-bit method identifier.
func Method(buf []byte) uint16 { return binary.BigEndian.Uint16(buf[OffsetMethod:]) }

// Client returns the 16-bit client identifier.
func Client(buf []byte) uint16 { return binary.BigEndian.Uint16(buf[OffsetClient:]) }

// Session returns the 16-bit session identifier.
func Session(buf []byte) uint16 { return binary.BigEndian.Uint16(buf[OffsetSession:]) }

// IsValidMessageType reports whether b is one of the enumerated message types,
// ignoring the TP flag bit (callers that care about TP check it separately).
func IsValidMessageType(b byte) bool {
	switch MessageType(b &^ TPFlag) {
	case TypeRequest, TypeRequestNoReturn, TypeNotification,
		TypeRequestAck, TypeRequestNoReturnAck, TypeNotificationAck,
		TypeResponse, TypeError, TypeResponseAck, TypeErrorAck:
		return true
	default:
		return false
	}
}

// IsValidReturnCode reports whether b is one of the enumerated return codes.
func IsValidReturnCode(b byte) bool {
	return b <= byte(ReturnE2ENoNewData)
}

// IsResponseLike reports whether mt is a response/error/ack variant, i.e.
// one that server endpoints route back through the clients map (§4.5).
func IsResponseLike(mt byte) bool {
	switch MessageType(mt &^ TPFlag) {
	case TypeResponse, TypeError, TypeResponseAck, TypeErrorAck:
		return true
	default:
		return false
	}
}

// SetLength rewrites the length field in place. The length field counts
// every byte following itself: client, session, protocol-version,
// interface-version, message-type, return-code (8 bytes) plus payloadLen.
func SetLength(buf []byte, payloadLen uint32) {
	binary.BigEndian.PutUint32(buf[OffsetLength:OffsetLength+4], payloadLen+8)
}
