// Package transport defines the Socket abstraction shared by every
// concrete SOME/IP transport (UDP, TCP, local stream) and the error
// sentinels common to all of them.
package transport

import (
	"errors"
	"net"
)

// ErrPeerLost is returned once the underlying connection has been observed
// to drop; callers use errors.Is to distinguish it from a transient I/O
// error worth retrying.
var ErrPeerLost = errors.New("transport: peer connection lost")

// ErrBindFailed is returned by Bind when the requested local address could
// not be bound (the address is in use, or not assignable on this host).
var ErrBindFailed = errors.New("transport: bind failed")

// ErrClosed is returned by Read/Write/Close on a Socket that has already
// been closed.
var ErrClosed = errors.New("transport: socket closed")

// MessageHandler is invoked once per fully-framed SOME/IP message read off
// a Socket.
type MessageHandler func(remote net.Addr, message []byte)

// ErrorHandler is invoked when a Socket observes a non-fatal error worth
// surfacing to the owning endpoint (a read error, a malformed frame, a
// bind failure during reconnect).
type ErrorHandler func(err error)

// Socket is the narrow interface every concrete transport satisfies. It
// intentionally knows nothing about SOME/IP framing, trains, or
// reassembly -- those are layered on top by the udpendpoint/tcpendpoint/
// localendpoint packages. Open/Bind/Connect are not required to all apply
// to every implementation (e.g. a connected TCP socket has no separate
// Bind step beyond what Connect performs), but every Socket supports
// Read/Write/Close and the two address accessors.
type Socket interface {
	// Open allocates the underlying OS resource (a net.Conn or
	// net.PacketConn) without yet binding or connecting it.
	Open() error

	// Bind associates the socket with a local address, for server-side
	// sockets and for clients that must originate from a specific port.
	Bind(localAddr string) error

	// Connect associates the socket with a remote address. For datagram
	// sockets this filters Read to that remote and lets Write omit a
	// destination; for stream sockets it performs the TCP handshake.
	Connect(remoteAddr string) error

	// Read blocks until a datagram or stream chunk is available, writing
	// into buf and returning the byte count and originating address (nil
	// for connected/stream sockets where the peer is implicit).
	Read(buf []byte) (int, net.Addr, error)

	// Write sends buf, to the connected peer if Connect was called or,
	// for datagram sockets constructed without Connect, the bound
	// destination implied by the concrete type.
	Write(buf []byte) (int, error)

	// Close releases the underlying OS resource. Idempotent.
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// BaseSocket holds the handler fields shared by every Socket
// implementation, mirroring the embeddable-base pattern used throughout
// this module's transports.
type BaseSocket struct {
	onMessage MessageHandler
	onError   ErrorHandler
}

func (b *BaseSocket) SetMessageHandler(h MessageHandler) { b.onMessage = h }
func (b *BaseSocket) SetErrorHandler(h ErrorHandler)     { b.onError = h }

func (b *BaseSocket) dispatchMessage(remote net.Addr, msg []byte) {
	if b.onMessage != nil {
		b.onMessage(remote, msg)
	}
}

func (b *BaseSocket) dispatchError(err error) {
	if b.onError != nil {
		b.onError(err)
	}
}
