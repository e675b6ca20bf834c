package endpoint

import "net"

// RoutingHost is the external collaborator every endpoint reports to and
// consults: connection lifecycle notifications, error surfacing, message
// delivery, and the few routing decisions an endpoint cannot make on its
// own (spec §6). It is implemented by test fakes in this module and is
// expected to be implemented by an external routing layer in a full
// vsomeip-style stack.
type RoutingHost interface {
	// OnConnect is called once a client endpoint reaches CONNECTED.
	OnConnect(remote net.Addr)

	// OnDisconnect is called when a peer is lost and the endpoint is
	// about to reconnect (or, for a server connection, torn down).
	OnDisconnect(remote net.Addr)

	// OnBindError is called when Bind fails because another process
	// holds the local port; the host is expected to supply a new local
	// port for the given (service, instance, remote) triple.
	OnBindError(service, instance uint16, remote net.Addr) (newLocalPort uint16, err error)

	// OnError surfaces a non-fatal error observed by the endpoint (one
	// of the three error sinks in spec §7).
	OnError(err error)

	// OnMessage delivers one fully-framed, validated SOME/IP message.
	OnMessage(remote net.Addr, message []byte)

	// AddMulticastOption is called for a datagram server endpoint to
	// request joining (service, instance)'s configured multicast group.
	AddMulticastOption(service, instance uint16) (group net.IP, iface string, ok bool)

	// GetClientID returns the client id this process should use when
	// originating requests (allocated via the registry package, C10).
	GetClientID() uint16

	// FindInstance resolves a (service, instance) pair to a remote
	// address, e.g. to pick a notification's default target.
	FindInstance(service, instance uint16) (net.Addr, bool)

	// ReleasePort returns a previously bound local port to the host's
	// pool once an endpoint that held it is torn down.
	ReleasePort(port uint16)
}
