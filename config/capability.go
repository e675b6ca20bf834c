// Package config provides the read-only tunables capability consumed by
// every other package in this module (spec §6, "Configuration capability").
// This module never loads configuration from disk or the network -- that is
// explicitly out of scope (spec §1); it only defines the interface and one
// concrete, immutable implementation built from a map of options.
package config

import "time"

// Capability is the read-only configuration object every endpoint/transport
// component consumes. An application assembles a Capability however it
// likes (file, env, service discovery, hardcoded) and hands it to the
// endpoint manager; this module never reaches for config on its own.
type Capability interface {
	// MaxMessageSizeReliable returns the maximum SOME/IP message size for a
	// reliable (TCP) endpoint bound to ip:port.
	MaxMessageSizeReliable(ip string, port uint16) uint32
	// MaxMessageSizeUnreliable returns the maximum SOME/IP message size for
	// unreliable (UDP) endpoints.
	MaxMessageSizeUnreliable() uint32
	// MaxMessageSizeLocal returns the maximum command body size for local
	// (UDS/local-TCP) transports.
	MaxMessageSizeLocal() uint32

	// EndpointQueueLimit returns the send-queue byte bound for a network
	// endpoint; 0 means unlimited.
	EndpointQueueLimit(ip string, port uint16) uint32
	// EndpointQueueLimitLocal is the analogous bound for local transports.
	EndpointQueueLimitLocal() uint32
	// BufferShrinkThreshold is the number of consecutive idle reads after
	// which an oversized receive buffer is shrunk back down (§4.4).
	BufferShrinkThreshold() int

	// UDPReceiveBufferSize is the requested SO_RCVBUF size for UDP sockets.
	UDPReceiveBufferSize() int
	// Device returns the optional bind-to-device interface name, or "".
	Device() string

	// GetConfiguredTimingRequests returns (debounce, max_retention) for
	// outbound requests of (service, method) destined to remoteIP:remotePort.
	GetConfiguredTimingRequests(service, method uint16, remoteIP string, remotePort uint16) (debounce, maxRetention time.Duration)
	// GetConfiguredTimingResponses is the responses counterpart.
	GetConfiguredTimingResponses(service, method uint16, remoteIP string, remotePort uint16) (debounce, maxRetention time.Duration)

	// IsTPService reports whether TP is enabled on the offering side for
	// (service, instance, method).
	IsTPService(service, instance, method uint16) bool
	// IsTPClient reports whether TP is enabled on the requesting side for
	// (service, method) destined to remoteIP:remotePort.
	IsTPClient(service, method uint16, remoteIP string, remotePort uint16) bool
	// GetTPConfiguration returns (max_segment_length, separation_time) for
	// (service, instance, method).
	GetTPConfiguration(service, instance, method uint16) (maxSegmentLength uint16, separationTime time.Duration)

	// DiagnosisAddress and DiagnosisMask parameterize client-id allocation
	// (§3, §4.8, §C10).
	DiagnosisAddress() byte
	DiagnosisMask() uint16

	// SDTTL is the Service-Discovery TTL used to derive send-completion
	// warn/error observation windows (§5).
	SDTTL() time.Duration

	// MaxTCPRestartAborts and MaxTCPConnectTime bound restart-storm
	// suppression (§4.4 "Restart").
	MaxTCPRestartAborts() int
	MaxTCPConnectTime() time.Duration
}
