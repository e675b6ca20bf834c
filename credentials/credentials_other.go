//go:build !linux

package credentials

import "net"

// FromUnixConn always reports no credentials available on platforms
// without SO_PEERCRED/SCM_CREDENTIALS support (spec §9 design note).
func FromUnixConn(conn *net.UnixConn) (PeerIdentity, bool) {
	return PeerIdentity{}, false
}

// ParseSCMCredentials always fails on platforms without SCM_CREDENTIALS.
func ParseSCMCredentials(oob []byte) (PeerIdentity, error) {
	return PeerIdentity{}, errUnsupported
}

var errUnsupported = errUnsupportedType{}

type errUnsupportedType struct{}

func (errUnsupportedType) Error() string {
	return "credentials: SCM_CREDENTIALS unsupported on this platform"
}
