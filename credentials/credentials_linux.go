//go:build linux

package credentials

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// FromUnixConn reads the peer's kernel-verified credentials off a Unix
// domain socket connection that had SO_PASSCRED enabled
// (transport.SetPassCred), via getsockopt(SO_PEERCRED) -- the same
// credential a first SCM_CREDENTIALS-bearing recvmsg would report, but
// available without waiting for the peer to send anything (spec §4.7).
func FromUnixConn(conn *net.UnixConn) (PeerIdentity, bool) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerIdentity{}, false
	}
	var cred *unix.Ucred
	var gerr error
	err = raw.Control(func(fd uintptr) {
		cred, gerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || gerr != nil || cred == nil {
		return PeerIdentity{}, false
	}
	return PeerIdentity{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, true
}

// ParseSCMCredentials extracts a PeerIdentity from ancillary data returned
// by unix.ParseSocketControlMessage after a Recvmsg call on a socket with
// SO_PASSCRED enabled.
func ParseSCMCredentials(oob []byte) (PeerIdentity, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return PeerIdentity{}, fmt.Errorf("credentials: parsing control message: %w", err)
	}
	for _, scm := range scms {
		cred, err := unix.ParseUnixCredentials(&scm)
		if err != nil {
			continue
		}
		return PeerIdentity{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
	}
	return PeerIdentity{}, fmt.Errorf("credentials: no SCM_CREDENTIALS in ancillary data")
}
