package transport

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlFD runs fn with the raw file descriptor behind c, the same
// SyscallConn+Control shape used for raw socket tuning throughout this
// pack (see conniver's direct syscall access to TCP_INFO).
func controlFD(c syscall.Conn, fn func(fd int) error) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return fmt.Errorf("transport: SyscallConn: %w", err)
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = fn(int(fd))
	})
	if err != nil {
		return fmt.Errorf("transport: control: %w", err)
	}
	return opErr
}

// SetReuseAddr sets SO_REUSEADDR, allowing a server socket to rebind a port
// still in TIME_WAIT after a restart.
func SetReuseAddr(c syscall.Conn) error {
	return controlFD(c, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
}

// SetNoDelay sets TCP_NODELAY, disabling Nagle's algorithm so small
// control-plane messages are not coalesced before transmission.
func SetNoDelay(c syscall.Conn) error {
	return controlFD(c, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}

// SetKeepAlive sets SO_KEEPALIVE so half-open TCP peers are eventually
// detected even without application-level traffic.
func SetKeepAlive(c syscall.Conn, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return controlFD(c, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v)
	})
}

// SetLinger sets SO_LINGER so a closed TCP socket sends RST instead of
// lingering in FIN_WAIT when the application has already discarded it.
func SetLinger(c syscall.Conn, seconds int) error {
	return controlFD(c, func(fd int) error {
		return unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{
			Onoff:  1,
			Linger: int32(seconds),
		})
	})
}

// SetBindToDevice sets SO_BINDTODEVICE, restricting the socket to a single
// network interface (spec's "Device" capability).
func SetBindToDevice(c syscall.Conn, device string) error {
	if device == "" {
		return nil
	}
	return controlFD(c, func(fd int) error {
		return unix.BindToDevice(fd, device)
	})
}

// SetReceiveBufferSize sets SO_RCVBUF.
func SetReceiveBufferSize(c syscall.Conn, bytes int) error {
	if bytes <= 0 {
		return nil
	}
	return controlFD(c, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
}

// SetPacketInfo sets IP_PKTINFO (or IPV6_RECVPKTINFO for an IPv6 socket),
// letting a multicast-joined UDP server recover which local address a
// datagram arrived on (needed to answer on the correct interface).
func SetPacketInfo(c syscall.Conn, v6 bool) error {
	return controlFD(c, func(fd int) error {
		if v6 {
			return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)
		}
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1)
	})
}

// SetPassCred sets SO_PASSCRED on a Unix domain socket so the kernel
// attaches SCM_CREDENTIALS ancillary data to received messages, letting the
// local endpoint authenticate a peer's pid/uid/gid (spec §4.8).
func SetPassCred(c syscall.Conn) error {
	return controlFD(c, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	})
}

// ResolveMulticastInterface resolves ifaceName to a *net.Interface, or nil
// (meaning "let the kernel pick") when ifaceName is empty.
func ResolveMulticastInterface(ifaceName string) (*net.Interface, error) {
	if ifaceName == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("transport: interface %s: %w", ifaceName, err)
	}
	return iface, nil
}
