package message

// Magic cookies are fixed 16-byte markers used by reliable-stream receivers
// to resynchronize after the byte stream goes out of sync (§4.6). The byte
// layout -- 0xffff, identifier, length 8, payload 0xdeadbeef, protocol
// version 0x01, interface version 0x01, message type, return code 0x00 --
// matches endpoint_impl.cpp's find_magic_cookie byte-for-byte; 0xdeadbeef
// is the fixed payload vsomeip itself uses, not a value invented here. The
// two forms share every byte except the message-type position, which
// encodes the sender's role (client vs. service) the same way an ordinary
// message would.
var (
	// ClientCookie is emitted by a client endpoint onto an outbound stream.
	ClientCookie = [HeaderSize]byte{
		0xff, 0xff, 0x81, 0x00,
		0x00, 0x00, 0x00, 0x08,
		0xde, 0xad, 0xbe, 0xef,
		0x01, 0x01, 0x01, 0x00,
	}

	// ServiceCookie is emitted by a server endpoint in reply once magic-cookie
	// mode is enabled for a connection.
	ServiceCookie = [HeaderSize]byte{
		0xff, 0xff, 0x81, 0x00,
		0x00, 0x00, 0x00, 0x08,
		0xde, 0xad, 0xbe, 0xef,
		0x01, 0x01, 0x02, 0x00,
	}
)

// IsMagicCookie reports whether the 16 bytes starting at off in buf match
// either cookie form.
func IsMagicCookie(buf []byte, off int) bool {
	if off < 0 || off+HeaderSize > len(buf) {
		return false
	}
	return matchesCookie(buf[off:off+HeaderSize], ClientCookie) ||
		matchesCookie(buf[off:off+HeaderSize], ServiceCookie)
}

// IsClientCookie reports whether the 16 bytes at off are specifically the
// client-originated cookie form.
func IsClientCookie(buf []byte, off int) bool {
	if off < 0 || off+HeaderSize > len(buf) {
		return false
	}
	return matchesCookie(buf[off:off+HeaderSize], ClientCookie)
}

// IsServiceCookie reports whether the 16 bytes at off are specifically the
// service-originated cookie form.
func IsServiceCookie(buf []byte, off int) bool {
	if off < 0 || off+HeaderSize > len(buf) {
		return false
	}
	return matchesCookie(buf[off:off+HeaderSize], ServiceCookie)
}

func matchesCookie(window []byte, cookie [HeaderSize]byte) bool {
	for i := range cookie {
		if window[i] != cookie[i] {
			return false
		}
	}
	return true
}

// FindCookie scans buf starting at from for the next occurrence of either
// magic-cookie form, returning its offset or -1 if none is found.
func FindCookie(buf []byte, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i+HeaderSize <= len(buf); i++ {
		if IsMagicCookie(buf, i) {
			return i
		}
	}
	return -1
}
