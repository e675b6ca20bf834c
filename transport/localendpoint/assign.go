package localendpoint

import (
	"encoding/binary"
	"errors"
)

// ErrShortAssignBody is returned by decodeAssignClient when the body is
// too short to contain the requested-client field.
var ErrShortAssignBody = errors.New("localendpoint: assign-client body too short")

// encodeAssignClient builds the ASSIGN_CLIENT_ID body: a 2-byte requested
// client id (registry.ClientUnset if the caller has no preference)
// followed by the process name, grounded on vsomeip's
// assign_client_command carrying a requested client and a name.
func encodeAssignClient(requested uint16, name string) []byte {
	body := make([]byte, 2+len(name))
	binary.BigEndian.PutUint16(body[0:2], requested)
	copy(body[2:], name)
	return body
}

func decodeAssignClient(body []byte) (requested uint16, name string, err error) {
	if len(body) < 2 {
		return 0, "", ErrShortAssignBody
	}
	return binary.BigEndian.Uint16(body[0:2]), string(body[2:]), nil
}

// encodeAssignClientAck builds the ASSIGN_CLIENT_ACK body: the 2-byte
// assigned client id.
func encodeAssignClientAck(assigned uint16) []byte {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, assigned)
	return body
}

func decodeAssignClientAck(body []byte) (assigned uint16, err error) {
	if len(body) < 2 {
		return 0, ErrShortAssignBody
	}
	return binary.BigEndian.Uint16(body[0:2]), nil
}
