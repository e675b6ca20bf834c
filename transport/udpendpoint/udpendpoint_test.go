package udpendpoint

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/someip-go/core/config"
)

func buildMessage(service, method uint16, payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], service)
	binary.BigEndian.PutUint16(buf[2:4], method)
	binary.BigEndian.PutUint32(buf[4:8], uint32(8+len(payload)))
	binary.BigEndian.PutUint16(buf[8:10], 1)  // client
	binary.BigEndian.PutUint16(buf[10:12], 1) // session
	buf[12] = 0x01                            // protocol version
	buf[13] = 0x01                            // interface version
	buf[14] = 0x00                            // message type: request
	buf[15] = 0x00                             // return code: ok
	copy(buf[16:], payload)
	return buf
}

func TestClientServerRoundTrip(t *testing.T) {
	cap, err := config.NewStatic(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer("127.0.0.1:0", cap, nil)
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var received [][]byte
	done := make(chan struct{}, 1)
	srv.SetMessageHandler(func(remote net.Addr, msg []byte) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})
	if err := srv.Start(nil, ""); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	serverAddr := srv.unicast.LocalAddr().(*net.UDPAddr)

	client, err := NewClient(1, serverAddr.String(), cap, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(); err != nil {
		t.Fatal(err)
	}
	defer client.Stop()

	msg := buildMessage(0x1234, 0x0001, []byte("hello"))
	if err := client.Send(msg); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 message, got %d", len(received))
	}
	if string(received[0][16:]) != "hello" {
		t.Fatalf("payload mismatch: %q", received[0][16:])
	}
}
