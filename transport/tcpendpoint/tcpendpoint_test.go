package tcpendpoint

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/someip-go/core/config"
	"github.com/someip-go/core/endpoint"
	"github.com/someip-go/core/message"
)

func buildMessage(service, method, client, session uint16, msgType byte, payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], service)
	binary.BigEndian.PutUint16(buf[2:4], method)
	binary.BigEndian.PutUint32(buf[4:8], uint32(8+len(payload)))
	binary.BigEndian.PutUint16(buf[8:10], client)
	binary.BigEndian.PutUint16(buf[10:12], session)
	buf[12] = message.ProtocolVersion
	buf[13] = 0x01
	buf[14] = msgType
	buf[15] = 0x00
	copy(buf[16:], payload)
	return buf
}

type fakeHost struct {
	mu        sync.Mutex
	connected []net.Addr
	messages  [][]byte
	done      chan struct{}
}

func newFakeHost() *fakeHost { return &fakeHost{done: make(chan struct{}, 8)} }

func (h *fakeHost) OnConnect(remote net.Addr) {
	h.mu.Lock()
	h.connected = append(h.connected, remote)
	h.mu.Unlock()
}
func (h *fakeHost) OnDisconnect(remote net.Addr) {}
func (h *fakeHost) OnBindError(service, instance uint16, remote net.Addr) (uint16, error) {
	return 0, nil
}
func (h *fakeHost) OnError(err error) {}
func (h *fakeHost) OnMessage(remote net.Addr, m []byte) {
	h.mu.Lock()
	h.messages = append(h.messages, append([]byte(nil), m...))
	h.mu.Unlock()
	select {
	case h.done <- struct{}{}:
	default:
	}
}
func (h *fakeHost) AddMulticastOption(service, instance uint16) (net.IP, string, bool) {
	return nil, "", false
}
func (h *fakeHost) GetClientID() uint16                               { return 1 }
func (h *fakeHost) FindInstance(service, instance uint16) (net.Addr, bool) { return nil, false }
func (h *fakeHost) ReleasePort(port uint16)                            {}

func (h *fakeHost) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func waitFor(t *testing.T, done chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d/%d", i+1, n)
		}
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	cap, err := config.NewStatic(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	serverHost := newFakeHost()
	srv := NewServer("127.0.0.1:0", cap, serverHost, nil)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	clientHost := newFakeHost()
	cl := NewClient(1, srv.ln.Addr().String(), cap, clientHost, nil)
	cl.Start()
	defer cl.Stop()

	waitFor(t, clientHost.done, 0) // no-op; ensures done channel usable
	deadline := time.Now().Add(2 * time.Second)
	for cl.State() != endpoint.StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cl.State() != endpoint.StateConnected {
		t.Fatalf("client never reached CONNECTED, state=%v", cl.State())
	}

	msg := buildMessage(0x1234, 0x0001, 1, 1, 0x00, []byte("hello"))
	if err := cl.Send(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, serverHost.done, 1)
	if serverHost.messageCount() != 1 {
		t.Fatalf("expected 1 message on server, got %d", serverHost.messageCount())
	}
}

func TestServerResponseRoutingByClientsMap(t *testing.T) {
	cap, err := config.NewStatic(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	serverHost := newFakeHost()
	srv := NewServer("127.0.0.1:0", cap, serverHost, nil)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	clientHost := newFakeHost()
	cl := NewClient(1, srv.ln.Addr().String(), cap, clientHost, nil)
	cl.Start()
	defer cl.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for cl.State() != endpoint.StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	req := buildMessage(0x1234, 0x0001, 1, 42, 0x00, []byte("req"))
	if err := cl.Send(req); err != nil {
		t.Fatal(err)
	}
	waitFor(t, serverHost.done, 1)

	resp := buildMessage(0x1234, 0x0001, 1, 42, 0x80, []byte("resp"))
	if err := srv.SendResponse(0x1234, 0x0001, 1, 42, resp, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, clientHost.done, 1)
	if clientHost.messageCount() != 1 {
		t.Fatalf("expected 1 message on client, got %d", clientHost.messageCount())
	}

	// A second response for the same session has no entry left; without a
	// default target it must fail rather than silently drop.
	if err := srv.SendResponse(0x1234, 0x0001, 1, 42, resp, nil); err == nil {
		t.Fatal("expected error routing a response with no clients-map entry")
	}
}

func TestStreamBufferCookieResync(t *testing.T) {
	buf := newStreamBuffer(8)
	buf.magicCookiesEnabled = true

	msg1 := buildMessage(0x1111, 0x0001, 1, 1, 0x00, []byte("a"))
	garbage := []byte{0xde, 0xad, 0xbe, 0xef}
	msg2 := buildMessage(0x2222, 0x0002, 1, 2, 0x00, []byte("b"))

	var stream []byte
	stream = append(stream, msg1...)
	stream = append(stream, message.ClientCookie[:]...)
	stream = append(stream, garbage...)
	stream = append(stream, msg2...)

	buf.append(stream)
	results := buf.extractMessages()

	var msgs [][]byte
	cookies := 0
	for _, r := range results {
		if r.isCookie {
			cookies++
			continue
		}
		msgs = append(msgs, r.msg)
	}
	if cookies != 1 {
		t.Fatalf("expected 1 cookie frame consumed, got %d", cookies)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 whole messages recovered around garbage, got %d", len(msgs))
	}
	if message.Service(msgs[0]) != 0x1111 || message.Service(msgs[1]) != 0x2222 {
		t.Fatalf("unexpected recovered services: %x %x", message.Service(msgs[0]), message.Service(msgs[1]))
	}
}

func TestStreamBufferPartialReadTracksMissingCapacity(t *testing.T) {
	buf := newStreamBuffer(8)
	full := buildMessage(0x1111, 0x0001, 1, 1, 0x00, []byte("hello world"))
	buf.append(full[:10])
	results := buf.extractMessages()
	if len(results) != 0 {
		t.Fatalf("expected no whole messages yet, got %d", len(results))
	}
	if buf.missingCapacity != len(full)-10 {
		t.Fatalf("missingCapacity = %d, want %d", buf.missingCapacity, len(full)-10)
	}
	buf.append(full[10:])
	results = buf.extractMessages()
	if len(results) != 1 {
		t.Fatalf("expected 1 whole message after completing the read, got %d", len(results))
	}
}
