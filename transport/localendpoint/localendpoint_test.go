package localendpoint

import (
	"bytes"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/someip-go/core/config"
	"github.com/someip-go/core/registry"
)

type fakeHost struct {
	mu       sync.Mutex
	messages [][]byte
	done     chan struct{}
}

func newFakeHost() *fakeHost { return &fakeHost{done: make(chan struct{}, 8)} }

func (h *fakeHost) OnConnect(remote net.Addr)    {}
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
func (h *fakeHost) GetClientID() uint16                                    { return 1 }
func (h *fakeHost) FindInstance(service, instance uint16) (net.Addr, bool) { return nil, false }
func (h *fakeHost) ReleasePort(port uint16)                                {}

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

func TestAssignClientHandshakeAndSendMessage(t *testing.T) {
	cap, err := config.NewStatic(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	sockPath := filepath.Join(t.TempDir(), "someip.sock")

	serverHost := newFakeHost()
	alloc := registry.NewClientIDAllocator(0x00, 0x00ff, nil)
	srv := NewServer("unix", sockPath, cap, serverHost, alloc, nil)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	clientHost := newFakeHost()
	cl := NewClient("unix", sockPath, "test-app", registry.ClientUnset, cap, clientHost, nil)
	if err := cl.Start(); err != nil {
		t.Fatal(err)
	}
	defer cl.Stop()

	if cl.ClientID() == registry.ClientUnset {
		t.Fatal("expected client id to be assigned, got ClientUnset")
	}

	msg := append([]byte{0x12, 0x34, 0x00, 0x01}, make([]byte, 12)...)
	msg = append(msg, []byte("payload")...)
	if err := cl.Send(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, serverHost.done, 1)

	serverHost.mu.Lock()
	got := serverHost.messages[0]
	serverHost.mu.Unlock()
	if !bytes.Equal(got, msg) {
		t.Fatalf("server received %x, want %x", got, msg)
	}

	if err := srv.SendTo(cl.ClientID(), msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, clientHost.done, 1)
}

func TestFramingRejectsBadEndTag(t *testing.T) {
	buf := newLocalBuffer(8)
	frame := encodeCommand(OpSendMessage, 7, []byte("hi"))
	frame[len(frame)-1] ^= 0xff // corrupt the end tag
	buf.append(frame)
	if _, err := buf.extractCommands(65536); err == nil {
		t.Fatal("expected a framing error for a corrupted end tag")
	}
}

func TestFramingTracksMissingCapacityOnTruncation(t *testing.T) {
	buf := newLocalBuffer(8)
	frame := encodeCommand(OpSendMessage, 7, []byte("hello world"))
	buf.append(frame[:10])
	cmds, err := buf.extractCommands(65536)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 0 {
		t.Fatalf("expected no complete commands yet, got %d", len(cmds))
	}
	// The cut falls inside the start tag + command header, so only the
	// rest of that header is known to be missing.
	if buf.missingCapacity != (4+commandHeaderSize)-10 {
		t.Fatalf("missingCapacity = %d, want %d", buf.missingCapacity, (4+commandHeaderSize)-10)
	}
	buf.append(frame[10:])
	cmds, err = buf.extractCommands(65536)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 1 || string(cmds[0].body) != "hello world" {
		t.Fatalf("unexpected commands after completing the read: %+v", cmds)
	}
}

func TestFramingResyncsPastNoiseBeforeStartTag(t *testing.T) {
	buf := newLocalBuffer(8)
	var stream []byte
	stream = append(stream, []byte{0x01, 0x02, 0x03}...)
	stream = append(stream, encodeCommand(OpSendMessage, 3, []byte("a"))...)
	stream = append(stream, encodeCommand(OpSendMessage, 4, []byte("b"))...)
	buf.append(stream)
	cmds, err := buf.extractCommands(65536)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands recovered past leading noise, got %d", len(cmds))
	}
}
