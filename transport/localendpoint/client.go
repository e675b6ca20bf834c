package localendpoint

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/someip-go/core/config"
	"github.com/someip-go/core/endpoint"
	"github.com/someip-go/core/logx"
	"github.com/someip-go/core/registry"
	"github.com/someip-go/core/train"
	"github.com/someip-go/core/transport"
)

// ErrAssignmentFailed is returned when the server responds to
// ASSIGN_CLIENT_ID with registry.ClientUnset.
var ErrAssignmentFailed = errors.New("localendpoint: server refused client id assignment")

// ErrStopped is returned by Send once Stop has been called.
var ErrStopped = errors.New("localendpoint: client stopped")

// Client is the local (UDS, falling back to local TCP) client endpoint
// (spec §4.7 "C8"). It dials, performs the ASSIGN_CLIENT_ID handshake, and
// frames every subsequent command with the fixed start/stop tags.
type Client struct {
	network string
	addr    string
	name    string
	cap     config.Capability
	host    endpoint.RoutingHost
	log     logx.Logger

	mu       sync.Mutex
	state    endpoint.ConnState
	conn     net.Conn
	buf      *localBuffer
	sched    *train.Scheduler
	loop     *endpoint.Loop
	pump     *endpoint.DispatchPump
	clientID uint16
	assigned chan struct{}
	stopping bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewClient builds a local client that will request requestedClientID (or
// registry.ClientUnset for "assign me any free id") under the given
// process name.
func NewClient(network, addr, name string, requestedClientID uint16, cap config.Capability, host endpoint.RoutingHost, log logx.Logger) *Client {
	if log == nil {
		log = logx.NewDefaultLogger()
	}
	c := &Client{
		network:  network,
		addr:     addr,
		name:     name,
		cap:      cap,
		host:     host,
		log:      log,
		state:    endpoint.StateClosed,
		buf:      newLocalBuffer(cap.BufferShrinkThreshold()),
		clientID: requestedClientID,
		assigned: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
	policy := transport.TrainPolicy(cap, 0, cap.MaxMessageSizeReliable("", 0), cap.EndpointQueueLimitLocal(), "", 0)
	c.sched = train.NewScheduler(policy)
	c.loop = endpoint.NewLoop(64)
	c.pump = endpoint.NewDispatchPump(c.loop, c.sched, c.writeEntry, c.onSendError)
	return c
}

// writeEntry wraps one scheduler-produced batch in an OpSendMessage command
// frame and writes it to the current connection. It runs on c.loop's
// goroutine via DispatchPump, so it never races another write.
func (c *Client) writeEntry(e train.Entry) error {
	c.mu.Lock()
	conn := c.conn
	clientID := c.clientID
	c.mu.Unlock()
	if conn == nil {
		return transport.ErrPeerLost
	}
	frame := encodeCommand(OpSendMessage, clientID, e.Buffer)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("localendpoint: write: %w", err)
	}
	return nil
}

func (c *Client) onSendError(err error) {
	c.log.Warn("localendpoint: dispatch pump write failed: %v", err)
}

func (c *Client) State() endpoint.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ClientID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Start dials the local endpoint, performs the assignment handshake, and
// starts the receive loop.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.state != endpoint.StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = endpoint.StateConnecting
	c.mu.Unlock()

	conn, err := net.DialTimeout(c.network, c.addr, c.cap.MaxTCPConnectTime())
	if err != nil {
		c.mu.Lock()
		c.state = endpoint.StateClosed
		c.mu.Unlock()
		return fmt.Errorf("localendpoint: dial %s %s: %w", c.network, c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = endpoint.StateConnected
	requested := c.clientID
	c.mu.Unlock()

	assignFrame := encodeCommand(OpAssignClientID, registry.ClientUnset, encodeAssignClient(requested, c.name))
	if _, err := conn.Write(assignFrame); err != nil {
		conn.Close()
		return fmt.Errorf("localendpoint: sending ASSIGN_CLIENT_ID: %w", err)
	}

	c.wg.Add(1)
	go c.receiveLoop(conn)

	select {
	case <-c.assigned:
	case <-time.After(c.cap.MaxTCPConnectTime()):
		conn.Close()
		return fmt.Errorf("localendpoint: timed out waiting for ASSIGN_CLIENT_ACK")
	case <-c.stopCh:
		return ErrStopped
	}
	c.mu.Lock()
	clientID := c.clientID
	c.mu.Unlock()
	if clientID == registry.ClientUnset {
		return ErrAssignmentFailed
	}
	if c.host != nil {
		c.host.OnConnect(conn.RemoteAddr())
	}
	return nil
}

func (c *Client) receiveLoop(conn net.Conn) {
	defer c.wg.Done()
	readBuf := make([]byte, 4096)
	maxBody := c.cap.MaxMessageSizeReliable("", 0)
	for {
		n, err := conn.Read(readBuf[:readSizeFor(c.buf)])
		if err != nil {
			c.onDisconnect(conn, err)
			return
		}
		c.buf.append(readBuf[:n])
		cmds, err := c.buf.extractCommands(maxBody)
		if err != nil {
			c.log.Warn("localendpoint: framing error, resetting: %v", err)
			conn.Close()
			c.onDisconnect(conn, err)
			return
		}
		for _, cmd := range cmds {
			c.handleCommand(conn, cmd)
		}
	}
}

func (c *Client) handleCommand(conn net.Conn, cmd command) {
	switch cmd.opcode {
	case OpAssignClientAck:
		assigned, err := decodeAssignClientAck(cmd.body)
		if err != nil {
			c.log.Warn("localendpoint: malformed ASSIGN_CLIENT_ACK: %v", err)
			assigned = registry.ClientUnset
		}
		c.mu.Lock()
		c.clientID = assigned
		c.mu.Unlock()
		select {
		case <-c.assigned:
		default:
			close(c.assigned)
		}
	case OpSendMessage:
		if c.host != nil {
			c.host.OnMessage(conn.RemoteAddr(), cmd.body)
		}
	default:
		c.log.Warn("localendpoint: unexpected opcode %#x from server", cmd.opcode)
	}
}

func (c *Client) onDisconnect(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	stopping := c.stopping
	c.state = endpoint.StateClosed
	c.mu.Unlock()
	if stopping || errors.Is(err, net.ErrClosed) {
		return
	}
	if c.host != nil {
		c.host.OnDisconnect(conn.RemoteAddr())
		c.host.OnError(fmt.Errorf("%w: %v", transport.ErrPeerLost, err))
	}
}

// Send submits payload (a raw SOME/IP message) to the scheduler. Whatever
// is immediately ready departs, each wrapped in one OpSendMessage command
// frame, before Send returns; anything retained for debounce/retention
// departs later off the dispatch timer DispatchPump arms, with no further
// Send call required (spec §4.3).
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	stopping := c.stopping
	c.mu.Unlock()
	if stopping {
		return ErrStopped
	}
	if conn == nil {
		return transport.ErrPeerLost
	}
	return c.pump.Submit(payload)
}

func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	conn := c.conn
	c.mu.Unlock()
	c.pump.Stop()
	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.loop.Close()
}
