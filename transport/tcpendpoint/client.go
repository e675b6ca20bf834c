package tcpendpoint

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/someip-go/core/config"
	"github.com/someip-go/core/endpoint"
	"github.com/someip-go/core/logx"
	"github.com/someip-go/core/message"
	"github.com/someip-go/core/train"
	"github.com/someip-go/core/transport"
)

// DefaultInitialBackoff and DefaultMaxBackoff bound the reconnect timer
// doubling described in spec §4.4.
const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
)

// ErrStopped is returned by Send once Stop has been called.
var ErrStopped = errors.New("tcpendpoint: client stopped")

// Client is the reliable (TCP) client endpoint state machine (spec §4.4):
// CLOSED -> CONNECTING -> CONNECTED -> ESTABLISHED, with exponential
// reconnect backoff, bind-error recovery, and magic-cookie stream resync.
type Client struct {
	clientID   uint16
	remoteAddr string
	localPort  uint16
	cap        config.Capability
	host       endpoint.RoutingHost
	log        logx.Logger

	mu           sync.Mutex
	state        endpoint.ConnState
	conn         net.Conn
	sched        *train.Scheduler
	loop         *endpoint.Loop
	pump         *endpoint.DispatchPump
	buf          *streamBuffer
	guard        endpoint.RestartGuard
	attempt      int
	stopping     bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	lastCookieAt time.Time
}

// NewClient creates a reliable client endpoint targeting remoteAddr.
func NewClient(clientID uint16, remoteAddr string, cap config.Capability, host endpoint.RoutingHost, log logx.Logger) *Client {
	if log == nil {
		log = logx.NewDefaultLogger()
	}
	c := &Client{
		clientID:   clientID,
		remoteAddr: remoteAddr,
		cap:        cap,
		host:       host,
		log:        log,
		state:      endpoint.StateClosed,
		buf:        newStreamBuffer(cap.BufferShrinkThreshold()),
		stopCh:     make(chan struct{}),
		guard:      endpoint.RestartGuard{MinAge: 200 * time.Millisecond, MaxAbortedRestart: cap.MaxTCPRestartAborts()},
	}
	host0, port0, _ := net.SplitHostPort(remoteAddr)
	policy := transport.TrainPolicy(cap, 0, cap.MaxMessageSizeReliable(host0, parsePort(port0)), cap.EndpointQueueLimit(host0, parsePort(port0)), host0, parsePort(port0))
	c.sched = train.NewScheduler(policy)
	c.loop = endpoint.NewLoop(64)
	c.pump = endpoint.NewDispatchPump(c.loop, c.sched, c.writeEntry, c.onSendError)
	return c
}

// writeEntry writes one scheduler-produced batch to the current
// connection. It runs on c.loop's goroutine (via DispatchPump), never
// concurrently with another write, so it only needs c.mu to read conn.
func (c *Client) writeEntry(e train.Entry) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.ErrPeerLost
	}
	if _, err := conn.Write(e.Buffer); err != nil {
		return fmt.Errorf("tcpendpoint: write: %w", err)
	}
	return nil
}

func (c *Client) onSendError(err error) {
	c.log.Warn("tcpendpoint: dispatch pump write failed: %v", err)
}

func parsePort(s string) uint16 {
	var p uint16
	fmt.Sscanf(s, "%d", &p)
	return p
}

func (c *Client) ClientID() uint16 { return c.clientID }

func (c *Client) State() endpoint.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start transitions CLOSED -> CONNECTING and begins the connect/receive
// cycle (spec §4.4 "start").
func (c *Client) Start() {
	c.mu.Lock()
	if c.state != endpoint.StateClosed || c.stopping {
		c.mu.Unlock()
		return
	}
	c.state = endpoint.StateConnecting
	c.mu.Unlock()
	c.wg.Add(1)
	go c.connectLoop()
}

func (c *Client) connectLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.guard.NoteConnectStarted(time.Now())
		conn, err := c.dial()
		if err != nil {
			if c.bindErrorLike(err) {
				c.handleBindError()
			}
			c.log.Warn("tcpendpoint: connect to %s failed: %v", c.remoteAddr, err)
			if c.host != nil {
				c.host.OnError(fmt.Errorf("tcpendpoint: connect: %w", err))
			}
			delay := endpoint.Backoff(DefaultInitialBackoff, DefaultMaxBackoff, c.attempt)
			c.attempt++
			select {
			case <-time.After(delay):
				continue
			case <-c.stopCh:
				return
			}
		}
		c.attempt = 0
		c.guard.Reset()
		c.onConnected(conn)
		c.receiveLoop(conn)

		c.mu.Lock()
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return
		}
		// Peer lost: loop back around to CONNECTING.
		c.mu.Lock()
		c.state = endpoint.StateConnecting
		c.mu.Unlock()
	}
}

func (c *Client) dial() (net.Conn, error) {
	d := net.Dialer{Timeout: c.cap.MaxTCPConnectTime()}
	if c.localPort != 0 {
		local, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", c.localPort))
		if err != nil {
			return nil, err
		}
		d.LocalAddr = local
	}
	conn, err := d.Dial("tcp", c.remoteAddr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := transport.SetNoDelay(tc); err != nil {
			c.log.Warn("tcpendpoint: TCP_NODELAY failed: %v", err)
		}
		if err := transport.SetKeepAlive(tc, true); err != nil {
			c.log.Warn("tcpendpoint: SO_KEEPALIVE failed: %v", err)
		}
		if err := transport.SetLinger(tc, 0); err != nil {
			c.log.Warn("tcpendpoint: SO_LINGER failed: %v", err)
		}
		if dev := c.cap.Device(); dev != "" {
			if err := transport.SetBindToDevice(tc, dev); err != nil {
				c.log.Warn("tcpendpoint: SO_BINDTODEVICE failed: %v", err)
			}
		}
	}
	return conn, nil
}

func (c *Client) bindErrorLike(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "bind"
}

func (c *Client) handleBindError() {
	if c.host == nil {
		return
	}
	host, port, _ := net.SplitHostPort(c.remoteAddr)
	remote, _ := net.ResolveTCPAddr("tcp", c.remoteAddr)
	newPort, err := c.host.OnBindError(0, 0, remote)
	if err != nil {
		c.log.Warn("tcpendpoint: bind error recovery for %s:%s failed: %v", host, port, err)
		return
	}
	c.localPort = newPort
}

func (c *Client) onConnected(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = endpoint.StateConnected
	c.mu.Unlock()
	if c.host != nil {
		c.host.OnConnect(conn.RemoteAddr())
	}
}

// Promote advances CONNECTED -> ESTABLISHED once an external protocol
// handshake completes (spec §4.4: "A producer may promote to ESTABLISHED
// externally").
func (c *Client) Promote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == endpoint.StateConnected {
		c.state = endpoint.StateEstablished
	}
}

func (c *Client) receiveLoop(conn net.Conn) {
	readBuf := make([]byte, 4096)
	for {
		n, err := conn.Read(readBuf[:c.nextReadSize()])
		if err != nil {
			c.onDisconnect(conn, err)
			return
		}
		c.buf.append(readBuf[:n])
		for _, r := range c.buf.extractMessages() {
			if r.isCookie {
				c.buf.magicCookiesEnabled = true
				continue
			}
			m := r.msg
			if !message.IsValidMessageType(m[message.OffsetMessageType]) ||
				!message.IsValidReturnCode(m[message.OffsetReturnCode]) ||
				m[message.OffsetProtocolVersion] != message.ProtocolVersion {
				c.log.Warn("tcpendpoint: invalid frame from %s, resetting connection", conn.RemoteAddr())
				conn.Close()
				return
			}
			if message.IsMagicCookie(m, 0) {
				c.buf.magicCookiesEnabled = true
				continue
			}
			if c.host != nil {
				c.host.OnMessage(conn.RemoteAddr(), m)
			}
		}
	}
}

func (c *Client) nextReadSize() int {
	n := c.buf.nextReadSize()
	if n < 1 {
		n = initialCapacity
	}
	if n > 65536 {
		n = 65536
	}
	return n
}

func (c *Client) onDisconnect(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	aborted := c.stopping
	c.state = endpoint.StateClosed
	c.mu.Unlock()

	if aborted || errors.Is(err, net.ErrClosed) {
		return // operation_aborted: deliberate shutdown, no notification.
	}
	if c.host != nil {
		c.host.OnDisconnect(conn.RemoteAddr())
	}
	if !errors.Is(err, io.EOF) && c.host != nil {
		c.host.OnError(fmt.Errorf("%w: %v", transport.ErrPeerLost, err))
	}
}

// Restart transitions to CLOSED then CONNECTING. Without force, a restart
// requested while already CONNECTING and within the storm-suppression
// window is dropped (spec §4.4 "Restart").
func (c *Client) Restart(force bool) {
	c.mu.Lock()
	now := time.Now()
	if !force && c.state == endpoint.StateConnecting && c.guard.ShouldSuppress(now) {
		c.guard.NoteAborted()
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = endpoint.StateClosed
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.Start()
}

// cookieReissueInterval bounds how often a client re-sends its magic
// cookie onto an active outbound stream (spec §4.6: "at most once per
// 10 s of outbound activity").
const cookieReissueInterval = 10 * time.Second

// maybeSendCookie writes the client-cookie frame ahead of outbound data if
// one hasn't gone out in the last cookieReissueInterval, letting a server
// that loses sync resynchronize without waiting for a full reconnect.
func (c *Client) maybeSendCookie(conn net.Conn, now time.Time) {
	c.mu.Lock()
	due := now.Sub(c.lastCookieAt) >= cookieReissueInterval
	if due {
		c.lastCookieAt = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	// Posted onto the same loop that drains the scheduler so this write
	// can never interleave on conn with a pump-driven send (spec §5: one
	// goroutine touches a given connection's write side at a time).
	c.loop.Post(func() {
		if _, err := conn.Write(message.ClientCookie[:]); err != nil {
			c.log.Warn("tcpendpoint: sending client cookie failed: %v", err)
		}
	})
}

// Send submits payload to the connection's train scheduler and writes
// whatever is immediately ready (spec §4.3). Anything the scheduler
// retains for debounce/retention departs later off the dispatch timer
// DispatchPump arms, with no further Send call required.
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
	c.maybeSendCookie(conn, time.Now())
	return c.pump.Submit(payload)
}

// Stop sets sending-blocked, cancels timers implicitly by closing stopCh,
// and closes the socket (spec §4.4 "stop").
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
