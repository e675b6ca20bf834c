// Package udpendpoint implements the unreliable (UDP) client endpoint
// (spec §4.4 "Unreliable datagram receive") and the datagram server with
// multicast and subnet filtering (spec §4.5 "C7").
package udpendpoint

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/someip-go/core/config"
	"github.com/someip-go/core/endpoint"
	"github.com/someip-go/core/logx"
	"github.com/someip-go/core/message"
	"github.com/someip-go/core/tp"
	"github.com/someip-go/core/train"
	"github.com/someip-go/core/transport"
)

// reassemblerCleanupInterval is the cadence the TP reassembler's TTL sweep
// (spec §4.2.4, §5) runs on. It is independent of the dispatch timer, which
// fires off train.Scheduler.NextDeadline instead of a fixed period.
const reassemblerCleanupInterval = 1 * time.Second

// DefaultMaxDatagramSize bounds a single UDP read buffer; SOME/IP-TP
// segments are themselves capped at tp.DefaultMaxSegmentLength plus the
// 16-byte header, so this comfortably covers the jumbo case too.
const DefaultMaxDatagramSize = 65507

// Client is the unreliable (UDP) client endpoint for one destination. A
// Client never reconnects the way a TCP client does -- a UDP socket has no
// connection to lose -- but it does keep a per-destination train.Scheduler
// and a tp.Reassembler for inbound TP segments (spec §4.4).
type Client struct {
	clientID  uint16
	remote    *net.UDPAddr
	cap       config.Capability
	log       logx.Logger
	onMessage transport.MessageHandler
	onError   transport.ErrorHandler

	mu       sync.Mutex
	conn     *net.UDPConn
	sched    *train.Scheduler
	reasm    *tp.Reassembler
	loop     *endpoint.Loop
	pump     *endpoint.DispatchPump
	cleanup  *endpoint.Periodic
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewClient creates a UDP client endpoint bound to a local ephemeral port
// and targeting remoteAddr. Its send-queue limit is the capability's
// EndpointQueueLimit for that destination.
func NewClient(clientID uint16, remoteAddr string, cap config.Capability, log logx.Logger) (*Client, error) {
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("udpendpoint: resolving remote %s: %w", remoteAddr, err)
	}
	if log == nil {
		log = logx.NewDefaultLogger()
	}
	c := &Client{
		clientID: clientID,
		remote:   remote,
		cap:      cap,
		log:      log,
		stopCh:   make(chan struct{}),
	}
	policy := transport.TrainPolicy(cap, 0, cap.MaxMessageSizeUnreliable(), c.queueLimit(), remote.IP.String(), uint16(remote.Port))
	c.sched = train.NewScheduler(policy)
	c.reasm = tp.NewReassembler(uint32(cap.MaxMessageSizeUnreliable()), 5*time.Second)
	c.loop = endpoint.NewLoop(64)
	c.pump = endpoint.NewDispatchPump(c.loop, c.sched, c.writeEntry, c.onSendError)
	c.cleanup = endpoint.NewPeriodic(c.loop, reassemblerCleanupInterval, c.cleanupReassembler)
	return c, nil
}

// writeEntry writes one scheduler-produced batch to the socket. It runs on
// c.loop's goroutine via DispatchPump, so it never races another write.
func (c *Client) writeEntry(e train.Entry) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.ErrPeerLost
	}
	if _, err := conn.Write(e.Buffer); err != nil {
		return fmt.Errorf("udpendpoint: write: %w", err)
	}
	return nil
}

func (c *Client) onSendError(err error) {
	c.log.Warn("udpendpoint: dispatch pump write failed: %v", err)
}

// cleanupReassembler evicts reassembly entries that exceeded their TTL
// without completing (spec §4.2.4). Runs on c.loop via endpoint.Periodic.
func (c *Client) cleanupReassembler(now time.Time) {
	if expired := c.reasm.Cleanup(now); expired > 0 {
		c.log.Debug("udpendpoint: expired %d stale TP reassembly entries", expired)
	}
}

func (c *Client) queueLimit() uint32 {
	return c.cap.EndpointQueueLimit(c.remote.IP.String(), uint16(c.remote.Port))
}

func (c *Client) ClientID() uint16 { return c.clientID }

func (c *Client) SetMessageHandler(h transport.MessageHandler) { c.onMessage = h }
func (c *Client) SetErrorHandler(h transport.ErrorHandler)     { c.onError = h }

// Start opens the socket, applies SO_REUSEADDR/SO_RCVBUF, and begins the
// receive loop (spec §4.4 "start"). A UDP client has no CONNECTING phase
// observable externally -- DialUDP either succeeds immediately or fails.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialUDP("udp", nil, c.remote)
	if err != nil {
		return fmt.Errorf("udpendpoint: dial %s: %w", c.remote, err)
	}
	if err := transport.SetReuseAddr(conn); err != nil {
		c.log.Warn("udpendpoint: SO_REUSEADDR failed: %v", err)
	}
	if n := c.cap.UDPReceiveBufferSize(); n > 0 {
		if err := transport.SetReceiveBufferSize(conn, n); err != nil {
			c.log.Warn("udpendpoint: SO_RCVBUF failed: %v", err)
		}
	}
	if dev := c.cap.Device(); dev != "" {
		if err := transport.SetBindToDevice(conn, dev); err != nil {
			c.log.Warn("udpendpoint: SO_BINDTODEVICE failed: %v", err)
		}
	}
	c.conn = conn
	c.wg.Add(1)
	go c.receiveLoop(conn)
	return nil
}

func (c *Client) receiveLoop(conn *net.UDPConn) {
	defer c.wg.Done()
	buf := make([]byte, DefaultMaxDatagramSize)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			if c.onError != nil {
				c.onError(fmt.Errorf("udpendpoint: read: %w", err))
			}
			return
		}
		c.processDatagram(buf[:n])
	}
}

// processDatagram walks a datagram for back-to-back whole SOME/IP
// messages, feeding TP-flagged ones to the reassembler (spec §4.4
// "Unreliable datagram receive").
func (c *Client) processDatagram(data []byte) {
	_, msgs := message.ExtractMessages(data)
	now := time.Now()
	for _, m := range msgs {
		if len(m) < message.HeaderSize || !message.IsValidMessageType(m[message.OffsetMessageType]) || !message.IsValidReturnCode(m[message.OffsetReturnCode]) {
			c.log.Warn("udpendpoint: dropping invalid datagram message from %s", c.remote)
			continue
		}
		if tp.IsTPSegment(m) {
			key := tp.Key{
				RemoteIP:   c.remote.IP.String(),
				RemotePort: uint16(c.remote.Port),
				Service:    message.Service(m),
				Method:     message.Method(m),
				Client:     message.Client(m),
				Session:    message.Session(m),
			}
			whole, err := c.reasm.Feed(key, m, now)
			if err != nil {
				c.log.Warn("udpendpoint: TP reassembly failed: %v", err)
				continue
			}
			if whole == nil {
				continue
			}
			c.dispatch(whole)
			continue
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(msg []byte) {
	if c.onMessage != nil {
		c.onMessage(c.remote, msg)
	}
}

// Send submits payload to this destination's transmit train scheduler.
// Whatever is immediately ready departs before Send returns; anything the
// scheduler retains for debounce/retention departs later off the dispatch
// timer DispatchPump arms, with no further Send call required (spec §4.3).
func (c *Client) Send(payload []byte) error {
	return c.pump.Submit(payload)
}

// Stop closes the socket, stops the receive loop, and tears down the
// dispatch pump, periodic reassembler cleanup, and their shared loop.
func (c *Client) Stop() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.pump.Stop()
	c.cleanup.Stop()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.loop.Close()
}
