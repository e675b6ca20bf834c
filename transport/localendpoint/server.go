package localendpoint

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/someip-go/core/config"
	"github.com/someip-go/core/credentials"
	"github.com/someip-go/core/endpoint"
	"github.com/someip-go/core/logx"
	"github.com/someip-go/core/registry"
	"github.com/someip-go/core/train"
	"github.com/someip-go/core/transport"
)

// localConn is one accepted local connection's state.
type localConn struct {
	conn     net.Conn
	buf      *localBuffer
	sched    *train.Scheduler
	pump     *endpoint.DispatchPump
	clientID uint16 // 0 until assigned
	assigned bool
}

// Server is the local (UDS, falling back to local TCP) server endpoint
// (spec §4.7 "C8"): it accepts connections, performs the
// ASSIGN_CLIENT_ID/ASSIGN_CLIENT_ACK handshake, and frames every
// subsequent command with the fixed start/stop tags.
type Server struct {
	network string // "unix" or "tcp"
	addr    string
	cap     config.Capability
	host    endpoint.RoutingHost
	log     logx.Logger
	alloc   *registry.ClientIDAllocator

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]*localConn

	loop *endpoint.Loop

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewServer builds a local server. network is "unix" or "tcp"; for "unix"
// addr is a filesystem path, for "tcp" it is a loopback host:port.
func NewServer(network, addr string, cap config.Capability, host endpoint.RoutingHost, alloc *registry.ClientIDAllocator, log logx.Logger) *Server {
	if log == nil {
		log = logx.NewDefaultLogger()
	}
	return &Server{
		network: network,
		addr:    addr,
		cap:     cap,
		host:    host,
		log:     log,
		alloc:   alloc,
		conns:   make(map[net.Conn]*localConn),
		loop:    endpoint.NewLoop(256),
		stopCh:  make(chan struct{}),
	}
}

func (s *Server) Start() error {
	if s.network == "unix" {
		os.Remove(s.addr)
	}
	ln, err := net.Listen(s.network, s.addr)
	if err != nil {
		return fmt.Errorf("localendpoint: listen %s %s: %w", s.network, s.addr, err)
	}
	if s.network == "unix" {
		if uln, ok := ln.(*net.UnixListener); ok {
			uln.SetUnlinkOnClose(true)
		}
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.log.Warn("localendpoint: accept failed, retrying in %v: %v", acceptRetryDelay, err)
			select {
			case <-time.After(acceptRetryDelay):
				continue
			case <-s.stopCh:
				return
			}
		}
		s.handleAccepted(conn)
	}
}

const acceptRetryDelay = 1000 * time.Millisecond

func (s *Server) handleAccepted(conn net.Conn) {
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := transport.SetPassCred(uc); err != nil {
			s.log.Warn("localendpoint: SO_PASSCRED failed: %v", err)
		}
	}
	policy := transport.TrainPolicy(s.cap, 0, s.cap.MaxMessageSizeReliable("", 0), s.cap.EndpointQueueLimitLocal(), "", 0)
	lc := &localConn{
		conn:  conn,
		buf:   newLocalBuffer(s.cap.BufferShrinkThreshold()),
		sched: train.NewScheduler(policy),
	}
	lc.pump = endpoint.NewDispatchPump(s.loop, lc.sched, func(e train.Entry) error {
		return s.writeEntry(lc, e)
	}, func(err error) {
		s.log.Warn("localendpoint: dispatch pump write to client %04x failed: %v", lc.clientID, err)
	})
	s.mu.Lock()
	s.conns[conn] = lc
	s.mu.Unlock()
	s.wg.Add(1)
	go s.readLoop(lc)
}

func (s *Server) readLoop(lc *localConn) {
	defer s.wg.Done()
	readBuf := make([]byte, 4096)
	maxBody := s.cap.MaxMessageSizeReliable("", 0)
	for {
		n, err := lc.conn.Read(readBuf[:readSizeFor(lc.buf)])
		if err != nil {
			s.onDisconnect(lc)
			return
		}
		lc.buf.append(readBuf[:n])
		cmds, err := lc.buf.extractCommands(maxBody)
		if err != nil {
			s.log.Warn("localendpoint: framing error from peer, resetting: %v", err)
			lc.conn.Close()
			s.onDisconnect(lc)
			return
		}
		for _, c := range cmds {
			if !s.handleCommand(lc, c) {
				return
			}
		}
	}
}

func readSizeFor(b *localBuffer) int {
	n := b.nextReadSize()
	if n < 1 || n > 65536 {
		n = localInitialCapacity
	}
	return n
}

// handleCommand processes one decoded command. It returns false if the
// connection was torn down and the read loop must stop.
func (s *Server) handleCommand(lc *localConn, c command) bool {
	switch c.opcode {
	case OpAssignClientID:
		requested, name, err := decodeAssignClient(c.body)
		if err != nil {
			s.log.Warn("localendpoint: malformed ASSIGN_CLIENT_ID body: %v", err)
			lc.conn.Close()
			s.onDisconnect(lc)
			return false
		}
		var peer credentials.PeerIdentity
		if uc, ok := lc.conn.(*net.UnixConn); ok {
			peer, _ = credentials.FromUnixConn(uc)
		}
		assigned := s.resolveClientID(name, requested)
		lc.clientID = assigned
		lc.assigned = true
		s.log.Debug("localendpoint: assigned client %04x to %q (peer pid=%d)", assigned, name, peer.PID)
		ack := encodeCommand(OpAssignClientAck, assigned, encodeAssignClientAck(assigned))
		if _, err := lc.conn.Write(ack); err != nil {
			s.log.Warn("localendpoint: writing ASSIGN_CLIENT_ACK failed: %v", err)
			s.onDisconnect(lc)
			return false
		}
		if s.host != nil {
			s.host.OnConnect(lc.conn.RemoteAddr())
		}
	case OpSendMessage:
		if s.host != nil {
			s.host.OnMessage(lc.conn.RemoteAddr(), c.body)
		}
	default:
		s.log.Warn("localendpoint: unknown opcode %#x from client %04x", c.opcode, c.client)
	}
	return true
}

func (s *Server) resolveClientID(name string, requested uint16) uint16 {
	if s.alloc == nil {
		return requested
	}
	id, err := s.alloc.Request(name, requested)
	if err != nil {
		s.log.Warn("localendpoint: client id allocation for %q failed: %v", name, err)
		return registry.ClientUnset
	}
	return id
}

func (s *Server) onDisconnect(lc *localConn) {
	s.mu.Lock()
	delete(s.conns, lc.conn)
	s.mu.Unlock()
	lc.pump.Stop()
	if lc.assigned && s.alloc != nil {
		s.alloc.Release(lc.clientID)
	}
	if s.host != nil {
		s.host.OnDisconnect(lc.conn.RemoteAddr())
	}
}

func (s *Server) writeEntry(lc *localConn, e train.Entry) error {
	frame := encodeCommand(OpSendMessage, lc.clientID, e.Buffer)
	if _, err := lc.conn.Write(frame); err != nil {
		return fmt.Errorf("localendpoint: write: %w", err)
	}
	return nil
}

// SendTo submits payload to the connection bound to clientID. Whatever is
// immediately ready departs, each wrapped in one OpSendMessage command
// frame, before SendTo returns; anything retained for debounce/retention
// departs later off that connection's dispatch timer, with no further
// SendTo call required (spec §4.3).
func (s *Server) SendTo(clientID uint16, payload []byte) error {
	s.mu.Lock()
	var target *localConn
	for _, lc := range s.conns {
		if lc.assigned && lc.clientID == clientID {
			target = lc
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("localendpoint: no connection bound to client %04x", clientID)
	}
	return target.pump.Submit(payload)
}

func (s *Server) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	ln := s.ln
	conns := make([]*localConn, 0, len(s.conns))
	for _, lc := range s.conns {
		conns = append(conns, lc)
	}
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	for _, lc := range conns {
		lc.pump.Stop()
		lc.conn.Close()
	}
	s.wg.Wait()
	s.loop.Close()
}
