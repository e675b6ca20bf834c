package tcpendpoint

import (
	"fmt"
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

// acceptRetryDelay is the fixed delay before retrying Accept after a
// no_descriptors-like error (spec §4.5: "retry after a fixed 1000 ms
// delay").
const acceptRetryDelay = 1000 * time.Millisecond

// clientsSweepInterval is the cadence the response-routing clients map's
// TTL sweep (spec §4.5 "Clients-map growth bound") runs on.
const clientsSweepInterval = endpoint.ClientsMapEntryTTL

// serverConn is one accepted connection's state: its socket, receive
// buffer, and independent train scheduler (spec §4.5 "Per-remote state").
type serverConn struct {
	conn  net.Conn
	buf   *streamBuffer
	sched *train.Scheduler
	pump  *endpoint.DispatchPump
}

// Server is the reliable (TCP) server endpoint (spec §4.5 "C5"): an accept
// loop, a per-remote connection map, and response routing through a
// ClientsMap.
type Server struct {
	localAddr string
	cap       config.Capability
	host      endpoint.RoutingHost
	log       logx.Logger
	clients   *endpoint.ClientsMap

	mu    sync.Mutex
	ln    net.Listener
	conns map[string]*serverConn

	loop    *endpoint.Loop
	cleanup *endpoint.Periodic

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewServer(localAddr string, cap config.Capability, host endpoint.RoutingHost, log logx.Logger) *Server {
	if log == nil {
		log = logx.NewDefaultLogger()
	}
	s := &Server{
		localAddr: localAddr,
		cap:       cap,
		host:      host,
		log:       log,
		clients:   endpoint.NewClientsMap(),
		conns:     make(map[string]*serverConn),
		stopCh:    make(chan struct{}),
	}
	s.loop = endpoint.NewLoop(256)
	s.cleanup = endpoint.NewPeriodic(s.loop, clientsSweepInterval, s.sweepClientsTick)
	return s
}

// sweepClientsTick ages out stale clients-map entries (spec §4.5
// "Clients-map growth bound"). Runs on s.loop via endpoint.Periodic.
func (s *Server) sweepClientsTick(now time.Time) {
	if removed := s.clients.Sweep(now); removed > 0 {
		s.log.Debug("tcpendpoint: swept %d stale clients-map entries", removed)
	}
}

// Start binds the listening socket and begins accepting connections (spec
// §4.5 "Accept (stream)").
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.localAddr)
	if err != nil {
		return fmt.Errorf("tcpendpoint: listen %s: %w", s.localAddr, err)
	}
	if tl, ok := ln.(*net.TCPListener); ok {
		if err := transport.SetReuseAddr(tl); err != nil {
			s.log.Warn("tcpendpoint: SO_REUSEADDR failed: %v", err)
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
			s.log.Warn("tcpendpoint: accept failed, retrying in %v: %v", acceptRetryDelay, err)
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

func (s *Server) handleAccepted(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := transport.SetNoDelay(tc); err != nil {
			s.log.Warn("tcpendpoint: TCP_NODELAY failed: %v", err)
		}
		if err := transport.SetKeepAlive(tc, true); err != nil {
			s.log.Warn("tcpendpoint: SO_KEEPALIVE failed: %v", err)
		}
	}
	remote := conn.RemoteAddr()
	host0, port0, _ := net.SplitHostPort(remote.String())
	policy := transport.TrainPolicy(s.cap, 0, s.cap.MaxMessageSizeReliable(host0, parsePort(port0)),
		s.cap.EndpointQueueLimit(host0, parsePort(port0)), host0, parsePort(port0))
	sc := &serverConn{
		conn:  conn,
		buf:   newStreamBuffer(s.cap.BufferShrinkThreshold()),
		sched: train.NewScheduler(policy),
	}
	sc.pump = endpoint.NewDispatchPump(s.loop, sc.sched, func(e train.Entry) error {
		return s.writeEntry(sc, e)
	}, func(err error) {
		s.log.Warn("tcpendpoint: dispatch pump write to %s failed: %v", remote, err)
	})
	s.mu.Lock()
	s.conns[remote.String()] = sc
	s.mu.Unlock()

	if s.host != nil {
		s.host.OnConnect(remote)
	}
	s.wg.Add(1)
	go s.readLoop(sc)
}

func (s *Server) readLoop(sc *serverConn) {
	defer s.wg.Done()
	readBuf := make([]byte, 4096)
	remote := sc.conn.RemoteAddr()
	for {
		n, err := sc.conn.Read(readBuf[:readSizeFor(sc.buf)])
		if err != nil {
			s.onDisconnect(sc, err)
			return
		}
		sc.buf.append(readBuf[:n])
		for _, r := range sc.buf.extractMessages() {
			if r.isCookie {
				sc.buf.magicCookiesEnabled = true
				continue
			}
			m := r.msg
			if !message.IsValidMessageType(m[message.OffsetMessageType]) ||
				!message.IsValidReturnCode(m[message.OffsetReturnCode]) ||
				m[message.OffsetProtocolVersion] != message.ProtocolVersion {
				s.log.Warn("tcpendpoint: invalid frame from %s, resetting connection", remote)
				sc.conn.Close()
				return
			}
			if message.IsMagicCookie(m, 0) {
				sc.buf.magicCookiesEnabled = true
				continue
			}
			s.routeInbound(remote, m)
		}
	}
}

func readSizeFor(b *streamBuffer) int {
	n := b.nextReadSize()
	if n < 1 || n > 65536 {
		n = initialCapacity
	}
	return n
}

// routeInbound records a clients-map entry for requests (so the matching
// response can be routed back) and forwards the message upstream (spec
// §4.5 "Response routing").
func (s *Server) routeInbound(remote net.Addr, m []byte) {
	if !message.IsResponseLike(m[message.OffsetMessageType]) {
		key := endpoint.ResponseKey{Service: message.Service(m), Method: message.Method(m), Client: message.Client(m)}
		s.clients.Record(key, message.Session(m), remote, time.Now())
	}
	if s.host != nil {
		s.host.OnMessage(remote, m)
	}
}

// SendResponse looks up the recorded destination for (service, method,
// client, session) and writes payload there, per spec §4.5 "Response
// routing". When no entry is found, a non-nil defaultTarget is used for
// any message; the service/method are not inspected and the clients map
// is not cleared. With no entry and a nil defaultTarget it returns an
// error.
func (s *Server) SendResponse(service, method, client, session uint16, payload []byte, defaultTarget net.Addr) error {
	remote, ok := s.clients.Take(endpoint.ResponseKey{Service: service, Method: method, Client: client}, session)
	if !ok {
		if defaultTarget == nil {
			return fmt.Errorf("tcpendpoint: no routing entry for service=%d method=%d client=%d session=%d", service, method, client, session)
		}
		remote = defaultTarget
	}
	return s.sendTo(remote, payload)
}

func (s *Server) sendTo(remote net.Addr, payload []byte) error {
	s.mu.Lock()
	sc, ok := s.conns[remote.String()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcpendpoint: no connection for %s", remote)
	}
	return sc.pump.Submit(payload)
}

func (s *Server) writeEntry(sc *serverConn, e train.Entry) error {
	if _, err := sc.conn.Write(e.Buffer); err != nil {
		return fmt.Errorf("tcpendpoint: write to %s: %w", sc.conn.RemoteAddr(), err)
	}
	return nil
}

func (s *Server) onDisconnect(sc *serverConn, err error) {
	remote := sc.conn.RemoteAddr()
	s.mu.Lock()
	delete(s.conns, remote.String())
	s.mu.Unlock()
	sc.pump.Stop()
	if s.host != nil {
		s.host.OnDisconnect(remote)
	}
}

// SweepClients ages out stale clients-map entries (spec §4.5 "Clients-map
// growth bound"). Exposed for tests; in normal operation s.cleanup drives
// this on clientsSweepInterval.
func (s *Server) SweepClients(now time.Time) int {
	return s.clients.Sweep(now)
}

// Stop closes the listener and every accepted connection, and tears down
// every connection's dispatch pump plus the shared clients-map sweep and
// loop.
func (s *Server) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	ln := s.ln
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	for _, sc := range conns {
		sc.pump.Stop()
		sc.conn.Close()
	}
	s.cleanup.Stop()
	s.wg.Wait()
	s.loop.Close()
}
