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

// remoteData is the per-remote state a datagram server keeps: its train
// scheduler and its dispatch pump (TP reassembly is shared server-wide,
// keyed per remote, rather than held here), mirroring the
// "endpoint_data" grouping described for stream servers in spec §4.5,
// specialized for datagrams (no receive buffer -- each datagram already
// carries whole messages).
type remoteData struct {
	sched *train.Scheduler
	pump  *endpoint.DispatchPump
}

// Server is the datagram server endpoint (spec §4.5 "C7"): a unicast
// socket bound to (local_ip, port), plus an optional second multicast
// socket for group-addressed service-discovery-style traffic. Per-remote
// scheduling runs independently per spec §4.3.
type Server struct {
	localAddr *net.UDPAddr
	cap       config.Capability
	log       logx.Logger
	onMessage transport.MessageHandler
	onError   transport.ErrorHandler

	// SubnetFilter, if set, restricts which senders the multicast path
	// accepts (spec §4.5: "Senders not in the configured same-subnet are
	// dropped on the multicast path").
	SubnetFilter func(ip net.IP) bool
	// ReceiveOwnMulticast mirrors the "receive own multicast" toggle; by
	// default, datagrams looped back from this host are dropped.
	ReceiveOwnMulticast bool

	mu         sync.Mutex
	unicast    *net.UDPConn
	multicast  *net.UDPConn
	remotes    map[string]*remoteData
	reasmMulti *tp.Reassembler
	loop       *endpoint.Loop
	cleanup    *endpoint.Periodic
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewServer creates a datagram server bound to localAddr.
func NewServer(localAddr string, cap config.Capability, log logx.Logger) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("udpendpoint: resolving local %s: %w", localAddr, err)
	}
	if log == nil {
		log = logx.NewDefaultLogger()
	}
	s := &Server{
		localAddr:  addr,
		cap:        cap,
		log:        log,
		remotes:    make(map[string]*remoteData),
		reasmMulti: tp.NewReassembler(uint32(cap.MaxMessageSizeUnreliable()), 5*time.Second),
		stopCh:     make(chan struct{}),
	}
	s.loop = endpoint.NewLoop(256)
	s.cleanup = endpoint.NewPeriodic(s.loop, reassemblerCleanupInterval, s.cleanupReassembler)
	return s, nil
}

// cleanupReassembler evicts reassembly entries that exceeded their TTL
// without completing (spec §4.2.4). Runs on s.loop via endpoint.Periodic.
func (s *Server) cleanupReassembler(now time.Time) {
	if expired := s.reasmMulti.Cleanup(now); expired > 0 {
		s.log.Debug("udpendpoint: expired %d stale TP reassembly entries", expired)
	}
}

func (s *Server) SetMessageHandler(h transport.MessageHandler) { s.onMessage = h }
func (s *Server) SetErrorHandler(h transport.ErrorHandler)     { s.onError = h }

// Start binds the unicast socket and, if joinGroup is non-nil, a second
// multicast socket bound to (ANY, port) with SO_REUSEADDR and
// IP_PKTINFO/IPV6_RECVPKTINFO enabled (spec §4.5 "Datagram server").
func (s *Server) Start(joinGroup net.IP, ifaceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unicast != nil {
		return nil
	}
	uconn, err := net.ListenUDP("udp", s.localAddr)
	if err != nil {
		return fmt.Errorf("udpendpoint: listen %s: %w", s.localAddr, err)
	}
	if err := transport.SetReuseAddr(uconn); err != nil {
		s.log.Warn("udpendpoint: SO_REUSEADDR (unicast) failed: %v", err)
	}
	s.unicast = uconn
	s.wg.Add(1)
	go s.receiveLoop(uconn, false)

	if joinGroup != nil {
		mconn, err := net.ListenMulticastUDP("udp", nil, &net.UDPAddr{IP: joinGroup, Port: s.localAddr.Port})
		if err != nil {
			return fmt.Errorf("udpendpoint: joining multicast group %s: %w", joinGroup, err)
		}
		if err := transport.SetReuseAddr(mconn); err != nil {
			s.log.Warn("udpendpoint: SO_REUSEADDR (multicast) failed: %v", err)
		}
		v6 := joinGroup.To4() == nil
		if err := transport.SetPacketInfo(mconn, v6); err != nil {
			s.log.Warn("udpendpoint: IP_PKTINFO failed: %v", err)
		}
		s.multicast = mconn
		s.wg.Add(1)
		go s.receiveLoop(mconn, true)
	}
	return nil
}

func (s *Server) receiveLoop(conn *net.UDPConn, isMulticast bool) {
	defer s.wg.Done()
	buf := make([]byte, DefaultMaxDatagramSize)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if s.onError != nil {
				s.onError(fmt.Errorf("udpendpoint: read: %w", err))
			}
			return
		}
		if isMulticast {
			if !s.ReceiveOwnMulticast && isLocalAddress(remote.IP) {
				continue
			}
			if s.SubnetFilter != nil && !s.SubnetFilter(remote.IP) {
				s.log.Warn("udpendpoint: dropping multicast datagram from out-of-subnet sender %s", remote.IP)
				continue
			}
		}
		s.processDatagram(buf[:n], remote)
	}
}

func isLocalAddress(ip net.IP) bool {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range ifaceAddrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
			return true
		}
	}
	return false
}

func (s *Server) remoteFor(remote *net.UDPAddr) *remoteData {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := remote.String()
	rd, ok := s.remotes[key]
	if !ok {
		policy := transport.TrainPolicy(s.cap, 0, s.cap.MaxMessageSizeUnreliable(),
			s.cap.EndpointQueueLimit(remote.IP.String(), uint16(remote.Port)),
			remote.IP.String(), uint16(remote.Port))
		sched := train.NewScheduler(policy)
		rd = &remoteData{sched: sched}
		rd.pump = endpoint.NewDispatchPump(s.loop, sched, func(e train.Entry) error {
			return s.writeToRemote(remote, e)
		}, func(err error) {
			s.log.Warn("udpendpoint: dispatch pump write to %s failed: %v", remote, err)
		})
		s.remotes[key] = rd
	}
	return rd
}

func (s *Server) writeToRemote(remote *net.UDPAddr, e train.Entry) error {
	s.mu.Lock()
	conn := s.unicast
	s.mu.Unlock()
	if conn == nil {
		return transport.ErrPeerLost
	}
	if _, err := conn.WriteToUDP(e.Buffer, remote); err != nil {
		return fmt.Errorf("udpendpoint: write to %s: %w", remote, err)
	}
	return nil
}

func (s *Server) processDatagram(data []byte, remote *net.UDPAddr) {
	_, msgs := message.ExtractMessages(data)
	now := time.Now()
	for _, m := range msgs {
		if len(m) < message.HeaderSize || !message.IsValidMessageType(m[message.OffsetMessageType]) || !message.IsValidReturnCode(m[message.OffsetReturnCode]) {
			s.log.Warn("udpendpoint: dropping invalid datagram message from %s", remote)
			continue
		}
		if tp.IsTPSegment(m) {
			key := tp.Key{
				RemoteIP:   remote.IP.String(),
				RemotePort: uint16(remote.Port),
				Service:    message.Service(m),
				Method:     message.Method(m),
				Client:     message.Client(m),
				Session:    message.Session(m),
			}
			whole, err := s.reasmMulti.Feed(key, m, now)
			if err != nil {
				s.log.Warn("udpendpoint: TP reassembly failed: %v", err)
				continue
			}
			if whole == nil {
				continue
			}
			s.dispatch(remote, whole)
			continue
		}
		s.dispatch(remote, m)
	}
}

func (s *Server) dispatch(remote *net.UDPAddr, msg []byte) {
	if s.onMessage != nil {
		s.onMessage(remote, msg)
	}
}

// SendTo submits payload for remote's independent train scheduler. Whatever
// is immediately ready departs before SendTo returns; anything retained for
// debounce/retention departs later off that remote's dispatch timer, with
// no further SendTo call required (spec §4.5 "Per-remote state").
func (s *Server) SendTo(remote *net.UDPAddr, payload []byte) error {
	rd := s.remoteFor(remote)
	return rd.pump.Submit(payload)
}

// Stop closes both sockets, stops the receive loops, and tears down every
// remote's dispatch pump plus the shared reassembler cleanup and loop.
func (s *Server) Stop() {
	s.mu.Lock()
	u, m := s.unicast, s.multicast
	s.unicast, s.multicast = nil, nil
	remotes := make([]*remoteData, 0, len(s.remotes))
	for _, rd := range s.remotes {
		remotes = append(remotes, rd)
	}
	s.mu.Unlock()
	for _, rd := range remotes {
		rd.pump.Stop()
	}
	s.cleanup.Stop()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if u != nil {
		u.Close()
	}
	if m != nil {
		m.Close()
	}
	s.wg.Wait()
	s.loop.Close()
}
