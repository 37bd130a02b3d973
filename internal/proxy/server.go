// Package proxy implements the transparent PostgreSQL TCP proxy: a
// single-goroutine edge-triggered reactor loop owning every session.
package proxy

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/pgtrace/pgtrace/internal/audit"
	"github.com/pgtrace/pgtrace/internal/config"
	"github.com/pgtrace/pgtrace/internal/metrics"
	"github.com/pgtrace/pgtrace/internal/reactor"
)

// Retire causes, used as metric labels and diagnostics.
const (
	causeEOF      = "eof"
	causeIOError  = "io_error"
	causeShutdown = "shutdown"
)

// Stats is an atomic snapshot of the proxy core, readable from other
// goroutines (admin endpoint) without touching reactor state.
type Stats struct {
	Active                uint64 `json:"active"`
	Total                 uint64 `json:"total"`
	BytesClientToUpstream uint64 `json:"bytes_client_to_upstream"`
	BytesUpstreamToClient uint64 `json:"bytes_upstream_to_client"`
	QueriesLogged         uint64 `json:"queries_logged"`
	SSLDeclines           uint64 `json:"ssl_declines"`
}

// StatsSource provides a point-in-time Stats snapshot.
type StatsSource interface {
	Stats() Stats
}

// Server owns the listen socket, the reactor, and the registration
// table mapping every live descriptor to its session (each session
// appears under both of its descriptors). All of it is driven by the
// single goroutine inside Run.
type Server struct {
	cfg     *config.Config
	logger  *audit.Logger
	metrics *metrics.Collector

	reactor  *reactor.Reactor
	listenFD reactor.FD
	wakeFD   reactor.FD
	port     int

	sessions  map[int]*Session
	maxEgress int

	upstreamAddr unix.SockaddrInet4

	stop atomic.Bool

	nActive   atomic.Uint64
	nTotal    atomic.Uint64
	nBytesC2U atomic.Uint64
	nBytesU2C atomic.Uint64
	nQueries  atomic.Uint64
	nSSL      atomic.Uint64
}

// NewServer creates the reactor, binds the listen socket, and arms the
// shutdown wakeup. Errors here are fatal to the process.
func NewServer(cfg *config.Config, logger *audit.Logger, m *metrics.Collector) (*Server, error) {
	ip := net.ParseIP(cfg.DBHost).To4()
	if ip == nil {
		return nil, fmt.Errorf("db host %q is not an IPv4 address", cfg.DBHost)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sessions: make(map[int]*Session),
	}
	copy(s.upstreamAddr.Addr[:], ip)
	s.upstreamAddr.Port = cfg.DBPort

	s.maxEgress = cfg.Limits.MaxEgressBytes
	if s.maxEgress < 0 {
		s.maxEgress = 0 // uncapped
	}

	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	s.reactor = r

	if err := s.setupListenSocket(); err != nil {
		s.reactor.Close()
		return nil, err
	}
	if err := s.setupWakeup(); err != nil {
		s.listenFD.Close()
		s.reactor.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) setupListenSocket() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating listen socket: %w", err)
	}
	s.listenFD = reactor.NewFD(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		s.listenFD.Close()
		return fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.cfg.ListenPort}); err != nil {
		s.listenFD.Close()
		return fmt.Errorf("binding port %d: %w", s.cfg.ListenPort, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		s.listenFD.Close()
		return fmt.Errorf("setting listen socket non-blocking: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		s.listenFD.Close()
		return fmt.Errorf("listening on port %d: %w", s.cfg.ListenPort, err)
	}

	sa, err := unix.Getsockname(fd)
	if err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			s.port = in4.Port
		}
	}

	if err := s.reactor.Register(fd, reactor.Read); err != nil {
		s.listenFD.Close()
		return err
	}
	return nil
}

// setupWakeup registers an eventfd that Stop writes to so the loop
// observes the stop flag even while blocked in wait.
func (s *Server) setupWakeup() error {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("creating wakeup eventfd: %w", err)
	}
	s.wakeFD = reactor.NewFD(fd)
	if err := s.reactor.Register(fd, reactor.Read); err != nil {
		s.wakeFD.Close()
		return err
	}
	return nil
}

// Port returns the actually bound listen port.
func (s *Server) Port() int {
	return s.port
}

// Stats returns an atomic snapshot of the proxy counters.
func (s *Server) Stats() Stats {
	return Stats{
		Active:                s.nActive.Load(),
		Total:                 s.nTotal.Load(),
		BytesClientToUpstream: s.nBytesC2U.Load(),
		BytesUpstreamToClient: s.nBytesU2C.Load(),
		QueriesLogged:         s.nQueries.Load(),
		SSLDeclines:           s.nSSL.Load(),
	}
}

// Stop requests a graceful shutdown. Safe to call from any goroutine;
// the loop drains its current batch, retires every session, and
// returns.
func (s *Server) Stop() {
	s.stop.Store(true)
	one := []byte{0, 0, 0, 0, 0, 0, 0, 1}
	unix.Write(s.wakeFD.Raw(), one)
}

// Run drives the reactor loop until Stop. It is the only goroutine
// that touches sessions, buffers, and the registration table.
func (s *Server) Run() error {
	log.Printf("[proxy] listening on port %d, forwarding to %s:%d",
		s.port, s.cfg.DBHost, s.cfg.DBPort)

	events := make([]reactor.Event, s.cfg.Limits.EpollBatch)

	for !s.stop.Load() {
		n, err := s.reactor.Wait(events)
		if err != nil {
			s.shutdown()
			return err
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			switch ev.FD {
			case s.listenFD.Raw():
				s.acceptConnections()
			case s.wakeFD.Raw():
				s.drainWakeup()
			default:
				sess, ok := s.sessions[ev.FD]
				if !ok {
					// Stale event for a descriptor retired earlier
					// in this batch.
					continue
				}
				s.dispatch(sess, ev)
			}
		}
	}

	s.shutdown()
	return nil
}

func (s *Server) drainWakeup() {
	var buf [8]byte
	unix.Read(s.wakeFD.Raw(), buf[:])
}

// acceptConnections drains the listen socket, pairing each new client
// with a fresh upstream connection.
func (s *Server) acceptConnections() {
	for {
		nfd, sa, err := unix.Accept4(s.listenFD.Raw(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Printf("[proxy] accept error: %v", err)
			s.metrics.AcceptError()
			return
		}

		clientFD := reactor.NewFD(nfd)
		ep := endpointFromSockaddr(sa)

		if err := s.reactor.Register(clientFD.Raw(), reactor.Read); err != nil {
			log.Printf("[proxy] registering client %s: %v", ep, err)
			clientFD.Close()
			continue
		}

		upstreamFD, err := s.connectUpstream()
		if err != nil {
			log.Printf("[proxy] upstream connect for client %s: %v", ep, err)
			s.metrics.UpstreamConnectFailed()
			s.reactor.Unregister(clientFD.Raw())
			clientFD.Close()
			continue
		}
		if err := s.reactor.Register(upstreamFD.Raw(), reactor.Read); err != nil {
			log.Printf("[proxy] registering upstream for client %s: %v", ep, err)
			s.reactor.Unregister(clientFD.Raw())
			clientFD.Close()
			upstreamFD.Close()
			continue
		}

		sess := newSession(clientFD, upstreamFD, ep, s.maxEgress, s.reactor.Modify)
		s.sessions[sess.clientFD.Raw()] = sess
		s.sessions[sess.upstreamFD.Raw()] = sess

		s.logger.ConnectionOpened(ep)
		s.metrics.SessionOpened()
		s.nActive.Add(1)
		s.nTotal.Add(1)
	}
}

// connectUpstream opens the backend connection. The connect itself is
// blocking; the descriptor goes non-blocking before registration.
func (s *Server) connectUpstream() (reactor.FD, error) {
	raw, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return reactor.NewFD(-1), fmt.Errorf("creating upstream socket: %w", err)
	}
	fd := reactor.NewFD(raw)

	if err := unix.Connect(raw, &s.upstreamAddr); err != nil {
		fd.Close()
		return reactor.NewFD(-1), fmt.Errorf("connecting to %s:%d: %w", s.cfg.DBHost, s.cfg.DBPort, err)
	}
	if err := unix.SetNonblock(raw, true); err != nil {
		fd.Close()
		return reactor.NewFD(-1), fmt.Errorf("setting upstream non-blocking: %w", err)
	}
	return fd, nil
}

// dispatch runs the per-event session algorithm: flush our own egress
// on a write edge, drain the socket on a read edge, intercept the
// SSLRequest, audit client Query frames, push toward the peer, then
// recompute both interest masks.
func (s *Server) dispatch(sess *Session, ev reactor.Event) {
	fd := ev.FD

	if ev.Error {
		s.retire(sess, causeIOError)
		return
	}

	if ev.Writable {
		if sess.trySend(fd) == sendFatal {
			s.retire(sess, causeIOError)
			return
		}
		if !ev.Readable && !ev.HangUp {
			s.updateInterests(sess)
			return
		}
	}

	data, res := sess.recvFrom(fd)
	switch res {
	case recvPeerClosed:
		s.retire(sess, causeEOF)
		return
	case recvFatal:
		s.retire(sess, causeIOError)
		return
	}

	if sess.isClient(fd) && len(data) > 0 {
		if sess.sslPending() {
			if err := sess.declineSSL(); err != nil {
				log.Printf("[proxy] declining SSL for client %s: %v", sess.clientEndpoint, err)
				s.retire(sess, causeIOError)
				return
			}
			s.nSSL.Add(1)
			s.metrics.SSLDeclined()
			s.updateInterests(sess)
			return
		}
		s.nBytesC2U.Add(uint64(len(data)))
		s.metrics.BytesForwarded(metrics.DirClientToUpstream, len(data))
		// Audit before forwarding: the log line must exist before any
		// of the query's bytes can reach the backend.
		if n := s.logger.Save(sess.clientEndpoint, data); n > 0 {
			s.nQueries.Add(uint64(n))
			s.metrics.QueriesLogged(n)
		}
	} else if len(data) > 0 {
		s.nBytesU2C.Add(uint64(len(data)))
		s.metrics.BytesForwarded(metrics.DirUpstreamToClient, len(data))
	}

	if sess.trySend(sess.peer(fd)) == sendFatal {
		s.retire(sess, causeIOError)
		return
	}
	s.updateInterests(sess)
}

// updateInterests re-arms both descriptors after buffer mutations. A
// failed modify means the kernel no longer knows the fd; the session
// cannot make progress and is retired.
func (s *Server) updateInterests(sess *Session) {
	if err := sess.updateInterest(sess.clientFD.Raw()); err != nil {
		slog.Debug("interest update failed", "client", sess.clientEndpoint.String(), "err", err)
		s.retire(sess, causeIOError)
		return
	}
	if err := sess.updateInterest(sess.upstreamFD.Raw()); err != nil {
		slog.Debug("interest update failed", "client", sess.clientEndpoint.String(), "err", err)
		s.retire(sess, causeIOError)
	}
}

// retire removes the session from the reactor and the table, closes
// both descriptors, and emits the close status line. Idempotent.
func (s *Server) retire(sess *Session, cause string) {
	if sess.retired {
		return
	}
	sess.retired = true

	clientRaw := sess.clientFD.Raw()
	upstreamRaw := sess.upstreamFD.Raw()

	s.reactor.Unregister(clientRaw)
	s.reactor.Unregister(upstreamRaw)
	delete(s.sessions, clientRaw)
	delete(s.sessions, upstreamRaw)

	sess.close()

	s.logger.ConnectionClosed(sess.clientEndpoint)
	s.metrics.SessionRetired(cause)
	s.nActive.Add(^uint64(0))

	slog.Debug("session retired", "client", sess.clientEndpoint.String(), "cause", cause)
}

// shutdown retires every live session and releases the server's own
// descriptors.
func (s *Server) shutdown() {
	seen := make(map[*Session]bool)
	for _, sess := range s.sessions {
		seen[sess] = true
	}
	for sess := range seen {
		s.retire(sess, causeShutdown)
	}

	s.reactor.Unregister(s.listenFD.Raw())
	s.reactor.Unregister(s.wakeFD.Raw())
	s.listenFD.Close()
	s.wakeFD.Close()
	s.reactor.Close()

	log.Printf("[proxy] server stopped")
}

func endpointFromSockaddr(sa unix.Sockaddr) audit.Endpoint {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return audit.Endpoint{IP: "0.0.0.0", Port: 0}
	}
	a := in4.Addr
	return audit.Endpoint{
		IP:   fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3]),
		Port: in4.Port,
	}
}
