package proxy

import (
	"errors"
	"log"

	"golang.org/x/sys/unix"

	"github.com/pgtrace/pgtrace/internal/audit"
	"github.com/pgtrace/pgtrace/internal/pgwire"
	"github.com/pgtrace/pgtrace/internal/reactor"
)

// recvResult classifies the outcome of draining a readable socket.
type recvResult int

const (
	recvOK recvResult = iota
	recvPeerClosed
	recvFatal
)

// sendResult classifies the outcome of draining an egress buffer.
type sendResult int

const (
	sendFlushed sendResult = iota
	sendWouldBlock
	sendFatal
)

// modInterestFunc updates the kernel interest mask for one descriptor.
type modInterestFunc func(fd int, interest reactor.Interest) error

const readChunkSize = 4096

// Session is a bidirectional byte pipe between one accepted client
// socket and one upstream socket. Each direction has an egress buffer:
// clientEgress holds bytes awaiting write to the client, upstreamEgress
// bytes awaiting write to upstream. All interest-mask changes funnel
// through updateInterest so that WRITE is armed iff the corresponding
// buffer is non-empty.
type Session struct {
	clientFD   reactor.FD
	upstreamFD reactor.FD

	clientEndpoint audit.Endpoint

	clientEgress   []byte
	upstreamEgress []byte

	sslDeclineSent bool
	retired        bool

	// maxEgress caps each buffer; 0 means unbounded.
	maxEgress int

	modInterest modInterestFunc
}

func newSession(clientFD, upstreamFD reactor.FD, ep audit.Endpoint, maxEgress int, cb modInterestFunc) *Session {
	return &Session{
		clientFD:       clientFD,
		upstreamFD:     upstreamFD,
		clientEndpoint: ep,
		maxEgress:      maxEgress,
		modInterest:    cb,
	}
}

func (s *Session) isClient(fd int) bool {
	return fd == s.clientFD.Raw()
}

// peer returns the opposite descriptor.
func (s *Session) peer(fd int) int {
	if s.isClient(fd) {
		return s.upstreamFD.Raw()
	}
	return s.clientFD.Raw()
}

// egressFor returns the buffer drained by writes to fd.
func (s *Session) egressFor(fd int) *[]byte {
	if s.isClient(fd) {
		return &s.clientEgress
	}
	return &s.upstreamEgress
}

func (s *Session) egressFull(buf []byte) bool {
	return s.maxEgress > 0 && len(buf) >= s.maxEgress
}

// recvFrom reads fd until would-block, appending into the opposite
// direction's egress buffer, and returns the newly received bytes.
// Reading stops early when that buffer hits the cap; the interest
// update then drops READ and TCP backpressure does the rest.
func (s *Session) recvFrom(fd int) ([]byte, recvResult) {
	dst := s.egressFor(s.peer(fd))
	start := len(*dst)

	var chunk [readChunkSize]byte
	for {
		if s.egressFull(*dst) {
			break
		}
		n, err := unix.Read(fd, chunk[:])
		if n > 0 {
			*dst = append(*dst, chunk[:n]...)
			continue
		}
		if n == 0 && err == nil {
			return (*dst)[start:], recvPeerClosed
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		log.Printf("[proxy] read error on fd %d (client %s): %v", fd, s.clientEndpoint, err)
		return (*dst)[start:], recvFatal
	}
	return (*dst)[start:], recvOK
}

// trySend drains the egress buffer owned by fd. MSG_NOSIGNAL keeps a
// reset peer from raising SIGPIPE.
func (s *Session) trySend(fd int) sendResult {
	buf := s.egressFor(fd)
	for len(*buf) > 0 {
		n, err := unix.SendmsgN(fd, *buf, nil, nil, unix.MSG_NOSIGNAL)
		if n > 0 {
			*buf = (*buf)[n:]
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return sendWouldBlock
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		log.Printf("[proxy] send error on fd %d (client %s): %v", fd, s.clientEndpoint, err)
		return sendFatal
	}
	*buf = nil
	return sendFlushed
}

// updateInterest recomputes fd's kernel interest from buffer state:
// WRITE iff fd's own egress buffer is non-empty, READ unless the buffer
// fd fills (its peer's egress) is at capacity. Every egress mutation is
// followed by a call here; nothing else issues interest changes.
func (s *Session) updateInterest(fd int) error {
	var interest reactor.Interest
	if !s.egressFull(*s.egressFor(s.peer(fd))) {
		interest |= reactor.Read
	}
	if len(*s.egressFor(fd)) > 0 {
		interest |= reactor.Write
	}
	return s.modInterest(fd, interest)
}

// sslPending reports whether no decline has been sent yet and the
// buffered client bytes are exactly one SSLRequest.
func (s *Session) sslPending() bool {
	return !s.sslDeclineSent && pgwire.IsSSLRequest(s.upstreamEgress)
}

// declineSSL answers the client's SSLRequest with a single 'N' and
// discards the request bytes so they are never forwarded upstream.
func (s *Session) declineSSL() error {
	deny := []byte{pgwire.SSLDeny}
	for {
		_, err := unix.SendmsgN(s.clientFD.Raw(), deny, nil, nil, unix.MSG_NOSIGNAL)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}

	s.upstreamEgress = s.upstreamEgress[pgwire.SSLRequestLen:]
	if len(s.upstreamEgress) == 0 {
		s.upstreamEgress = nil
	}
	s.sslDeclineSent = true
	return nil
}

// close releases both descriptors. Safe to call more than once.
func (s *Session) close() {
	s.upstreamFD.Close()
	s.clientFD.Close()
}
