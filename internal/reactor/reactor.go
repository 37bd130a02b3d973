// Package reactor wraps Linux epoll in edge-triggered mode. Every
// registration is EPOLLET: a consumer that gets a Readable or Writable
// event must drain the descriptor until EAGAIN or the edge is lost.
package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Interest is the readiness mask requested for a descriptor.
type Interest uint8

const (
	Read  Interest = 1 << 0
	Write Interest = 1 << 1
)

// Event is one readiness notification.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Error    bool
	HangUp   bool
}

// Reactor multiplexes readiness notifications for a set of
// non-blocking descriptors.
type Reactor struct {
	epfd    FD
	scratch []unix.EpollEvent
}

// New creates an epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Reactor{epfd: NewFD(epfd)}, nil
}

func epollMask(interest Interest) uint32 {
	mask := uint32(unix.EPOLLET)
	if interest&Read != 0 {
		mask |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Register adds fd with the given edge-triggered interest. Fails if fd
// is already registered.
func (r *Reactor) Register(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd.Raw(), unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Modify replaces the interest mask of a registered fd. A MOD also
// rearms the edge: readiness that is already pending is reported again.
func (r *Reactor) Modify(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd.Raw(), unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd. Idempotent: unregistering an fd that was
// already removed (or closed, which removes it implicitly) succeeds.
func (r *Reactor) Unregister(fd int) error {
	err := unix.EpollCtl(r.epfd.Raw(), unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one descriptor is ready and fills out with
// up to len(out) events, returning the count. Signal interruptions are
// retried transparently. May return 0 on a spurious wakeup.
func (r *Reactor) Wait(out []Event) (int, error) {
	if len(r.scratch) < len(out) {
		r.scratch = make([]unix.EpollEvent, len(out))
	}
	for {
		n, err := unix.EpollWait(r.epfd.Raw(), r.scratch[:len(out)], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := r.scratch[i]
			out[i] = Event{
				FD:       int(ev.Fd),
				Readable: ev.Events&unix.EPOLLIN != 0,
				Writable: ev.Events&unix.EPOLLOUT != 0,
				Error:    ev.Events&unix.EPOLLERR != 0,
				HangUp:   ev.Events&unix.EPOLLHUP != 0,
			}
		}
		return n, nil
	}
}

// Close releases the epoll descriptor.
func (r *Reactor) Close() {
	r.epfd.Close()
}
