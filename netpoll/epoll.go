//go:build linux

// Package netpoll wraps epoll with the registration discipline the connection engine relies
// on: connections are armed edge-triggered and one-shot, so at most one readiness event is
// outstanding per socket until it is explicitly re-armed.
package netpoll

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	// ReadEvents arms a connection for one read-readiness notification.
	ReadEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET | unix.EPOLLONESHOT
	// WriteEvents arms a connection for one write-readiness notification.
	WriteEvents = unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET | unix.EPOLLONESHOT
	// ListenerEvents keeps a listening socket level-triggered.
	ListenerEvents = unix.EPOLLIN
	// ErrorEvents are reported when the peer hung up or the socket failed.
	ErrorEvents = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP

	initEventsSize = 128
	maxEventsSize  = 4096
)

var ErrClosed = errors.New("poller is closed")

// Poller is an epoll instance plus an eventfd used to interrupt a blocked wait.
type Poller struct {
	fd      int
	wfd     int
	events  []unix.EpollEvent
	closing atomic.Bool
}

func OpenPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &Poller{
		fd:     fd,
		wfd:    wfd,
		events: make([]unix.EpollEvent, initEventsSize),
	}
	if err = p.ctl(unix.EPOLL_CTL_ADD, wfd, unix.EPOLLIN); err != nil {
		_ = unix.Close(wfd)
		_ = unix.Close(fd)
		return nil, err
	}
	return p, nil
}

func (p *Poller) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, op, fd, &ev))
}

// AddListener registers a listening socket, level-triggered.
func (p *Poller) AddListener(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, ListenerEvents)
}

// AddRead registers a connection armed for one read-readiness event.
func (p *Poller) AddRead(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, ReadEvents)
}

// ModRead re-arms a connection for one read-readiness event.
func (p *Poller) ModRead(fd int) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, ReadEvents)
}

// ModWrite re-arms a connection for one write-readiness event.
func (p *Poller) ModWrite(fd int) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, WriteEvents)
}

func (p *Poller) Delete(fd int) error {
	return p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
}

// Wake interrupts a blocked Wait.
func (p *Poller) Wake() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.wfd, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return os.NewSyscallError("write", err)
}

// Wait blocks for up to msec milliseconds (forever when negative) and hands every ready
// descriptor to callback. It returns ErrClosed once Close has been requested, or the first
// error returned by callback.
func (p *Poller) Wait(msec int, callback func(fd int, events uint32) error) error {
	n, err := unix.EpollWait(p.fd, p.events, msec)
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		if int(ev.Fd) == p.wfd {
			var buf [8]byte
			_, _ = unix.Read(p.wfd, buf[:])
			continue
		}
		if err = callback(int(ev.Fd), ev.Events); err != nil {
			return err
		}
	}
	if p.closing.Load() {
		return ErrClosed
	}

	if n == len(p.events) && n < maxEventsSize {
		p.events = make([]unix.EpollEvent, n<<1)
	}
	return nil
}

// Polling runs Wait until the poller is closed or callback fails.
func (p *Poller) Polling(callback func(fd int, events uint32) error) error {
	for {
		if err := p.Wait(-1, callback); err != nil {
			return err
		}
	}
}

// Close makes a running Polling return ErrClosed after its current batch. The descriptors
// stay open until Release.
func (p *Poller) Close() error {
	if !p.closing.CAS(false, true) {
		return nil
	}
	return p.Wake()
}

// Release closes the epoll and eventfd descriptors. Call it after Polling has returned.
func (p *Poller) Release() error {
	return multierr.Combine(
		os.NewSyscallError("close", unix.Close(p.wfd)),
		os.NewSyscallError("close", unix.Close(p.fd)),
	)
}
