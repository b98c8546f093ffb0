//go:build linux

package filenet

import (
	"net"
	"runtime"
	"sync"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/panjf2000/gnet/v2/pkg/pool/goroutine"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/y001j/filenet/netpoll"
	socket "github.com/y001j/filenet/sockets"
)

// Action tells the event loop what to do with a connection after an event was handled.
type Action int

const (
	// None indicates that no action should occur following an event.
	None Action = iota
	// Read re-arms the connection for read readiness.
	Read
	// Write re-arms the connection for write readiness.
	Write
	// Close closes the connection.
	Close
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

const (
	eventIn    = unix.EPOLLIN
	eventOut   = unix.EPOLLOUT
	eventError = netpoll.ErrorEvents
)

// Eventloop owns a listening socket and an epoll instance. It accepts connections on its own
// goroutine and hands connection events to the worker pool.
type Eventloop struct {
	idx      int
	engine   *Engine
	poller   *netpoll.Poller
	listener int
	addr     net.Addr
	sockOpts []socket.Option
	workers  *goroutine.Pool
	logger   logging.Logger
	inflight sync.WaitGroup
}

// NewEventloop binds a listener on addr and opens its poller. workers may be nil, in which
// case events are handled on the loop goroutine.
func NewEventloop(idx int, engine *Engine, addr string, opts socket.SocketOptions, workers *goroutine.Pool) (*Eventloop, error) {
	poller, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	listenOpts := socket.SetOptions("tcp", opts)
	fd, laddr, err := socket.TCPSocket(string(socket.Tcp), addr, true, listenOpts...)
	if err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "listen on %s", addr), poller.Release())
	}
	el := &Eventloop{
		idx:      idx,
		engine:   engine,
		poller:   poller,
		listener: fd,
		addr:     laddr,
		workers:  workers,
		logger:   engine.logger,
	}
	if opts.TCPNoDelay == socket.TCPNoDelay {
		el.sockOpts = append(el.sockOpts, socket.Option{SetSockOpt: socket.SetNoDelay, Opt: 1})
	}
	if err = poller.AddListener(fd); err != nil {
		return nil, multierr.Combine(err, unix.Close(fd), poller.Release())
	}
	return el, nil
}

func (el *Eventloop) Addr() net.Addr {
	return el.addr
}

// Run polls until Stop is called and every dispatched event has been handled.
func (el *Eventloop) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	el.logger.Infof("event loop %d listening on %v, serving %s", el.idx, el.addr, el.engine.resolver.Root())
	err := el.poller.Polling(el.handle)
	el.inflight.Wait()
	if errors.Is(err, netpoll.ErrClosed) {
		el.logger.Infof("event loop %d stopped", el.idx)
		return nil
	}
	return err
}

// Stop makes Run return.
func (el *Eventloop) Stop() error {
	return el.poller.Close()
}

// Release closes the listener and the poller. Call it after Run has returned and the engine
// has been shut down.
func (el *Eventloop) Release() error {
	return multierr.Combine(
		errors.Wrap(unix.Close(el.listener), "close listener"),
		el.poller.Release(),
	)
}

func (el *Eventloop) handle(fd int, events uint32) error {
	if fd == el.listener {
		return el.accept()
	}
	c, ok := el.engine.Lookup(fd)
	if !ok {
		el.logger.Debugf("event loop %d: event %#x for unknown fd %d", el.idx, events, fd)
		return nil
	}
	if el.workers == nil {
		el.serve(c, events)
		return nil
	}

	el.inflight.Add(1)
	err := el.workers.Submit(func() {
		defer el.inflight.Done()
		el.serve(c, events)
	})
	if err != nil {
		el.inflight.Done()
		el.logger.Warnf("event loop %d: submit fd %d: %v, serving inline", el.idx, fd, err)
		el.serve(c, events)
	}
	return nil
}

func (el *Eventloop) serve(c *Conn, events uint32) {
	if err := c.Apply(c.Handle(events)); err != nil {
		el.logger.Warnf("event loop %d: %v", el.idx, err)
	}
}
