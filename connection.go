//go:build linux

package filenet

import (
	"net"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/y001j/filenet/buffer"
	"github.com/y001j/filenet/proto"
	"github.com/y001j/filenet/resource"
)

// Socket is the non-blocking stream a connection is served over.
type Socket interface {
	Fd() int
	Read(p []byte) (int, error)
	Writev(bs [][]byte) (int, error)
	Close() error
}

// Poller arms one-shot readiness notifications for connection descriptors.
type Poller interface {
	AddRead(fd int) error
	ModRead(fd int) error
	ModWrite(fd int) error
	Delete(fd int) error
}

// Conn is the state of one client connection. One-shot arming guarantees that at most one
// goroutine drives a Conn at a time, so its methods are not synchronized, except Close.
type Conn struct {
	engine *Engine
	poller Poller
	sock   Socket
	fd     int
	peer   net.Addr
	logger logging.Logger

	rbuf     *buffer.Fixed
	wbuf     *buffer.Fixed
	parser   *proto.Parser
	composer *proto.Composer

	file       *resource.Mapping
	iov        [2][]byte // response head, file contents
	vec        [2][]byte // scratch for the segments still pending
	bytesSent  int
	bytesTotal int
	keepAlive  bool

	closed atomic.Bool
}

func newConn(e *Engine, sock Socket, peer net.Addr, poller Poller) *Conn {
	c := &Conn{
		engine: e,
		poller: poller,
		sock:   sock,
		fd:     sock.Fd(),
		peer:   peer,
		logger: e.logger,
		rbuf:   e.readPool.Get(),
		wbuf:   e.writePool.Get(),
	}
	c.parser = proto.NewParser(c.rbuf, c.logger)
	c.composer = proto.NewComposer(c.wbuf)
	return c
}

func (c *Conn) Fd() int {
	return c.fd
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.peer
}

// Request returns the request parsed so far.
func (c *Conn) Request() *proto.Request {
	return c.parser.Request()
}

// reset returns the connection to the start of a new request.
func (c *Conn) reset() {
	c.rbuf.Reset()
	c.wbuf.Reset()
	c.parser.Reset()
	c.iov = [2][]byte{}
	c.vec = [2][]byte{}
	c.bytesSent, c.bytesTotal = 0, 0
	c.keepAlive = false
}

func (c *Conn) releaseFile() error {
	err := c.file.Release()
	c.file = nil
	c.iov[1] = nil
	return err
}

func (c *Conn) recycle() {
	c.engine.readPool.Put(c.rbuf)
	c.engine.writePool.Put(c.wbuf)
	c.rbuf, c.wbuf = nil, nil
}

// Close deregisters and closes the socket, unmaps any file still being sent and releases the
// connection slot. Only the first call has an effect.
func (c *Conn) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}
	err := c.poller.Delete(c.fd)
	c.engine.conns.CompareAndDelete(c.fd, c)
	err = multierr.Combine(err, c.sock.Close(), c.releaseFile())
	c.engine.release()
	c.recycle()
	c.logger.Debugf("connection %d closed, %d active", c.fd, c.engine.Active())
	return errors.Wrapf(err, "close connection %d", c.fd)
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Apply re-arms or closes the connection as the action requires.
func (c *Conn) Apply(action Action) error {
	var err error
	switch action {
	case Read:
		err = c.poller.ModRead(c.fd)
	case Write:
		err = c.poller.ModWrite(c.fd)
	case Close:
		return c.Close()
	default:
		return nil
	}
	if err != nil {
		return multierr.Append(errors.Wrapf(err, "re-arm %v on fd %d", action, c.fd), c.Close())
	}
	return nil
}

// Receive reads until the socket would block or the read buffer is full.
func (c *Conn) Receive() error {
	if c.rbuf.Full() {
		return ErrRequestTooLarge
	}
	for {
		free := c.rbuf.Free()
		if len(free) == 0 {
			return nil
		}
		n, err := c.sock.Read(free)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return nil
		case err != nil:
			return errors.Wrapf(err, "read fd %d", c.fd)
		case n == 0:
			return ErrPeerClosed
		}
		if err = c.rbuf.Commit(n); err != nil {
			return err
		}
		c.logger.Debugf("connection %d: read %d bytes, %d buffered, %d free", c.fd, n, c.rbuf.Len(), c.rbuf.Available())
	}
}

// Handle serves one readiness notification and reports how to re-arm.
func (c *Conn) Handle(events uint32) Action {
	if c.Closed() {
		return None
	}
	switch {
	case events&eventError != 0:
		c.logger.Debugf("connection %d: peer hung up or socket error (events %#x)", c.fd, events)
		return Close
	case events&eventIn != 0:
		return c.OnReadable()
	case events&eventOut != 0:
		return c.OnWritable()
	default:
		return None
	}
}

// OnReadable reads what the peer sent and advances the parser. Once a request is complete or
// rejected it composes the response and starts sending it.
func (c *Conn) OnReadable() Action {
	if err := c.Receive(); err != nil {
		if errors.Is(err, ErrPeerClosed) {
			c.logger.Debugf("connection %d: %v", c.fd, err)
		} else {
			c.logger.Warnf("connection %d: %v", c.fd, err)
		}
		return Close
	}

	return c.conclude(c.parser.Parse())
}

// conclude turns a parse outcome into a response or a re-arm decision.
func (c *Conn) conclude(outcome proto.Outcome) Action {
	switch outcome {
	case proto.OutcomeIncomplete:
		if c.rbuf.Full() {
			c.logger.Warnf("connection %d: %v", c.fd, ErrRequestTooLarge)
			return Close
		}
		return Read
	case proto.OutcomeTooLarge:
		c.logger.Warnf("connection %d: body of %d bytes: %v", c.fd, c.parser.Request().ContentLength, ErrRequestTooLarge)
		return Close
	case proto.OutcomeComplete:
		return c.respond(c.serve())
	case proto.OutcomeBadRequest:
		c.logger.Debugf("connection %d: bad request in %v", c.fd, c.parser.State())
		return c.respond(proto.StatusBadRequest)
	default:
		c.logger.Errorf("connection %d: parser reported %v in %v", c.fd, outcome, c.parser.State())
		return c.respond(proto.StatusInternalError)
	}
}

// OnWritable resumes a response suspended by a full socket send buffer.
func (c *Conn) OnWritable() Action {
	return c.Transmit()
}

// serve resolves the request target and maps the file on success.
func (c *Conn) serve() proto.Status {
	req := c.parser.Request()
	m, err := c.engine.resolver.Resolve(req.Path)
	switch {
	case err == nil:
		c.file = m
		c.logger.Debugf("connection %d: %s %s -> %s (%d bytes, mode %#o)", c.fd, req.Method, req.Path, m.Path(), m.Len(), m.Info().Mode&0o7777)
		return proto.StatusOK
	case errors.Is(err, resource.ErrNotFound):
		return proto.StatusNotFound
	case errors.Is(err, resource.ErrForbidden):
		return proto.StatusForbidden
	case errors.Is(err, resource.ErrDirectory):
		return proto.StatusBadRequest
	default:
		c.logger.Warnf("connection %d: resolve %s: %v", c.fd, req.Path, err)
		return proto.StatusInternalError
	}
}

// respond composes the response for status and starts sending it. A response that does not fit
// the write buffer is replaced by a 500.
func (c *Conn) respond(status proto.Status) Action {
	c.keepAlive = c.parser.Request().KeepAlive
	if err := c.compose(status); err != nil {
		c.logger.Warnf("connection %d: %d response: %v", c.fd, status, err)
		if err = c.releaseFile(); err != nil {
			c.logger.Warnf("connection %d: %v", c.fd, err)
		}
		c.composer.Reset()
		status = proto.StatusInternalError
		if err = c.compose(status); err != nil {
			c.logger.Errorf("connection %d: %v", c.fd, err)
			return Close
		}
	}
	c.engine.countResponse(status)
	return c.Transmit()
}

func (c *Conn) compose(status proto.Status) error {
	if status == proto.StatusOK {
		if err := c.composer.File(int64(c.file.Len()), c.keepAlive); err != nil {
			return err
		}
		c.iov = [2][]byte{c.composer.Bytes(), c.file.Bytes()}
	} else {
		if err := c.composer.Error(status, c.keepAlive); err != nil {
			return err
		}
		c.iov = [2][]byte{c.composer.Bytes(), nil}
	}
	c.bytesSent = 0
	c.bytesTotal = len(c.iov[0]) + len(c.iov[1])
	return nil
}

// pending returns the segments that still hold unsent bytes.
func (c *Conn) pending() [][]byte {
	bs := c.vec[:0]
	for _, seg := range c.iov {
		if len(seg) > 0 {
			bs = append(bs, seg)
		}
	}
	return bs
}

// advance drops n sent bytes from the front of the segments.
func (c *Conn) advance(n int) {
	c.bytesSent += n
	for i := range c.iov {
		if n == 0 {
			return
		}
		k := len(c.iov[i])
		if k > n {
			k = n
		}
		c.iov[i] = c.iov[i][k:]
		n -= k
	}
}

// Transmit writes the pending response until it is fully sent or the socket would block.
func (c *Conn) Transmit() Action {
	if c.bytesTotal == 0 {
		c.reset()
		return Read
	}

	for c.bytesSent < c.bytesTotal {
		n, err := c.sock.Writev(c.pending())
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return Write
			}
			c.logger.Warnf("connection %d: write after %d of %d bytes: %v", c.fd, c.bytesSent, c.bytesTotal, err)
			if err = c.releaseFile(); err != nil {
				c.logger.Warnf("connection %d: %v", c.fd, err)
			}
			return Close
		}
		if n <= 0 {
			return Write
		}
		c.advance(n)
		c.engine.countSent(n)
	}

	if err := c.releaseFile(); err != nil {
		c.logger.Warnf("connection %d: %v", c.fd, err)
	}
	c.engine.served.Inc()
	if c.keepAlive {
		c.reset()
		return Read
	}
	return Close
}
