//go:build linux

// Package filenet is the per-connection engine of a small HTTP/1.1 file server. A Conn parses
// requests incrementally out of a fixed read buffer, maps the requested file and sends it with
// vectored writes, suspending whenever the socket would block. The Engine is the process-wide
// context shared by every connection; an Eventloop feeds it readiness events from epoll.
package filenet

import (
	"context"
	"net"
	"sync"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/y001j/filenet/buffer"
	"github.com/y001j/filenet/proto"
	"github.com/y001j/filenet/resource"
)

const meterName = "github.com/y001j/filenet"

var (
	ErrPeerClosed      = errors.New("peer closed the connection")
	ErrRequestTooLarge = errors.New("request does not fit the read buffer")
	ErrTooManyConns    = errors.New("too many open connections")
)

// Options configure an Engine. Zero sizes fall back to the defaults.
type Options struct {
	// DocRoot is prepended verbatim to every request path.
	DocRoot string

	// ReadBufferSize bounds a whole request: request line, headers and body.
	ReadBufferSize int

	// WriteBufferSize bounds the status line, headers and error body of a response.
	WriteBufferSize int

	// MaxPathLen bounds the resolved filesystem path, which is truncated to MaxPathLen-1 bytes.
	MaxPathLen int

	// SanitizePath collapses dot segments before joining the request path to DocRoot.
	SanitizePath bool

	// MaxConns caps open connections; zero means no cap.
	MaxConns int

	Logger        logging.Logger
	MeterProvider metric.MeterProvider
}

func (opts *Options) normalize() {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = buffer.DefaultReadSize
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = buffer.DefaultWriteSize
	}
	if opts.MaxPathLen <= 0 {
		opts.MaxPathLen = resource.DefaultMaxPathLen
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}
}

type metrics struct {
	active    metric.Int64UpDownCounter
	responses metric.Int64Counter
	sent      metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(meterName)
	active, err := meter.Int64UpDownCounter("filenet.connections.active",
		metric.WithDescription("Open client connections"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	responses, err := meter.Int64Counter("filenet.responses",
		metric.WithDescription("Responses composed, by status code"),
		metric.WithUnit("{response}"))
	if err != nil {
		return nil, err
	}
	sent, err := meter.Int64Counter("filenet.bytes.sent",
		metric.WithDescription("Bytes written to clients"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return &metrics{active: active, responses: responses, sent: sent}, nil
}

// Engine is the process-wide state shared by all connections: configuration, buffer pools,
// the resolver, the fd registry and the connection counters. Its methods are safe for
// concurrent use by workers serving different connections.
type Engine struct {
	opts      Options
	logger    logging.Logger
	resolver  *resource.Resolver
	readPool  *buffer.FixedPool
	writePool *buffer.FixedPool
	metrics   *metrics

	active atomic.Int64
	served atomic.Uint64
	conns  sync.Map // fd -> *Conn
}

func NewEngine(opts Options) (*Engine, error) {
	opts.normalize()
	if opts.DocRoot == "" {
		return nil, errors.New("document root is not set")
	}
	m, err := newMetrics(opts.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	return &Engine{
		opts:      opts,
		logger:    opts.Logger,
		resolver:  resource.NewResolver(opts.DocRoot, opts.MaxPathLen, opts.SanitizePath),
		readPool:  buffer.NewFixedPool(opts.ReadBufferSize),
		writePool: buffer.NewFixedPool(opts.WriteBufferSize),
		metrics:   m,
	}, nil
}

// Open initializes a connection for an accepted socket and arms it for its first read.
// On error the socket is left open for the caller to close.
func (e *Engine) Open(sock Socket, peer net.Addr, poller Poller) (*Conn, error) {
	if !e.reserve() {
		return nil, ErrTooManyConns
	}

	c := newConn(e, sock, peer, poller)
	e.conns.Store(c.fd, c)
	if err := poller.AddRead(c.fd); err != nil {
		e.conns.CompareAndDelete(c.fd, c)
		e.release()
		c.recycle()
		return nil, errors.Wrapf(err, "register fd %d", c.fd)
	}
	e.logger.Debugf("connection %d opened from %v, %d active", c.fd, peer, e.active.Load())
	return c, nil
}

// reserve takes a connection slot, respecting MaxConns.
func (e *Engine) reserve() bool {
	for {
		n := e.active.Load()
		if e.opts.MaxConns > 0 && n >= int64(e.opts.MaxConns) {
			return false
		}
		if e.active.CAS(n, n+1) {
			e.metrics.active.Add(context.Background(), 1)
			return true
		}
	}
}

func (e *Engine) release() {
	e.active.Dec()
	e.metrics.active.Add(context.Background(), -1)
}

func (e *Engine) countResponse(status proto.Status) {
	e.metrics.responses.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Int("http.status_code", int(status))))
}

func (e *Engine) countSent(n int) {
	e.metrics.sent.Add(context.Background(), int64(n))
}

// Lookup returns the open connection registered for fd.
func (e *Engine) Lookup(fd int) (*Conn, bool) {
	v, ok := e.conns.Load(fd)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// Active is the number of open connections.
func (e *Engine) Active() int64 {
	return e.active.Load()
}

// Served is the number of responses fully sent.
func (e *Engine) Served() uint64 {
	return e.served.Load()
}

func (e *Engine) Options() Options {
	return e.opts
}

// Shutdown closes every open connection. No readiness event may be in flight.
func (e *Engine) Shutdown() error {
	var err error
	e.conns.Range(func(_, v any) bool {
		err = multierr.Append(err, v.(*Conn).Close())
		return true
	})
	return err
}
