//go:build linux

package filenet

import (
	"context"
	"net"

	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2/pkg/pool/goroutine"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	socket "github.com/y001j/filenet/sockets"
)

// ListenOptions describe the listening side of a Server.
type ListenOptions struct {
	Addr string

	// Loops is the number of event loops, each with its own listener on Addr.
	Loops int

	// Workers sizes the pool that serves connection events. Zero selects the default pool,
	// a negative value serves events on the event loop goroutines.
	Workers int

	Socket socket.SocketOptions
}

// Server runs one or more event loops over a shared Engine.
type Server struct {
	engine  *Engine
	loops   []*Eventloop
	workers *goroutine.Pool
}

func NewServer(opts Options, lopts ListenOptions) (*Server, error) {
	engine, err := NewEngine(opts)
	if err != nil {
		return nil, err
	}
	if lopts.Loops <= 0 {
		lopts.Loops = 1
	}
	if lopts.Loops > 1 {
		lopts.Socket.ReusePort = true
	}

	s := &Server{engine: engine}
	switch {
	case lopts.Workers == 0:
		// Default builds a new pool on every call, so the server owns and releases it.
		s.workers = goroutine.Default()
	case lopts.Workers > 0:
		if s.workers, err = ants.NewPool(lopts.Workers, ants.WithNonblocking(true)); err != nil {
			return nil, errors.Wrap(err, "create worker pool")
		}
	}

	for i := 0; i < lopts.Loops; i++ {
		el, err := NewEventloop(i, engine, lopts.Addr, lopts.Socket, s.workers)
		if err != nil {
			return nil, multierr.Append(err, s.release())
		}
		s.loops = append(s.loops, el)
	}
	return s, nil
}

func (s *Server) Engine() *Engine {
	return s.engine
}

// Addr is the address the first event loop listens on.
func (s *Server) Addr() net.Addr {
	return s.loops[0].Addr()
}

// Serve runs the event loops until ctx is done or one of them fails, then closes every
// connection and releases the listeners.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, el := range s.loops {
		g.Go(el.Run)
	}
	g.Go(func() error {
		<-ctx.Done()
		var err error
		for _, el := range s.loops {
			err = multierr.Append(err, el.Stop())
		}
		return err
	})

	err := g.Wait()
	return multierr.Combine(err, s.engine.Shutdown(), s.release())
}

func (s *Server) release() error {
	var err error
	for _, el := range s.loops {
		err = multierr.Append(err, el.Release())
	}
	if s.workers != nil {
		s.workers.Release()
	}
	return err
}
