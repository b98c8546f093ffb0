//go:build linux

package config

import (
	"github.com/panjf2000/gnet/v2/pkg/logging"

	"github.com/y001j/filenet"
	socket "github.com/y001j/filenet/sockets"
)

// Options converts the configuration into engine options using logger.
func (c *Config) Options(logger logging.Logger) filenet.Options {
	return filenet.Options{
		DocRoot:         c.DocRoot,
		ReadBufferSize:  c.ReadBufferSize,
		WriteBufferSize: c.WriteBufferSize,
		MaxPathLen:      c.MaxPathLen,
		SanitizePath:    c.SanitizePath,
		MaxConns:        c.MaxConns,
		Logger:          logger,
	}
}

func (c *Config) ListenOptions() filenet.ListenOptions {
	noDelay := socket.TCPDelay
	if c.TCPNoDelay {
		noDelay = socket.TCPNoDelay
	}
	return filenet.ListenOptions{
		Addr:    c.Addr,
		Loops:   c.Loops,
		Workers: c.Workers,
		Socket: socket.SocketOptions{
			ReuseAddr:  true,
			ReusePort:  c.ReusePort,
			TCPNoDelay: noDelay,
		},
	}
}
