//go:build linux

package filenet

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	socket "github.com/y001j/filenet/sockets"
)

// accept drains the listener's backlog, opening a connection for every client.
func (el *Eventloop) accept() error {
	for {
		fd, peer, err := socket.Accept(el.listener)
		switch {
		case err == unix.EAGAIN:
			return nil
		case err == unix.ECONNABORTED:
			continue
		case err != nil:
			// Descriptor exhaustion and the like clear up on their own; keep the loop alive.
			el.logger.Errorf("event loop %d: accept: %v", el.idx, err)
			return nil
		}

		if err = socket.SetReuseAddr(fd, 1); err != nil {
			el.logger.Warnf("event loop %d: fd %d: %v", el.idx, fd, err)
		}
		for _, opt := range el.sockOpts {
			if err = opt.SetSockOpt(fd, opt.Opt); err != nil {
				el.logger.Warnf("event loop %d: fd %d: %v", el.idx, fd, err)
			}
		}

		sock := socket.NewConn(fd)
		if _, err = el.engine.Open(sock, peer, el.poller); err != nil {
			if errors.Is(err, ErrTooManyConns) {
				el.logger.Warnf("event loop %d: refusing %v: %v", el.idx, peer, err)
			} else {
				el.logger.Errorf("event loop %d: open %v: %v", el.idx, peer, err)
			}
			_ = sock.Close()
		}
	}
}
