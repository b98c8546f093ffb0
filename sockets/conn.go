//go:build linux
// +build linux

package socket

import "golang.org/x/sys/unix"

// Conn is a connected, non-blocking stream socket. Read and Writev return unix.EAGAIN
// instead of blocking.
type Conn struct {
	fd int
}

func NewConn(fd int) *Conn {
	return &Conn{fd: fd}
}

func (c *Conn) Fd() int {
	return c.fd
}

// Read receives into p. A zero count with a nil error means the peer shut down.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Writev writes the segments with a single vectored write.
func (c *Conn) Writev(bs [][]byte) (int, error) {
	for {
		n, err := unix.Writev(c.fd, bs)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (c *Conn) Close() error {
	return unix.Close(c.fd)
}
