//go:build linux

package filenet

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/y001j/filenet/proto"
)

const indexBody = "<html><body>hello</body></html>\n"

// fakeSocket replays scripted reads and records writes. A nil chunk reads as EAGAIN.
type fakeSocket struct {
	fd       int
	chunks   [][]byte
	eof      bool
	limits   []int // bytes accepted per Writev, -1 for EAGAIN
	writeErr error
	out      bytes.Buffer
	writes   int
	closed   int
}

func (s *fakeSocket) Fd() int { return s.fd }

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		if s.eof {
			return 0, nil
		}
		return 0, unix.EAGAIN
	}
	chunk := s.chunks[0]
	if chunk == nil {
		s.chunks = s.chunks[1:]
		return 0, unix.EAGAIN
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		s.chunks[0] = chunk[n:]
	} else {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func (s *fakeSocket) Writev(bs [][]byte) (int, error) {
	s.writes++
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	limit := -2
	if len(s.limits) > 0 {
		limit, s.limits = s.limits[0], s.limits[1:]
	}
	if limit == -1 {
		return 0, unix.EAGAIN
	}
	n := 0
	for _, b := range bs {
		if limit >= 0 && n+len(b) > limit {
			b = b[:limit-n]
		}
		s.out.Write(b)
		n += len(b)
		if limit >= 0 && n == limit {
			break
		}
	}
	return n, nil
}

func (s *fakeSocket) Close() error {
	s.closed++
	return nil
}

func (s *fakeSocket) feed(chunks ...string) {
	for _, c := range chunks {
		s.chunks = append(s.chunks, []byte(c))
	}
	s.chunks = append(s.chunks, nil)
}

type fakePoller struct {
	ops []string
}

func (p *fakePoller) record(op string, fd int) error {
	p.ops = append(p.ops, op+" "+strconv.Itoa(fd))
	return nil
}

func (p *fakePoller) AddRead(fd int) error  { return p.record("add", fd) }
func (p *fakePoller) ModRead(fd int) error  { return p.record("read", fd) }
func (p *fakePoller) ModWrite(fd int) error { return p.record("write", fd) }
func (p *fakePoller) Delete(fd int) error   { return p.record("delete", fd) }

func newDocRoot(t *testing.T) string {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte(indexBody), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.html"), []byte("secret"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.html"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.html"), bytes.Repeat([]byte("x"), 100000), 0o644))
	return root
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	if opts.DocRoot == "" {
		opts.DocRoot = newDocRoot(t)
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	return e
}

func openConn(t *testing.T, e *Engine, fd int) (*Conn, *fakeSocket, *fakePoller) {
	sock := &fakeSocket{fd: fd}
	poller := &fakePoller{}
	c, err := e.Open(sock, nil, poller)
	require.NoError(t, err)
	return c, sock, poller
}

func fileHead(size int, keepAlive bool) string {
	connection := "close"
	if keepAlive {
		connection = "keep-alive"
	}
	return "HTTP/1.1 200 OK\r\n" +
		"Content-Length: " + strconv.Itoa(size) + "\r\n" +
		"Content-Type: text/html\r\n" +
		"Connection: " + connection + "\r\n\r\n"
}

const notFound = "HTTP/1.1 404 Not Found\r\n" +
	"Content-Length: 49\r\n" +
	"Content-Type: text/html\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"The requested file was not found on this server.\n"

const badRequest = "HTTP/1.1 400 Bad Request\r\n" +
	"Content-Length: 68\r\n" +
	"Content-Type: text/html\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Your request has bad syntax or is inherently impossible to satisfy.\n"

func TestConnServesFileWithKeepAlive(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, poller := openConn(t, e, 7)
	assert.Equal(t, []string{"add 7"}, poller.ops)
	assert.EqualValues(t, 1, e.Active())

	sock.feed("GET /index.html HTTP/1.1\r\nHost: example\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, Read, c.OnReadable())
	assert.Equal(t, fileHead(len(indexBody), true)+indexBody, sock.out.String())
	assert.Nil(t, c.file)
	assert.Zero(t, c.rbuf.Len())
	assert.Zero(t, c.wbuf.Len())
	assert.Empty(t, c.Request().Path)
	assert.EqualValues(t, 1, e.Served())

	sock.out.Reset()
	sock.feed("GET /missing.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, Close, c.OnReadable())
	assert.Equal(t, notFound, sock.out.String())

	require.NoError(t, c.Apply(Close))
	assert.Equal(t, 1, sock.closed)
	assert.Equal(t, []string{"add 7", "delete 7"}, poller.ops)
	assert.Zero(t, e.Active())
	_, ok := e.Lookup(7)
	assert.False(t, ok)
}

func TestConnRequestAcrossReads(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, _ := openConn(t, e, 3)

	sock.feed("GE")
	assert.Equal(t, Read, c.OnReadable())
	sock.feed("T /index.html HTTP/1.1\r")
	assert.Equal(t, Read, c.OnReadable())
	sock.feed("\nConnection: close\r\n")
	assert.Equal(t, Read, c.OnReadable())
	assert.Empty(t, sock.out.String())

	sock.feed("\r\n")
	assert.Equal(t, Close, c.OnReadable())
	assert.Equal(t, fileHead(len(indexBody), false)+indexBody, sock.out.String())
}

func TestConnErrorResponses(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		status   string
		expected string
	}{
		{"not found", "GET /nope HTTP/1.1\r\n\r\n", "404", notFound},
		{"directory", "GET /dir HTTP/1.1\r\n\r\n", "400", badRequest},
		{"method", "POST /index.html HTTP/1.1\r\n\r\n", "400", badRequest},
		{"version", "GET /index.html HTTP/1.0\r\n\r\n", "400", badRequest},
		{"relative target", "GET index.html HTTP/1.1\r\n\r\n", "400", badRequest},
		{"bad terminator", "GET /index.html HTTP/1.1\rX\n\r\n", "400", badRequest},
		{"bad content length", "GET /index.html HTTP/1.1\r\nContent-Length: x\r\n\r\n", "400", badRequest},
		{"forbidden", "GET /secret.html HTTP/1.1\r\n\r\n", "403", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Options{})
			c, sock, _ := openConn(t, e, 9)
			sock.feed(tt.request)
			assert.Equal(t, Close, c.OnReadable())
			assert.Contains(t, sock.out.String(), "HTTP/1.1 "+tt.status+" ")
			if tt.expected != "" {
				assert.Equal(t, tt.expected, sock.out.String())
			}
			assert.Nil(t, c.file)
		})
	}
}

func TestConnErrorKeepsAlive(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, _ := openConn(t, e, 9)
	sock.feed("GET /nope HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, Read, c.OnReadable())
	assert.Contains(t, sock.out.String(), "Connection: keep-alive\r\n")
}

func TestConnEmptyFile(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, _ := openConn(t, e, 4)
	sock.feed("GET /empty.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, Close, c.OnReadable())
	assert.Equal(t, fileHead(0, false), sock.out.String())
}

func TestConnWithBody(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, _ := openConn(t, e, 4)
	sock.feed("GET /index.html HTTP/1.1\r\nContent-Length: 5\r\n\r\nab")
	assert.Equal(t, Read, c.OnReadable())
	sock.feed("cde")
	assert.Equal(t, Close, c.OnReadable())
	assert.Equal(t, fileHead(len(indexBody), false)+indexBody, sock.out.String())
}

func TestConnRequestTooLarge(t *testing.T) {
	t.Run("headers", func(t *testing.T) {
		e := newTestEngine(t, Options{ReadBufferSize: 64})
		c, sock, _ := openConn(t, e, 5)
		sock.feed("GET /index.html HTTP/1.1\r\nX-Padding: " + string(bytes.Repeat([]byte("a"), 100)))
		assert.Equal(t, Close, c.OnReadable())
		assert.Empty(t, sock.out.String())
	})
	t.Run("body", func(t *testing.T) {
		e := newTestEngine(t, Options{ReadBufferSize: 64})
		c, sock, _ := openConn(t, e, 5)
		sock.feed("GET /index.html HTTP/1.1\r\nContent-Length: 500\r\n\r\n")
		assert.Equal(t, Close, c.OnReadable())
		assert.Empty(t, sock.out.String())
	})
}

func TestConnPeerClosed(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, _ := openConn(t, e, 6)
	sock.chunks = [][]byte{[]byte("GET / HT")}
	sock.eof = true
	assert.Equal(t, Close, c.OnReadable())
	assert.Empty(t, sock.out.String())
}

func TestConnPartialWrites(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, _ := openConn(t, e, 8)

	// Stop inside the head, again exactly at the head/file boundary and again inside the file.
	head := fileHead(100000, false)
	sock.limits = []int{10, -1, len(head) - 10, -1, 4096, -1}
	sock.feed("GET /big.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, Write, c.OnReadable())
	assert.Equal(t, head[:10], sock.out.String())

	assert.Equal(t, Write, c.OnWritable())
	assert.Equal(t, head, sock.out.String())
	assert.NotNil(t, c.file)

	assert.Equal(t, Write, c.OnWritable())
	assert.Equal(t, len(head)+4096, sock.out.Len())

	assert.Equal(t, Close, c.OnWritable())
	assert.Equal(t, head+string(bytes.Repeat([]byte("x"), 100000)), sock.out.String())
	assert.Nil(t, c.file)
}

func TestConnWriteError(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, _ := openConn(t, e, 8)
	sock.writeErr = unix.EPIPE
	sock.feed("GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, Close, c.OnReadable())
	assert.Nil(t, c.file)
}

func TestConnComposeOverflow(t *testing.T) {
	e := newTestEngine(t, Options{WriteBufferSize: 100})
	c, sock, _ := openConn(t, e, 8)
	sock.feed("GET /nope HTTP/1.1\r\n\r\n")
	assert.Equal(t, Close, c.OnReadable())
	assert.Empty(t, sock.out.String())
}

func TestConnTransmitNothing(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, _ := openConn(t, e, 8)
	assert.Equal(t, Read, c.Transmit())
	assert.Zero(t, sock.writes)
}

func TestConnHandleEvents(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, _ := openConn(t, e, 8)
	assert.Equal(t, Close, c.Handle(unix.EPOLLIN|unix.EPOLLRDHUP))
	assert.Equal(t, None, c.Handle(0))

	sock.feed("GET /index.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, Close, c.Handle(unix.EPOLLIN))

	require.NoError(t, c.Close())
	assert.Equal(t, None, c.Handle(unix.EPOLLIN))
}

func TestConnCloseIdempotent(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, poller := openConn(t, e, 8)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, sock.closed)
	assert.Equal(t, []string{"add 8", "delete 8"}, poller.ops)
	assert.Zero(t, e.Active())
}

func TestConnApply(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, _, poller := openConn(t, e, 8)
	require.NoError(t, c.Apply(Read))
	require.NoError(t, c.Apply(Write))
	require.NoError(t, c.Apply(None))
	assert.Equal(t, []string{"add 8", "read 8", "write 8"}, poller.ops)
}

func TestConnBlankRunsInRequestLine(t *testing.T) {
	for _, line := range []string{
		"GET  /index.html HTTP/1.1",
		"GET /index.html  HTTP/1.1",
		"GET\t\t/index.html\tHTTP/1.1",
	} {
		t.Run(line, func(t *testing.T) {
			e := newTestEngine(t, Options{})
			c, sock, _ := openConn(t, e, 9)
			sock.feed(line + "\r\n\r\n")
			assert.Equal(t, Close, c.OnReadable())
			assert.Equal(t, fileHead(len(indexBody), false)+indexBody, sock.out.String())
		})
	}
}

func TestConnInternalError(t *testing.T) {
	e := newTestEngine(t, Options{})
	c, sock, _ := openConn(t, e, 9)
	sock.feed("GET /index.html HTTP/1.1\r\nHost: x\r\n")
	assert.Equal(t, Read, c.OnReadable())

	assert.Equal(t, Close, c.conclude(proto.OutcomeInternalError))
	assert.Equal(t, "HTTP/1.1 500 Internal Error\r\n"+
		"Content-Length: 57\r\n"+
		"Content-Type: text/html\r\n"+
		"Connection: close\r\n"+
		"\r\n"+
		"There was an unusual problem serving the requested file.\n", sock.out.String())
	assert.Nil(t, c.file)
}
