package proto

import (
	"github.com/pkg/errors"

	"github.com/y001j/filenet/buffer"
)

var ErrComposeOverflow = errors.New("response does not fit the write buffer")

// Status is a response status this server can emit.
type Status int

const (
	StatusOK            Status = 200
	StatusBadRequest    Status = 400
	StatusForbidden     Status = 403
	StatusNotFound      Status = 404
	StatusInternalError Status = 500
)

func (s Status) Reason() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "Bad Request"
	case StatusForbidden:
		return "Forbidden"
	case StatusNotFound:
		return "Not Found"
	default:
		return "Internal Error"
	}
}

// Body is the literal body sent with an error status.
func (s Status) Body() string {
	switch s {
	case StatusOK:
		return ""
	case StatusBadRequest:
		return "Your request has bad syntax or is inherently impossible to satisfy.\n"
	case StatusForbidden:
		return "You do not have permission to get file from this server.\n"
	case StatusNotFound:
		return "The requested file was not found on this server.\n"
	default:
		return "There was an unusual problem serving the requested file.\n"
	}
}

const (
	crlf        = "\r\n"
	contentType = "text/html"
)

// Segment is a pre-formatted piece of response text: a string or a decimal integer.
type Segment struct {
	str   string
	num   int64
	isNum bool
}

func Str(s string) Segment {
	return Segment{str: s}
}

func Int(n int64) Segment {
	return Segment{num: n, isNum: true}
}

// Composer serializes status lines, headers and error bodies into a fixed write buffer.
type Composer struct {
	buf *buffer.Fixed
}

func NewComposer(buf *buffer.Fixed) *Composer {
	return &Composer{buf: buf}
}

// Append writes all segments or, if they do not fit, none of them.
func (c *Composer) Append(segs ...Segment) error {
	mark := c.buf.Len()
	for _, seg := range segs {
		var err error
		if seg.isNum {
			err = c.buf.AppendInt(seg.num)
		} else {
			_, err = c.buf.WriteString(seg.str)
		}
		if err != nil {
			_ = c.buf.Truncate(mark)
			return ErrComposeOverflow
		}
	}
	return nil
}

func (c *Composer) StatusLine(s Status) error {
	return c.Append(Str("HTTP/1.1 "), Int(int64(s)), Str(" "), Str(s.Reason()), Str(crlf))
}

// Headers writes Content-Length, Content-Type, Connection and the blank line.
func (c *Composer) Headers(contentLength int64, keepAlive bool) error {
	connection := "close"
	if keepAlive {
		connection = "keep-alive"
	}
	if err := c.Append(Str("Content-Length: "), Int(contentLength), Str(crlf)); err != nil {
		return err
	}
	if err := c.Append(Str("Content-Type: "), Str(contentType), Str(crlf)); err != nil {
		return err
	}
	if err := c.Append(Str("Connection: "), Str(connection), Str(crlf)); err != nil {
		return err
	}
	return c.Append(Str(crlf))
}

func (c *Composer) Content(s string) error {
	return c.Append(Str(s))
}

// Error composes a complete error response with its literal body.
func (c *Composer) Error(s Status, keepAlive bool) error {
	body := s.Body()
	if err := c.StatusLine(s); err != nil {
		return err
	}
	if err := c.Headers(int64(len(body)), keepAlive); err != nil {
		return err
	}
	return c.Content(body)
}

// File composes the head of a 200 response. The file bytes are sent from their mapping.
func (c *Composer) File(size int64, keepAlive bool) error {
	if err := c.StatusLine(StatusOK); err != nil {
		return err
	}
	return c.Headers(size, keepAlive)
}

func (c *Composer) Bytes() []byte {
	return c.buf.Bytes()
}

func (c *Composer) Len() int {
	return c.buf.Len()
}

func (c *Composer) Reset() {
	c.buf.Reset()
}
