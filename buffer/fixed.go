package buffer

import (
	"strconv"

	"github.com/pkg/errors"
)

var (
	ErrTooLarge   = errors.New("invalid data size")
	ErrOutOfRange = errors.New("range out of buffer bounds")
)

// Fixed is a buffer with a constant capacity that is never resized and never wraps.
// Written bytes always occupy the prefix [0, Len()); the rest of the capacity is the
// free tail handed out by Free.
type Fixed struct {
	b []byte
	n int
}

func NewFixed(size int) *Fixed {
	if size < 0 {
		size = 0
	}
	return &Fixed{b: make([]byte, size)}
}

// Write appends b in full or not at all.
func (buf *Fixed) Write(b []byte) (int, error) {
	if len(buf.b)-buf.n < len(b) {
		return 0, ErrTooLarge
	}
	buf.n += copy(buf.b[buf.n:], b)
	return len(b), nil
}

func (buf *Fixed) WriteString(s string) (int, error) {
	if len(buf.b)-buf.n < len(s) {
		return 0, ErrTooLarge
	}
	buf.n += copy(buf.b[buf.n:], s)
	return len(s), nil
}

// AppendInt appends the decimal form of v.
func (buf *Fixed) AppendInt(v int64) error {
	var scratch [20]byte
	_, err := buf.Write(strconv.AppendInt(scratch[:0], v, 10))
	return err
}

// Free returns the unwritten tail. Bytes copied into it become part of the buffer
// only after Commit.
func (buf *Fixed) Free() []byte {
	return buf.b[buf.n:]
}

// Commit marks k bytes of the free tail as written.
func (buf *Fixed) Commit(k int) error {
	if k < 0 || k > len(buf.b)-buf.n {
		return ErrOutOfRange
	}
	buf.n += k
	return nil
}

// Bytes returns the written prefix. The view is invalidated by Reset.
func (buf *Fixed) Bytes() []byte {
	return buf.b[:buf.n]
}

// Slice returns the written bytes in [from, to).
func (buf *Fixed) Slice(from, to int) ([]byte, error) {
	if from < 0 || from > to || to > buf.n {
		return nil, ErrOutOfRange
	}
	return buf.b[from:to], nil
}

func (buf *Fixed) Len() int {
	return buf.n
}

func (buf *Fixed) Cap() int {
	return len(buf.b)
}

func (buf *Fixed) Available() int {
	return len(buf.b) - buf.n
}

func (buf *Fixed) Full() bool {
	return buf.n == len(buf.b)
}

// Truncate drops everything written after the first n bytes.
func (buf *Fixed) Truncate(n int) error {
	if n < 0 || n > buf.n {
		return ErrOutOfRange
	}
	clear(buf.b[n:buf.n])
	buf.n = n
	return nil
}

// Reset zeroes the written prefix and rewinds to empty.
func (buf *Fixed) Reset() {
	clear(buf.b[:buf.n])
	buf.n = 0
}
