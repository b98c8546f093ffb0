package proto

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/filenet/buffer"
)

func TestComposerError(t *testing.T) {
	for _, s := range []Status{StatusBadRequest, StatusForbidden, StatusNotFound, StatusInternalError} {
		t.Run(strconv.Itoa(int(s)), func(t *testing.T) {
			c := NewComposer(buffer.NewFixed(buffer.DefaultWriteSize))
			require.NoError(t, c.Error(s, false))

			body := s.Body()
			expected := "HTTP/1.1 " + strconv.Itoa(int(s)) + " " + s.Reason() + "\r\n" +
				"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
				"Content-Type: text/html\r\n" +
				"Connection: close\r\n" +
				"\r\n" + body
			assert.Equal(t, expected, string(c.Bytes()))
		})
	}
}

func TestComposerNotFoundLiteral(t *testing.T) {
	c := NewComposer(buffer.NewFixed(buffer.DefaultWriteSize))
	require.NoError(t, c.Error(StatusNotFound, true))
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\n"+
		"Content-Length: 49\r\n"+
		"Content-Type: text/html\r\n"+
		"Connection: keep-alive\r\n"+
		"\r\n"+
		"The requested file was not found on this server.\n", string(c.Bytes()))
}

func TestComposerFile(t *testing.T) {
	c := NewComposer(buffer.NewFixed(buffer.DefaultWriteSize))
	require.NoError(t, c.File(12345, true))
	assert.Equal(t, "HTTP/1.1 200 OK\r\n"+
		"Content-Length: 12345\r\n"+
		"Content-Type: text/html\r\n"+
		"Connection: keep-alive\r\n"+
		"\r\n", string(c.Bytes()))
}

func TestComposerOverflow(t *testing.T) {
	c := NewComposer(buffer.NewFixed(40))
	err := c.Error(StatusNotFound, false)
	require.ErrorIs(t, err, ErrComposeOverflow)
	assert.LessOrEqual(t, c.Len(), 40)

	c.Reset()
	prefix := "012345678901234567890123456789"
	require.NoError(t, c.Append(Str(prefix)))
	require.ErrorIs(t, c.Append(Str("abc"), Int(1234567890123456789), Str("def")), ErrComposeOverflow)
	assert.Equal(t, prefix, string(c.Bytes()))
}

func TestStatusReason(t *testing.T) {
	assert.Equal(t, "OK", StatusOK.Reason())
	assert.Equal(t, "Bad Request", StatusBadRequest.Reason())
	assert.Equal(t, "Forbidden", StatusForbidden.Reason())
	assert.Equal(t, "Not Found", StatusNotFound.Reason())
	assert.Equal(t, "Internal Error", StatusInternalError.Reason())
	assert.Empty(t, StatusOK.Body())
}
