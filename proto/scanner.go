package proto

import "github.com/y001j/filenet/buffer"

// LineStatus is the result of one Scan.
type LineStatus uint8

const (
	// LineIncomplete means no terminator is available yet; scan again once more bytes arrive.
	LineIncomplete LineStatus = iota
	LineFound
	LineMalformed
)

func (s LineStatus) String() string {
	switch s {
	case LineIncomplete:
		return "incomplete"
	case LineFound:
		return "found"
	case LineMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Scanner finds CRLF terminated lines inside a Fixed buffer that is filled across many
// reads. It keeps two cursors over the written bytes:
//
//	0 <= lineStart <= scanPos <= buf.Len() <= buf.Cap()
//
// lineStart is where the line being assembled begins, scanPos is the first byte not yet
// examined. Bytes before scanPos are never examined twice.
type Scanner struct {
	buf       *buffer.Fixed
	lineStart int
	scanPos   int
}

func NewScanner(buf *buffer.Fixed) *Scanner {
	return &Scanner{buf: buf}
}

// Scan looks for the next line terminator between scanPos and the end of the written bytes.
//
// A CR must be followed by LF. A CR that is the last available byte leaves scanPos on it so
// the pair is examined again after the next read. A bare LF is accepted only when the byte
// before it, at offset 2 or later, is a CR.
//
// On LineFound the terminator bytes are zeroed, the returned line excludes them and both
// cursors move past the terminator. The line aliases the buffer.
func (s *Scanner) Scan() ([]byte, LineStatus) {
	data := s.buf.Bytes()
	for ; s.scanPos < len(data); s.scanPos++ {
		switch data[s.scanPos] {
		case '\r':
			if s.scanPos+1 == len(data) {
				return nil, LineIncomplete
			}
			if data[s.scanPos+1] != '\n' {
				return nil, LineMalformed
			}
			return s.cut(data, s.scanPos), LineFound
		case '\n':
			if s.scanPos > 1 && data[s.scanPos-1] == '\r' {
				return s.cut(data, s.scanPos-1), LineFound
			}
			return nil, LineMalformed
		}
	}
	return nil, LineIncomplete
}

// cut ends the current line at the two byte terminator starting at at.
func (s *Scanner) cut(data []byte, at int) []byte {
	line := data[s.lineStart:at]
	data[at] = 0
	data[at+1] = 0
	s.scanPos = at + 2
	s.lineStart = s.scanPos
	return line
}

// Span returns the n bytes starting at lineStart once all of them are buffered.
func (s *Scanner) Span(n int64) ([]byte, bool) {
	if n < 0 || n > int64(s.buf.Len()-s.lineStart) {
		return nil, false
	}
	b, err := s.buf.Slice(s.lineStart, s.lineStart+int(n))
	if err != nil {
		return nil, false
	}
	return b, true
}

// Fits reports whether n bytes starting at lineStart could ever be held by the buffer.
func (s *Scanner) Fits(n int64) bool {
	return n >= 0 && n <= int64(s.buf.Cap()-s.lineStart)
}

func (s *Scanner) LineStart() int {
	return s.lineStart
}

func (s *Scanner) ScanPos() int {
	return s.scanPos
}

func (s *Scanner) Reset() {
	s.lineStart = 0
	s.scanPos = 0
}
