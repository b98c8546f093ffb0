package proto

import (
	"bytes"
	"strconv"

	"github.com/panjf2000/gnet/v2/pkg/logging"

	"github.com/y001j/filenet/buffer"
)

// State is the part of the request the parser is waiting for.
type State uint8

const (
	StateRequestLine State = iota
	StateHeaders
	StateBody
)

func (s State) String() string {
	switch s {
	case StateRequestLine:
		return "request-line"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	default:
		return "unknown"
	}
}

// Outcome is the result of driving the parser over the buffered bytes.
type Outcome uint8

const (
	// OutcomeIncomplete suspends parsing until more bytes are buffered.
	OutcomeIncomplete Outcome = iota
	OutcomeComplete
	OutcomeBadRequest
	// OutcomeTooLarge means the request can never fit the read buffer.
	OutcomeTooLarge
	// OutcomeInternalError is reported for a state or line status with no transition.
	OutcomeInternalError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIncomplete:
		return "incomplete"
	case OutcomeComplete:
		return "complete"
	case OutcomeBadRequest:
		return "bad-request"
	case OutcomeTooLarge:
		return "too-large"
	case OutcomeInternalError:
		return "internal-error"
	default:
		return "unknown"
	}
}

var (
	methodGet   = []byte("GET")
	protoHTTP11 = []byte("HTTP/1.1")
	schemeHTTP  = []byte("http://")

	headerConnection    = []byte("Connection:")
	headerContentLength = []byte("Content-Length:")
	headerHost          = []byte("Host:")
	valueKeepAlive      = []byte("keep-alive")
)

// Request holds the fields of a parsed request that the server acts on.
type Request struct {
	Method        string
	Path          string
	Version       string
	Host          string
	ContentLength int64
	KeepAlive     bool
	// Body aliases the read buffer and is only valid until the connection is reset.
	Body []byte
}

// Parser is a resumable HTTP/1.1 request parser. All of its progress lives in its state and
// its scanner's cursors, so Parse can be called again after every read.
type Parser struct {
	scanner Scanner
	state   State
	req     Request
	logger  logging.Logger
}

// NewParser returns a parser over buf. logger may be nil.
func NewParser(buf *buffer.Fixed, logger logging.Logger) *Parser {
	return &Parser{
		scanner: Scanner{buf: buf},
		logger:  logger,
	}
}

// Parse consumes buffered lines until the request is complete, more bytes are needed or the
// request is rejected.
func (p *Parser) Parse() Outcome {
	for {
		if p.state == StateBody {
			body, ok := p.scanner.Span(p.req.ContentLength)
			if !ok {
				return OutcomeIncomplete
			}
			p.req.Body = body
			return OutcomeComplete
		}

		line, status := p.scanner.Scan()
		switch status {
		case LineFound:
		case LineIncomplete:
			return OutcomeIncomplete
		case LineMalformed:
			return OutcomeBadRequest
		default:
			return OutcomeInternalError
		}

		var outcome Outcome
		switch p.state {
		case StateRequestLine:
			outcome = p.parseRequestLine(line)
		case StateHeaders:
			outcome = p.parseHeader(line)
		default:
			return OutcomeInternalError
		}
		if outcome != OutcomeIncomplete {
			return outcome
		}
		if p.state == StateBody && !p.scanner.Fits(p.req.ContentLength) {
			return OutcomeTooLarge
		}
	}
}

// parseRequestLine handles METHOD SP TARGET SP VERSION. Runs of blanks between the fields are
// skipped.
func (p *Parser) parseRequestLine(line []byte) Outcome {
	i := bytes.IndexAny(line, " \t")
	if i < 0 {
		return OutcomeBadRequest
	}
	method, target := line[:i], bytes.TrimLeft(line[i+1:], " \t")
	if !bytes.EqualFold(method, methodGet) {
		return OutcomeBadRequest
	}

	i = bytes.IndexAny(target, " \t")
	if i < 0 {
		return OutcomeBadRequest
	}
	target, version := target[:i], bytes.TrimLeft(target[i+1:], " \t")
	if !bytes.EqualFold(version, protoHTTP11) {
		return OutcomeBadRequest
	}

	if hasPrefixFold(target, schemeHTTP) {
		target = target[len(schemeHTTP):]
		i = bytes.IndexByte(target, '/')
		if i < 0 {
			return OutcomeBadRequest
		}
		target = target[i:]
	}
	if len(target) == 0 || target[0] != '/' {
		return OutcomeBadRequest
	}

	p.req.Method = string(methodGet)
	p.req.Path = string(target)
	p.req.Version = string(protoHTTP11)
	p.state = StateHeaders
	return OutcomeIncomplete
}

// parseHeader handles one header line, or the blank line closing the header block.
func (p *Parser) parseHeader(line []byte) Outcome {
	if len(line) == 0 {
		if p.req.ContentLength > 0 {
			p.state = StateBody
			return OutcomeIncomplete
		}
		return OutcomeComplete
	}

	switch {
	case hasPrefixFold(line, headerConnection):
		if bytes.EqualFold(headerValue(line, headerConnection), valueKeepAlive) {
			p.req.KeepAlive = true
		}
	case hasPrefixFold(line, headerContentLength):
		n, err := strconv.ParseInt(string(headerValue(line, headerContentLength)), 10, 64)
		if err != nil || n < 0 {
			return OutcomeBadRequest
		}
		p.req.ContentLength = n
	case hasPrefixFold(line, headerHost):
		p.req.Host = string(headerValue(line, headerHost))
	default:
		if p.logger != nil {
			p.logger.Debugf("ignoring header %q", line)
		}
	}
	return OutcomeIncomplete
}

// Request returns the fields parsed so far.
func (p *Parser) Request() *Request {
	return &p.req
}

func (p *Parser) State() State {
	return p.state
}

func (p *Parser) Scanner() *Scanner {
	return &p.scanner
}

// Reset prepares the parser for the next request. The underlying buffer is reset by its owner.
func (p *Parser) Reset() {
	p.scanner.Reset()
	p.state = StateRequestLine
	p.req = Request{}
}

func hasPrefixFold(b, prefix []byte) bool {
	return len(b) >= len(prefix) && bytes.EqualFold(b[:len(prefix)], prefix)
}

// headerValue strips the header name and the blanks that follow the colon.
func headerValue(line, name []byte) []byte {
	return bytes.TrimLeft(line[len(name):], " \t")
}
