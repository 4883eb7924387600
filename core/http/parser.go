package http

import (
	"io"
	"strconv"

	"github.com/indigo-web/chunkedbody"
)

// Parser limits. These guard the per-connection buffers; runtime
// configuration only carries socket and worker knobs.
const (
	maxMethodLength      = 16
	maxTargetLength      = 8192
	maxHeaderKeyLength   = 256
	maxHeaderValueLength = 8192
	maxHeaderBytes       = 65536
	maxBodyLength        = 8 << 20
)

// Parser is a stream-based incremental HTTP/1.x request parser. It fills
// the bound Request in place and accepts input fragmented at arbitrary
// boundaries, one byte at a time included: the parse result is identical
// regardless of how the bytes were split across Parse calls.
//
// After RequestCompleted the parser has rewound itself, so the same
// instance decodes the next keep-alive transaction without reallocation.
type Parser struct {
	state   parserState
	request *Request

	lineBuff  []byte
	headerKey []byte
	headerVal []byte

	headerBytes int

	contentLength   int
	lengthCountdown int

	sawContentLength    bool
	sawTransferEncoding bool
	sawTrailer          bool

	chunkedParser *chunkedbody.Parser
}

// NewParser binds a parser to a request object.
func NewParser(request *Request) *Parser {
	return &Parser{
		state:         eMethod,
		request:       request,
		chunkedParser: chunkedbody.NewParser(chunkedbody.DefaultSettings()),
	}
}

// Reuse rebinds the parser to a (fresh or reset) request and rewinds it.
// The parser outlives its connection through pooling, and a connection
// torn down mid-chunked-body leaves the chunked decoder holding that
// chunk's position; the next connection must start from a clean decoder.
func (p *Parser) Reuse(request *Request) {
	p.request = request
	if p.state == eChunkedBody {
		p.chunkedParser = chunkedbody.NewParser(chunkedbody.DefaultSettings())
	}
	p.reset()
}

// Parse consumes data and reports progress. extra holds input belonging
// to the next message (or to the body, after HeadersCompleted) that the
// caller must feed back in.
func (p *Parser) Parse(data []byte) (state State, extra []byte, err error) {
	switch p.state {
	case eBody:
		return p.parseLengthDelimited(data)
	case eChunkedBody:
		return p.parseChunked(data)
	}

	for i := 0; i < len(data); i++ {
		c := data[i]

		if p.state >= eLineStart {
			p.headerBytes++
			if p.headerBytes > maxHeaderBytes {
				return 0, nil, ErrHeaderFieldsTooLarge
			}
		}

		switch p.state {
		case eMethod:
			switch c {
			case ' ':
				if len(p.lineBuff) == 0 {
					return 0, nil, ErrBadRequest
				}
				p.request.Method = string(p.lineBuff)
				p.lineBuff = p.lineBuff[:0]
				p.state = ePath
			case '\r', '\n':
				return 0, nil, ErrBadRequest
			default:
				if len(p.lineBuff) >= maxMethodLength {
					return 0, nil, ErrBadRequest
				}
				p.lineBuff = append(p.lineBuff, c)
			}
		case ePath:
			switch c {
			case ' ':
				if len(p.lineBuff) == 0 {
					return 0, nil, ErrBadRequest
				}
				p.request.Path = string(p.lineBuff)
				p.lineBuff = p.lineBuff[:0]
				p.state = eProto
			case '?':
				p.request.Path = string(p.lineBuff)
				if len(p.request.Path) == 0 {
					p.request.Path = "/"
				}
				p.lineBuff = p.lineBuff[:0]
				p.state = eQuery
			case '\x00', '\t', '\b', '\a', '\v', '\f', '\r', '\n':
				// the request target must not contain non-printable characters
				return 0, nil, ErrBadRequest
			default:
				if len(p.lineBuff) >= maxTargetLength {
					return 0, nil, ErrURITooLong
				}
				p.lineBuff = append(p.lineBuff, c)
			}
		case eQuery:
			switch c {
			case ' ':
				p.request.Query = string(p.lineBuff)
				p.lineBuff = p.lineBuff[:0]
				p.state = eProto
			case '\x00', '\t', '\b', '\a', '\v', '\f', '\r', '\n':
				return 0, nil, ErrBadRequest
			default:
				if len(p.lineBuff) >= maxTargetLength {
					return 0, nil, ErrURITooLong
				}
				p.lineBuff = append(p.lineBuff, c)
			}
		case eProto:
			switch c {
			case '\r':
				p.state = eProtoCR
			case '\n':
				if err = p.commitProto(); err != nil {
					return 0, nil, err
				}
				p.state = eLineStart
			default:
				if len(p.lineBuff) >= len("HTTP/1.1") {
					return 0, nil, ErrUnsupportedProtocol
				}
				p.lineBuff = append(p.lineBuff, c)
			}
		case eProtoCR:
			if c != '\n' {
				return 0, nil, ErrBadRequest
			}
			if err = p.commitProto(); err != nil {
				return 0, nil, err
			}
			p.state = eLineStart
		case eLineStart:
			switch c {
			case '\r':
				p.state = eLineStartCR
			case '\n':
				return p.endOfHeaders(data[i+1:])
			case ':':
				return 0, nil, ErrBadRequest
			default:
				p.headerKey = append(p.headerKey[:0], toLower(c))
				p.state = eHeaderKey
			}
		case eLineStartCR:
			if c != '\n' {
				return 0, nil, ErrBadRequest
			}
			return p.endOfHeaders(data[i+1:])
		case eHeaderKey:
			switch c {
			case ':':
				p.state = eHeaderColon
			case '\r', '\n':
				return 0, nil, ErrBadRequest
			default:
				if len(p.headerKey) >= maxHeaderKeyLength {
					return 0, nil, ErrHeaderFieldsTooLarge
				}
				p.headerKey = append(p.headerKey, toLower(c))
			}
		case eHeaderColon:
			switch c {
			case ' ', '\t':
				// leading optional whitespace
			case '\r':
				p.state = eHeaderValueCR
			case '\n':
				if err = p.commitHeader(); err != nil {
					return 0, nil, err
				}
				p.state = eLineStart
			default:
				p.headerVal = append(p.headerVal[:0], c)
				p.state = eHeaderValue
			}
		case eHeaderValue:
			switch c {
			case '\r':
				p.state = eHeaderValueCR
			case '\n':
				if err = p.commitHeader(); err != nil {
					return 0, nil, err
				}
				p.state = eLineStart
			default:
				if len(p.headerVal) >= maxHeaderValueLength {
					return 0, nil, ErrHeaderFieldsTooLarge
				}
				p.headerVal = append(p.headerVal, c)
			}
		case eHeaderValueCR:
			if c != '\n' {
				return 0, nil, ErrBadRequest
			}
			if err = p.commitHeader(); err != nil {
				return 0, nil, err
			}
			p.state = eLineStart
		}
	}

	return Pending, nil, nil
}

func (p *Parser) commitProto() error {
	switch string(p.lineBuff) {
	case "HTTP/1.1":
		p.request.Proto = ProtoHTTP11
	case "HTTP/1.0":
		p.request.Proto = ProtoHTTP10
	default:
		return ErrUnsupportedProtocol
	}
	p.lineBuff = p.lineBuff[:0]
	return nil
}

func (p *Parser) commitHeader() error {
	// trim trailing optional whitespace; the key is lowercased already
	value := p.headerVal
	for len(value) > 0 && (value[len(value)-1] == ' ' || value[len(value)-1] == '\t') {
		value = value[:len(value)-1]
	}

	key := string(p.headerKey)
	p.request.Headers.Add(key, string(value))

	switch key {
	case HeaderContentLength:
		if p.sawContentLength {
			return ErrBadRequest
		}
		// DIGIT only; ParseUint alone would let a sign through
		for _, c := range value {
			if c < '0' || c > '9' {
				return ErrBadRequest
			}
		}
		length, err := strconv.ParseUint(string(value), 10, 31)
		if err != nil {
			return ErrBadRequest
		}
		p.sawContentLength = true
		p.contentLength = int(length)
	case HeaderTransferEncoding:
		if string(lowerBytes(value)) != "chunked" {
			return ErrBadRequest
		}
		p.sawTransferEncoding = true
	case HeaderTrailer:
		p.sawTrailer = true
	}

	p.headerKey = p.headerKey[:0]
	p.headerVal = p.headerVal[:0]
	return nil
}

// endOfHeaders resolves the body framing once the blank line is reached.
func (p *Parser) endOfHeaders(extra []byte) (State, []byte, error) {
	if p.sawContentLength && p.sawTransferEncoding {
		return 0, nil, ErrConflictingFraming
	}

	if p.sawTransferEncoding {
		p.request.Chunked = true
		p.state = eChunkedBody
		return HeadersCompleted, extra, nil
	}

	if p.contentLength == 0 {
		p.reset()
		return RequestCompleted, extra, nil
	}

	if p.contentLength > maxBodyLength {
		return 0, nil, ErrBodyTooLarge
	}

	p.request.ContentLength = p.contentLength
	p.lengthCountdown = p.contentLength
	p.state = eBody
	return HeadersCompleted, extra, nil
}

func (p *Parser) parseLengthDelimited(data []byte) (State, []byte, error) {
	if p.lengthCountdown <= len(data) {
		p.request.Body = append(p.request.Body, data[:p.lengthCountdown]...)
		extra := data[p.lengthCountdown:]
		p.reset()
		return RequestCompleted, extra, nil
	}

	p.request.Body = append(p.request.Body, data...)
	p.lengthCountdown -= len(data)
	return Pending, nil, nil
}

func (p *Parser) parseChunked(data []byte) (State, []byte, error) {
	for {
		chunk, extra, err := p.chunkedParser.Parse(data, p.sawTrailer)
		switch err {
		case nil:
		case io.EOF:
			// final chunk reached; extra already belongs to the next message
			p.request.Body = append(p.request.Body, chunk...)
			if len(p.request.Body) > maxBodyLength {
				return 0, nil, ErrBodyTooLarge
			}
			p.reset()
			return RequestCompleted, extra, nil
		default:
			return 0, nil, ErrBadRequest
		}

		p.request.Body = append(p.request.Body, chunk...)
		if len(p.request.Body) > maxBodyLength {
			return 0, nil, ErrBodyTooLarge
		}

		if len(extra) == 0 {
			return Pending, nil, nil
		}
		data = extra
	}
}

func (p *Parser) reset() {
	p.state = eMethod
	p.lineBuff = p.lineBuff[:0]
	p.headerKey = p.headerKey[:0]
	p.headerVal = p.headerVal[:0]
	p.headerBytes = 0
	p.contentLength = 0
	p.lengthCountdown = 0
	p.sawContentLength = false
	p.sawTransferEncoding = false
	p.sawTrailer = false
}

func toLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c | 0x20
	}
	return c
}

func lowerBytes(b []byte) []byte {
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c | 0x20
		}
	}
	return b
}
