package http

import (
	"strings"
	"sync"
)

// Protocol is the request's HTTP version.
type Protocol uint8

const (
	ProtoUnknown Protocol = iota
	ProtoHTTP10
	ProtoHTTP11
)

func (p Protocol) String() string {
	switch p {
	case ProtoHTTP10:
		return "HTTP/1.0"
	case ProtoHTTP11:
		return "HTTP/1.1"
	default:
		return "HTTP/?"
	}
}

// Request is one parsed HTTP transaction. It is pooled: a connection
// acquires one on accept and releases it on close, resetting it in
// between keep-alive transactions.
type Request struct {
	Method string
	Path   string
	Query  string
	Proto  Protocol

	Headers Headers

	// Framing resolved from the header section.
	ContentLength int
	Chunked       bool

	// Body holds the fully reassembled request body: content-length
	// bytes verbatim, or chunked data with the chunk framing stripped.
	Body []byte
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{
			Body: make([]byte, 0, 1024),
		}
	},
}

func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

func ReleaseRequest(req *Request) {
	req.Reset()
	requestPool.Put(req)
}

// Reset clears the request for reuse. Memory is kept, not freed.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Query = ""
	r.Proto = ProtoUnknown
	r.Headers.Reset()
	r.ContentLength = 0
	r.Chunked = false
	r.Body = r.Body[:0]
}

// KeepAlive reports whether the peer and protocol version permit reusing
// the connection. HTTP/1.1 defaults to keep-alive unless the peer asked
// to close; HTTP/1.0 requires an explicit keep-alive token.
func (r *Request) KeepAlive() bool {
	value, _ := r.Headers.Get(HeaderConnection)
	value = lower(value)
	if r.Proto == ProtoHTTP11 {
		return !strings.Contains(value, "close")
	}
	return strings.Contains(value, "keep-alive")
}
