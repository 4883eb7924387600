package wsgi

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/bruinweb/bruin/core/http"
)

var (
	// ErrStartResponseMissing means the application returned without
	// ever calling start_response.
	ErrStartResponseMissing = errors.New("application did not call start_response")

	// ErrTruncatedBody means the lazy body ended before producing the
	// number of bytes the application declared in Content-Length. The
	// framing promise is broken and the connection cannot be reused.
	ErrTruncatedBody = errors.New("response body shorter than declared content-length")
)

// ResponseStream frames one application response. The header block and
// any already-materialized chunks sit in the pending queue; the rest is
// pulled lazily from the body, one chunk at a time, so a slow peer
// suspends application-side production instead of growing buffers.
type ResponseStream struct {
	pending [][]byte
	body    Body

	chunked   bool
	keepAlive bool
	finished  bool

	hasLength bool
	remaining int
}

type responseState struct {
	called  bool
	status  string
	headers []Header
}

// Prepare builds the environ, invokes the application exactly once and
// resolves the response framing. No bytes are flushed before the first
// body chunk has been produced, so a second start_response call from
// the application can still replace the first.
//
// Framing resolution: an application-declared Content-Length is
// authoritative; otherwise a materialized body gets a computed length;
// otherwise HTTP/1.1 keep-alive responses are chunked; otherwise the
// connection close delimits the body.
func Prepare(req *http.Request, app App, local, remote Addr, multiprocess bool, errOut io.Writer) (*ResponseStream, error) {
	env := BuildEnviron(req, local, remote, multiprocess, errOut)

	var st responseState
	start := func(status string, headers []Header) {
		st.called = true
		st.status = status
		st.headers = append(st.headers[:0:0], headers...)
	}

	body, err := app(env, start)
	if err != nil {
		closeBody(body)
		return nil, err
	}

	_, materialized := body.(*bytesBody)

	var firstChunk []byte
	if body != nil {
		firstChunk, err = nextNonEmptyChunk(body)
		if err == io.EOF {
			closeBody(body)
			body = nil
			err = nil
		}
		if err != nil {
			closeBody(body)
			return nil, err
		}
	}
	if materialized && body != nil {
		// a bytes body has exactly one chunk; it is spent now
		closeBody(body)
		body = nil
	}

	if !st.called {
		closeBody(body)
		return nil, ErrStartResponseMissing
	}

	noBody := strings.HasPrefix(st.status, "204") || strings.HasPrefix(st.status, "304")

	keepAliveRequested := req.KeepAlive()
	declaredLength, declared := declaredContentLength(st.headers)

	lengthUnknown := !declared && !noBody && body != nil

	keepAlive := keepAliveRequested
	chunked := false
	if keepAliveRequested && lengthUnknown {
		if req.Proto == http.ProtoHTTP11 {
			chunked = true
		} else {
			keepAlive = false
		}
	}

	hasLength := false
	contentLength := 0
	switch {
	case chunked:
	case declared:
		hasLength = true
		contentLength = declaredLength
	case body == nil && !noBody:
		hasLength = true
		contentLength = len(firstChunk)
	}

	if !chunked && !hasLength && !noBody {
		// close-delimited body
		keepAlive = false
	}

	rs := &ResponseStream{
		body:      body,
		chunked:   chunked,
		keepAlive: keepAlive,
		finished:  body == nil,
		hasLength: hasLength,
		remaining: contentLength,
	}

	rs.pending = append(rs.pending, buildHeaderBlock(req.Proto, &st, keepAlive, chunked, hasLength, contentLength))
	if len(firstChunk) > 0 {
		rs.enqueueChunk(firstChunk)
	}

	return rs, nil
}

// TakePending drains the already-materialized output queue.
func (r *ResponseStream) TakePending() [][]byte {
	pending := r.pending
	r.pending = nil
	return pending
}

// NextChunk pulls the next wire-ready piece of the response body.
// A nil chunk with nil error means the response is complete.
func (r *ResponseStream) NextChunk() ([]byte, error) {
	if r.finished {
		return nil, nil
	}

	chunk, err := nextNonEmptyChunk(r.body)
	if err == io.EOF {
		r.finish()
		if r.hasLength && r.remaining > 0 {
			return nil, ErrTruncatedBody
		}
		if r.chunked {
			return []byte("0\r\n\r\n"), nil
		}
		return nil, nil
	}
	if err != nil {
		r.finish()
		return nil, err
	}

	return r.wireChunk(chunk), nil
}

// KeepAlive reports whether the connection may be reused once this
// response is fully written.
func (r *ResponseStream) KeepAlive() bool {
	return r.keepAlive
}

// Finished reports whether the body sequence is exhausted. Queued but
// unwritten bytes may still remain on the connection.
func (r *ResponseStream) Finished() bool {
	return r.finished
}

// Truncated reports whether the body ended short of an authoritative
// Content-Length. Such a connection must be closed, not reused.
func (r *ResponseStream) Truncated() bool {
	return r.hasLength && r.remaining > 0
}

// Abort abandons the response, releasing the application body.
func (r *ResponseStream) Abort() {
	r.finish()
}

func (r *ResponseStream) finish() {
	r.finished = true
	closeBody(r.body)
	r.body = nil
}

func (r *ResponseStream) enqueueChunk(chunk []byte) {
	if wire := r.wireChunk(chunk); wire != nil {
		r.pending = append(r.pending, wire)
	}
}

// wireChunk applies the resolved framing to one body chunk: chunked
// encoding, or clamping against an authoritative Content-Length.
func (r *ResponseStream) wireChunk(chunk []byte) []byte {
	if r.hasLength {
		if r.remaining <= 0 {
			return nil
		}
		if len(chunk) > r.remaining {
			chunk = chunk[:r.remaining]
		}
		r.remaining -= len(chunk)
		if r.remaining == 0 {
			// exactly the declared byte count was produced
			r.finish()
		}
	}
	if r.chunked {
		return wrapChunk(chunk)
	}
	return chunk
}

func nextNonEmptyChunk(body Body) ([]byte, error) {
	for {
		chunk, err := body.Next()
		if err != nil {
			return nil, err
		}
		if len(chunk) > 0 {
			return chunk, nil
		}
	}
}

func declaredContentLength(headers []Header) (int, bool) {
	for i := range headers {
		if strings.EqualFold(headers[i].Key, "Content-Length") {
			length, err := strconv.Atoi(headers[i].Value)
			if err != nil || length < 0 {
				return 0, false
			}
			return length, true
		}
	}
	return 0, false
}

func buildHeaderBlock(proto http.Protocol, st *responseState, keepAlive, chunked, hasLength bool, contentLength int) []byte {
	block := make([]byte, 0, 256)
	block = append(block, proto.String()...)
	block = append(block, ' ')
	block = append(block, st.status...)
	block = append(block, "\r\n"...)

	for _, h := range st.headers {
		if strings.EqualFold(h.Key, "Connection") {
			continue
		}
		if chunked && strings.EqualFold(h.Key, "Transfer-Encoding") {
			continue
		}
		if hasLength && strings.EqualFold(h.Key, "Content-Length") {
			continue
		}
		block = append(block, h.Key...)
		block = append(block, ": "...)
		block = append(block, h.Value...)
		block = append(block, "\r\n"...)
	}

	if keepAlive {
		block = append(block, "Connection: Keep-Alive\r\n"...)
	} else {
		block = append(block, "Connection: close\r\n"...)
	}

	if chunked {
		block = append(block, "Transfer-Encoding: chunked\r\n"...)
	} else if hasLength {
		block = append(block, "Content-Length: "...)
		block = strconv.AppendInt(block, int64(contentLength), 10)
		block = append(block, "\r\n"...)
	}

	return append(block, "\r\n"...)
}

func wrapChunk(chunk []byte) []byte {
	wrapped := make([]byte, 0, len(chunk)+16)
	wrapped = strconv.AppendUint(wrapped, uint64(len(chunk)), 16)
	wrapped = append(wrapped, "\r\n"...)
	wrapped = append(wrapped, chunk...)
	return append(wrapped, "\r\n"...)
}

func closeBody(body Body) {
	if body != nil {
		_ = body.Close()
	}
}
