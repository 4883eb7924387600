package http

import "errors"

// Well-known header keys, in the normalized (lowercase) form the header
// map stores.
const (
	HeaderHost             = "host"
	HeaderConnection       = "connection"
	HeaderContentType      = "content-type"
	HeaderContentLength    = "content-length"
	HeaderTransferEncoding = "transfer-encoding"
	HeaderTrailer          = "trailer"
)

// Framing errors. All of them are connection-local: the server answers
// with a best-effort error status if possible and closes.
var (
	ErrBadRequest           = errors.New("malformed request")
	ErrUnsupportedProtocol  = errors.New("unsupported protocol version")
	ErrURITooLong           = errors.New("request target too long")
	ErrHeaderFieldsTooLarge = errors.New("header section too large")
	ErrBodyTooLarge         = errors.New("request body too large")

	// ErrConflictingFraming rejects requests that carry both
	// Content-Length and Transfer-Encoding instead of picking a
	// precedence between them.
	ErrConflictingFraming = errors.New("conflicting content-length and transfer-encoding")
)
