package wsgi

import (
	"errors"
	"strconv"

	"github.com/bruinweb/bruin/core/http"
)

// StatusFor maps a framing error to the status code of the best-effort
// error response. Anything unrecognized is an internal failure.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, http.ErrURITooLong):
		return 414
	case errors.Is(err, http.ErrHeaderFieldsTooLarge):
		return 431
	case errors.Is(err, http.ErrBodyTooLarge):
		return 413
	case errors.Is(err, http.ErrUnsupportedProtocol):
		return 505
	case errors.Is(err, http.ErrBadRequest), errors.Is(err, http.ErrConflictingFraming):
		return 400
	default:
		return 500
	}
}

// ErrorResponse renders a complete, self-delimiting generic error
// response. It is used when the application fails before producing
// output, or when a request could not be framed at all.
func ErrorResponse(proto http.Protocol, code int) []byte {
	if proto == http.ProtoUnknown {
		proto = http.ProtoHTTP11
	}
	text := statusText(code)

	block := make([]byte, 0, 128)
	block = append(block, proto.String()...)
	block = append(block, ' ')
	block = strconv.AppendInt(block, int64(code), 10)
	block = append(block, ' ')
	block = append(block, text...)
	block = append(block, "\r\nConnection: close\r\nContent-Type: text/plain\r\nContent-Length: "...)
	block = strconv.AppendInt(block, int64(len(text)), 10)
	block = append(block, "\r\n\r\n"...)
	return append(block, text...)
}

func statusText(code int) string {
	switch code {
	case 400:
		return "Bad Request"
	case 408:
		return "Request Timeout"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Error"
	}
}
