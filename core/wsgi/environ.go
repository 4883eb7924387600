package wsgi

import (
	"bytes"
	"io"
	"strings"

	"github.com/bruinweb/bruin/core/http"
)

// Environ carries the request metadata handed to the application,
// CGI-style keys plus the wsgi.* entries.
type Environ map[string]any

// Addr is a resolved socket address in string form, the way the environ
// exposes it.
type Addr struct {
	IP   string
	Port string
}

// BuildEnviron assembles the environ for one parsed request.
//
// SERVER_NAME/SERVER_PORT come from the Host header when present, from
// the accepting socket's local address otherwise. Content-Length and
// Content-Type are promoted out of the HTTP_ namespace; every other
// header lands under HTTP_<NAME> with dashes mapped to underscores,
// duplicates joined with a comma.
func BuildEnviron(req *http.Request, local, remote Addr, multiprocess bool, errOut io.Writer) Environ {
	env := Environ{
		"REQUEST_METHOD":    req.Method,
		"PATH_INFO":         req.Path,
		"QUERY_STRING":      req.Query,
		"SERVER_PROTOCOL":   req.Proto.String(),
		"wsgi.version":      [2]int{1, 0},
		"wsgi.url_scheme":   "http",
		"wsgi.multithread":  false,
		"wsgi.multiprocess": multiprocess,
		"wsgi.run_once":     false,
		"wsgi.input":        bytes.NewReader(req.Body),
		"wsgi.errors":       errOut,
	}

	if host, ok := req.Headers.Get(http.HeaderHost); ok {
		name, port, found := strings.Cut(host, ":")
		if !found {
			port = "80"
		}
		env["SERVER_NAME"] = name
		env["SERVER_PORT"] = port
	} else {
		env["SERVER_NAME"] = local.IP
		env["SERVER_PORT"] = local.Port
	}

	if remote.IP != "" {
		env["REMOTE_ADDR"] = remote.IP
		env["REMOTE_PORT"] = remote.Port
	}

	if value, ok := req.Headers.Get(http.HeaderContentLength); ok {
		env["CONTENT_LENGTH"] = value
	}
	if value, ok := req.Headers.Get(http.HeaderContentType); ok {
		env["CONTENT_TYPE"] = value
	}

	for _, field := range req.Headers.Fields() {
		if field.Key == http.HeaderContentLength || field.Key == http.HeaderContentType {
			continue
		}
		key := environKey(field.Key)
		if prev, ok := env[key]; ok {
			env[key] = prev.(string) + ", " + field.Value
			continue
		}
		env[key] = field.Value
	}

	return env
}

// Get returns a string entry, or fallback when absent or not a string.
func (e Environ) Get(key, fallback string) string {
	if value, ok := e[key].(string); ok {
		return value
	}
	return fallback
}

// Input returns the readable request body stream.
func (e Environ) Input() io.Reader {
	input, _ := e["wsgi.input"].(io.Reader)
	return input
}

func environKey(headerKey string) string {
	var sb strings.Builder
	sb.Grow(len("HTTP_") + len(headerKey))
	sb.WriteString("HTTP_")
	for i := 0; i < len(headerKey); i++ {
		c := headerKey[i]
		switch {
		case c == '-':
			sb.WriteByte('_')
		case c >= 'a' && c <= 'z':
			sb.WriteByte(c - 0x20)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
