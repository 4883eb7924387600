package wsgi

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bruinweb/bruin/core/http"
)

func newRequest(proto http.Protocol, headers ...[2]string) *http.Request {
	req := &http.Request{
		Method: "GET",
		Path:   "/items",
		Query:  "page=2",
		Proto:  proto,
	}
	for _, h := range headers {
		req.Headers.Add(h[0], h[1])
	}
	return req
}

func TestBuildEnviron(t *testing.T) {
	req := newRequest(http.ProtoHTTP11,
		[2]string{"host", "example.com:8080"},
		[2]string{"user-agent", "curl/8.0"},
		[2]string{"content-type", "text/plain"},
		[2]string{"content-length", "4"},
	)
	req.Body = []byte("ping")

	env := BuildEnviron(req,
		Addr{IP: "127.0.0.1", Port: "8080"},
		Addr{IP: "10.0.0.9", Port: "54211"},
		true, io.Discard)

	assert.Equal(t, "GET", env["REQUEST_METHOD"])
	assert.Equal(t, "/items", env["PATH_INFO"])
	assert.Equal(t, "page=2", env["QUERY_STRING"])
	assert.Equal(t, "HTTP/1.1", env["SERVER_PROTOCOL"])

	// the Host header wins over the accepting socket's address
	assert.Equal(t, "example.com", env["SERVER_NAME"])
	assert.Equal(t, "8080", env["SERVER_PORT"])

	assert.Equal(t, "10.0.0.9", env["REMOTE_ADDR"])
	assert.Equal(t, "54211", env["REMOTE_PORT"])

	assert.Equal(t, "4", env["CONTENT_LENGTH"])
	assert.Equal(t, "text/plain", env["CONTENT_TYPE"])
	assert.NotContains(t, env, "HTTP_CONTENT_LENGTH")
	assert.NotContains(t, env, "HTTP_CONTENT_TYPE")

	assert.Equal(t, "curl/8.0", env["HTTP_USER_AGENT"])
	assert.Equal(t, "example.com:8080", env["HTTP_HOST"])

	assert.Equal(t, [2]int{1, 0}, env["wsgi.version"])
	assert.Equal(t, "http", env["wsgi.url_scheme"])
	assert.Equal(t, false, env["wsgi.multithread"])
	assert.Equal(t, true, env["wsgi.multiprocess"])
	assert.Equal(t, false, env["wsgi.run_once"])

	body, err := io.ReadAll(env.Input())
	require.NoError(t, err)
	assert.Equal(t, "ping", string(body))
}

func TestBuildEnvironNoHostHeader(t *testing.T) {
	req := newRequest(http.ProtoHTTP10)

	env := BuildEnviron(req,
		Addr{IP: "192.168.1.5", Port: "8000"},
		Addr{}, false, io.Discard)

	assert.Equal(t, "192.168.1.5", env["SERVER_NAME"])
	assert.Equal(t, "8000", env["SERVER_PORT"])
	assert.NotContains(t, env, "REMOTE_ADDR")
	assert.Equal(t, false, env["wsgi.multiprocess"])
}

func TestBuildEnvironHostWithoutPort(t *testing.T) {
	req := newRequest(http.ProtoHTTP11, [2]string{"host", "example.com"})

	env := BuildEnviron(req, Addr{}, Addr{}, false, io.Discard)

	assert.Equal(t, "example.com", env["SERVER_NAME"])
	assert.Equal(t, "80", env["SERVER_PORT"])
}

func TestBuildEnvironDuplicateHeaders(t *testing.T) {
	req := newRequest(http.ProtoHTTP11,
		[2]string{"x-forwarded-for", "10.0.0.1"},
		[2]string{"x-forwarded-for", "10.0.0.2"},
	)

	env := BuildEnviron(req, Addr{}, Addr{}, false, io.Discard)

	assert.Equal(t, "10.0.0.1, 10.0.0.2", env["HTTP_X_FORWARDED_FOR"])
}

func TestEnvironGet(t *testing.T) {
	env := Environ{"PATH_INFO": "/x", "wsgi.version": [2]int{1, 0}}

	assert.Equal(t, "/x", env.Get("PATH_INFO", ""))
	assert.Equal(t, "fallback", env.Get("MISSING", "fallback"))
	assert.Equal(t, "fallback", env.Get("wsgi.version", "fallback"))
}
