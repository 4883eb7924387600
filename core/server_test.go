package core

import (
	"bufio"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bruinweb/bruin/config"
	"github.com/bruinweb/bruin/core/wsgi"
)

func echoApp(env wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
	body, err := io.ReadAll(env.Input())
	if err != nil {
		return nil, err
	}

	reply := fmt.Sprintf("%s %s %s", env.Get("REQUEST_METHOD", ""), env.Get("PATH_INFO", ""), body)
	start("200 OK", []wsgi.Header{{Key: "Content-Type", Value: "text/plain"}})
	return wsgi.Bytes([]byte(reply)), nil
}

func startServer(t *testing.T, workers int, handler wsgi.App) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Port = 0
	cfg.Workers = workers
	cfg.ShutdownPollInterval = 20 * time.Millisecond
	cfg.DrainTimeout = 500 * time.Millisecond

	srv := New(cfg, zap.NewNop(), handler)
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	t.Cleanup(func() {
		srv.RequestShutdown()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
		}
	})

	return srv
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, r *bufio.Reader) (*nethttp.Response, string) {
	t.Helper()

	resp, err := nethttp.ReadResponse(r, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestServeSimpleRequest(t *testing.T) {
	srv := startServer(t, 1, echoApp)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("GET /hello HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	resp, body := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "GET /hello ", body)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
}

func TestServeKeepAliveSequence(t *testing.T) {
	srv := startServer(t, 1, echoApp)
	conn := dialServer(t, srv)
	r := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf("ping-%d", i)
		_, err := fmt.Fprintf(conn,
			"POST /echo HTTP/1.1\r\nHost: test\r\nContent-Length: %d\r\n\r\n%s",
			len(payload), payload)
		require.NoError(t, err)

		resp, body := readResponse(t, r)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "POST /echo "+payload, body)
		assert.Equal(t, "Keep-Alive", resp.Header.Get("Connection"))
	}
}

func TestServePipelinedRequests(t *testing.T) {
	srv := startServer(t, 1, echoApp)
	conn := dialServer(t, srv)

	// both requests land in one segment; responses must come back in
	// order, each produced only after the previous one drained
	_, err := conn.Write([]byte(
		"GET /first HTTP/1.1\r\nHost: test\r\n\r\n" +
			"GET /second HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	_, body := readResponse(t, r)
	assert.Equal(t, "GET /first ", body)
	_, body = readResponse(t, r)
	assert.Equal(t, "GET /second ", body)
}

func TestServeChunkedRequestBody(t *testing.T) {
	srv := startServer(t, 1, echoApp)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte(
		"POST /up HTTP/1.1\r\nHost: test\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n" +
			"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"))
	require.NoError(t, err)

	resp, body := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "POST /up hello world", body)
}

func TestServeStreamedResponse(t *testing.T) {
	srv := startServer(t, 1, func(env wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		start("200 OK", nil)
		return wsgi.Chunks([]byte("part1 "), []byte("part2 "), []byte("part3")), nil
	})
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("GET /stream HTTP/1.1\r\nHost: test\r\n\r\n"))
	require.NoError(t, err)

	resp, body := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "part1 part2 part3", body)
}

func TestServeMalformedRequest(t *testing.T) {
	srv := startServer(t, 1, echoApp)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("NONSENSE\r\n\r\n"))
	require.NoError(t, err)

	resp, _ := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
}

func TestServeApplicationError(t *testing.T) {
	srv := startServer(t, 1, func(env wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		return nil, fmt.Errorf("database unreachable")
	})
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: test\r\n\r\n"))
	require.NoError(t, err)

	resp, body := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, "Internal Server Error", body)
}

func TestServeMultipleWorkers(t *testing.T) {
	srv := startServer(t, 4, echoApp)

	for i := 0; i < 8; i++ {
		conn := dialServer(t, srv)
		_, err := fmt.Fprintf(conn, "GET /n%d HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n", i)
		require.NoError(t, err)

		_, body := readResponse(t, bufio.NewReader(conn))
		assert.Equal(t, fmt.Sprintf("GET /n%d ", i), body)
	}
}

func TestServeEphemeralPort(t *testing.T) {
	srv := startServer(t, 1, echoApp)
	assert.Greater(t, srv.Port(), 0)
}

func TestShutdownIdle(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 0
	cfg.ShutdownPollInterval = 20 * time.Millisecond
	cfg.DrainTimeout = 200 * time.Millisecond

	srv := New(cfg, zap.NewNop(), echoApp)
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	srv.RequestShutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after shutdown request")
	}
	assert.True(t, srv.ShuttingDown())
}
