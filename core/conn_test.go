package core

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bruinweb/bruin/core/http"
	"github.com/bruinweb/bruin/core/wsgi"
)

func newConnPair(t *testing.T) (*Conn, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	conn := &Conn{fd: -1, state: StateClosed}
	conn.bind(fds[0], make([]byte, 8192), http.AcquireRequest())

	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
		if conn.request != nil {
			http.ReleaseRequest(conn.request)
		}
	})

	return conn, fds[1]
}

func readAvailable(t *testing.T, fd int, buf []byte) []byte {
	t.Helper()
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestConnWriteOutgoing(t *testing.T) {
	conn, peer := newConnPair(t)

	conn.enqueue([]byte("hello "))
	conn.enqueue([]byte("world"))
	assert.Equal(t, 11, conn.buffered)

	pending, err := conn.writeOutgoing()
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Zero(t, conn.buffered)
	assert.Equal(t, 11, conn.sent)

	got := readAvailable(t, peer, make([]byte, 64))
	assert.Equal(t, "hello world", string(got))
}

func TestConnWriteOutgoingPartial(t *testing.T) {
	conn, peer := newConnPair(t)

	// far more than the socket buffer holds, so the write must block
	// part-way and resume after the peer drains
	payload := bytes.Repeat([]byte("x"), 4<<20)
	conn.enqueue(payload)

	pending, err := conn.writeOutgoing()
	require.NoError(t, err)
	require.True(t, pending)
	require.Greater(t, conn.buffered, 0)

	var received int
	buf := make([]byte, 64<<10)
	for pending {
		received += len(readAvailable(t, peer, buf))
		pending, err = conn.writeOutgoing()
		require.NoError(t, err)
	}
	for received < len(payload) {
		received += len(readAvailable(t, peer, buf))
	}

	assert.Equal(t, len(payload), received)
	assert.Zero(t, conn.buffered)
	assert.Equal(t, len(payload), conn.sent)
}

func TestConnFillFromResponseCeiling(t *testing.T) {
	conn, _ := newConnPair(t)

	chunk := bytes.Repeat([]byte("z"), 4096)
	req := &http.Request{Method: "GET", Path: "/", Proto: http.ProtoHTTP11}

	rs, err := wsgi.Prepare(req, func(env wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		start("200 OK", nil)
		return wsgi.Chunks(chunk, chunk, chunk, chunk, chunk, chunk), nil
	}, wsgi.Addr{}, wsgi.Addr{}, false, io.Discard)
	require.NoError(t, err)

	conn.response = rs
	for _, pending := range rs.TakePending() {
		conn.enqueue(pending)
	}

	ceiling := 10000
	require.NoError(t, conn.fillFromResponse(ceiling))

	// production stops at the ceiling, one chunk of overshoot at most
	assert.GreaterOrEqual(t, conn.buffered, ceiling)
	assert.Less(t, conn.buffered, ceiling+len(chunk)+16)
	assert.False(t, rs.Finished())

	rs.Abort()
}

func TestConnReset(t *testing.T) {
	conn, _ := newConnPair(t)
	parser := conn.parser

	conn.enqueue([]byte("leftover"))
	conn.carry = []byte("next request")
	conn.closeAfterWrite = true
	conn.sent = 42

	req := conn.request
	conn.request = nil
	http.ReleaseRequest(req)

	conn.Reset()

	assert.Equal(t, -1, conn.fd)
	assert.Equal(t, StateClosed, conn.state)
	assert.Nil(t, conn.readBuf)
	assert.Nil(t, conn.request)
	assert.Nil(t, conn.response)
	assert.Nil(t, conn.queue)
	assert.Zero(t, conn.buffered)
	assert.Zero(t, conn.sent)
	assert.Nil(t, conn.carry)
	assert.False(t, conn.closeAfterWrite)

	// the parser survives pooling and is rewound on the next bind
	assert.Same(t, parser, conn.parser)
}
