package core

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/bruinweb/bruin/core/http"
	"github.com/bruinweb/bruin/core/poller"
	"github.com/bruinweb/bruin/core/wsgi"
)

// Connection states
const (
	StateReading = iota
	StateProcessing
	StateWriting
	StateKeepAlive
	StateClosed
)

// outgoing is one pending write-queue entry: a byte chunk and how much
// of it has already reached the socket.
type outgoing struct {
	data   []byte
	offset int
}

// Conn is one accepted socket: its read buffer, parser, in-progress
// transaction and ordered write queue. A Conn is owned by exactly one
// worker and lives in that worker's connection table while open.
type Conn struct {
	fd    int
	state int

	readBuf []byte

	request *http.Request
	parser  *http.Parser

	response *wsgi.ResponseStream
	queue    []outgoing
	buffered int // bytes sitting in the write queue
	sent     int // response bytes already written for this transaction

	// carry holds pipelined bytes that arrived behind a completed
	// request; they are fed to the parser only once the current
	// response has fully drained, keeping transactions sequential.
	carry []byte

	closeAfterWrite bool
	interest        poller.Interest
	lastActive      time.Time

	local  wsgi.Addr
	remote wsgi.Addr
}

// bind readies a pooled Conn for a freshly accepted descriptor. The
// parser allocation survives pooling; it is rewound and rebound here.
func (c *Conn) bind(fd int, readBuf []byte, request *http.Request) {
	c.fd = fd
	c.state = StateReading
	c.readBuf = readBuf
	c.request = request
	if c.parser == nil {
		c.parser = http.NewParser(request)
	} else {
		c.parser.Reuse(request)
	}
	c.interest = poller.Read
	c.lastActive = time.Now()
}

// Reset implements pools.Poolable. The parser is deliberately kept:
// bind rewinds it for the next descriptor.
func (c *Conn) Reset() {
	c.fd = -1
	c.state = StateClosed
	c.readBuf = nil
	c.request = nil
	c.response = nil
	c.queue = nil
	c.buffered = 0
	c.sent = 0
	c.carry = nil
	c.closeAfterWrite = false
	c.interest = 0
	c.lastActive = time.Time{}
	c.local = wsgi.Addr{}
	c.remote = wsgi.Addr{}
}

func (c *Conn) enqueue(data []byte) {
	if len(data) == 0 {
		return
	}
	c.queue = append(c.queue, outgoing{data: data})
	c.buffered += len(data)
}

func (c *Conn) dropQueue() {
	c.queue = c.queue[:0]
	c.buffered = 0
}

// writeOutgoing pushes queued chunks into the socket until it would
// block or the queue empties. pending reports whether bytes remain.
func (c *Conn) writeOutgoing() (pending bool, err error) {
	for len(c.queue) > 0 {
		front := &c.queue[0]

		n, err := unix.Write(c.fd, front.data[front.offset:])
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return true, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n <= 0 {
			return true, nil
		}

		front.offset += n
		c.buffered -= n
		c.sent += n
		if front.offset >= len(front.data) {
			c.queue = c.queue[1:]
		}
	}

	if len(c.queue) == 0 {
		c.queue = nil
	}
	return false, nil
}

// fillFromResponse pulls body chunks onto the write queue, stopping at
// the buffered-byte ceiling so a slow peer suspends application-side
// production instead of growing memory (backpressure).
func (c *Conn) fillFromResponse(ceiling int) error {
	for c.response != nil && !c.response.Finished() && c.buffered < ceiling {
		chunk, err := c.response.NextChunk()
		if err != nil {
			return err
		}
		if chunk == nil {
			break
		}
		c.enqueue(chunk)
	}
	return nil
}
