package core

import (
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
	"golang.org/x/sys/unix"

	"github.com/bruinweb/bruin/core/http"
	"github.com/bruinweb/bruin/core/poller"
	"github.com/bruinweb/bruin/core/pools"
	"github.com/bruinweb/bruin/core/wsgi"
)

// Worker is one server replica: a single-threaded reactor with its own
// poller and connection table. Workers share nothing but the listening
// descriptor; the kernel's accept queue arbitrates between them.
type Worker struct {
	id  int
	srv *Server
	log *zap.Logger

	poller poller.Poller
	conns  map[int]*Conn

	connPool *pools.ConnectionPool
	bytePool *pools.BytePool

	errOut io.Writer
}

func newWorker(id int, srv *Server) (*Worker, error) {
	p, err := poller.NewPoller()
	if err != nil {
		return nil, err
	}

	log := srv.log.With(zap.Int("worker", id))
	w := &Worker{
		id:     id,
		srv:    srv,
		log:    log,
		poller: p,
		conns:  make(map[int]*Conn, 1024),
		connPool: pools.NewConnectionPool(func() any {
			return &Conn{fd: -1, state: StateClosed}
		}),
		bytePool: pools.NewBytePool(),
		errOut:   &zapio.Writer{Log: log.Named("wsgi.errors"), Level: zap.ErrorLevel},
	}

	if err := p.Add(srv.lfd, poller.Read); err != nil {
		p.Close()
		return nil, err
	}

	return w, nil
}

// run is the reactor loop. It blocks only inside the poller wait; the
// bounded wait interval doubles as the shutdown-flag poll tick.
func (w *Worker) run() {
	defer w.poller.Close()

	pollMs := int(w.srv.cfg.ShutdownPollInterval.Milliseconds())
	if pollMs <= 0 {
		pollMs = 100
	}

	for {
		events, err := w.poller.Wait(pollMs)
		if err != nil {
			w.log.Warn("poller wait failed", zap.Error(err))
			continue
		}

		if w.srv.ShuttingDown() {
			w.drain(pollMs)
			return
		}

		for _, ev := range events {
			if ev.FD == w.srv.lfd {
				if ev.Readable {
					w.acceptConnections()
				}
				continue
			}
			w.handleConnectionEvent(ev)
		}
	}
}

// drain performs the orderly part of shutdown: stop accepting, let
// in-flight connections finish up to the drain deadline, then tear down
// whatever remains.
func (w *Worker) drain(pollMs int) {
	w.poller.Remove(w.srv.lfd)

	deadline := time.Now().Add(w.srv.cfg.DrainTimeout)
	for len(w.conns) > 0 && time.Now().Before(deadline) {
		events, err := w.poller.Wait(pollMs)
		if err != nil {
			break
		}
		for _, ev := range events {
			if ev.FD == w.srv.lfd {
				continue
			}
			w.handleConnectionEvent(ev)
		}
	}

	remaining := make([]int, 0, len(w.conns))
	for fd := range w.conns {
		remaining = append(remaining, fd)
	}
	for _, fd := range remaining {
		w.closeConnection(fd)
	}

	w.log.Info("worker drained", zap.Int("forcibly_closed", len(remaining)))
}

// acceptConnections drains the accept queue until it would block, so a
// burst of connections is absorbed in one wake-up.
func (w *Worker) acceptConnections() {
	for {
		nfd, sa, err := unix.Accept(w.srv.lfd)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE:
				// descriptor exhaustion is local trouble, never fatal
				w.log.Warn("accept skipped", zap.Error(err))
				return
			default:
				w.log.Warn("accept failed", zap.Error(err))
				return
			}
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}

		// disable Nagle; responses are written in framed chunks already
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		conn := w.connPool.Get().(*Conn)
		conn.bind(nfd, w.bytePool.Get(w.srv.cfg.ReadBufferSize), http.AcquireRequest())
		conn.remote = sockaddrToAddr(sa)
		conn.local = localAddr(nfd)

		if err := w.poller.Add(nfd, poller.Read); err != nil {
			w.log.Warn("poller add failed", zap.Error(err))
			w.release(conn)
			unix.Close(nfd)
			continue
		}

		w.conns[nfd] = conn
	}
}

func (w *Worker) handleConnectionEvent(ev poller.Event) {
	conn, ok := w.conns[ev.FD]
	if !ok {
		return
	}

	conn.lastActive = time.Now()

	if ev.Readable {
		if !w.handleReadable(conn) {
			return
		}
	}
	if ev.Writable {
		if _, open := w.conns[ev.FD]; !open {
			return
		}
		if !w.handleWritable(conn) {
			return
		}
	}

	w.updateInterest(conn)
}

// handleReadable reads whatever the socket has and feeds it through the
// parser. Reading pauses while a response is in flight: transactions on
// one connection are strictly sequential.
func (w *Worker) handleReadable(conn *Conn) bool {
	if conn.response != nil || conn.buffered > 0 {
		return true
	}

	for {
		n, err := unix.Read(conn.fd, conn.readBuf)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return true
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			// peer reset or departed; release everything silently
			w.closeConnection(conn.fd)
			return false
		}

		if !w.feed(conn, conn.readBuf[:n]) {
			return false
		}
		if conn.response != nil || conn.buffered > 0 {
			return true
		}
		if n < len(conn.readBuf) {
			return true
		}
	}
}

// feed advances the parser over data, dispatching at most one completed
// request and carrying any surplus for the next transaction.
func (w *Worker) feed(conn *Conn, data []byte) bool {
	conn.state = StateReading

	for {
		st, extra, err := conn.parser.Parse(data)
		if err != nil {
			return w.rejectRequest(conn, err)
		}

		switch st {
		case http.RequestCompleted:
			if len(extra) > 0 {
				conn.carry = append(conn.carry, extra...)
			}
			return w.dispatch(conn)
		case http.HeadersCompleted:
			if len(extra) == 0 {
				return true
			}
			data = extra
		default:
			return true
		}
	}
}

// dispatch hands the completed request to the application. The call is
// synchronous and occupies this worker's loop for its duration;
// throughput scales by worker replication, not intra-worker concurrency.
func (w *Worker) dispatch(conn *Conn) bool {
	conn.state = StateProcessing

	rs, err := wsgi.Prepare(
		conn.request, w.srv.app,
		conn.local, conn.remote,
		w.srv.cfg.Workers > 1, w.errOut,
	)
	if err != nil {
		// nothing was flushed yet, so a generic error can substitute
		w.log.Error("application failed", zap.Error(err),
			zap.String("method", conn.request.Method),
			zap.String("path", conn.request.Path))
		conn.enqueue(wsgi.ErrorResponse(conn.request.Proto, 500))
		conn.closeAfterWrite = true
		conn.state = StateWriting
		return w.flushProgress(conn)
	}

	conn.response = rs
	for _, chunk := range rs.TakePending() {
		conn.enqueue(chunk)
	}
	conn.state = StateWriting

	return w.flushProgress(conn)
}

// rejectRequest answers a framing error with a best-effort error status
// when no response bytes have been sent, and closes otherwise.
func (w *Worker) rejectRequest(conn *Conn, err error) bool {
	if conn.sent > 0 {
		w.closeConnection(conn.fd)
		return false
	}

	w.log.Debug("request rejected", zap.Error(err))
	conn.dropQueue()
	conn.enqueue(wsgi.ErrorResponse(conn.request.Proto, wsgi.StatusFor(err)))
	conn.closeAfterWrite = true
	conn.state = StateWriting
	return w.flushProgress(conn)
}

func (w *Worker) handleWritable(conn *Conn) bool {
	if conn.buffered == 0 && conn.response == nil {
		return true
	}
	conn.state = StateWriting
	return w.flushProgress(conn)
}

// flushProgress drives the write path as far as the socket allows:
// drain the queue, refill from the lazy body under the backpressure
// ceiling, and settle the transaction once everything is out.
func (w *Worker) flushProgress(conn *Conn) bool {
	for {
		pending, err := conn.writeOutgoing()
		if err != nil {
			w.closeConnection(conn.fd)
			return false
		}
		if pending {
			return true
		}

		if conn.response != nil && !conn.response.Finished() {
			if err := conn.fillFromResponse(w.srv.cfg.MaxWriteBuffer); err != nil {
				return w.failMidBody(conn, err)
			}
			if conn.buffered > 0 {
				continue
			}
		}

		return w.completeIfDone(conn)
	}
}

// failMidBody handles an application failure while iterating the body:
// substitute a generic error if nothing was sent, abort otherwise —
// headers already on the wire cannot be retracted.
func (w *Worker) failMidBody(conn *Conn, err error) bool {
	if conn.sent == 0 {
		w.log.Error("application body failed", zap.Error(err))
		conn.dropQueue()
		conn.response.Abort()
		conn.response = nil
		conn.enqueue(wsgi.ErrorResponse(conn.request.Proto, 500))
		conn.closeAfterWrite = true
		return w.flushProgress(conn)
	}

	w.log.Error("application body failed mid-response, aborting", zap.Error(err))
	w.closeConnection(conn.fd)
	return false
}

// completeIfDone settles a fully flushed transaction: keep-alive reset
// or close, then replay any pipelined carry bytes.
func (w *Worker) completeIfDone(conn *Conn) bool {
	if conn.response != nil && conn.response.Finished() && conn.buffered == 0 {
		keep := conn.response.KeepAlive() &&
			!conn.response.Truncated() &&
			!conn.closeAfterWrite
		conn.response = nil

		if !keep {
			w.closeConnection(conn.fd)
			return false
		}

		conn.request.Reset()
		conn.sent = 0
		conn.state = StateKeepAlive

		if len(conn.carry) > 0 {
			data := conn.carry
			conn.carry = nil
			return w.feed(conn, data)
		}
		return true
	}

	if conn.response == nil && conn.buffered == 0 && conn.closeAfterWrite {
		w.closeConnection(conn.fd)
		return false
	}

	return true
}

// updateInterest keeps the poller watching exactly one direction:
// write-only while output is pending (reading is paused anyway, and
// leaving read interest armed would make unread input wake the
// level-triggered loop every iteration), read-only otherwise.
func (w *Worker) updateInterest(conn *Conn) {
	interest := poller.Read
	if conn.buffered > 0 || conn.response != nil {
		interest = poller.Write
	}
	if interest == conn.interest {
		return
	}
	if err := w.poller.Modify(conn.fd, interest); err != nil {
		w.log.Warn("poller modify failed", zap.Error(err))
		w.closeConnection(conn.fd)
		return
	}
	conn.interest = interest
}

// closeConnection tears a connection down exactly once: out of the
// table, out of the poller, pooled objects released, descriptor closed.
func (w *Worker) closeConnection(fd int) {
	conn, ok := w.conns[fd]
	if !ok {
		return
	}
	delete(w.conns, fd)

	w.poller.Remove(fd)
	w.release(conn)
	unix.Close(fd)
}

func (w *Worker) release(conn *Conn) {
	if conn.response != nil {
		conn.response.Abort()
		conn.response = nil
	}
	if conn.request != nil {
		http.ReleaseRequest(conn.request)
		conn.request = nil
	}
	if conn.readBuf != nil {
		w.bytePool.Put(conn.readBuf)
		conn.readBuf = nil
	}
	conn.state = StateClosed
	w.connPool.Put(conn)
}

func sockaddrToAddr(sa unix.Sockaddr) wsgi.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return wsgi.Addr{
			IP:   net.IP(sa.Addr[:]).String(),
			Port: strconv.Itoa(sa.Port),
		}
	case *unix.SockaddrInet6:
		return wsgi.Addr{
			IP:   net.IP(sa.Addr[:]).String(),
			Port: strconv.Itoa(sa.Port),
		}
	default:
		return wsgi.Addr{}
	}
}

func localAddr(fd int) wsgi.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return wsgi.Addr{}
	}
	return sockaddrToAddr(sa)
}
