package core

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/bruinweb/bruin/config"
	"github.com/bruinweb/bruin/core/wsgi"
)

// Server owns the shared listening socket and the worker replicas. All
// request handling happens inside the workers; the Server itself only
// sets up, fans out and tears down.
type Server struct {
	cfg *config.Config
	log *zap.Logger
	app wsgi.App

	lfd  int
	port int

	shutdown atomic.Bool
}

// New creates a server for the given application. Zero-valued config
// fields are filled with working defaults.
func New(cfg *config.Config, log *zap.Logger, app wsgi.App) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 1024
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 8192
	}
	if cfg.MaxWriteBuffer <= 0 {
		cfg.MaxWriteBuffer = 64 << 10
	}
	if cfg.ShutdownPollInterval <= 0 {
		cfg.ShutdownPollInterval = 100 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}

	return &Server{
		cfg: cfg,
		log: log,
		app: app,
		lfd: -1,
	}
}

// Listen opens, binds and starts listening on the configured address.
// Binding port 0 picks an ephemeral port; Port reports the result.
func (s *Server) Listen() error {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("resolve %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}

	lfd, err := s.newListenerSocket(addr)
	if err != nil {
		return err
	}
	s.lfd = lfd

	port, err := boundPort(lfd)
	if err != nil {
		unix.Close(lfd)
		s.lfd = -1
		return fmt.Errorf("query bound port: %w", err)
	}
	s.port = port

	return nil
}

// Serve runs the worker replicas until shutdown is requested and all
// of them have drained. Listen must have been called first.
func (s *Server) Serve() error {
	if s.lfd < 0 {
		return fmt.Errorf("serve called before listen")
	}

	workers := make([]*Worker, 0, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		w, err := newWorker(i, s)
		if err != nil {
			for _, prev := range workers {
				prev.poller.Close()
			}
			unix.Close(s.lfd)
			s.lfd = -1
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}

	s.log.Info("listening",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.port),
		zap.Int("workers", s.cfg.Workers))

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.run()
		}(w)
	}
	wg.Wait()

	unix.Close(s.lfd)
	s.lfd = -1

	s.log.Info("server stopped")
	return nil
}

// ListenAndServe combines Listen and Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// RequestShutdown flags the server to stop. It is async-signal safe in
// spirit: a single atomic store, no locks, no I/O. Workers notice on
// their next poll tick, stop accepting and drain.
func (s *Server) RequestShutdown() {
	s.shutdown.Store(true)
}

// ShuttingDown reports whether shutdown has been requested.
func (s *Server) ShuttingDown() bool {
	return s.shutdown.Load()
}

// Port reports the port the listener is bound to.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) newListenerSocket(addr *net.TCPAddr) (int, error) {
	family := unix.AF_INET
	if addr.IP.To4() == nil && addr.IP.To16() != nil {
		family = unix.AF_INET6
	}

	lfd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("create listener socket: %w", err)
	}

	if err := unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(lfd)
		return -1, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	// multiple workers block in accept on the same descriptor; the
	// port itself also stays rebindable across restarts
	if s.cfg.ReusePort || s.cfg.Workers > 1 {
		if err := unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(lfd)
			return -1, fmt.Errorf("set SO_REUSEPORT: %w", err)
		}
	}

	sa, err := tcpAddrToSockaddr(family, addr)
	if err != nil {
		unix.Close(lfd)
		return -1, err
	}

	if err := unix.Bind(lfd, sa); err != nil {
		unix.Close(lfd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := unix.Listen(lfd, s.cfg.Backlog); err != nil {
		unix.Close(lfd)
		return -1, fmt.Errorf("listen on %s: %w", addr, err)
	}

	if err := unix.SetNonblock(lfd, true); err != nil {
		unix.Close(lfd)
		return -1, fmt.Errorf("set listener nonblocking: %w", err)
	}

	return lfd, nil
}

func tcpAddrToSockaddr(family int, addr *net.TCPAddr) (unix.Sockaddr, error) {
	if family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		return sa, nil
	}

	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa, nil
}

func boundPort(lfd int) (int, error) {
	sa, err := unix.Getsockname(lfd)
	if err != nil {
		return 0, err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port, nil
	case *unix.SockaddrInet6:
		return sa.Port, nil
	default:
		return 0, fmt.Errorf("unexpected listener address family")
	}
}
