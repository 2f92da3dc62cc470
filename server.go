package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"github.com/toastsandwich/epoll-learn/httpd/pkg/queue"
	"golang.org/x/sys/unix"
)

// Level triggered: a connection is reported readable until a worker reads it,
// and by then it is no longer in the epoll set.
const EVENT_IN = unix.EPOLLIN

const (
	DefaultWorkers   = 4
	DefaultMaxEvents = 1024
	DefaultBacklog   = 2048

	DefaultShutdownTimeout = 5 * time.Second
)

var ErrServerClosed = errors.New("server closed")

type HTTPServerOpts struct {
	Addr string
	Port int

	Root       string // already normalized
	ServerName string

	Workers       int
	QueueCapacity int
	MaxEvents     int
	Backlog       int
	MaxLine       int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Grace period for busy workers once shutdown starts; after it their
	// connections are shut down. Zero means DefaultShutdownTimeout, negative
	// waits forever.
	ShutdownTimeout time.Duration

	Logger logrus.FieldLogger
}

// Stats is a snapshot of the server counters.
type Stats struct {
	Accepted int64
	Served   int64
	Shed     int64 // dropped because the work queue was full
	Failed   int64
	Active   int64 // being served by a worker right now
	Queued   int
}

type counters struct {
	accepted *xsync.Counter
	served   *xsync.Counter
	shed     *xsync.Counter
	failed   *xsync.Counter
	active   *xsync.Counter
}

// HTTPServer owns the listening socket and the epoll set. One goroutine runs
// ListenAndServe and hands readable connections to a fixed WorkerPool through
// a bounded queue.
type HTTPServer struct {
	sockAddr unix.SockaddrInet4

	Fd      int // server fd
	epollFd int
	wakeFd  int // eventfd, written by Shutdown

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	shutdownTimeout time.Duration

	maxEvents int
	backlog   int

	handler *Handler
	queue   *queue.Queue[*Conn]
	pool    *WorkerPool

	// accepted connections still waiting for their first byte, acceptor only
	pending map[int]*Conn

	terminated atomic.Bool
	started    atomic.Bool
	done       chan struct{}

	// guards wakeFd against Shutdown racing with release
	mu       sync.Mutex
	released bool

	fatalOnce sync.Once
	fatal     error

	stats counters
	log   logrus.FieldLogger
}

func NewHTTPServer(opts *HTTPServerOpts) (*HTTPServer, error) {
	server := &HTTPServer{
		Fd:      -1,
		epollFd: -1,
		wakeFd:  -1,
		pending: make(map[int]*Conn),
		done:    make(chan struct{}),
	}

	ip := net.IPv4zero.To4()
	if opts.Addr != "" {
		if ip = net.ParseIP(opts.Addr).To4(); ip == nil {
			return nil, fmt.Errorf("invalid IPv4 address %q", opts.Addr)
		}
	}
	copy(server.sockAddr.Addr[:], ip)
	server.sockAddr.Port = opts.Port

	server.ReadTimeout = opts.ReadTimeout
	server.WriteTimeout = opts.WriteTimeout
	server.shutdownTimeout = opts.ShutdownTimeout
	if server.shutdownTimeout == 0 {
		server.shutdownTimeout = DefaultShutdownTimeout
	}

	server.maxEvents = orDefault(opts.MaxEvents, DefaultMaxEvents)
	server.backlog = orDefault(opts.Backlog, DefaultBacklog)

	server.log = opts.Logger
	if server.log == nil {
		server.log = logrus.StandardLogger()
	}

	server.stats = counters{
		accepted: xsync.NewCounter(),
		served:   xsync.NewCounter(),
		shed:     xsync.NewCounter(),
		failed:   xsync.NewCounter(),
		active:   xsync.NewCounter(),
	}

	server.handler = &Handler{
		Root:       opts.Root,
		ServerName: opts.ServerName,
		MaxLine:    opts.MaxLine,
	}
	server.queue = queue.New[*Conn](opts.QueueCapacity)
	server.pool = NewWorkerPool(orDefault(opts.Workers, DefaultWorkers), server.queue, server.serveConn)

	if err := server.initSocket(); err != nil {
		server.release()
		return nil, err
	}
	if err := server.setUpEPolling(); err != nil {
		server.release()
		return nil, err
	}
	return server, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (s *HTTPServer) initSocket() error {
	sockfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return sysErr("socket", err)
	}
	s.Fd = sockfd

	if err := unix.SetsockoptInt(sockfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return sysErr("setsockopt", err)
	}

	// only the acceptor touches it; EAGAIN covers a connection that went
	// away between epoll_wait and accept
	if err := unix.SetNonblock(sockfd, true); err != nil {
		return sysErr("set nonblock", err)
	}

	if err := unix.Bind(sockfd, &s.sockAddr); err != nil {
		return sysErr("bind", err)
	}
	if err := unix.Listen(sockfd, s.backlog); err != nil {
		return sysErr("listen", err)
	}

	// pick up the kernel chosen port when asked for port 0
	sa, err := unix.Getsockname(sockfd)
	if err != nil {
		return sysErr("getsockname", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		s.sockAddr.Port = in4.Port
	}
	return nil
}

func (s *HTTPServer) setUpEPolling() error {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return sysErr("epoll_create1", err)
	}
	s.epollFd = epollFd

	// first event always given to http server.
	event := &unix.EpollEvent{
		Fd:     int32(s.Fd),
		Events: EVENT_IN,
	}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, s.Fd, event); err != nil {
		return sysErr("epoll_ctl", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return sysErr("eventfd", err)
	}
	s.wakeFd = wakeFd

	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Fd:     int32(wakeFd),
		Events: EVENT_IN,
	}); err != nil {
		return sysErr("epoll_ctl", err)
	}
	return nil
}

// Addr is the bound address, with the real port when Port was 0.
func (s *HTTPServer) Addr() string {
	return net.JoinHostPort(net.IP(s.sockAddr.Addr[:]).String(), strconv.Itoa(s.sockAddr.Port))
}

func (s *HTTPServer) Port() int { return s.sockAddr.Port }

// ListenAndServe runs the acceptor until Shutdown is called or a fatal error
// occurs, then drains the queue, stops the workers and releases every fd.
// It returns nil after a clean shutdown.
func (s *HTTPServer) ListenAndServe() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	defer close(s.done)

	s.log.WithField("addr", s.Addr()).Info("server online")
	s.pool.Start()

	if err := s.run(); err != nil {
		s.fail(err)
	}

	// no enqueue happens past this point
	if n := s.pool.Drain(s.shutdownTimeout); n > 0 {
		s.log.WithFields(logrus.Fields{
			"connections": n,
			"grace":       s.shutdownTimeout,
		}).Warn("cut off busy connections at shutdown")
	}

	for fd, conn := range s.pending {
		conn.Close()
		delete(s.pending, fd)
	}
	if err := s.release(); err != nil {
		s.fail(err)
	}

	st := s.Stats()
	s.log.WithFields(logrus.Fields{
		"accepted": st.Accepted,
		"served":   st.Served,
		"shed":     st.Shed,
		"failed":   st.Failed,
	}).Info("server offline")
	return s.fatal
}

func (s *HTTPServer) run() error {
	epollEvents := make([]unix.EpollEvent, s.maxEvents)

	for !s.terminated.Load() {
		n, err := unix.EpollWait(s.epollFd, epollEvents, -1)
		if err != nil {
			// the runtime's own signals land here too, so EINTR is not a
			// shutdown request; Shutdown goes through wakeFd
			if err == unix.EINTR {
				continue
			}
			return sysErr("epoll_wait", err)
		}
		for i := range n {
			if s.terminated.Load() {
				break
			}
			e := epollEvents[i]

			switch fd := int(e.Fd); fd {
			case s.wakeFd:
				s.drainWake()
			case s.Fd:
				if err := s.accept(); err != nil {
					return err
				}
			default:
				if err := s.dispatch(fd); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *HTTPServer) accept() error {
	cfd, sa, err := unix.Accept4(s.Fd, unix.SOCK_CLOEXEC)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.ECONNABORTED, unix.EINTR:
			return nil
		}
		return sysErr("accept", err)
	}

	conn := NewConn(cfd, sa)
	if err := conn.SetTimeouts(s.ReadTimeout, s.WriteTimeout); err != nil {
		conn.Close()
		return sysErr("setsockopt", err)
	}

	// hand off cfd as intrested in epoll instance
	if err := unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_ADD, cfd, &unix.EpollEvent{
		Fd:     int32(cfd),
		Events: EVENT_IN,
	}); err != nil {
		conn.Close()
		return sysErr("epoll_ctl", err)
	}
	s.pending[cfd] = conn
	s.stats.accepted.Inc()

	s.log.WithFields(logrus.Fields{
		"conn_id": conn.ID,
		"peer":    conn.Peer,
		"fd":      cfd,
	}).Debug("accepted connection")
	return nil
}

// dispatch moves a readable connection from the epoll set to the work queue.
func (s *HTTPServer) dispatch(fd int) error {
	conn, ok := s.pending[fd]
	if !ok {
		return sysErr("epoll_ctl", unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
	}
	delete(s.pending, fd)

	if err := unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		conn.Close()
		return sysErr("epoll_ctl", err)
	}

	if err := s.queue.Enqueue(conn); err != nil {
		s.stats.shed.Inc()
		s.log.WithFields(logrus.Fields{
			"conn_id": conn.ID,
			"peer":    conn.Peer,
			"queued":  s.queue.Len(),
		}).WithError(err).Warn("dropping connection")
		conn.Close()
	}
	return nil
}

func (s *HTTPServer) drainWake() {
	var b [8]byte
	unix.Read(s.wakeFd, b[:])
}

// serveConn is what every worker runs for a dequeued connection.
func (s *HTTPServer) serveConn(worker int, c *Conn) {
	log := s.log.WithFields(logrus.Fields{
		"worker":  worker,
		"conn_id": c.ID,
		"peer":    c.Peer,
	})

	s.stats.active.Inc()
	defer s.stats.active.Dec()

	out, err := s.handler.Serve(c.Reader(s.handler.MaxLine), c)
	if err != nil {
		s.stats.failed.Inc()
		if IsFatal(err) {
			log.WithError(err).Error("fatal error while serving")
			s.fail(err)
			return
		}
		log.WithError(err).Warn("connection failed")
		return
	}
	if out.Status == 0 {
		log.Debug("peer closed before sending a request")
		return
	}

	s.stats.served.Inc()
	log.WithFields(logrus.Fields{
		"method":  out.Method,
		"uri":     out.URI,
		"status":  out.Status,
		"bytes":   out.Size,
		"elapsed": c.Age(),
	}).Info("served")
}

// Shutdown sets the termination flag and wakes the acceptor. It only
// triggers the shutdown; ListenAndServe returns once it is complete. Safe to
// call more than once and from any goroutine.
func (s *HTTPServer) Shutdown() {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.wakeFd < 0 {
		return
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(s.wakeFd, b[:]); err != nil {
		s.log.WithError(err).Error("could not wake acceptor")
	}
}

// Close shuts the server down and waits for ListenAndServe to return. On a
// server that was never started it just releases the sockets.
func (s *HTTPServer) Close() error {
	s.Shutdown()
	if s.started.CompareAndSwap(false, true) {
		defer close(s.done)
		return s.release()
	}
	<-s.done
	return nil
}

func (s *HTTPServer) Terminated() bool { return s.terminated.Load() }

func (s *HTTPServer) Stats() Stats {
	return Stats{
		Accepted: s.stats.accepted.Value(),
		Served:   s.stats.served.Value(),
		Shed:     s.stats.shed.Value(),
		Failed:   s.stats.failed.Value(),
		Active:   s.stats.active.Value(),
		Queued:   s.queue.Len(),
	}
}

func (s *HTTPServer) fail(err error) {
	s.fatalOnce.Do(func() { s.fatal = err })
	s.Shutdown()
}

// release closes the wake fd, the epoll set and the listening socket.
func (s *HTTPServer) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	var errs []error
	for _, fd := range []struct {
		op string
		fd *int
	}{
		{"close eventfd", &s.wakeFd},
		{"close epoll", &s.epollFd},
		{"close listener", &s.Fd},
	} {
		if *fd.fd < 0 {
			continue
		}
		if err := unix.Close(*fd.fd); err != nil {
			errs = append(errs, sysErr(fd.op, err))
		}
		*fd.fd = -1
	}
	return errors.Join(errs...)
}
