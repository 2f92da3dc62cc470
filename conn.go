package server

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/toastsandwich/epoll-learn/httpd/pkg/pool"
	"golang.org/x/sys/unix"
)

// Conn is an accepted socket. It has a single owner at a time: the acceptor
// while it waits in the epoll set, the queue, then the worker that closes it.
type Conn struct {
	// One request at a time
	ReadBuffer []byte

	ID   string
	Peer string

	fd      int
	aliveAt time.Time
}

func NewConn(fd int, sa unix.Sockaddr) *Conn {
	c := &Conn{fd: fd}

	c.ReadBuffer = pool.GetBuffer()
	c.ID = uuid.NewString()
	c.Peer = SockaddrToString(sa)

	c.aliveAt = time.Now()
	return c
}

// Age is how long ago the connection was accepted.
func (c *Conn) Age() time.Duration { return time.Since(c.aliveAt) }

// Reader returns a buffered line reader backed by the pooled read buffer.
func (c *Conn) Reader(maxLine int) *Reader {
	return NewReader(c, c.ReadBuffer, maxLine)
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return 0, ErrTimeout
			}
			return 0, err
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes all of p, looping over short writes.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return written, ErrTimeout
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

// SetTimeouts applies kernel level receive and send timeouts. Zero leaves
// the respective direction blocking forever.
func (c *Conn) SetTimeouts(read, write time.Duration) error {
	if read > 0 {
		tv := unix.NsecToTimeval(read.Nanoseconds())
		if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return err
		}
	}
	if write > 0 {
		tv := unix.NsecToTimeval(write.Nanoseconds())
		if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			return err
		}
	}
	return nil
}

// shutdown ends both directions without releasing the fd. A worker blocked
// in Read sees end of stream and one blocked in Write gets EPIPE.
func (c *Conn) shutdown() {
	if c.fd < 0 {
		return
	}
	unix.Shutdown(c.fd, unix.SHUT_RDWR)
}

func (c *Conn) Close() error {
	if c.ReadBuffer != nil {
		pool.PutBuffer(c.ReadBuffer)
		c.ReadBuffer = nil
	}
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}

func SockaddrToString(s unix.Sockaddr) string {
	switch a := s.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown socket type"
	}
}
