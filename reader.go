package server

import (
	"bytes"
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// MAXLINE is the default cap on a single request or header line.
const MAXLINE = 4096

// Reader is a buffered reader over a connection. The internal buffer is
// refilled from src only once it has been fully consumed.
type Reader struct {
	src io.Reader
	buf []byte
	r   int // next unread byte in buf
	w   int // end of valid data in buf

	// MaxLine caps the length of a line handed out by ReadLine, terminator
	// included. Longer lines come back in MaxLine-1 sized pieces.
	// Zero or negative disables the cap.
	MaxLine int
}

func NewReader(src io.Reader, buf []byte, maxLine int) *Reader {
	if len(buf) == 0 {
		buf = make([]byte, 4096)
	}
	return &Reader{src: src, buf: buf, MaxLine: maxLine}
}

// fill reads into the exhausted buffer, retrying on EINTR. It returns
// io.EOF when the peer has closed.
func (r *Reader) fill() error {
	for {
		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.r, r.w = 0, n
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err == nil {
			// a reader returning 0, nil would spin forever
			return io.ErrNoProgress
		}
		return err
	}
}

// ReadLine returns the next line including its '\n'. A trailing partial line
// at end of stream is returned with a nil error; the call after that, or a
// call on an already drained stream, returns io.EOF.
func (r *Reader) ReadLine() ([]byte, error) {
	var line []byte
	limit := r.MaxLine - 1
	for {
		if r.r == r.w {
			if err := r.fill(); err != nil {
				if err == io.EOF && len(line) > 0 {
					return line, nil
				}
				return line, err
			}
		}

		chunk := r.buf[r.r:r.w]
		if limit > 0 && len(line)+len(chunk) > limit {
			chunk = chunk[:limit-len(line)]
		}
		if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
			line = append(line, chunk[:i+1]...)
			r.r += i + 1
			return line, nil
		}
		line = append(line, chunk...)
		r.r += len(chunk)
		if limit > 0 && len(line) == limit {
			return line, nil
		}
	}
}

// ReadN returns exactly n bytes, or fewer only when the stream ends first.
// Nothing at all before end of stream yields io.EOF. n <= 0 reads nothing.
func (r *Reader) ReadN(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		if r.r == r.w {
			if err := r.fill(); err != nil {
				if err == io.EOF && len(out) > 0 {
					return out, nil
				}
				return out, err
			}
		}
		k := min(n-len(out), r.w-r.r)
		out = append(out, r.buf[r.r:r.r+k]...)
		r.r += k
	}
	return out, nil
}

// Buffered is the number of bytes that can be read without touching src.
func (r *Reader) Buffered() int { return r.w - r.r }
