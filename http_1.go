package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultServerName goes into the Server header and the error page footer.
const DefaultServerName = "The Naive HTTP Server"

type Request struct {
	Method   string
	URI      string
	Version  string
	Filename string // resolved path on disk
}

var reqPool = sync.Pool{
	New: func() any {
		return &Request{}
	},
}

func getRequest() *Request {
	r := reqPool.Get().(*Request)
	r.Method, r.URI, r.Version, r.Filename = "", "", "", ""
	return r
}

func putRequest(r *Request) {
	reqPool.Put(r)
}

/*
GET /hello.txt HTTP/1.0\r\n
User-Agent: TestClient\r\n
\r\n
*/

// parseRequestLine splits the request line on whitespace. Missing tokens are
// left empty.
func parseRequestLine(line []byte) *Request {
	req := getRequest()
	fields := strings.Fields(string(line))
	for i, tok := range fields {
		switch i {
		case 0:
			req.Method = tok
		case 1:
			req.URI = tok
		case 2:
			req.Version = tok
		}
	}
	return req
}

// Outcome summarizes what was sent back for one connection. A zero Status
// means the peer went away before sending a request line.
type Outcome struct {
	Method string
	URI    string
	Status int
	Size   int64
}

// Handler runs the request pipeline for a single connection: read and parse
// the request line, reject anything but GET, skip the headers, resolve the
// URI under Root, then send the file or an error page.
type Handler struct {
	Root       string // normalized site root
	ServerName string
	MaxLine    int
}

func (h *Handler) serverName() string {
	if h.ServerName == "" {
		return DefaultServerName
	}
	return h.ServerName
}

// Serve handles exactly one request. Per request problems (bad method,
// missing file, permissions) are answered with an error page and a nil
// error. A non nil error means the connection is unusable; it is a *SysError
// when the failure has nothing to do with the peer.
func (h *Handler) Serve(rio *Reader, w io.Writer) (Outcome, error) {
	line, err := rio.ReadLine()
	if err != nil {
		if err == io.EOF {
			return Outcome{}, nil
		}
		return Outcome{}, fmt.Errorf("read request line: %w", err)
	}

	req := parseRequestLine(line)
	defer putRequest(req)
	out := Outcome{Method: req.Method, URI: req.URI}

	if !strings.EqualFold(req.Method, "GET") {
		return h.clientError(w, out, req.Method, 501, "Not Implemented",
			"We haven't implemented this method")
	}

	if err := readRequestHeaders(rio); err != nil {
		return out, fmt.Errorf("read request headers: %w", err)
	}

	// outside the root: a path that names nothing is still just missing
	if name := h.join(req.URI); !h.contains(name) {
		if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) {
			return h.clientError(w, out, name, 404, "Not Found",
				"We couldn't find this file")
		}
		return h.clientError(w, out, name, 403, "Forbidden",
			"We couldn't read the file")
	}

	var found bool
	req.Filename, found = h.resolve(req.URI)
	if !found {
		return h.clientError(w, out, req.Filename, 404, "Not Found",
			"We couldn't find this file")
	}

	fi, err := os.Stat(req.Filename)
	if err != nil {
		return h.clientError(w, out, req.Filename, 404, "Not Found",
			"We couldn't find this file")
	}
	if !fi.Mode().IsRegular() || fi.Mode().Perm()&0o400 == 0 {
		return h.clientError(w, out, req.Filename, 403, "Forbidden",
			"We couldn't read the file")
	}

	return h.serveStatic(w, out, req.Filename, fi.Size())
}

// readRequestHeaders discards header lines up to and including the blank
// line. A peer that stops sending mid headers ends the block too.
func readRequestHeaders(rio *Reader) error {
	for {
		line, err := rio.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n")) {
			return nil
		}
	}
}

// resolve maps a URI onto the file system. A trailing slash means the index
// page of that directory. Otherwise the path must exist; a directory is
// redirected to its index page without checking that the page exists.
func (h *Handler) resolve(uri string) (string, bool) {
	filename := h.join(uri)

	if strings.HasSuffix(uri, "/") {
		return filename + "index.html", true
	}
	fi, err := os.Stat(filename)
	if err != nil {
		return filename, false
	}
	if fi.IsDir() {
		filename += "/index.html"
	}
	return filename, true
}

// join prefixes uri with the site root. A root of "/" contributes nothing.
func (h *Handler) join(uri string) string {
	if h.Root == "/" {
		return uri
	}
	return h.Root + uri
}

// contains reports whether filename stays under the site root once dot
// segments are collapsed.
func (h *Handler) contains(filename string) bool {
	if h.Root == "/" {
		return true
	}
	rel, err := filepath.Rel(filepath.Clean(h.Root), filepath.Clean(filename))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

func (h *Handler) clientError(w io.Writer, out Outcome, cause string, errnum int, shortmsg, longmsg string) (Outcome, error) {
	var body bytes.Buffer
	body.WriteString("<html><title>Error</title>")
	body.WriteString("<body bgcolor=ffffff>\r\n")
	fmt.Fprintf(&body, "%d: %s\r\n", errnum, shortmsg)
	fmt.Fprintf(&body, "<p>%s: %s\r\n", longmsg, cause)
	fmt.Fprintf(&body, "<hr><em>%s</em>\r\n", h.serverName())

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.0 %d %s\r\n", errnum, shortmsg)
	buf.WriteString("Content-type: text/html\r\n")
	fmt.Fprintf(&buf, "Content-length: %d\r\n\r\n", body.Len())

	out.Status = errnum
	out.Size = int64(body.Len())
	if _, err := w.Write(buf.Bytes()); err != nil {
		return out, fmt.Errorf("write error headers: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return out, fmt.Errorf("write error body: %w", err)
	}
	return out, nil
}

// openFailed answers a failed open. Running out of descriptors or memory
// is the server's problem, not the client's.
func (h *Handler) openFailed(w io.Writer, out Outcome, filename string, err error) (Outcome, error) {
	switch {
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOMEM):
		return out, sysErr("open", err)
	case errors.Is(err, unix.ENOENT):
		return h.clientError(w, out, filename, 404, "Not Found",
			"We couldn't find this file")
	default:
		return h.clientError(w, out, filename, 403, "Forbidden",
			"We couldn't read the file")
	}
}

// serveStatic maps the file before any byte goes out, so a failure here
// still leaves room for a proper error response.
func (h *Handler) serveStatic(w io.Writer, out Outcome, filename string, filesize int64) (Outcome, error) {
	srcfd, err := unix.Open(filename, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return h.openFailed(w, out, filename, err)
	}

	var srcp []byte
	if filesize > 0 {
		srcp, err = unix.Mmap(srcfd, 0, int(filesize), unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			unix.Close(srcfd)
			return out, sysErr("mmap", err)
		}
	}
	if err := unix.Close(srcfd); err != nil {
		if srcp != nil {
			unix.Munmap(srcp)
		}
		return out, sysErr("close", err)
	}

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.0 200 OK\r\n")
	fmt.Fprintf(&buf, "Server: %s\r\n", h.serverName())
	buf.WriteString("Connection: close\r\n")
	fmt.Fprintf(&buf, "Content-length: %d\r\n", filesize)
	fmt.Fprintf(&buf, "Content-type: %s\r\n\r\n", FileType(filename))

	out.Status = 200
	out.Size = filesize
	_, werr := w.Write(buf.Bytes())
	if werr != nil {
		werr = fmt.Errorf("write headers: %w", werr)
	} else if len(srcp) > 0 {
		if _, werr = w.Write(srcp); werr != nil {
			werr = fmt.Errorf("write body: %w", werr)
		}
	}

	if srcp != nil {
		if err := unix.Munmap(srcp); err != nil {
			return out, sysErr("munmap", err)
		}
	}
	return out, werr
}
