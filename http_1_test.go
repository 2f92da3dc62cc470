package server

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type response struct {
	statusLine string
	headers    map[string]string
	headerKeys []string
	body       []byte
}

func parseResponse(t *testing.T, raw []byte) response {
	t.Helper()
	head, body, found := bytes.Cut(raw, []byte("\r\n\r\n"))
	require.True(t, found, "no header terminator in %q", raw)

	lines := strings.Split(string(head), "\r\n")
	resp := response{
		statusLine: lines[0],
		headers:    make(map[string]string),
		body:       body,
	}
	for _, l := range lines[1:] {
		k, v, ok := strings.Cut(l, ": ")
		require.True(t, ok, "bad header line %q", l)
		resp.headers[k] = v
		resp.headerKeys = append(resp.headerKeys, k)
	}
	return resp
}

func serve(t *testing.T, h *Handler, req string) (Outcome, []byte) {
	t.Helper()
	var w bytes.Buffer
	out, err := h.Serve(NewReader(strings.NewReader(req), nil, MAXLINE), &w)
	require.NoError(t, err)
	return out, w.Bytes()
}

func writeFile(t *testing.T, path string, data []byte, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, os.Chmod(path, mode))
}

// newSite lays out a small document root:
//
//	index.html          "hi\n"
//	style.css
//	empty.txt           zero bytes
//	secret.txt          mode 0200
//	docs/index.html
//	nodir/index.html/   a directory
//	bare/               no index page
func newSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), []byte("hi\n"), 0o644)
	writeFile(t, filepath.Join(root, "style.css"), []byte("body{}"), 0o644)
	writeFile(t, filepath.Join(root, "empty.txt"), nil, 0o644)
	writeFile(t, filepath.Join(root, "secret.txt"), []byte("top secret"), 0o200)
	writeFile(t, filepath.Join(root, "docs", "index.html"), []byte("<p>docs</p>"), 0o644)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nodir", "index.html"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bare"), 0o755))
	return root
}

func TestServeFile(t *testing.T) {
	root := newSite(t)
	h := &Handler{Root: root}

	out, raw := serve(t, h, "GET /index.html HTTP/1.0\r\n\r\n")
	resp := parseResponse(t, raw)

	assert.Equal(t, "HTTP/1.0 200 OK", resp.statusLine)
	assert.Equal(t, []string{"Server", "Connection", "Content-length", "Content-type"}, resp.headerKeys)
	assert.Equal(t, DefaultServerName, resp.headers["Server"])
	assert.Equal(t, "close", resp.headers["Connection"])
	assert.Equal(t, "3", resp.headers["Content-length"])
	assert.Equal(t, "text/html", resp.headers["Content-type"])
	assert.Equal(t, "hi\n", string(resp.body))

	assert.Equal(t, Outcome{Method: "GET", URI: "/index.html", Status: 200, Size: 3}, out)
}

func TestServeLargeFile(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 300*1024+7)
	_, err := rand.Read(data)
	require.NoError(t, err)
	writeFile(t, filepath.Join(root, "blob.bin"), data, 0o644)

	_, raw := serve(t, &Handler{Root: root}, "GET /blob.bin HTTP/1.0\r\n\r\n")
	resp := parseResponse(t, raw)
	assert.Equal(t, strconv.Itoa(len(data)), resp.headers["Content-length"])
	assert.Equal(t, "text/plain", resp.headers["Content-type"])
	assert.True(t, bytes.Equal(data, resp.body), "body differs from file")
}

func TestServeEmptyFile(t *testing.T) {
	_, raw := serve(t, &Handler{Root: newSite(t)}, "GET /empty.txt HTTP/1.0\r\n\r\n")
	resp := parseResponse(t, raw)
	assert.Equal(t, "HTTP/1.0 200 OK", resp.statusLine)
	assert.Equal(t, "0", resp.headers["Content-length"])
	assert.Empty(t, resp.body)
}

func TestServeStatusMapping(t *testing.T) {
	root := newSite(t)

	tests := []struct {
		name       string
		req        string
		statusLine string
		cause      string
	}{
		{
			name:       "missing file",
			req:        "GET /missing.txt HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 404 Not Found",
			cause:      "missing.txt",
		},
		{
			name:       "post",
			req:        "POST / HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 501 Not Implemented",
			cause:      "POST",
		},
		{
			name:       "post to a missing file is still 501",
			req:        "POST /missing.txt HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 501 Not Implemented",
			cause:      "POST",
		},
		{
			name:       "head",
			req:        "HEAD /index.html HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 501 Not Implemented",
			cause:      "HEAD",
		},
		{
			name:       "owner cannot read",
			req:        "GET /secret.txt HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 403 Forbidden",
			cause:      "secret.txt",
		},
		{
			name:       "index page is a directory",
			req:        "GET /nodir HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 403 Forbidden",
			cause:      "nodir/index.html",
		},
		{
			name:       "directory without index page",
			req:        "GET /bare HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 404 Not Found",
			cause:      "bare/index.html",
		},
		{
			name:       "trailing slash without index page",
			req:        "GET /bare/ HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 404 Not Found",
			cause:      "bare/index.html",
		},
		{
			name:       "no leading slash, nothing there",
			req:        "GET missing HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 404 Not Found",
			cause:      "missing",
		},
		{
			name:       "escaping the root to a missing file",
			req:        "GET /../../no/such/file HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 404 Not Found",
			cause:      "no/such/file",
		},
		{
			name:       "escaping the root",
			req:        "GET /.. HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 403 Forbidden",
			cause:      "/..",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, raw := serve(t, &Handler{Root: root}, tt.req)
			resp := parseResponse(t, raw)

			assert.Equal(t, tt.statusLine, resp.statusLine)
			assert.Equal(t, []string{"Content-type", "Content-length"}, resp.headerKeys)
			assert.Equal(t, "text/html", resp.headers["Content-type"])
			assert.Equal(t, strconv.Itoa(len(resp.body)), resp.headers["Content-length"])
			assert.Contains(t, string(resp.body), tt.cause)
			assert.Contains(t, string(resp.body), DefaultServerName)

			code, _ := strconv.Atoi(strings.Fields(tt.statusLine)[1])
			assert.Equal(t, code, out.Status)
			assert.Equal(t, int64(len(resp.body)), out.Size)
		})
	}
}

func TestServeErrorBody(t *testing.T) {
	h := &Handler{Root: newSite(t), ServerName: "test server"}
	_, raw := serve(t, h, "DELETE /x HTTP/1.0\r\n\r\n")
	resp := parseResponse(t, raw)

	assert.Equal(t, "<html><title>Error</title><body bgcolor=ffffff>\r\n"+
		"501: Not Implemented\r\n"+
		"<p>We haven't implemented this method: DELETE\r\n"+
		"<hr><em>test server</em>\r\n", string(resp.body))
}

func TestServeResolvesIndexPages(t *testing.T) {
	root := newSite(t)

	tests := []struct {
		name string
		req  string
		body string
	}{
		{"root with slash", "GET / HTTP/1.0\r\n\r\n", "hi\n"},
		{"directory with slash", "GET /docs/ HTTP/1.0\r\n\r\n", "<p>docs</p>"},
		{"directory without slash", "GET /docs HTTP/1.0\r\n\r\n", "<p>docs</p>"},
		{"lower case method", "get /index.html HTTP/1.0\r\n\r\n", "hi\n"},
		{"missing uri and version", "GET\r\n\r\n", "hi\n"},
		{"headers are skipped", "GET / HTTP/1.0\r\nHost: x\r\nUser-Agent: y\r\nAccept: */*\r\n\r\n", "hi\n"},
		{"bare newlines", "GET / HTTP/1.0\n\n", "hi\n"},
		{"headers cut short", "GET / HTTP/1.0\r\nHost: x\r\n", "hi\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, raw := serve(t, &Handler{Root: root}, tt.req)
			resp := parseResponse(t, raw)
			assert.Equal(t, "HTTP/1.0 200 OK", resp.statusLine)
			assert.Equal(t, tt.body, string(resp.body))
		})
	}
}

func TestResolve(t *testing.T) {
	root := newSite(t)
	h := &Handler{Root: root}

	tests := []struct {
		uri   string
		want  string
		found bool
	}{
		{"/", root + "/index.html", true},
		{"/bare/", root + "/bare/index.html", true},
		{"/docs", root + "/docs/index.html", true},
		{"/bare", root + "/bare/index.html", true},
		{"/style.css", root + "/style.css", true},
		{"/missing.txt", root + "/missing.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, found := h.resolve(tt.uri)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.found, found)
		})
	}
}

func TestServeFromFileSystemRoot(t *testing.T) {
	site := newSite(t)
	h := &Handler{Root: "/"}

	assert.Equal(t, site+"/index.html", h.join(site+"/index.html"))

	_, raw := serve(t, h, "GET "+site+"/style.css HTTP/1.0\r\n\r\n")
	resp := parseResponse(t, raw)
	assert.Equal(t, "HTTP/1.0 200 OK", resp.statusLine)
	assert.Equal(t, "text/css", resp.headers["Content-type"])
	assert.Equal(t, "body{}", string(resp.body))
}

func TestServePeerClosedEarly(t *testing.T) {
	out, raw := serve(t, &Handler{Root: newSite(t)}, "")
	assert.Equal(t, Outcome{}, out)
	assert.Empty(t, raw)
}

type failingWriter struct{ err error }

func (f failingWriter) Write(p []byte) (int, error) { return 0, f.err }

func TestServeWriteFailureIsNotFatal(t *testing.T) {
	root := newSite(t)
	broken := errors.New("broken pipe")

	for _, req := range []string{
		"GET /index.html HTTP/1.0\r\n\r\n",
		"GET /missing.txt HTTP/1.0\r\n\r\n",
	} {
		h := &Handler{Root: root}
		_, err := h.Serve(NewReader(strings.NewReader(req), nil, MAXLINE), failingWriter{broken})
		assert.ErrorIs(t, err, broken)
		assert.False(t, IsFatal(err))
	}
}

func TestFileType(t *testing.T) {
	tests := map[string]string{
		"a.html":         "text/html",
		"a.css":          "text/css",
		"a.gif":          "image/gif",
		"a.png":          "image/png",
		"a.jpg":          "image/jpeg",
		"a.jpeg":         "image/jpeg",
		"favicon.ico":    "image/ico",
		"app.js":         "application/js",
		"data.json":      "application/json",
		"notes.txt":      "text/plain",
		"Makefile":       "text/plain",
		"page.html.gz":   "text/plain",
		"dir/index.html": "text/html",
	}
	for name, want := range tests {
		assert.Equal(t, want, FileType(name), name)
	}
}

func TestParseRequestLine(t *testing.T) {
	req := parseRequestLine([]byte("GET   /a.html\tHTTP/1.0\r\n"))
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/a.html", req.URI)
	assert.Equal(t, "HTTP/1.0", req.Version)
	putRequest(req)

	req = parseRequestLine([]byte("\r\n"))
	assert.Empty(t, req.Method)
	assert.Empty(t, req.URI)
	assert.Empty(t, req.Version)
	putRequest(req)
}

func TestSysError(t *testing.T) {
	inner := errors.New("no memory")
	err := sysErr("mmap", inner)
	assert.EqualError(t, err, "mmap: no memory")
	assert.ErrorIs(t, err, inner)
	assert.True(t, IsFatal(err))
	assert.False(t, IsFatal(inner))
	assert.NoError(t, sysErr("close", nil))
}

func TestServeOpenFailures(t *testing.T) {
	h := &Handler{Root: newSite(t)}

	tests := []struct {
		err    error
		status int
		fatal  bool
	}{
		{err: unix.ENOENT, status: 404},
		{err: unix.EACCES, status: 403},
		{err: unix.ELOOP, status: 403},
		{err: unix.EMFILE, fatal: true},
		{err: unix.ENFILE, fatal: true},
		{err: unix.ENOMEM, fatal: true},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			var w bytes.Buffer
			out, err := h.openFailed(&w, Outcome{}, "/srv/a.html", tt.err)
			if tt.fatal {
				require.Error(t, err)
				assert.True(t, IsFatal(err))
				assert.ErrorIs(t, err, tt.err)
				assert.Zero(t, w.Len(), "nothing goes out on a fatal error")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, out.Status)
			assert.True(t, strings.HasPrefix(parseResponse(t, w.Bytes()).statusLine, "HTTP/1.0 "+strconv.Itoa(tt.status)))
		})
	}
}
