package wireconn

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/bytebufferpool"
)

// ErrPeerClosedIdleConn is the cause reported when a pooled connection
// fails its pre-reuse health check.
var ErrPeerClosedIdleConn = errors.New("wireconn: peer closed idle connection")

// bufferPool holds the scratch buffer WriteRequest serializes a
// request into before a single Write syscall, the same role buffer.go
// played for the zero-alloc request encoder.
var bufferPool bytebufferpool.Pool

// readerPool is a process-wide pool of bufio.Readers, mirroring
// GetOptimizedReader/PutOptimizedReader (pkg/shockwave/client/bufio.go)
// but sized for http.ReadResponse instead of a custom line scanner.
// ReadResponse returns a reader to it only when reading fails.
var readerPool = make(chan *bufio.Reader, 64)

func getReader(conn net.Conn) *bufio.Reader {
	select {
	case br := <-readerPool:
		br.Reset(conn)
		return br
	default:
		return bufio.NewReaderSize(conn, 4096)
	}
}

func putReader(br *bufio.Reader) {
	select {
	case readerPool <- br:
	default:
	}
}

// WriteRequest serializes req into a pooled buffer and writes it to
// conn in one call, entrusting wire formatting to http.Request.Write
// so chunked/identity body framing and header canonicalization stay
// RFC-correct; only the buffering strategy is ours.
func WriteRequest(conn net.Conn, req *http.Request) error {
	buf := bufferPool.Get()
	defer bufferPool.Put(buf)

	if err := req.Write(buf); err != nil {
		return fmt.Errorf("wireconn: write request: %w", err)
	}
	if _, err := buf.WriteTo(conn); err != nil {
		return fmt.Errorf("wireconn: send request: %w", err)
	}
	return nil
}

// ReadResponse reads one HTTP/1.1 response for req off conn using a
// pooled bufio.Reader. The returned response's Body is the raw wire
// body, not yet content-decoded; call DecodeBody to apply
// Content-Encoding. The reader goes back to the pool only on error; on
// success it stays attached to the response's Body and is never
// recycled, so the next ReadResponse on the same connection takes
// another pooled reader or allocates a fresh one.
func ReadResponse(conn net.Conn, req *http.Request) (*http.Response, error) {
	br := getReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		putReader(br)
		return nil, fmt.Errorf("wireconn: read response: %w", err)
	}
	return resp, nil
}

// DecodeBody wraps resp.Body with a decompressing reader matching its
// Content-Encoding header, and clears the header since the caller now
// sees decoded bytes. Grounded on net/http's own gzip auto-decoding in
// Transport.RoundTrip, generalized to brotli and zstd the way a modern
// client's dependency set would.
func DecodeBody(resp *http.Response) error {
	encoding := resp.Header.Get("Content-Encoding")
	var decoded io.Reader
	switch encoding {
	case "":
		return nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("wireconn: gzip decode: %w", err)
		}
		decoded = gz
	case "br":
		decoded = brotli.NewReader(resp.Body)
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("wireconn: zstd decode: %w", err)
		}
		decoded = zr
	default:
		return nil
	}

	original := resp.Body
	resp.Body = &decodingBody{Reader: decoded, underlying: original}
	resp.Header.Del("Content-Encoding")
	resp.ContentLength = -1
	return nil
}

type decodingBody struct {
	io.Reader
	underlying io.ReadCloser
}

func (b *decodingBody) Close() error {
	if closer, ok := b.Reader.(io.Closer); ok {
		closer.Close()
	}
	return b.underlying.Close()
}

// IsStillUsable reports whether an idle connection is still worth
// reusing. Modeled on TCPHealthChecker.Check
// (pkg/shockwave/client/health.go): a one-byte read with a very
// short deadline distinguishes "peer sent FIN/RST" (EOF, unusable)
// from "peer has nothing to say yet" (timeout, healthy).
func IsStillUsable(conn net.Conn) bool {
	one := make([]byte, 1)
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	_, err := conn.Read(one)
	if err == nil {
		// Unexpected: the peer sent unsolicited bytes on an idle
		// connection. Treat as unusable rather than guess at framing.
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}
