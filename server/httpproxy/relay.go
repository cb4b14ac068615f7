package httpproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nipgate/nipgate/server"
)

// RelayOutcome is the terminal state of one relayed request.
type RelayOutcome int

const (
	OutcomeSuccess RelayOutcome = iota
	OutcomeClientAbort
	OutcomeUpstreamAbort
	OutcomeTimeout
)

func (o RelayOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeClientAbort:
		return "client_abort"
	case OutcomeUpstreamAbort:
		return "upstream_abort"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type relayResult struct {
	Outcome RelayOutcome

	// UpstreamReusable reports whether the upstream connection is at a
	// clean message boundary and may return to the pool.
	UpstreamReusable bool

	// ClientClose reports whether the client connection must be closed
	// after this request.
	ClientClose bool

	// HeaderSent is true once any upstream response bytes reached the
	// client; after that no self-generated error response may be sent.
	HeaderSent bool

	BytesIn  int64 // request payload bytes, client to upstream
	BytesOut int64 // response payload bytes, upstream to client

	Err error
}

// streamRelay moves one request/response exchange between a client
// connection and a borrowed upstream connection, preserving wire framing.
type streamRelay struct {
	clientConn  net.Conn
	clientR     *bufio.Reader
	upstream    *PooledConn
	idleTimeout time.Duration
	log         *server.ProxySessionLogger
}

func (r *streamRelay) run(ctx context.Context, req *requestHead) relayResult {
	res := relayResult{Outcome: OutcomeSuccess}
	uc := r.upstream.Conn()
	ur := r.upstream.Reader()

	clientIP, _ := server.GetHostPortFromAddr(r.clientConn.RemoteAddr())

	r.armWrite(uc)
	if err := writeRequestHead(uc, req, r.upstream.Destination().String(), clientIP); err != nil {
		return r.fail(res, OutcomeUpstreamAbort, err)
	}

	// With Expect: 100-continue the body is held back until the upstream
	// asks for it (or responds without wanting it).
	bodyForwarded := !req.hasBody()
	if req.hasBody() && !req.ExpectContinue {
		n, err := r.forwardRequestBody(ctx, req)
		res.BytesIn += n
		if err != nil {
			return r.fail(res, classifyCopyError(err, OutcomeClientAbort, OutcomeUpstreamAbort), err)
		}
		bodyForwarded = true
	}

	var resp *responseHead
	for {
		r.armRead(uc)
		head, err := readResponseHead(ur)
		if err != nil {
			outcome := OutcomeUpstreamAbort
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				outcome = OutcomeTimeout
			}
			return r.fail(res, outcome, err)
		}

		if head.StatusCode >= 100 && head.StatusCode < 200 && head.StatusCode != http.StatusSwitchingProtocols {
			// Interim responses have no body and are passed straight through
			r.armWrite(r.clientConn)
			if err := writeResponseHead(r.clientConn, head, false); err != nil {
				return r.fail(res, OutcomeClientAbort, err)
			}
			res.HeaderSent = true

			if head.StatusCode == http.StatusContinue && !bodyForwarded {
				n, err := r.forwardRequestBody(ctx, req)
				res.BytesIn += n
				if err != nil {
					return r.fail(res, classifyCopyError(err, OutcomeClientAbort, OutcomeUpstreamAbort), err)
				}
				bodyForwarded = true
			}
			continue
		}

		resp = head
		break
	}

	if req.Upgrade && resp.StatusCode == http.StatusSwitchingProtocols {
		return r.runTunnel(ctx, resp, res)
	}

	bodyless := req.Method == http.MethodHead ||
		resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotModified
	closeDelimited := !bodyless && !resp.Chunked && resp.ContentLength < 0

	// A close-delimited body makes the connection itself the framing, so
	// neither side can be reused afterwards. A declared request body that
	// was never consumed (upstream answered before asking for it) leaves
	// the client connection mid-message, so it cannot carry another request.
	res.ClientClose = req.WantClose || closeDelimited || !bodyForwarded
	res.UpstreamReusable = bodyForwarded && !resp.WantClose && !closeDelimited

	r.armWrite(r.clientConn)
	if err := writeResponseHead(r.clientConn, resp, res.ClientClose); err != nil {
		return r.fail(res, OutcomeClientAbort, err)
	}
	res.HeaderSent = true

	if !bodyless {
		var n int64
		var err error
		switch {
		case resp.Chunked:
			n, err = r.copyChunked(ctx, r.clientConn, ur, uc, "upstream-to-client")
		case resp.ContentLength > 0:
			n, err = r.copyFixed(ctx, r.clientConn, ur, uc, resp.ContentLength, "upstream-to-client")
		case closeDelimited:
			n, err = server.CopyWithDeadline(ctx, r.clientConn,
				&idleReader{conn: uc, r: ur, timeout: r.idleTimeout}, "upstream-to-client")
		}
		res.BytesOut += n
		if err != nil {
			return r.fail(res, classifyCopyError(err, OutcomeUpstreamAbort, OutcomeClientAbort), err)
		}
	}

	return res
}

// runTunnel degrades the exchange to a raw bidirectional byte stream after
// a successful protocol upgrade. Both connections are consumed; neither is
// reusable afterwards.
func (r *streamRelay) runTunnel(ctx context.Context, resp *responseHead, res relayResult) relayResult {
	r.armWrite(r.clientConn)
	if err := writeResponseHead(r.clientConn, resp, false); err != nil {
		return r.fail(res, OutcomeClientAbort, err)
	}
	res.HeaderSent = true
	res.ClientClose = true
	res.UpstreamReusable = false

	uc := r.upstream.Conn()
	uc.SetReadDeadline(time.Time{})
	r.clientConn.SetReadDeadline(time.Time{})

	r.log.DebugLog("Upgrade accepted, tunneling", "dest", r.upstream.Destination().String())

	var wg sync.WaitGroup
	var bytesIn, bytesOut int64
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer uc.Close()
		n, err := server.CopyWithDeadline(ctx, uc, r.clientR, "client-to-upstream")
		bytesIn = n
		if err != nil && !server.IsConnectionError(err) {
			r.log.WarnLog("Tunnel copy failed", "direction", "client-to-upstream", "error", err)
		}
	}()

	go func() {
		defer wg.Done()
		defer r.clientConn.Close()
		n, err := server.CopyWithDeadline(ctx, r.clientConn, r.upstream.Reader(), "upstream-to-client")
		bytesOut = n
		if err != nil && !server.IsConnectionError(err) {
			r.log.WarnLog("Tunnel copy failed", "direction", "upstream-to-client", "error", err)
		}
	}()

	wg.Wait()
	res.BytesIn += bytesIn
	res.BytesOut += bytesOut
	return res
}

func (r *streamRelay) forwardRequestBody(ctx context.Context, req *requestHead) (int64, error) {
	uc := r.upstream.Conn()
	if req.Chunked {
		return r.copyChunked(ctx, uc, r.clientR, r.clientConn, "client-to-upstream")
	}
	return r.copyFixed(ctx, uc, r.clientR, r.clientConn, req.ContentLength, "client-to-upstream")
}

// copyFixed relays exactly n payload bytes, refreshing the source read
// deadline before every read.
func (r *streamRelay) copyFixed(ctx context.Context, dst net.Conn, src io.Reader, srcConn net.Conn, n int64, direction string) (int64, error) {
	copied, err := server.CopyWithDeadline(ctx, dst,
		&idleReader{conn: srcConn, r: io.LimitReader(src, n), timeout: r.idleTimeout}, direction)
	if err != nil {
		return copied, err
	}
	if copied < n {
		return copied, fmt.Errorf("%s: body truncated at %d of %d bytes: %w", direction, copied, n, io.ErrUnexpectedEOF)
	}
	return copied, nil
}

// copyChunked relays a chunked body preserving the chunk frames exactly:
// each size line is re-emitted, extensions are dropped, and trailers are
// forwarded through the terminating blank line. Returns payload byte count.
func (r *streamRelay) copyChunked(ctx context.Context, dst net.Conn, src *bufio.Reader, srcConn net.Conn, direction string) (int64, error) {
	var total int64
	for {
		r.armRead(srcConn)
		line, err := readLine(src)
		if err != nil {
			return total, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return total, err
		}

		r.armWrite(dst)
		if _, err := fmt.Fprintf(dst, "%x%s", size, crlf); err != nil {
			return total, err
		}

		if size == 0 {
			// Forward trailers up to and including the blank line
			for {
				r.armRead(srcConn)
				trailer, err := readLine(src)
				if err != nil {
					return total, err
				}
				r.armWrite(dst)
				if _, err := io.WriteString(dst, trailer+crlf); err != nil {
					return total, err
				}
				if trailer == "" {
					return total, nil
				}
			}
		}

		n, err := server.CopyWithDeadline(ctx, dst,
			&idleReader{conn: srcConn, r: io.LimitReader(src, size), timeout: r.idleTimeout}, direction)
		total += n
		if err != nil {
			return total, err
		}
		if n < size {
			return total, fmt.Errorf("%w: truncated chunk (%d of %d bytes)", errMalformedChunk, n, size)
		}

		r.armRead(srcConn)
		var tail [2]byte
		if _, err := io.ReadFull(src, tail[:]); err != nil {
			return total, err
		}
		if tail[0] != '\r' || tail[1] != '\n' {
			return total, fmt.Errorf("%w: missing CRLF after chunk data", errMalformedChunk)
		}
		if _, err := dst.Write(tail[:]); err != nil {
			return total, err
		}
	}
}

func (r *streamRelay) fail(res relayResult, outcome RelayOutcome, err error) relayResult {
	res.Outcome = outcome
	res.Err = err
	res.ClientClose = true
	res.UpstreamReusable = false
	return res
}

func (r *streamRelay) armRead(conn net.Conn) {
	if r.idleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(r.idleTimeout))
	}
}

func (r *streamRelay) armWrite(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
}

// idleReader refreshes the read deadline on its connection before every
// read so a silent peer trips the idle timeout instead of hanging a copy.
type idleReader struct {
	conn    net.Conn
	r       io.Reader
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if ir.timeout > 0 {
		ir.conn.SetReadDeadline(time.Now().Add(ir.timeout))
	}
	return ir.r.Read(p)
}

// classifyCopyError maps a copy failure to the side that caused it. Write
// failures implicate the destination peer, read failures the source peer;
// timeouts are their own outcome.
func classifyCopyError(err error, readAbort, writeAbort RelayOutcome) RelayOutcome {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "write" {
		return writeAbort
	}
	if errors.Is(err, io.ErrShortWrite) || strings.Contains(err.Error(), "write failed") {
		return writeAbort
	}
	return readAbort
}
