package httpproxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// Wire-level HTTP/1.x reading and writing. The relay works on raw
// connections because it must preserve body framing exactly: chunk
// boundaries are re-emitted as received and bodies are never buffered
// whole. net/http would re-frame bodies and hide connection ownership.

const (
	maxLineBytes   = 8 * 1024
	maxHeaderBytes = 64 * 1024

	crlf = "\r\n"
)

var (
	errLineTooLong    = errors.New("header line too long")
	errHeaderTooLarge = errors.New("header block too large")
	errMalformedHead  = errors.New("malformed message head")
	errMalformedChunk = errors.New("malformed chunk framing")
)

// hopHeaders are connection-scoped and never forwarded. Transfer-Encoding
// and Connection are re-emitted by the relay itself when applicable.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type requestHead struct {
	Method     string
	RequestURI string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	Host       string

	// ContentLength is -1 when no Content-Length header is present.
	ContentLength  int64
	Chunked        bool
	Upgrade        bool
	WantClose      bool
	ExpectContinue bool
}

func (h *requestHead) hasBody() bool {
	return h.Chunked || h.ContentLength > 0
}

type responseHead struct {
	Proto      string
	ProtoMajor int
	ProtoMinor int
	StatusCode int
	Reason     string
	Header     http.Header

	ContentLength int64
	Chunked       bool
	WantClose     bool
}

// readLine reads a single CRLF (or bare LF) terminated line, enforcing the
// line length limit even when the peer never sends a terminator.
func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		frag, err := br.ReadSlice('\n')
		sb.Write(frag)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if sb.Len() > maxLineBytes {
				return "", errLineTooLong
			}
			continue
		}
		return "", err
	}
	if sb.Len() > maxLineBytes {
		return "", errLineTooLong
	}
	line := strings.TrimSuffix(sb.String(), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// readHeaderBlock reads header lines up to the terminating blank line.
// Continuation lines (obsolete folding) are appended to the previous value.
func readHeaderBlock(br *bufio.Reader) (http.Header, error) {
	header := make(http.Header)
	total := 0
	var lastKey string

	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return header, nil
		}

		total += len(line)
		if total > maxHeaderBytes {
			return nil, errHeaderTooLarge
		}

		if line[0] == ' ' || line[0] == '\t' {
			if lastKey == "" {
				return nil, fmt.Errorf("%w: continuation line without header", errMalformedHead)
			}
			values := header[lastKey]
			values[len(values)-1] += " " + strings.TrimSpace(line)
			continue
		}

		name, value, found := strings.Cut(line, ":")
		if !found || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("%w: invalid header line %q", errMalformedHead, line)
		}
		lastKey = textproto.CanonicalMIMEHeaderKey(name)
		header[lastKey] = append(header[lastKey], strings.TrimSpace(value))
	}
}

// readRequestHead parses a request line and header block from the client.
func readRequestHead(br *bufio.Reader) (*requestHead, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: invalid request line %q", errMalformedHead, line)
	}

	major, minor, ok := http.ParseHTTPVersion(parts[2])
	if !ok || major != 1 {
		return nil, fmt.Errorf("%w: unsupported protocol %q", errMalformedHead, parts[2])
	}

	header, err := readHeaderBlock(br)
	if err != nil {
		return nil, err
	}

	head := &requestHead{
		Method:     parts[0],
		RequestURI: parts[1],
		Proto:      parts[2],
		ProtoMajor: major,
		ProtoMinor: minor,
		Header:     header,
		Host:       header.Get("Host"),
	}

	head.ContentLength, head.Chunked, err = bodyFraming(header)
	if err != nil {
		return nil, err
	}

	head.WantClose = wantClose(major, minor, header)
	head.Upgrade = headerHasToken(header, "Connection", "upgrade") && header.Get("Upgrade") != ""
	head.ExpectContinue = headerHasToken(header, "Expect", "100-continue")

	return head, nil
}

// readResponseHead parses a status line and header block from the upstream.
func readResponseHead(br *bufio.Reader) (*responseHead, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: invalid status line %q", errMalformedHead, line)
	}

	major, minor, ok := http.ParseHTTPVersion(parts[0])
	if !ok || major != 1 {
		return nil, fmt.Errorf("%w: unsupported protocol %q", errMalformedHead, parts[0])
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return nil, fmt.Errorf("%w: invalid status code %q", errMalformedHead, parts[1])
	}

	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	header, err := readHeaderBlock(br)
	if err != nil {
		return nil, err
	}

	head := &responseHead{
		Proto:      parts[0],
		ProtoMajor: major,
		ProtoMinor: minor,
		StatusCode: code,
		Reason:     reason,
		Header:     header,
	}

	head.ContentLength, head.Chunked, err = bodyFraming(header)
	if err != nil {
		return nil, err
	}
	head.WantClose = wantClose(major, minor, header)

	return head, nil
}

// bodyFraming derives declared body framing from the headers. Chunked wins
// over Content-Length per RFC 9112; conflicting Content-Length values are
// rejected outright.
func bodyFraming(header http.Header) (contentLength int64, chunked bool, err error) {
	for _, te := range header.Values("Transfer-Encoding") {
		for _, tok := range strings.Split(te, ",") {
			switch strings.ToLower(strings.TrimSpace(tok)) {
			case "chunked":
				chunked = true
			case "", "identity":
			default:
				return 0, false, fmt.Errorf("%w: unsupported transfer encoding %q", errMalformedHead, tok)
			}
		}
	}
	if chunked {
		return -1, true, nil
	}

	values := header.Values("Content-Length")
	if len(values) == 0 {
		return -1, false, nil
	}
	first := strings.TrimSpace(values[0])
	for _, v := range values[1:] {
		if strings.TrimSpace(v) != first {
			return 0, false, fmt.Errorf("%w: conflicting Content-Length values", errMalformedHead)
		}
	}
	n, perr := strconv.ParseInt(first, 10, 64)
	if perr != nil || n < 0 {
		return 0, false, fmt.Errorf("%w: invalid Content-Length %q", errMalformedHead, first)
	}
	return n, false, nil
}

func wantClose(major, minor int, header http.Header) bool {
	if headerHasToken(header, "Connection", "close") {
		return true
	}
	if major == 1 && minor == 0 {
		return !headerHasToken(header, "Connection", "keep-alive")
	}
	return false
}

// headerHasToken reports whether a comma-separated header field contains
// the token, case-insensitively.
func headerHasToken(header http.Header, key, token string) bool {
	for _, value := range header.Values(key) {
		for _, tok := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), token) {
				return true
			}
		}
	}
	return false
}

// scrubbedHeaders returns a copy of header with hop-by-hop fields removed,
// including any fields the Connection header nominates.
func scrubbedHeaders(header http.Header) http.Header {
	out := header.Clone()
	for _, value := range header.Values("Connection") {
		for _, tok := range strings.Split(value, ",") {
			if name := strings.TrimSpace(tok); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}

// writeRequestHead serializes the rewritten request head for the upstream.
// The Host header is replaced with the destination and forwarding headers
// are appended so the upstream sees the original client.
func writeRequestHead(w io.Writer, req *requestHead, destHost string, clientIP string) error {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s %s HTTP/1.1%s", req.Method, req.RequestURI, crlf)
	fmt.Fprintf(&buf, "Host: %s%s", destHost, crlf)

	header := scrubbedHeaders(req.Header)
	header.Del("Host")

	if prior := header.Get("X-Forwarded-For"); prior != "" {
		header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		header.Set("X-Forwarded-For", clientIP)
	}
	if req.Host != "" {
		header.Set("X-Forwarded-Host", req.Host)
	}
	header.Set("X-Forwarded-Proto", "http")

	if req.Chunked {
		header.Set("Transfer-Encoding", "chunked")
		header.Del("Content-Length")
	}
	if req.Upgrade {
		header.Set("Connection", "Upgrade")
		header.Set("Upgrade", req.Header.Get("Upgrade"))
	}

	if err := header.Write(&buf); err != nil {
		return err
	}
	buf.WriteString(crlf)

	_, err := w.Write(buf.Bytes())
	return err
}

// writeResponseHead serializes the response head for the client. When
// forceClose is set the client is told the connection will not be reused.
func writeResponseHead(w io.Writer, resp *responseHead, forceClose bool) error {
	var buf bytes.Buffer

	reason := resp.Reason
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s%s", resp.StatusCode, reason, crlf)

	header := scrubbedHeaders(resp.Header)
	if resp.Chunked {
		header.Set("Transfer-Encoding", "chunked")
		header.Del("Content-Length")
	}
	if forceClose {
		header.Set("Connection", "close")
	}
	if resp.StatusCode == http.StatusSwitchingProtocols {
		header.Set("Connection", "Upgrade")
		header.Set("Upgrade", resp.Header.Get("Upgrade"))
	}

	if err := header.Write(&buf); err != nil {
		return err
	}
	buf.WriteString(crlf)

	_, err := w.Write(buf.Bytes())
	return err
}

// writeErrorResponse sends a minimal self-generated error response. It is
// only ever used before any upstream bytes have been committed to the
// client, and always closes the connection.
func writeErrorResponse(conn net.Conn, code int, detail string) {
	body := detail
	if body == "" {
		body = http.StatusText(code)
	}
	body += "\n"

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s%s", code, http.StatusText(code), crlf)
	buf.WriteString("Content-Type: text/plain; charset=utf-8" + crlf)
	fmt.Fprintf(&buf, "Content-Length: %d%s", len(body), crlf)
	buf.WriteString("Connection: close" + crlf)
	buf.WriteString(crlf)
	buf.WriteString(body)

	conn.Write(buf.Bytes())
}

// parseChunkSize parses a hex chunk-size line, discarding any chunk
// extensions after ";".
func parseChunkSize(line string) (int64, error) {
	sizeStr := line
	if i := strings.IndexByte(line, ';'); i >= 0 {
		sizeStr = line[:i]
	}
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("%w: empty chunk size", errMalformedChunk)
	}
	n, err := strconv.ParseInt(sizeStr, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid chunk size %q", errMalformedChunk, sizeStr)
	}
	return n, nil
}
