package server

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsConnectionError checks if an error is a common, non-fatal network
// connection error. These are logged and the connection is closed, but they
// must not crash the server. This helps distinguish client-side issues
// (e.g., connection reset) from genuine server problems.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	var opErr *net.OpError
	var syscallErr *os.SyscallError

	// Timeouts surface as net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.As(err, &opErr) {
		// "read: connection reset by peer" is a common client-side disconnection
		if errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
		// "use of closed network connection" happens when the connection is
		// closed by another goroutine during shutdown
		if strings.Contains(opErr.Err.Error(), "use of closed network connection") {
			return true
		}
	}

	if errors.As(err, &syscallErr) {
		if errors.Is(syscallErr.Err, syscall.ECONNRESET) || errors.Is(syscallErr.Err, syscall.EPIPE) {
			return true
		}
	}

	// EOF occurs when the peer disconnects abruptly
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}
