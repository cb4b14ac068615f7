package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// copyWriteDeadline is how long a single write to a stalled peer may
	// block before the copy gives up.
	copyWriteDeadline = 30 * time.Second

	// copyBufferSize bounds the per-copy memory footprint.
	copyBufferSize = 32 * 1024
)

// CopyWithDeadline copies src to dst in bounded chunks, refreshing the write
// deadline on dst at most once per second so a stalled peer cannot pin the
// goroutine forever. It returns the number of bytes written to dst.
// Cancellation of ctx is checked between chunks; io.EOF from src is a clean
// end of stream, not an error. The direction string is only used for error
// context.
func CopyWithDeadline(ctx context.Context, dst net.Conn, src io.Reader, direction string) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var total int64
	var nextRefresh time.Time

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			now := time.Now()
			if now.After(nextRefresh) {
				if err := dst.SetWriteDeadline(now.Add(copyWriteDeadline)); err != nil {
					return total, fmt.Errorf("%s: failed to set write deadline: %w", direction, err)
				}
				nextRefresh = now.Add(time.Second)
			}

			written, writeErr := dst.Write(buf[:n])
			total += int64(written)
			if writeErr != nil {
				return total, fmt.Errorf("%s: write failed: %w", direction, writeErr)
			}
			if written < n {
				return total, fmt.Errorf("%s: %w", direction, io.ErrShortWrite)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}
	}
}
