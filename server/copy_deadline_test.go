package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// blockingWriter simulates a completely blocked peer (never completes writes)
type blockingWriter struct {
	net.Conn
	blockCh chan struct{}
}

func (bw *blockingWriter) Write(b []byte) (int, error) {
	<-bw.blockCh
	return 0, &net.OpError{Op: "write", Err: &timeoutError{}}
}

func (bw *blockingWriter) SetWriteDeadline(t time.Time) error {
	if !t.IsZero() && time.Until(t) < 0 {
		return &net.OpError{Op: "write", Err: &timeoutError{}}
	}
	// Once past the deadline, unblock pending writes so they fail
	if !t.IsZero() {
		go func() {
			time.Sleep(time.Until(t))
			close(bw.blockCh)
		}()
	}
	return nil
}

func TestCopyWithDeadline_FastPeer(t *testing.T) {
	ctx := context.Background()

	srcRead, srcWrite := net.Pipe()
	dstRead, dstWrite := net.Pipe()

	defer srcRead.Close()
	defer srcWrite.Close()
	defer dstRead.Close()
	defer dstWrite.Close()

	testData := "Hello, World! This is test data.\n"
	done := make(chan error, 1)

	go func() {
		_, err := CopyWithDeadline(ctx, dstWrite, srcRead, "test")
		dstWrite.Close() // Signal EOF to reader
		done <- err
	}()

	go func() {
		srcWrite.Write([]byte(testData))
		time.Sleep(10 * time.Millisecond)
		srcWrite.Close() // EOF
	}()

	buf := make([]byte, len(testData))
	n, err := io.ReadFull(dstRead, buf)
	if err != nil {
		t.Fatalf("Failed to read from dst: %v", err)
	}

	if string(buf[:n]) != testData {
		t.Errorf("Data mismatch: got %q, want %q", buf[:n], testData)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("CopyWithDeadline failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CopyWithDeadline timed out")
	}
}

func TestCopyWithDeadline_StalledPeerTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping slow timeout test in short mode (takes 30+ seconds)")
	}

	ctx := context.Background()

	src, srcWriter := net.Pipe()
	defer src.Close()
	defer srcWriter.Close()

	dst := &blockingWriter{
		blockCh: make(chan struct{}),
	}

	go func() {
		data := []byte(strings.Repeat("X", 100000))
		srcWriter.Write(data)
	}()

	done := make(chan error, 1)
	go func() {
		_, err := CopyWithDeadline(ctx, dst, src, "test")
		done <- err
	}()

	// The write deadline should fail the copy within the 30s window
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Expected CopyWithDeadline to fail with timeout, got nil")
		}
		if !strings.Contains(err.Error(), "timeout") {
			t.Errorf("Expected timeout error, got: %v", err)
		}
	case <-time.After(35 * time.Second):
		t.Fatal("CopyWithDeadline didn't timeout within expected time")
	}
}

// Context cancellation is checked between read/write operations, so the
// source must keep producing data for the cancellation to be observed.
func TestCopyWithDeadline_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	srcRead, srcWrite := net.Pipe()
	dstRead, dstWrite := net.Pipe()

	defer srcRead.Close()
	defer srcWrite.Close()
	defer dstRead.Close()
	defer dstWrite.Close()

	done := make(chan error, 1)

	// Drain destination so the pipe never blocks
	go func() {
		buf := make([]byte, 1024)
		for {
			_, err := dstRead.Read(buf)
			if err != nil {
				return
			}
		}
	}()

	// Keep the copy busy
	go func() {
		buf := make([]byte, 1024)
		for i := range buf {
			buf[i] = byte(i % 256)
		}
		for {
			_, err := srcWrite.Write(buf)
			if err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	go func() {
		_, err := CopyWithDeadline(ctx, dstWrite, srcRead, "test")
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Expected context.Canceled error, got nil")
		}
		if !errors.Is(err, context.Canceled) {
			// Any error indicating the copy stopped is acceptable
			t.Logf("Copy stopped with error (acceptable): %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CopyWithDeadline didn't stop after context cancellation")
	}
}

func TestCopyWithDeadline_LargeTransfer(t *testing.T) {
	ctx := context.Background()

	srcRead, srcWrite := net.Pipe()
	dstRead, dstWrite := net.Pipe()

	defer srcRead.Close()
	defer srcWrite.Close()
	defer dstRead.Close()
	defer dstWrite.Close()

	largeData := strings.Repeat("A", 1024*1024)
	done := make(chan error, 1)
	var bytesWritten int64

	go func() {
		n, err := CopyWithDeadline(ctx, dstWrite, srcRead, "test")
		bytesWritten = n
		dstWrite.Close() // Signal EOF
		done <- err
	}()

	go func() {
		srcWrite.Write([]byte(largeData))
		time.Sleep(100 * time.Millisecond)
		srcWrite.Close()
	}()

	buf := make([]byte, 32*1024)
	totalRead := 0
	for {
		n, err := dstRead.Read(buf)
		totalRead += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Failed to read: %v", err)
		}
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("CopyWithDeadline failed: %v", err)
		}
		if bytesWritten != int64(len(largeData)) {
			t.Errorf("Bytes written mismatch: got %d, want %d", bytesWritten, len(largeData))
		}
		if totalRead != len(largeData) {
			t.Errorf("Bytes read mismatch: got %d, want %d", totalRead, len(largeData))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("CopyWithDeadline timed out")
	}
}
