// Package netio provides the blocking TCP primitives the coordination
// engine is built on: an owning connection type with an atomically-set
// closed sentinel, length-exact read/write with transient-error retry,
// one-byte lookahead, server setup with port-range rebinding, and client
// connect with retry.
package netio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DelayBetweenSocketRetries is how long to sleep before retrying a read
// or write that failed with a transient (timeout-class) error.
const DelayBetweenSocketRetries = 1 * time.Millisecond

var (
	// ErrClosed is returned by any I/O on a connection that has been
	// closed, locally or by error handling.
	ErrClosed = errors.New("connection closed")

	// ErrShortRead is returned when the remote end closed the connection
	// in the middle of an expected byte sequence.
	ErrShortRead = errors.New("unexpected EOF mid-message")
)

// Conn owns a TCP connection. All reads go through an internal buffered
// reader (required for Peek); writes are serialized by a per-connection
// lock. Close is idempotent and may be called from any goroutine: the
// closed flag is set atomically, and subsequent I/O returns ErrClosed
// without touching the socket.
type Conn struct {
	tcp    *net.TCPConn
	reader *bufio.Reader

	writeMu sync.Mutex
	closed  atomic.Bool

	// ReadTimeout and WriteTimeout bound a single kernel read/write.
	// Expiry is treated as transient and retried after
	// DelayBetweenSocketRetries, matching SO_RCVTIMEO/SO_SNDTIMEO
	// recovery. Zero means block indefinitely.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewConn wraps an accepted or dialed TCP connection. Nagle's algorithm
// is disabled so small coordination messages are not batched.
func NewConn(tcp *net.TCPConn) *Conn {
	tcp.SetNoDelay(true)
	setQuickAck(tcp)
	return &Conn{
		tcp:    tcp,
		reader: bufio.NewReader(tcp),
	}
}

// RemoteAddr returns the remote address, or "closed" after close.
func (c *Conn) RemoteAddr() string {
	if c.closed.Load() {
		return "closed"
	}
	return c.tcp.RemoteAddr().String()
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// ReadFull reads exactly len(b) bytes. Transient errors (deadline expiry)
// are retried after DelayBetweenSocketRetries. A clean EOF before the
// first byte is reported as io.EOF; an EOF after some bytes were consumed
// is ErrShortRead. Both leave the connection open: callers that treat EOF
// as connection loss should follow with CloseOnError.
func (c *Conn) ReadFull(b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	read := 0
	for read < len(b) {
		if c.ReadTimeout > 0 {
			c.tcp.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		}
		n, err := c.reader.Read(b[read:])
		read += n
		if err != nil {
			if isTransient(err) {
				time.Sleep(DelayBetweenSocketRetries)
				continue
			}
			if errors.Is(err, io.EOF) {
				if read == 0 {
					return io.EOF
				}
				return fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, read, len(b))
			}
			if c.closed.Load() {
				return ErrClosed
			}
			return fmt.Errorf("reading %d bytes: %w", len(b), err)
		}
	}
	return nil
}

// WriteAll writes all of b, retrying transient errors. A zero-byte write
// with no error on a positive request is an error, not progress.
func (c *Conn) WriteAll(b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(b)
}

// WriteAllLocked is WriteAll for callers that already hold the write lock
// via LockWrites, letting a header and its payload go out back to back
// with no interleaving writer.
func (c *Conn) WriteAllLocked(b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.writeLocked(b)
}

// LockWrites acquires the per-connection write lock. The returned func
// releases it.
func (c *Conn) LockWrites() func() {
	c.writeMu.Lock()
	return c.writeMu.Unlock
}

func (c *Conn) writeLocked(b []byte) error {
	written := 0
	for written < len(b) {
		if c.WriteTimeout > 0 {
			c.tcp.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		}
		n, err := c.tcp.Write(b[written:])
		written += n
		if err != nil {
			if isTransient(err) {
				time.Sleep(DelayBetweenSocketRetries)
				continue
			}
			if c.closed.Load() {
				return ErrClosed
			}
			return fmt.Errorf("writing %d bytes: %w", len(b), err)
		}
		if n == 0 {
			return fmt.Errorf("writing %d bytes: zero-byte write", len(b))
		}
	}
	return nil
}

// Peek performs a one-byte lookahead that waits at most
// DelayBetweenSocketRetries. It returns 1 if a byte is available, 0 if
// none arrives in that window, and an error on EOF or a hard failure.
func (c *Conn) Peek() (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if c.reader.Buffered() > 0 {
		return 1, nil
	}
	// A deadline that has already passed fails before the socket is read
	// at all, so the lookahead gets a short window instead.
	c.tcp.SetReadDeadline(time.Now().Add(DelayBetweenSocketRetries))
	_, err := c.reader.Peek(1)
	c.tcp.SetReadDeadline(time.Time{})
	if err == nil {
		return 1, nil
	}
	if isTransient(err) {
		return 0, nil
	}
	return 0, fmt.Errorf("peeking: %w", err)
}

// Close shuts the connection down in both directions and closes it. It is
// a no-op on an already-closed connection.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.tcp.CloseRead()
	c.tcp.CloseWrite()
	return c.tcp.Close()
}

// CloseOnError closes the connection after an I/O failure, logging the
// cause. Blocked reads on the connection return once the descriptor is
// closed, which is how listener goroutines are unstuck at shutdown.
func (c *Conn) CloseOnError(logger *slog.Logger, cause error) {
	if c.closed.Load() {
		return
	}
	if logger != nil {
		logger.Warn("closing connection after error",
			slog.String("remote", c.RemoteAddr()),
			slog.String("error", cause.Error()),
		)
	}
	c.Close()
}

// isTransient reports whether err is a retry-after-delay error: a
// deadline expiry or anything the net package marks as a timeout.
func isTransient(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
