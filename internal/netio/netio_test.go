package netio

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// pair returns a connected loopback Conn pair.
func pair(t *testing.T) (*Conn, *Conn) {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()

	client, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}

	a := <-ch
	if a.err != nil {
		t.Fatalf("accept error: %v", a.err)
	}

	left := NewConn(client.(*net.TCPConn))
	right := NewConn(a.conn.(*net.TCPConn))
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

func TestReadFull_WriteAll(t *testing.T) {
	left, right := pair(t)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := left.WriteAll(payload); err != nil {
		t.Fatalf("WriteAll error: %v", err)
	}

	got := make([]byte, 4)
	if err := right.ReadFull(got); err != nil {
		t.Fatalf("ReadFull error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read %x, want %x", got, payload)
	}
}

func TestReadFull_SpansMultipleWrites(t *testing.T) {
	left, right := pair(t)

	go func() {
		left.WriteAll([]byte{1, 2})
		time.Sleep(10 * time.Millisecond)
		left.WriteAll([]byte{3, 4, 5})
	}()

	got := make([]byte, 5)
	if err := right.ReadFull(got); err != nil {
		t.Fatalf("ReadFull error: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("read %v, want 1..5", got)
	}
}

func TestReadFull_CleanEOF(t *testing.T) {
	left, right := pair(t)

	left.Close()

	got := make([]byte, 1)
	err := right.ReadFull(got)
	if !errors.Is(err, io.EOF) {
		t.Errorf("ReadFull after close = %v, want io.EOF", err)
	}
}

func TestReadFull_ShortRead(t *testing.T) {
	left, right := pair(t)

	if err := left.WriteAll([]byte{9}); err != nil {
		t.Fatalf("WriteAll error: %v", err)
	}
	left.Close()

	got := make([]byte, 4)
	err := right.ReadFull(got)
	if !errors.Is(err, ErrShortRead) {
		t.Errorf("ReadFull on truncated stream = %v, want ErrShortRead", err)
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	left, _ := pair(t)

	if err := left.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := left.Close(); err != nil {
		t.Errorf("second Close error: %v, want nil", err)
	}
	if !left.Closed() {
		t.Error("Closed() = false after Close")
	}
	if err := left.WriteAll([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteAll after close = %v, want ErrClosed", err)
	}
	if err := left.ReadFull(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadFull after close = %v, want ErrClosed", err)
	}
}

func TestPeek(t *testing.T) {
	left, right := pair(t)

	n, err := right.Peek()
	if err != nil {
		t.Fatalf("Peek error: %v", err)
	}
	if n != 0 {
		t.Errorf("Peek on idle socket = %d, want 0", n)
	}

	if err := left.WriteAll([]byte{42}); err != nil {
		t.Fatalf("WriteAll error: %v", err)
	}

	// Allow delivery.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err = right.Peek()
		if err != nil {
			t.Fatalf("Peek error: %v", err)
		}
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n != 1 {
		t.Fatalf("Peek with pending byte = %d, want 1", n)
	}

	// The peeked byte is still readable.
	got := make([]byte, 1)
	if err := right.ReadFull(got); err != nil {
		t.Fatalf("ReadFull error: %v", err)
	}
	if got[0] != 42 {
		t.Errorf("read %d, want 42", got[0])
	}
}

func TestListen_OSPort_And_Accept(t *testing.T) {
	srv, err := Listen(ServerConfig{PortHint: PortHintOS})
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	defer srv.Close()

	if srv.Port() == 0 {
		t.Fatal("Listen with PortHintOS reported port 0")
	}

	done := make(chan error, 1)
	go func() {
		conn, err := srv.Accept()
		if err == nil {
			conn.Close()
		}
		done <- err
	}()

	c, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(srv.Port()))))
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer c.Close()

	if err := <-done; err != nil {
		t.Fatalf("Accept error: %v", err)
	}
}

func TestListen_PortCycling(t *testing.T) {
	// Occupy the first port of the cycle range, then ask for a cycled
	// bind: the server must come up on a different port in the range.
	first, err := net.Listen("tcp4", ":15045")
	if err != nil {
		t.Skipf("cannot occupy port 15045: %v", err)
	}
	defer first.Close()

	srv, err := Listen(ServerConfig{PortHint: PortHintCycle})
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	defer srv.Close()

	if srv.Port() == DefaultPort {
		t.Errorf("bound port = %d, want a cycled port", srv.Port())
	}
	if srv.Port() < DefaultPort || srv.Port() >= DefaultPort+MaxNumPortAddresses {
		t.Errorf("bound port %d outside cycle range [%d, %d)", srv.Port(), DefaultPort, DefaultPort+MaxNumPortAddresses)
	}
}

func TestAccept_AfterClose(t *testing.T) {
	srv, err := Listen(ServerConfig{PortHint: PortHintOS})
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := srv.Accept()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	srv.Close()

	err = <-done
	if err == nil {
		t.Fatal("Accept on closed listener returned nil error")
	}
	if !IsClosedError(err) {
		t.Errorf("IsClosedError(%v) = false, want true", err)
	}
}

func TestConnectWithRetry_Success(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	conn, err := ConnectWithRetry(DialConfig{Host: "127.0.0.1", Port: port, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("ConnectWithRetry error: %v", err)
	}
	conn.Close()
}

func TestConnectWithRetry_Timeout(t *testing.T) {
	// A port in the dynamic range with nothing listening.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	_, err = ConnectWithRetry(DialConfig{
		Host:          "127.0.0.1",
		Port:          port,
		Timeout:       150 * time.Millisecond,
		RetryInterval: 30 * time.Millisecond,
	})
	if !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("ConnectWithRetry = %v, want ErrConnectTimeout", err)
	}
}
