package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"
)

// Port selection constants. Overridable per call through ServerConfig;
// the defaults match the coordination wire contract.
const (
	// DefaultPort is the first port tried when cycling.
	DefaultPort = 15045

	// MaxNumPortAddresses bounds the cycling range
	// [DefaultPort, DefaultPort+MaxNumPortAddresses).
	MaxNumPortAddresses = 16

	// PortBindRetryLimit is the number of bind attempts before giving up.
	PortBindRetryLimit = 10

	// PortBindRetryInterval is the sleep between bind attempts when a
	// specific port was requested.
	PortBindRetryInterval = 1 * time.Second
)

// Port hint sentinels for Listen.
const (
	// PortHintOS asks the OS to assign an ephemeral port.
	PortHintOS = 0

	// PortHintCycle starts at DefaultPort and cycles through the range
	// on bind failure.
	PortHintCycle = 1
)

// ServerConfig carries the tunables for Listen and Server.Accept.
type ServerConfig struct {
	// PortHint is PortHintOS, PortHintCycle, or an exact port to bind.
	PortHint uint16

	// ReadTimeout/WriteTimeout are applied to every accepted connection.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Server is a listening TCP socket plus the port it actually bound.
type Server struct {
	listener *net.TCPListener
	port     uint16
	cfg      ServerConfig
}

// listenBacklogControl sets SO_REUSEADDR before bind so a restart does
// not stall on TIME_WAIT.
func listenBacklogControl(_, _ string, c syscall.RawConn) error {
	var soerr error
	err := c.Control(func(fd uintptr) {
		soerr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return soerr
}

// Listen binds a TCP server according to the port hint. With
// PortHintCycle it walks the range [DefaultPort, DefaultPort+
// MaxNumPortAddresses) for up to PortBindRetryLimit attempts, wrapping at
// the end of the range. With PortHintOS the kernel picks the port and the
// assigned value is reported on the returned Server. An exact hint is
// retried on the same port, sleeping PortBindRetryInterval between
// attempts.
func Listen(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lc := net.ListenConfig{Control: listenBacklogControl}

	port := cfg.PortHint
	cycling := false
	switch cfg.PortHint {
	case PortHintCycle:
		port = DefaultPort
		cycling = true
	case PortHintOS:
		port = 0
	}

	var lastErr error
	for attempt := 1; attempt <= PortBindRetryLimit; attempt++ {
		ln, err := lc.Listen(context.Background(), "tcp4", fmt.Sprintf(":%d", port))
		if err == nil {
			tcpLn := ln.(*net.TCPListener)
			bound := uint16(tcpLn.Addr().(*net.TCPAddr).Port)
			logger.Info("server listening", slog.Int("port", int(bound)))
			return &Server{listener: tcpLn, port: bound, cfg: cfg}, nil
		}
		lastErr = err

		if cycling {
			logger.Warn("failed to bind port, trying next",
				slog.Int("port", int(port)),
				slog.String("error", err.Error()),
			)
			port++
			if port >= DefaultPort+MaxNumPortAddresses {
				port = DefaultPort
			}
			continue
		}
		if cfg.PortHint == PortHintOS {
			// The kernel refused an ephemeral port; retrying will not help.
			break
		}
		logger.Warn("failed to bind port, will retry",
			slog.Int("port", int(port)),
			slog.String("error", err.Error()),
		)
		time.Sleep(PortBindRetryInterval)
	}
	return nil, fmt.Errorf("binding server socket (hint %d): %w", cfg.PortHint, lastErr)
}

// Port returns the port the server actually bound.
func (s *Server) Port() uint16 {
	return s.port
}

// Accept blocks for the next inbound connection. Timeout-class failures
// are ignored and the accept is retried; any other failure is returned.
func (s *Server) Accept() (*Conn, error) {
	for {
		tcp, err := s.listener.AcceptTCP()
		if err != nil {
			if isTransient(err) {
				continue
			}
			return nil, fmt.Errorf("accepting connection: %w", err)
		}
		conn := NewConn(tcp)
		conn.ReadTimeout = s.cfg.ReadTimeout
		conn.WriteTimeout = s.cfg.WriteTimeout
		return conn, nil
	}
}

// Close stops the listener. Blocked Accept calls return an error that
// wraps net.ErrClosed.
func (s *Server) Close() error {
	return s.listener.Close()
}

// IsClosedError reports whether err came from accepting on a closed
// listener, the expected way an accept loop is told to exit.
func IsClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
