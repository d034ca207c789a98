package netio

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Connection establishment constants. The retry interval paces attempts;
// the timeout bounds the whole establishment.
const (
	ConnectRetryInterval = 2 * time.Second
	ConnectTimeout       = 60 * time.Second
)

// ErrConnectTimeout is returned when a connection could not be
// established within the deadline.
var ErrConnectTimeout = errors.New("connect timed out")

// DialConfig carries the tunables for ConnectWithRetry.
type DialConfig struct {
	Host string
	Port uint16

	// Timeout bounds the total establishment time; zero means
	// ConnectTimeout.
	Timeout time.Duration

	// RetryInterval is the pause between attempts; zero means
	// ConnectRetryInterval.
	RetryInterval time.Duration

	// ReadTimeout/WriteTimeout are applied to the established connection.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// ConnectWithRetry dials host:port, retrying every RetryInterval until
// Timeout elapses. DNS failures are retried the same way as refused
// connections: during federation startup the peer may simply not be
// listening yet.
func ConnectWithRetry(cfg DialConfig) (*Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = ConnectTimeout
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = ConnectRetryInterval
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	deadline := time.Now().Add(timeout)

	var lastErr error
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("connecting to %s: %w (last error: %v)", addr, ErrConnectTimeout, lastErr)
		}

		c, err := net.DialTimeout("tcp4", addr, remaining)
		if err == nil {
			conn := NewConn(c.(*net.TCPConn))
			conn.ReadTimeout = cfg.ReadTimeout
			conn.WriteTimeout = cfg.WriteTimeout
			logger.Debug("connected", slog.String("addr", addr))
			return conn, nil
		}
		lastErr = err
		logger.Warn("connection attempt failed, will retry",
			slog.String("addr", addr),
			slog.String("error", err.Error()),
		)
		time.Sleep(interval)
	}
}
