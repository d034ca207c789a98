package federate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/wan-ninjas/lockstep/internal/netio"
	"github.com/wan-ninjas/lockstep/internal/wire"
)

// StartingPort is the first port tried when the RTI port is not
// configured, and PortRangeLimit bounds the cycle.
const (
	StartingPort   = 15045
	PortRangeLimit = 16
)

// RTIClientConfig carries everything the RTI client needs to establish
// and use its connection.
type RTIClientConfig struct {
	Host string

	// Port of the RTI. Zero cycles through
	// [StartingPort, StartingPort+PortRangeLimit].
	Port uint16

	FederateID   wire.FederateID
	FederationID string

	ConnectNumRetries         int
	ConnectRetryInterval      time.Duration
	AddressQueryRetryInterval time.Duration
	ReadTimeout               time.Duration
	WriteTimeout              time.Duration

	Logger *slog.Logger
}

// RTIClient is the control-plane connection to the run-time
// infrastructure. Connect performs the identity handshake; afterwards the
// same socket carries address queries, the start-time exchange and the
// time-advance traffic. Reads on the socket are exclusive-sequential
// until the RTI listener goroutine takes over (after Synchronize's
// start-time exchange); the write path stays shared and is serialized by
// the connection's write lock.
type RTIClient struct {
	cfg    RTIClientConfig
	logger *slog.Logger
	conn   *netio.Conn
}

// NewRTIClient creates an unconnected client.
func NewRTIClient(cfg RTIClientConfig) *RTIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RTIClient{cfg: cfg, logger: logger}
}

// Conn exposes the underlying connection for the listener goroutine.
func (r *RTIClient) Conn() *netio.Conn {
	return r.conn
}

// Connect dials the RTI and performs the FED_ID handshake. When no port
// was configured it cycles through the default range, advancing also
// when a responding server rejects the federation ID or says it is the
// wrong server: some other process may be squatting a port in the range.
// A full pass over the range counts as one retry.
func (r *RTIClient) Connect() error {
	cycling := r.cfg.Port == 0
	port := r.cfg.Port
	if cycling {
		port = StartingPort
	}

	retries := 0
	for {
		conn, err := r.dialOnce(port)
		if err == nil {
			accepted, handshakeErr := r.handshake(conn)
			if handshakeErr != nil {
				conn.Close()
				return handshakeErr
			}
			if accepted {
				r.conn = conn
				r.logger.Info("connected to RTI",
					slog.String("host", r.cfg.Host),
					slog.Int("port", int(port)),
				)
				return nil
			}
			// Rejected for reaching the wrong server; treat like a
			// failed dial and move on.
			conn.Close()
			if !cycling {
				return fmt.Errorf("connecting to RTI at %s:%d: %w", r.cfg.Host, port, rejectError(wire.RejectWrongServer))
			}
		}

		if !cycling {
			retries++
			if retries > r.cfg.ConnectNumRetries {
				return fmt.Errorf("connecting to RTI at %s:%d after %d retries: %w", r.cfg.Host, port, r.cfg.ConnectNumRetries, ErrTimeout)
			}
			time.Sleep(r.cfg.ConnectRetryInterval)
			continue
		}

		port++
		if port > StartingPort+PortRangeLimit {
			port = StartingPort
			retries++
			if retries > r.cfg.ConnectNumRetries {
				return fmt.Errorf("connecting to RTI at %s (ports %d-%d) after %d retries: %w",
					r.cfg.Host, StartingPort, StartingPort+PortRangeLimit, r.cfg.ConnectNumRetries, ErrTimeout)
			}
			time.Sleep(r.cfg.ConnectRetryInterval)
		}
	}
}

// dialOnce makes a single connection attempt bounded by the retry
// interval, so a dead port does not consume the whole budget.
func (r *RTIClient) dialOnce(port uint16) (*netio.Conn, error) {
	addr := net.JoinHostPort(r.cfg.Host, fmt.Sprintf("%d", port))
	c, err := net.DialTimeout("tcp4", addr, r.cfg.ConnectRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	conn := netio.NewConn(c.(*net.TCPConn))
	conn.ReadTimeout = r.cfg.ReadTimeout
	conn.WriteTimeout = r.cfg.WriteTimeout
	return conn, nil
}

// handshake sends FED_ID and reads the verdict. It returns
// (false, nil) for the two rejection causes that mean "wrong RTI, try
// another port" and a terminal error for everything else.
func (r *RTIClient) handshake(conn *netio.Conn) (bool, error) {
	msg, err := wire.EncodeFedID(r.cfg.FederateID, r.cfg.FederationID)
	if err != nil {
		return false, fmt.Errorf("encoding FED_ID: %w", err)
	}
	if err := conn.WriteAll(msg); err != nil {
		return false, fmt.Errorf("sending FED_ID: %w", err)
	}

	var verdict [1]byte
	if err := conn.ReadFull(verdict[:]); err != nil {
		return false, fmt.Errorf("reading FED_ID response: %w", err)
	}

	switch wire.Kind(verdict[0]) {
	case wire.KindAck:
		return true, nil
	case wire.KindReject:
		var reason [1]byte
		if err := conn.ReadFull(reason[:]); err != nil {
			return false, fmt.Errorf("reading rejection reason: %w", err)
		}
		cause := wire.RejectReason(reason[0])
		if cause == wire.RejectFederationIDMismatch || cause == wire.RejectWrongServer {
			r.logger.Warn("rejected by server, trying next port", slog.String("reason", cause.String()))
			return false, nil
		}
		return false, rejectError(cause)
	default:
		return false, fmt.Errorf("%w: expected ACK or REJECT, got %s", ErrProtocol, wire.Kind(verdict[0]))
	}
}

// SendTime puts a time-bearing control message on the RTI socket:
// NEXT_EVENT_TIME, LOGICAL_TIME_COMPLETE, STOP or TIMESTAMP.
func (r *RTIClient) SendTime(kind wire.Kind, t wire.Instant) error {
	if r.conn == nil || r.conn.Closed() {
		return ErrSocketClosed
	}
	if err := r.conn.WriteAll(wire.EncodeTime(kind, t)); err != nil {
		if errors.Is(err, netio.ErrClosed) {
			return ErrSocketClosed
		}
		return fmt.Errorf("sending %s: %w", kind, err)
	}
	return nil
}

// AdvertiseServerPort sends the ADDRESS_AD carrying this federate's
// inbound server port. Sent exactly once, after the server is listening.
func (r *RTIClient) AdvertiseServerPort(port uint16) error {
	if err := r.conn.WriteAll(wire.EncodeAddressAd(port)); err != nil {
		return fmt.Errorf("sending ADDRESS_AD: %w", err)
	}
	r.logger.Info("advertised server port", slog.Int("port", int(port)))
	return nil
}

// QueryAddress resolves a peer's server address through the RTI. A port
// of -1 in the reply means the peer has not advertised yet; the query is
// repeated after AddressQueryRetryInterval up to the retry budget.
// Must only be called before the RTI listener goroutine starts: the
// reply is read inline from the RTI socket.
func (r *RTIClient) QueryAddress(id wire.FederateID) (net.IP, uint16, error) {
	for tries := 0; tries <= r.cfg.ConnectNumRetries; tries++ {
		if err := r.conn.WriteAll(wire.EncodeAddressQuery(id)); err != nil {
			return nil, 0, fmt.Errorf("sending ADDRESS_QUERY for federate %d: %w", id, err)
		}

		var reply [8]byte
		if err := r.conn.ReadFull(reply[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, netio.ErrClosed) {
				return nil, 0, fmt.Errorf("reading ADDRESS_QUERY reply: %w", ErrSocketClosed)
			}
			return nil, 0, fmt.Errorf("reading ADDRESS_QUERY reply: %w", err)
		}

		port := wire.DecodeInt32(reply[0:4])
		ip := net.IPv4(reply[4], reply[5], reply[6], reply[7])
		if port >= 0 {
			r.logger.Debug("resolved peer address",
				slog.Int("federate", int(id)),
				slog.String("ip", ip.String()),
				slog.Int("port", int(port)),
			)
			return ip, uint16(port), nil
		}
		// The peer has not registered its server yet.
		time.Sleep(r.cfg.AddressQueryRetryInterval)
	}
	return nil, 0, fmt.Errorf("resolving address of federate %d: %w", id, ErrTimeout)
}

// ExchangeStartTime sends this federate's physical time and blocks for
// the federation start time chosen by the RTI.
func (r *RTIClient) ExchangeStartTime(physical wire.Instant) (wire.Instant, error) {
	if err := r.SendTime(wire.KindTimestamp, physical); err != nil {
		return wire.Never, fmt.Errorf("sending TIMESTAMP: %w", err)
	}

	var reply [wire.TimeMessageLen]byte
	if err := r.conn.ReadFull(reply[:]); err != nil {
		return wire.Never, fmt.Errorf("reading TIMESTAMP reply: %w", err)
	}
	if wire.Kind(reply[0]) != wire.KindTimestamp {
		return wire.Never, fmt.Errorf("%w: expected TIMESTAMP, got %s", ErrProtocol, wire.Kind(reply[0]))
	}
	start, err := wire.DecodeInstant(reply[1:])
	if err != nil {
		return wire.Never, fmt.Errorf("decoding start time: %w", err)
	}
	r.logger.Info("received federation start time", slog.Int64("start", int64(start)))
	return start, nil
}

// Close shuts the RTI connection down. Safe to call repeatedly.
func (r *RTIClient) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
}
