package federate

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/wan-ninjas/lockstep/internal/netio"
	"github.com/wan-ninjas/lockstep/internal/wire"
)

// peerAddr is a resolved peer server address.
type peerAddr struct {
	ip   net.IP
	port uint16
}

// addressResolver is the slice of the RTI client the connector needs.
type addressResolver interface {
	QueryAddress(id wire.FederateID) (net.IP, uint16, error)
}

// ConnectorConfig carries the outbound P2P connection settings.
type ConnectorConfig struct {
	FederateID   wire.FederateID
	FederationID string

	ConnectNumRetries    int
	ConnectRetryInterval time.Duration
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration

	Logger *slog.Logger
}

// Connector opens direct connections to downstream federates: it
// resolves each peer's server address through the RTI, dials it, and
// performs the identity handshake. Resolved addresses are kept in a
// short-lived cache so a later connection to the same federate does not
// re-query the RTI.
type Connector struct {
	cfg      ConnectorConfig
	logger   *slog.Logger
	resolver addressResolver
	addrs    *TTLCache[peerAddr]
}

// addressCacheTTL bounds how long a resolved peer address is reused.
// A failed dial does not invalidate the entry: a stale address is reused
// until it expires.
const addressCacheTTL = 60 * time.Second

// NewConnector creates a connector resolving through the given RTI
// client.
func NewConnector(cfg ConnectorConfig, resolver addressResolver) *Connector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		cfg:      cfg,
		logger:   logger,
		resolver: resolver,
		addrs:    NewTTLCache[peerAddr](addressCacheTTL, 256),
	}
}

// ConnectToPeer establishes the outbound connection to the given
// federate: resolve, dial with retry, handshake. A REJECT that can be
// transient (the peer's server is up but it has not finished its own
// startup) is retried within the same budget; a federation ID mismatch
// is terminal.
func (c *Connector) ConnectToPeer(id wire.FederateID) (*netio.Conn, error) {
	addr, err := c.resolve(id)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= c.cfg.ConnectNumRetries; attempt++ {
		conn, err := netio.ConnectWithRetry(netio.DialConfig{
			Host:          addr.ip.String(),
			Port:          addr.port,
			Timeout:       c.cfg.ConnectTimeout,
			RetryInterval: c.cfg.ConnectRetryInterval,
			ReadTimeout:   c.cfg.ReadTimeout,
			WriteTimeout:  c.cfg.WriteTimeout,
			Logger:        c.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to federate %d: %w", id, err)
		}

		err = c.handshake(conn)
		if err == nil {
			c.logger.Info("connected to peer",
				slog.Int("federate", int(id)),
				slog.String("addr", conn.RemoteAddr()),
			)
			return conn, nil
		}
		conn.Close()

		var reason wire.RejectReason
		if !asRejection(err, &reason) || reason == wire.RejectFederationIDMismatch {
			return nil, fmt.Errorf("handshake with federate %d: %w", id, err)
		}
		c.logger.Warn("peer rejected handshake, retrying",
			slog.Int("federate", int(id)),
			slog.String("reason", reason.String()),
		)
		time.Sleep(c.cfg.ConnectRetryInterval)
	}
	return nil, fmt.Errorf("handshake with federate %d after %d retries: %w", id, c.cfg.ConnectNumRetries, ErrTimeout)
}

// resolve returns the peer's server address, consulting the cache first.
func (c *Connector) resolve(id wire.FederateID) (peerAddr, error) {
	key := strconv.Itoa(int(id))
	if addr, ok := c.addrs.Get(key); ok {
		return addr, nil
	}
	ip, port, err := c.resolver.QueryAddress(id)
	if err != nil {
		return peerAddr{}, fmt.Errorf("resolving federate %d: %w", id, err)
	}
	addr := peerAddr{ip: ip, port: port}
	c.addrs.Set(key, addr)
	return addr, nil
}

// handshake sends P2P_SENDING_FED_ID and reads the verdict.
func (c *Connector) handshake(conn *netio.Conn) error {
	msg, err := wire.EncodeP2PSendingFedID(c.cfg.FederateID, c.cfg.FederationID)
	if err != nil {
		return fmt.Errorf("encoding P2P_SENDING_FED_ID: %w", err)
	}
	if err := conn.WriteAll(msg); err != nil {
		return fmt.Errorf("sending P2P_SENDING_FED_ID: %w", err)
	}

	var verdict [1]byte
	if err := conn.ReadFull(verdict[:]); err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	switch wire.Kind(verdict[0]) {
	case wire.KindAck:
		return nil
	case wire.KindReject:
		var reason [1]byte
		if err := conn.ReadFull(reason[:]); err != nil {
			return fmt.Errorf("reading rejection reason: %w", err)
		}
		return rejectError(wire.RejectReason(reason[0]))
	default:
		return fmt.Errorf("%w: expected ACK or REJECT, got %s", ErrProtocol, wire.Kind(verdict[0]))
	}
}

// asRejection extracts the reject reason from a handshake error.
func asRejection(err error, reason *wire.RejectReason) bool {
	var re *RejectionError
	if errors.As(err, &re) {
		*reason = re.Reason
		return true
	}
	return false
}
