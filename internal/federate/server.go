package federate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wan-ninjas/lockstep/internal/netio"
	"github.com/wan-ninjas/lockstep/internal/wire"
)

// PeerServerConfig carries the inbound P2P server settings.
type PeerServerConfig struct {
	// Port to bind; zero asks the OS for an ephemeral port.
	Port uint16

	FederationID string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// PeerServer accepts direct connections from upstream federates,
// validates their identity handshake and hands verified connections to
// the service, which spawns a listener per peer.
type PeerServer struct {
	cfg    PeerServerConfig
	logger *slog.Logger
	server *netio.Server
}

// NewPeerServer binds the inbound P2P listening socket. The bound port
// is available through Port for the ADDRESS_AD advertisement.
func NewPeerServer(cfg PeerServerConfig) (*PeerServer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv, err := netio.Listen(netio.ServerConfig{
		PortHint:     cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("binding P2P server: %w", err)
	}
	return &PeerServer{cfg: cfg, logger: logger, server: srv}, nil
}

// Port returns the port the server bound.
func (p *PeerServer) Port() uint16 {
	return p.server.Port()
}

// AcceptPeers accepts connections until expected peers have passed the
// handshake, invoking register for each. Handshake failures are answered
// with REJECT and do not count toward expected. Returns nil once all
// expected peers are connected, or the accept error if the listener is
// closed first.
func (p *PeerServer) AcceptPeers(expected int, register func(id wire.FederateID, conn *netio.Conn)) error {
	received := 0
	for received < expected {
		conn, err := p.server.Accept()
		if err != nil {
			if netio.IsClosedError(err) {
				return fmt.Errorf("P2P server closed with %d of %d peers connected: %w", received, expected, err)
			}
			return fmt.Errorf("accepting peer connection: %w", err)
		}

		id, err := p.handshake(conn)
		if err != nil {
			p.logger.Warn("peer handshake failed",
				slog.String("remote", conn.RemoteAddr()),
				slog.String("error", err.Error()),
			)
			conn.Close()
			continue
		}

		p.logger.Info("peer connected",
			slog.Int("federate", int(id)),
			slog.String("remote", conn.RemoteAddr()),
		)
		register(id, conn)
		received++
	}
	return nil
}

// handshake reads and validates the P2P_SENDING_FED_ID that must open
// every inbound peer connection. The federation ID is checked before the
// message kind so a cross-federation connection gets the more specific
// rejection.
func (p *PeerServer) handshake(conn *netio.Conn) (wire.FederateID, error) {
	var header [wire.P2PFedIDHeaderLen]byte
	if err := conn.ReadFull(header[:]); err != nil {
		return 0, fmt.Errorf("reading peer handshake header: %w", err)
	}

	senderID := wire.FederateID(wire.DecodeUint16(header[1:3]))
	idLen := int(header[3])
	federationID := make([]byte, idLen)
	if idLen > 0 {
		if err := conn.ReadFull(federationID); err != nil {
			return 0, fmt.Errorf("reading peer federation ID: %w", err)
		}
	}

	if string(federationID) != p.cfg.FederationID {
		conn.WriteAll(wire.EncodeReject(wire.RejectFederationIDMismatch))
		return 0, fmt.Errorf("%w: federation ID %q does not match %q",
			ErrRejected, federationID, p.cfg.FederationID)
	}
	if wire.Kind(header[0]) != wire.KindP2PSendingFedID {
		conn.WriteAll(wire.EncodeReject(wire.RejectWrongServer))
		return 0, fmt.Errorf("%w: expected P2P_SENDING_FED_ID, got %s", ErrRejected, wire.Kind(header[0]))
	}

	if err := conn.WriteAll(wire.EncodeAck()); err != nil {
		return 0, fmt.Errorf("sending ACK to federate %d: %w", senderID, err)
	}
	return senderID, nil
}

// Close stops the listener; a blocked AcceptPeers returns.
func (p *PeerServer) Close() error {
	return p.server.Close()
}
