package federate

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/wan-ninjas/lockstep/internal/netio"
	"github.com/wan-ninjas/lockstep/internal/wire"
)

func newTestPeerServer(t *testing.T, federationID string) *PeerServer {
	t.Helper()
	srv, err := NewPeerServer(PeerServerConfig{
		Port:         0,
		FederationID: federationID,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("NewPeerServer error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// staticResolver resolves every peer to the given address.
type staticResolver struct {
	ip   net.IP
	port uint16
}

func (s *staticResolver) QueryAddress(_ wire.FederateID) (net.IP, uint16, error) {
	return s.ip, s.port, nil
}

func testConnector(port uint16, federationID string) *Connector {
	return NewConnector(ConnectorConfig{
		FederateID:           5,
		FederationID:         federationID,
		ConnectNumRetries:    2,
		ConnectRetryInterval: 20 * time.Millisecond,
		ConnectTimeout:       2 * time.Second,
		Logger:               testLogger(),
	}, &staticResolver{ip: net.IPv4(127, 0, 0, 1), port: port})
}

func TestPeerHandshake_Accepted(t *testing.T) {
	srv := newTestPeerServer(t, "fed")

	var mu sync.Mutex
	registered := map[wire.FederateID]*netio.Conn{}
	done := make(chan error, 1)
	go func() {
		done <- srv.AcceptPeers(1, func(id wire.FederateID, conn *netio.Conn) {
			mu.Lock()
			registered[id] = conn
			mu.Unlock()
		})
	}()

	conn, err := testConnector(srv.Port(), "fed").ConnectToPeer(9)
	if err != nil {
		t.Fatalf("ConnectToPeer error: %v", err)
	}
	defer conn.Close()

	if err := <-done; err != nil {
		t.Fatalf("AcceptPeers error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registered[5]; !ok {
		t.Errorf("registered peers = %v, want sender federate 5", registered)
	}
}

func TestPeerHandshake_FederationMismatch(t *testing.T) {
	srv := newTestPeerServer(t, "fed")

	go srv.AcceptPeers(1, func(wire.FederateID, *netio.Conn) {
		t.Error("mismatched federation was registered")
	})

	_, err := testConnector(srv.Port(), "other-fed").ConnectToPeer(9)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("ConnectToPeer = %v, want ErrRejected", err)
	}
	var re *RejectionError
	if !errors.As(err, &re) || re.Reason != wire.RejectFederationIDMismatch {
		t.Errorf("reason = %v, want FEDERATION_ID_DOES_NOT_MATCH", err)
	}
}

func TestPeerHandshake_WrongFirstMessage(t *testing.T) {
	srv := newTestPeerServer(t, "fed")

	go srv.AcceptPeers(1, func(wire.FederateID, *netio.Conn) {
		t.Error("invalid handshake was registered")
	})

	c, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(srv.Port()))))
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer c.Close()

	// A MESSAGE kind where P2P_SENDING_FED_ID belongs, with a matching
	// federation ID so the kind check is what trips.
	c.Write([]byte{byte(wire.KindMessage), 0, 5, 3, 'f', 'e', 'd'})

	reply := make([]byte, wire.RejectLen)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(reply); err != nil {
		t.Fatalf("reading reject: %v", err)
	}
	if wire.Kind(reply[0]) != wire.KindReject || wire.RejectReason(reply[1]) != wire.RejectWrongServer {
		t.Errorf("reply = %v, want REJECT(WRONG_SERVER)", reply)
	}
}

func TestAcceptPeers_ClosedEarly(t *testing.T) {
	srv := newTestPeerServer(t, "fed")

	done := make(chan error, 1)
	go func() {
		done <- srv.AcceptPeers(1, func(wire.FederateID, *netio.Conn) {})
	}()

	time.Sleep(20 * time.Millisecond)
	srv.Close()

	if err := <-done; err == nil {
		t.Error("AcceptPeers on closed server returned nil error")
	}
}
