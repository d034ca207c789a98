package federate

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/wan-ninjas/lockstep/internal/wire"
)

// scriptedRTI is a one-connection fake RTI whose behavior is given as a
// function over the accepted socket.
func scriptedRTI(t *testing.T, script func(c net.Conn)) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		script(c)
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := c.Read(buf[got:])
		if err != nil {
			t.Errorf("fake RTI read error: %v", err)
			return buf
		}
		got += m
	}
	return buf
}

// acceptFedID consumes a FED_ID handshake and answers ACK.
func acceptFedID(t *testing.T, c net.Conn) {
	t.Helper()
	header := readN(t, c, wire.FedIDHeaderLen)
	if wire.Kind(header[0]) != wire.KindFedID {
		t.Errorf("first message kind = %d, want FED_ID", header[0])
	}
	readN(t, c, int(header[3]))
	c.Write(wire.EncodeAck())
}

func testRTIConfig(port uint16) RTIClientConfig {
	return RTIClientConfig{
		Host:                      "127.0.0.1",
		Port:                      port,
		FederateID:                1,
		FederationID:              "fed",
		ConnectNumRetries:         2,
		ConnectRetryInterval:      50 * time.Millisecond,
		AddressQueryRetryInterval: 10 * time.Millisecond,
		Logger:                    testLogger(),
	}
}

func TestRTIClient_Connect(t *testing.T) {
	port := scriptedRTI(t, func(c net.Conn) {
		header := readN(t, c, wire.FedIDHeaderLen)
		if got := wire.DecodeUint16(header[1:3]); got != 1 {
			t.Errorf("federate ID = %d, want 1", got)
		}
		fedID := readN(t, c, int(header[3]))
		if string(fedID) != "fed" {
			t.Errorf("federation ID = %q, want fed", fedID)
		}
		c.Write(wire.EncodeAck())
		time.Sleep(100 * time.Millisecond)
	})

	r := NewRTIClient(testRTIConfig(port))
	if err := r.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	r.Close()
}

func TestRTIClient_Connect_RejectedTerminal(t *testing.T) {
	port := scriptedRTI(t, func(c net.Conn) {
		header := readN(t, c, wire.FedIDHeaderLen)
		readN(t, c, int(header[3]))
		c.Write(wire.EncodeReject(wire.RejectUnknownFederate))
	})

	r := NewRTIClient(testRTIConfig(port))
	err := r.Connect()
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Connect = %v, want ErrRejected", err)
	}
	var re *RejectionError
	if !errors.As(err, &re) || re.Reason != wire.RejectUnknownFederate {
		t.Errorf("rejection reason = %v, want UNKNOWN_FEDERATE", err)
	}
}

func TestRTIClient_Connect_WrongServerOnExplicitPort(t *testing.T) {
	port := scriptedRTI(t, func(c net.Conn) {
		header := readN(t, c, wire.FedIDHeaderLen)
		readN(t, c, int(header[3]))
		c.Write(wire.EncodeReject(wire.RejectWrongServer))
	})

	// With an explicit port there is no cycling to fall back on.
	r := NewRTIClient(testRTIConfig(port))
	if err := r.Connect(); !errors.Is(err, ErrRejected) {
		t.Errorf("Connect = %v, want ErrRejected", err)
	}
}

func TestRTIClient_QueryAddress_RetriesUnknown(t *testing.T) {
	port := scriptedRTI(t, func(c net.Conn) {
		acceptFedID(t, c)

		// First query: peer not yet known.
		readN(t, c, wire.AddressQueryLen)
		var unknown [8]byte
		wire.EncodeInt32(-1, unknown[0:4])
		c.Write(unknown[:])

		// Second query: resolved.
		q := readN(t, c, wire.AddressQueryLen)
		if wire.Kind(q[0]) != wire.KindAddressQuery {
			t.Errorf("kind = %d, want ADDRESS_QUERY", q[0])
		}
		if got := wire.DecodeUint16(q[1:3]); got != 4 {
			t.Errorf("queried federate = %d, want 4", got)
		}
		var reply [8]byte
		wire.EncodeInt32(15046, reply[0:4])
		copy(reply[4:], []byte{127, 0, 0, 1})
		c.Write(reply[:])
		time.Sleep(100 * time.Millisecond)
	})

	r := NewRTIClient(testRTIConfig(port))
	if err := r.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer r.Close()

	ip, peerPort, err := r.QueryAddress(4)
	if err != nil {
		t.Fatalf("QueryAddress error: %v", err)
	}
	if ip.String() != "127.0.0.1" {
		t.Errorf("ip = %s, want 127.0.0.1", ip)
	}
	if peerPort != 15046 {
		t.Errorf("port = %d, want 15046", peerPort)
	}
}

func TestRTIClient_QueryAddress_Timeout(t *testing.T) {
	port := scriptedRTI(t, func(c net.Conn) {
		acceptFedID(t, c)
		for {
			if _, err := c.Read(make([]byte, wire.AddressQueryLen)); err != nil {
				return
			}
			var unknown [8]byte
			wire.EncodeInt32(-1, unknown[0:4])
			if _, err := c.Write(unknown[:]); err != nil {
				return
			}
		}
	})

	r := NewRTIClient(testRTIConfig(port))
	if err := r.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer r.Close()

	if _, _, err := r.QueryAddress(4); !errors.Is(err, ErrTimeout) {
		t.Errorf("QueryAddress = %v, want ErrTimeout", err)
	}
}

func TestRTIClient_ExchangeStartTime(t *testing.T) {
	const physical = wire.Instant(1000)
	const start = wire.Instant(2500)

	port := scriptedRTI(t, func(c net.Conn) {
		acceptFedID(t, c)
		msg := readN(t, c, wire.TimeMessageLen)
		if wire.Kind(msg[0]) != wire.KindTimestamp {
			t.Errorf("kind = %d, want TIMESTAMP", msg[0])
		}
		if got, _ := wire.DecodeInstant(msg[1:]); got != physical {
			t.Errorf("physical time = %d, want %d", got, physical)
		}
		c.Write(wire.EncodeTime(wire.KindTimestamp, start))
		time.Sleep(100 * time.Millisecond)
	})

	r := NewRTIClient(testRTIConfig(port))
	if err := r.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer r.Close()

	got, err := r.ExchangeStartTime(physical)
	if err != nil {
		t.Fatalf("ExchangeStartTime error: %v", err)
	}
	if got != start {
		t.Errorf("start time = %d, want %d", got, start)
	}
}
