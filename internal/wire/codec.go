package wire

import (
	"encoding/binary"
	"fmt"
)

// EncodeUint16 writes v into the first two bytes of b in network order.
func EncodeUint16(v uint16, b []byte) {
	binary.BigEndian.PutUint16(b, v)
}

// DecodeUint16 reads a network-order uint16 from the first two bytes of b.
func DecodeUint16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

// EncodeInt32 writes v into the first four bytes of b in network order.
func EncodeInt32(v int32, b []byte) {
	binary.BigEndian.PutUint32(b, uint32(v))
}

// DecodeInt32 reads a network-order int32 from the first four bytes of b.
func DecodeInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

// EncodeInt64 writes v into the first eight bytes of b in network order.
func EncodeInt64(v int64, b []byte) {
	binary.BigEndian.PutUint64(b, uint64(v))
}

// DecodeInt64 reads a network-order int64 from the first eight bytes of b.
func DecodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// MessageHeader is the decoded header of a MESSAGE or TIMED_MESSAGE (and
// their P2P variants). Timestamp is meaningful only for timed kinds.
type MessageHeader struct {
	Kind      Kind
	Port      PortID
	Federate  FederateID
	Length    uint32
	Timestamp Instant
}

// EncodeMessageHeader encodes an untimed message header: kind, destination
// port, destination federate, payload length.
func EncodeMessageHeader(kind Kind, port PortID, federate FederateID, length uint32) []byte {
	b := make([]byte, MessageHeaderLen)
	b[0] = byte(kind)
	EncodeUint16(uint16(port), b[1:3])
	EncodeUint16(uint16(federate), b[3:5])
	EncodeInt32(int32(length), b[5:9])
	return b
}

// EncodeTimedMessageHeader encodes a timed message header: the untimed
// header followed by the logical timestamp.
func EncodeTimedMessageHeader(kind Kind, port PortID, federate FederateID, length uint32, ts Instant) []byte {
	b := make([]byte, TimedMessageHeaderLen)
	b[0] = byte(kind)
	EncodeUint16(uint16(port), b[1:3])
	EncodeUint16(uint16(federate), b[3:5])
	EncodeInt32(int32(length), b[5:9])
	EncodeInt64(int64(ts), b[9:17])
	return b
}

// DecodeMessageHeader decodes the 8 header bytes that follow an untimed
// message kind byte.
func DecodeMessageHeader(kind Kind, b []byte) (MessageHeader, error) {
	if len(b) < MessageHeaderLen-1 {
		return MessageHeader{}, fmt.Errorf("message header truncated: got %d bytes, want %d", len(b), MessageHeaderLen-1)
	}
	return MessageHeader{
		Kind:     kind,
		Port:     PortID(DecodeUint16(b[0:2])),
		Federate: FederateID(DecodeUint16(b[2:4])),
		Length:   uint32(DecodeInt32(b[4:8])),
	}, nil
}

// DecodeTimedMessageHeader decodes the 16 header bytes that follow a timed
// message kind byte.
func DecodeTimedMessageHeader(kind Kind, b []byte) (MessageHeader, error) {
	if len(b) < TimedMessageHeaderLen-1 {
		return MessageHeader{}, fmt.Errorf("timed message header truncated: got %d bytes, want %d", len(b), TimedMessageHeaderLen-1)
	}
	h, err := DecodeMessageHeader(kind, b[0:8])
	if err != nil {
		return MessageHeader{}, err
	}
	h.Timestamp = Instant(DecodeInt64(b[8:16]))
	return h, nil
}

// EncodeFedID encodes the FED_ID handshake message: kind, federate ID,
// federation ID length, federation ID bytes.
func EncodeFedID(id FederateID, federationID string) ([]byte, error) {
	return encodeIdentity(KindFedID, id, federationID)
}

// EncodeP2PSendingFedID encodes the P2P_SENDING_FED_ID handshake message
// sent as the first bytes on a direct peer socket.
func EncodeP2PSendingFedID(id FederateID, federationID string) ([]byte, error) {
	return encodeIdentity(KindP2PSendingFedID, id, federationID)
}

func encodeIdentity(kind Kind, id FederateID, federationID string) ([]byte, error) {
	if len(federationID) > MaxFederationIDLen {
		return nil, fmt.Errorf("federation ID too long: %d bytes, max %d", len(federationID), MaxFederationIDLen)
	}
	b := make([]byte, FedIDHeaderLen+len(federationID))
	b[0] = byte(kind)
	EncodeUint16(uint16(id), b[1:3])
	b[3] = byte(len(federationID))
	copy(b[4:], federationID)
	return b, nil
}

// EncodeTime encodes a time-bearing control message: NEXT_EVENT_TIME,
// TIME_ADVANCE_GRANT, LOGICAL_TIME_COMPLETE, STOP or TIMESTAMP.
func EncodeTime(kind Kind, t Instant) []byte {
	b := make([]byte, TimeMessageLen)
	b[0] = byte(kind)
	EncodeInt64(int64(t), b[1:9])
	return b
}

// DecodeInstant reads the 8-byte instant that follows a time-bearing kind
// byte.
func DecodeInstant(b []byte) (Instant, error) {
	if len(b) < 8 {
		return Never, fmt.Errorf("instant truncated: got %d bytes, want 8", len(b))
	}
	return Instant(DecodeInt64(b[0:8])), nil
}

// EncodeAddressQuery encodes an ADDRESS_QUERY for the given peer.
func EncodeAddressQuery(id FederateID) []byte {
	b := make([]byte, AddressQueryLen)
	b[0] = byte(KindAddressQuery)
	EncodeUint16(uint16(id), b[1:3])
	return b
}

// EncodeAddressAd encodes an ADDRESS_AD advertising the given server port.
func EncodeAddressAd(port uint16) []byte {
	b := make([]byte, AddressAdLen)
	b[0] = byte(KindAddressAd)
	EncodeInt32(int32(port), b[1:5])
	return b
}

// EncodeReject encodes a REJECT message with its reason byte.
func EncodeReject(reason RejectReason) []byte {
	return []byte{byte(KindReject), byte(reason)}
}

// EncodeAck encodes the single-byte ACK message.
func EncodeAck() []byte {
	return []byte{byte(KindAck)}
}
