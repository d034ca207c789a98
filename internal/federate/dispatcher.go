package federate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wan-ninjas/lockstep/internal/netio"
	"github.com/wan-ninjas/lockstep/internal/sched"
	"github.com/wan-ninjas/lockstep/internal/wire"
)

// ListenerRole restricts which message kinds a listener accepts: the RTI
// socket carries control traffic that direct peer sockets must not.
type ListenerRole int

const (
	// RoleRTI is the single listener on the RTI socket.
	RoleRTI ListenerRole = iota

	// RolePeer is a listener on an inbound P2P socket.
	RolePeer
)

// Dispatcher demultiplexes inbound wire messages and converts them into
// scheduled local events through the coordinator. One Run loop executes
// per inbound socket.
type Dispatcher struct {
	coord   *Coordinator
	actions sched.ActionTable
	logger  *slog.Logger

	myID            wire.FederateID
	maxMessageBytes int64

	metrics *Metrics
}

// NewDispatcher creates a dispatcher feeding the given coordinator.
func NewDispatcher(coord *Coordinator, actions sched.ActionTable, myID wire.FederateID, maxMessageBytes int64, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		coord:           coord,
		actions:         actions,
		logger:          logger,
		myID:            myID,
		maxMessageBytes: maxMessageBytes,
		metrics:         metrics,
	}
}

// Run reads messages from conn until the connection closes or a protocol
// violation occurs. A clean EOF (connection closed at a message
// boundary) returns nil; everything else returns the cause. The
// connection is closed before returning in every error case.
func (d *Dispatcher) Run(conn *netio.Conn, role ListenerRole, source string) error {
	for {
		var kindByte [1]byte
		if err := conn.ReadFull(kindByte[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, netio.ErrClosed) {
				d.logger.Info("connection closed", slog.String("source", source))
				conn.Close()
				return nil
			}
			conn.CloseOnError(d.logger, err)
			return fmt.Errorf("reading message kind from %s: %w", source, err)
		}

		kind := wire.Kind(kindByte[0])
		var err error
		switch {
		case kind == wire.KindMessage && role == RoleRTI,
			kind == wire.KindP2PMessage && role == RolePeer:
			err = d.handleMessage(conn, kind, source)

		case kind == wire.KindTimedMessage && role == RoleRTI,
			kind == wire.KindP2PTimedMessage && role == RolePeer:
			err = d.handleTimedMessage(conn, kind, source)

		case kind == wire.KindTimeAdvanceGrant && role == RoleRTI:
			err = d.handleTimeAdvanceGrant(conn)

		case kind == wire.KindStop && role == RoleRTI:
			err = d.handleStop(conn)

		default:
			err = fmt.Errorf("%w: unexpected %s from %s", ErrProtocol, kind, source)
		}

		if err != nil {
			conn.CloseOnError(d.logger, err)
			return err
		}
	}
}

// handleMessage processes an untimed message: the event is scheduled at
// the current logical time.
func (d *Dispatcher) handleMessage(conn *netio.Conn, kind wire.Kind, source string) error {
	header, payload, err := d.readMessage(conn, kind, false)
	if err != nil {
		return err
	}
	trigger, ok := d.precheck(header, source)
	if !ok {
		return nil
	}
	d.coord.ScheduleInbound(trigger, payload)
	d.metrics.MessagesReceived.Add(1)
	return nil
}

// handleTimedMessage processes a timestamped message: the event is
// scheduled with a delay of timestamp minus current logical time, so
// messages land in timestamp order regardless of arrival order.
func (d *Dispatcher) handleTimedMessage(conn *netio.Conn, kind wire.Kind, source string) error {
	header, payload, err := d.readMessage(conn, kind, true)
	if err != nil {
		return err
	}
	trigger, ok := d.precheck(header, source)
	if !ok {
		return nil
	}
	d.coord.ScheduleInboundAt(trigger, header.Timestamp, payload)
	d.metrics.TimedMessagesReceived.Add(1)
	d.logger.Debug("scheduled timed message",
		slog.String("source", source),
		slog.Int("port", int(header.Port)),
		slog.Int64("timestamp", int64(header.Timestamp)),
		slog.Int("length", int(header.Length)),
	)
	return nil
}

// readMessage reads the remaining header bytes and the payload. The
// payload buffer is allocated here and ownership passes to the scheduler
// via Schedule. An advertised length beyond the configured bound is a
// protocol violation, not a truncation.
func (d *Dispatcher) readMessage(conn *netio.Conn, kind wire.Kind, timed bool) (wire.MessageHeader, []byte, error) {
	headerLen := wire.MessageHeaderLen - 1
	if timed {
		headerLen = wire.TimedMessageHeaderLen - 1
	}
	buf := make([]byte, headerLen)
	if err := conn.ReadFull(buf); err != nil {
		return wire.MessageHeader{}, nil, fmt.Errorf("reading %s header: %w", kind, err)
	}

	var header wire.MessageHeader
	var err error
	if timed {
		header, err = wire.DecodeTimedMessageHeader(kind, buf)
	} else {
		header, err = wire.DecodeMessageHeader(kind, buf)
	}
	if err != nil {
		return wire.MessageHeader{}, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if int64(header.Length) > d.maxMessageBytes {
		return wire.MessageHeader{}, nil, fmt.Errorf("%w: payload of %d bytes exceeds limit %d",
			ErrProtocol, header.Length, d.maxMessageBytes)
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if err := conn.ReadFull(payload); err != nil {
			return wire.MessageHeader{}, nil, fmt.Errorf("reading %d payload bytes: %w", header.Length, err)
		}
	}
	return header, payload, nil
}

// precheck validates the destination and resolves the trigger. A message
// addressed to another federate or to an unknown port is dropped with a
// warning; both indicate a routing problem, not a broken stream.
func (d *Dispatcher) precheck(header wire.MessageHeader, source string) (sched.Trigger, bool) {
	if header.Federate != d.myID {
		d.logger.Warn("dropping message addressed to another federate",
			slog.String("source", source),
			slog.Int("destination", int(header.Federate)),
			slog.Int("self", int(d.myID)),
		)
		return nil, false
	}
	trigger, ok := d.actions.ActionForPort(header.Port)
	if !ok {
		d.logger.Warn("dropping message for unknown port",
			slog.String("source", source),
			slog.Int("port", int(header.Port)),
		)
		return nil, false
	}
	return trigger, true
}

// handleTimeAdvanceGrant reads the granted instant and applies it.
func (d *Dispatcher) handleTimeAdvanceGrant(conn *netio.Conn) error {
	var buf [8]byte
	if err := conn.ReadFull(buf[:]); err != nil {
		return fmt.Errorf("reading TIME_ADVANCE_GRANT: %w", err)
	}
	grant, err := wire.DecodeInstant(buf[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := d.coord.HandleTimeAdvanceGrant(grant); err != nil {
		return err
	}
	d.metrics.TagsReceived.Add(1)
	return nil
}

// handleStop reads the advertised stop instant and raises the stop flag.
func (d *Dispatcher) handleStop(conn *netio.Conn) error {
	var buf [8]byte
	if err := conn.ReadFull(buf[:]); err != nil {
		return fmt.Errorf("reading STOP: %w", err)
	}
	stopTime, err := wire.DecodeInstant(buf[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	d.coord.HandleStop(stopTime)
	d.metrics.StopsReceived.Add(1)
	return nil
}
